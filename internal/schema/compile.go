// Package schema compiles compact type expressions such as "string?",
// "enum:a,b,c" or "(string|number)[]", and nested definitions built from them,
// into a validator tree for structured model output.
package schema

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Kind 节点类型
type Kind int

const (
	KindPrimitive Kind = iota
	KindLiteral
	KindEnum
	KindArray
	KindUnion
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindPrimitive:
		return "primitive"
	case KindLiteral:
		return "literal"
	case KindEnum:
		return "enum"
	case KindArray:
		return "array"
	case KindUnion:
		return "union"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

const (
	PrimitiveString  = "string"
	PrimitiveNumber  = "number"
	PrimitiveBoolean = "boolean"
	PrimitiveNull    = "null"
	PrimitiveAny     = "any"
	PrimitiveUnknown = "unknown"
)

// Schema 编译后的校验树
type Schema struct {
	Kind      Kind
	Primitive string
	// Literal 为 string 或 float64
	Literal  any
	Values   []string
	Element  *Schema
	Members  []*Schema
	Fields   map[string]*Schema
	Optional bool
}

// CompileError 无法识别的表达式
type CompileError struct {
	Expr   string
	Reason string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("schema: cannot compile %q: %s", e.Expr, e.Reason)
}

// Compile 严格编译：未知表达式返回 *CompileError
func Compile(def any) (*Schema, error) {
	return compileDef(def, false)
}

// CompileLenient 兼容旧行为：未知表达式降级为任意字符串
func CompileLenient(def any) *Schema {
	s, err := compileDef(def, true)
	if err != nil {
		log.Warnf("schema: %v, accepting any string", err)
		return &Schema{Kind: KindPrimitive, Primitive: PrimitiveString}
	}
	return s
}

func compileDef(def any, lenient bool) (*Schema, error) {
	switch v := def.(type) {
	case string:
		return parseExpr(v, lenient)
	case nil:
		return &Schema{Kind: KindPrimitive, Primitive: PrimitiveNull}, nil
	case []any:
		return compileArray(v, lenient)
	case []string:
		items := make([]any, len(v))
		for i, s := range v {
			items[i] = s
		}
		return compileArray(items, lenient)
	case map[string]any:
		return compileObject(v, lenient)
	case map[string]string:
		fields := make(map[string]any, len(v))
		for k, s := range v {
			fields[k] = s
		}
		return compileObject(fields, lenient)
	default:
		if lenient {
			log.Warnf("schema: unsupported definition %T, accepting any string", def)
			return &Schema{Kind: KindPrimitive, Primitive: PrimitiveString}, nil
		}
		return nil, &CompileError{Expr: fmt.Sprint(def), Reason: fmt.Sprintf("unsupported definition type %T", def)}
	}
}

// 单元素数组 => 元素数组；全是对象 => 对象联合；其他 => 成员联合
func compileArray(items []any, lenient bool) (*Schema, error) {
	switch len(items) {
	case 0:
		return &Schema{Kind: KindArray, Element: &Schema{Kind: KindPrimitive, Primitive: PrimitiveAny}}, nil
	case 1:
		elem, err := compileDef(items[0], lenient)
		if err != nil {
			return nil, err
		}
		return &Schema{Kind: KindArray, Element: elem}, nil
	}

	members := make([]*Schema, 0, len(items))
	for _, item := range items {
		m, err := compileDef(item, lenient)
		if err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return &Schema{Kind: KindUnion, Members: members}, nil
}

func compileObject(def map[string]any, lenient bool) (*Schema, error) {
	names := make([]string, 0, len(def))
	for name := range def {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make(map[string]*Schema, len(def))
	for _, name := range names {
		f, err := compileDef(def[name], lenient)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		fields[name] = f
	}
	return &Schema{Kind: KindObject, Fields: fields}, nil
}

func parseExpr(expr string, lenient bool) (*Schema, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return fallback(expr, "empty expression", lenient)
	}

	optional := false
	if strings.HasSuffix(s, "?") {
		optional = true
		s = strings.TrimSpace(strings.TrimSuffix(s, "?"))
	}

	node, err := parseType(s, lenient)
	if err != nil {
		return nil, err
	}
	if optional {
		node.Optional = true
	}
	return node, nil
}

func parseType(s string, lenient bool) (*Schema, error) {
	if parts := splitTopLevel(s, '|'); len(parts) > 1 {
		members := make([]*Schema, 0, len(parts))
		for _, p := range parts {
			m, err := parseExpr(p, lenient)
			if err != nil {
				return nil, err
			}
			members = append(members, m)
		}
		return &Schema{Kind: KindUnion, Members: members}, nil
	}

	if strings.HasSuffix(s, "[]") {
		inner := strings.TrimSpace(strings.TrimSuffix(s, "[]"))
		if inner == "" {
			return fallback(s, "array without element type", lenient)
		}
		elem, err := parseExpr(inner, lenient)
		if err != nil {
			return nil, err
		}
		return &Schema{Kind: KindArray, Element: elem}, nil
	}

	if isWrapped(s) {
		return parseExpr(s[1:len(s)-1], lenient)
	}

	if rest, ok := strings.CutPrefix(s, "enum:"); ok {
		values := make([]string, 0)
		for _, v := range splitTopLevel(rest, ',') {
			v = unquote(strings.TrimSpace(v))
			if v == "" {
				return fallback(s, "empty enum value", lenient)
			}
			values = append(values, v)
		}
		return &Schema{Kind: KindEnum, Values: values}, nil
	}

	if isQuoted(s) {
		return &Schema{Kind: KindLiteral, Literal: s[1 : len(s)-1]}, nil
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(n) && !math.IsInf(n, 0) {
		return &Schema{Kind: KindLiteral, Literal: n}, nil
	}

	switch s {
	case PrimitiveString, PrimitiveNumber, PrimitiveBoolean, PrimitiveNull, PrimitiveAny, PrimitiveUnknown:
		return &Schema{Kind: KindPrimitive, Primitive: s}, nil
	}
	return fallback(s, "unrecognized type", lenient)
}

func fallback(expr, reason string, lenient bool) (*Schema, error) {
	if lenient {
		log.Warnf("schema: %s %q, accepting any string", reason, expr)
		return &Schema{Kind: KindPrimitive, Primitive: PrimitiveString}, nil
	}
	return nil, &CompileError{Expr: expr, Reason: reason}
}

// splitTopLevel 按分隔符切分，忽略括号和引号内部
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth := 0
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == sep && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

// isWrapped 判断整个表达式是否被一对匹配的括号包住
func isWrapped(s string) bool {
	if len(s) < 2 || s[0] != '(' || s[len(s)-1] != ')' {
		return false
	}
	depth := 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth == 0 && i != len(s)-1 {
				return false
			}
		}
	}
	return depth == 0
}

func isQuoted(s string) bool {
	return len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0]
}

func unquote(s string) string {
	if isQuoted(s) {
		return s[1 : len(s)-1]
	}
	return s
}

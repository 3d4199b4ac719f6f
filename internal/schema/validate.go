package schema

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/tidwall/gjson"
)

// MismatchError 值与 schema 不匹配
type MismatchError struct {
	Path    string
	Message string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("schema: %s: %s", e.Path, e.Message)
}

// Validate 校验 JSON 文档
func (s *Schema) Validate(data []byte) error {
	if !gjson.ValidBytes(data) {
		return &MismatchError{Path: "$", Message: "invalid JSON"}
	}
	return s.ValidateResult(gjson.ParseBytes(data))
}

// ValidateResult 校验已解析的值；不存在的值只有 optional 与 any/unknown 节点接受
func (s *Schema) ValidateResult(v gjson.Result) error {
	return s.validate(v, "$")
}

func (s *Schema) acceptsAbsent() bool {
	if s.Optional {
		return true
	}
	return s.Kind == KindPrimitive && (s.Primitive == PrimitiveAny || s.Primitive == PrimitiveUnknown)
}

func (s *Schema) validate(v gjson.Result, path string) error {
	if !v.Exists() {
		if s.acceptsAbsent() {
			return nil
		}
		return &MismatchError{Path: path, Message: "required"}
	}

	switch s.Kind {
	case KindPrimitive:
		if !primitiveMatches(s.Primitive, v) {
			return &MismatchError{Path: path, Message: fmt.Sprintf("expected %s, got %s", s.Primitive, typeName(v))}
		}
	case KindLiteral:
		if !literalMatches(s.Literal, v) {
			return &MismatchError{Path: path, Message: fmt.Sprintf("expected literal %v", s.Literal)}
		}
	case KindEnum:
		if v.Type != gjson.String || !slices.Contains(s.Values, v.Str) {
			return &MismatchError{Path: path, Message: fmt.Sprintf("expected one of %v", s.Values)}
		}
	case KindArray:
		if !v.IsArray() {
			return &MismatchError{Path: path, Message: "expected array, got " + typeName(v)}
		}
		for i, item := range v.Array() {
			if err := s.Element.validate(item, path+"["+strconv.Itoa(i)+"]"); err != nil {
				return err
			}
		}
	case KindUnion:
		for _, m := range s.Members {
			if m.validate(v, path) == nil {
				return nil
			}
		}
		return &MismatchError{Path: path, Message: "no union member matched"}
	case KindObject:
		if !v.IsObject() {
			return &MismatchError{Path: path, Message: "expected object, got " + typeName(v)}
		}
		values := v.Map()
		for _, name := range s.fieldNames() {
			if err := s.Fields[name].validate(values[name], path+"."+name); err != nil {
				return err
			}
		}
	}
	return nil
}

func primitiveMatches(kind string, v gjson.Result) bool {
	switch kind {
	case PrimitiveString:
		return v.Type == gjson.String
	case PrimitiveNumber:
		return v.Type == gjson.Number
	case PrimitiveBoolean:
		return v.Type == gjson.True || v.Type == gjson.False
	case PrimitiveNull:
		return v.Type == gjson.Null
	case PrimitiveAny, PrimitiveUnknown:
		return true
	}
	return false
}

func literalMatches(lit any, v gjson.Result) bool {
	switch want := lit.(type) {
	case string:
		return v.Type == gjson.String && v.Str == want
	case float64:
		return v.Type == gjson.Number && v.Num == want
	}
	return false
}

func typeName(v gjson.Result) string {
	switch {
	case v.IsArray():
		return "array"
	case v.IsObject():
		return "object"
	}
	switch v.Type {
	case gjson.String:
		return "string"
	case gjson.Number:
		return "number"
	case gjson.True, gjson.False:
		return "boolean"
	case gjson.Null:
		return "null"
	}
	return "undefined"
}

func (s *Schema) fieldNames() []string {
	names := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

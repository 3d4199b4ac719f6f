package provider

import (
	"strings"

	"github.com/tidwall/gjson"
)

type jsonCheckpoint struct {
	pos   int
	stack string
}

// RepairPartialJSON 把被截断的 JSON 文本补全为可解析的最长前缀。
// 先尝试补齐字符串与括号；不可解析时回退到最近的逗号或开括号处再补齐。
func RepairPartialJSON(s string) (string, bool) {
	var (
		stack       []byte
		inString    bool
		escaped     bool
		checkpoints []jsonCheckpoint
	)
	start := -1

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			if start < 0 {
				start = i
			}
			stack = append(stack, c)
			checkpoints = append(checkpoints, jsonCheckpoint{pos: i + 1, stack: string(stack)})
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case ',':
			checkpoints = append(checkpoints, jsonCheckpoint{pos: i, stack: string(stack)})
		}
		if start < 0 && c != ' ' && c != '\t' && c != '\r' && c != '\n' {
			start = i
		}
	}
	if start < 0 {
		return "", false
	}

	tail := s
	if inString {
		if escaped {
			tail = tail[:len(tail)-1]
		}
		tail += `"`
	}
	if candidate := strings.TrimSpace(tail + closers(string(stack))); gjson.Valid(candidate) {
		return candidate, true
	}

	for i := len(checkpoints) - 1; i >= 0; i-- {
		cp := checkpoints[i]
		if cp.pos <= start {
			break
		}
		candidate := strings.TrimSpace(s[:cp.pos]) + closers(cp.stack)
		if gjson.Valid(candidate) {
			return candidate, true
		}
	}
	return "", false
}

func closers(stack string) string {
	var b strings.Builder
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return b.String()
}

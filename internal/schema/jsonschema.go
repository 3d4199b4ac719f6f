package schema

// JSONSchema 导出 JSON Schema，作为结构化输出的 response_format 发送给上游
func (s *Schema) JSONSchema() map[string]any {
	switch s.Kind {
	case KindPrimitive:
		switch s.Primitive {
		case PrimitiveAny, PrimitiveUnknown:
			return map[string]any{}
		default:
			return map[string]any{"type": s.Primitive}
		}
	case KindLiteral:
		return map[string]any{"const": s.Literal}
	case KindEnum:
		values := make([]any, len(s.Values))
		for i, v := range s.Values {
			values[i] = v
		}
		return map[string]any{"type": "string", "enum": values}
	case KindArray:
		return map[string]any{"type": "array", "items": s.Element.JSONSchema()}
	case KindUnion:
		members := make([]any, len(s.Members))
		for i, m := range s.Members {
			members[i] = m.JSONSchema()
		}
		return map[string]any{"anyOf": members}
	case KindObject:
		props := make(map[string]any, len(s.Fields))
		required := make([]any, 0, len(s.Fields))
		for _, name := range s.fieldNames() {
			f := s.Fields[name]
			props[name] = f.JSONSchema()
			if !f.acceptsAbsent() {
				required = append(required, name)
			}
		}
		return map[string]any{"type": "object", "properties": props, "required": required}
	}
	return map[string]any{}
}

// RootIsObject 上游结构化输出要求顶层为对象
func (s *Schema) RootIsObject() bool {
	return s.Kind == KindObject
}

package provider

import "testing"

func TestRepairPartialJSON(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{`{"a":"hel`, `{"a":"hel"}`, true},
		{`{"a":12`, `{"a":12}`, true},
		{`{"a":1.`, `{}`, true},
		{`{"a":tr`, `{}`, true},
		{`{"a":"x","b`, `{"a":"x"}`, true},
		{`{"a":"x","b":`, `{"a":"x"}`, true},
		{`{"a":[1,2`, `{"a":[1,2]}`, true},
		{`{"a":[1,2],"b":tr`, `{"a":[1,2]}`, true},
		{`{"a":{"b":"c\`, `{"a":{"b":"c"}}`, true},
		{`{"a":"x"}`, `{"a":"x"}`, true},
		{`  {`, `{}`, true},
		{`[{"id":1},{"id"`, `[{"id":1},{}]`, true},
		{``, ``, false},
		{`   `, ``, false},
	}
	for _, tt := range tests {
		got, ok := RepairPartialJSON(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("RepairPartialJSON(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

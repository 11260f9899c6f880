package job

import (
	"strings"
	"testing"
)

func TestValidateArgumentsCoercion(t *testing.T) {
	t.Parallel()
	args := map[string]any{
		"count":  float64(3),
		"ratio":  2.5,
		"name":   "report",
		"flag":   true,
		"nested": map[string]any{"limit": float64(10)},
		"list":   []any{"a", float64(1)},
	}
	out, jerr := ValidateArguments(args, ArgLimits{})
	if jerr != nil {
		t.Fatalf("unexpected error: %v", jerr)
	}
	if got, ok := out["count"].(int64); !ok || got != 3 {
		t.Fatalf("count = %v (%T), want int64(3)", out["count"], out["count"])
	}
	if got, ok := out["ratio"].(float64); !ok || got != 2.5 {
		t.Fatalf("ratio = %v, want 2.5", out["ratio"])
	}
	nested, _ := out["nested"].(map[string]any)
	if got, ok := nested["limit"].(int64); !ok || got != 10 {
		t.Fatalf("nested.limit = %v (%T), want int64(10)", nested["limit"], nested["limit"])
	}
	// Input not mutated.
	if _, ok := args["count"].(float64); !ok {
		t.Fatal("input map was mutated")
	}
}

func TestValidateArgumentsRejections(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		args map[string]any
		lim  ArgLimits
	}{
		{name: "shell injection", args: map[string]any{"q": "x; rm -rf /"}},
		{name: "subshell", args: map[string]any{"q": "$(cat /etc/passwd)"}},
		{name: "sql injection", args: map[string]any{"q": "1 UNION SELECT * FROM users"}},
		{name: "null byte", args: map[string]any{"q": "a\x00b"}},
		{name: "too deep", args: map[string]any{"a": map[string]any{"b": map[string]any{"c": 1}}}, lim: ArgLimits{MaxDepth: 2}},
		{name: "too many keys", args: map[string]any{"a": 1, "b": 2, "c": 3}, lim: ArgLimits{MaxKeys: 2}},
		{name: "string too long", args: map[string]any{"s": strings.Repeat("x", 100)}, lim: ArgLimits{MaxStringLen: 10}},
		{name: "empty key", args: map[string]any{" ": 1}},
		{name: "unsupported type", args: map[string]any{"ch": make(chan int)}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, jerr := ValidateArguments(tt.args, tt.lim)
			if jerr == nil {
				t.Fatal("expected validation error")
			}
			if jerr.Kind != KindValidationError {
				t.Fatalf("kind = %s, want %s", jerr.Kind, KindValidationError)
			}
		})
	}
}

func TestValidateArgumentsNil(t *testing.T) {
	t.Parallel()
	out, jerr := ValidateArguments(nil, ArgLimits{})
	if jerr != nil || out == nil || len(out) != 0 {
		t.Fatalf("nil args should yield empty map, got %v / %v", out, jerr)
	}
}

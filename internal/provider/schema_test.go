package provider

import (
	"reflect"
	"testing"
)

func TestTransformSchemaUnions(t *testing.T) {
	tests := []struct {
		name string
		in   map[string]any
		want map[string]any
	}{
		{
			name: "scalar type untouched",
			in:   map[string]any{"type": "string"},
			want: map[string]any{"type": "string"},
		},
		{
			name: "nullable string collapses",
			in:   map[string]any{"type": []any{"string", "null"}},
			want: map[string]any{"type": "string"},
		},
		{
			name: "singleton union collapses",
			in:   map[string]any{"type": []any{"integer"}},
			want: map[string]any{"type": "integer"},
		},
		{
			name: "all-null union becomes object",
			in:   map[string]any{"type": []any{"null"}},
			want: map[string]any{"type": "object"},
		},
		{
			name: "mixed union falls back to generic object",
			in: map[string]any{
				"type":       []any{"string", "integer"},
				"properties": map[string]any{"x": map[string]any{"type": "string"}},
			},
			want: map[string]any{"type": "object"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TransformSchema(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTransformSchemaRecursesAndDropsEmptyProperties(t *testing.T) {
	in := map[string]any{
		"type":       "object",
		"properties": map[string]any{
			"query": map[string]any{"type": []any{"string", "null"}},
			"filters": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":       "object",
					"properties": map[string]any{},
				},
			},
		},
	}

	got := TransformSchema(in)

	props := got["properties"].(map[string]any)
	if props["query"].(map[string]any)["type"] != "string" {
		t.Errorf("nested union not flattened: %v", props["query"])
	}
	items := props["filters"].(map[string]any)["items"].(map[string]any)
	if _, present := items["properties"]; present {
		t.Errorf("empty properties survived: %v", items)
	}
}

func TestTransformSchemaTopLevelEmptyProperties(t *testing.T) {
	got := TransformSchema(map[string]any{"type": "object", "properties": map[string]any{}})
	if _, present := got["properties"]; present {
		t.Error("empty properties survived")
	}
}

func TestTransformSchemaNil(t *testing.T) {
	if got := TransformSchema(nil); got != nil {
		t.Errorf("got %v", got)
	}
}

func TestContextWindowFor(t *testing.T) {
	tests := []struct {
		model string
		want  int
	}{
		{"gpt-4o-mini", 128000},
		{"gpt-4", 8192},
		{"gpt-4-turbo-2024-04-09", 128000},
		{"claude-sonnet-4-5", 200000},
		{"gemini-1.5-pro-latest", 2097152},
		{"gemini-2.0-flash", 1048576},
		{"totally-unknown", DefaultContextWindow},
	}
	for _, tt := range tests {
		if got := ContextWindowFor(tt.model); got != tt.want {
			t.Errorf("ContextWindowFor(%q) = %d, want %d", tt.model, got, tt.want)
		}
	}
}

package jsonpath

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestResolve_SimpleField(t *testing.T) {
	data := map[string]any{"type": "PushEvent"}
	for _, path := range []string{"type", "$.type"} {
		val, err := Resolve(data, path)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", path, err)
		}
		if val != "PushEvent" {
			t.Errorf("%s: expected 'PushEvent', got %v", path, val)
		}
	}
}

func TestResolve_NestedField(t *testing.T) {
	data := map[string]any{
		"repo": map[string]any{
			"owner": map[string]any{
				"login": "octocat",
			},
		},
	}
	val, err := Resolve(data, "$.repo.owner.login")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "octocat" {
		t.Errorf("expected 'octocat', got %v", val)
	}
}

func TestResolve_Root(t *testing.T) {
	data := map[string]any{"a": 1.0}
	val, err := Resolve(data, "$")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m, ok := val.(map[string]any); !ok || m["a"] != 1.0 {
		t.Errorf("expected root object, got %v", val)
	}
}

func TestResolve_MissingField(t *testing.T) {
	_, err := Resolve(map[string]any{"id": "1"}, "$.type")
	if err == nil {
		t.Fatal("expected error for missing field")
	}
	if !strings.Contains(err.Error(), "not found") {
		t.Errorf("expected 'not found' in error, got %q", err)
	}
}

func TestResolve_IntermediateNonObject(t *testing.T) {
	_, err := Resolve(map[string]any{"id": "1"}, "id.value")
	if err == nil {
		t.Fatal("expected error for non-object intermediate")
	}
	if !strings.Contains(err.Error(), "non-object") {
		t.Errorf("expected 'non-object' in error, got %q", err)
	}
}

func TestString_Scalars(t *testing.T) {
	data := map[string]any{
		"s":     "2489651045",
		"num":   json.Number("2489651045"),
		"float": 12.5,
		"flag":  true,
	}
	tests := map[string]string{
		"$.s":     "2489651045",
		"$.num":   "2489651045",
		"$.float": "12.5",
		"$.flag":  "true",
	}
	for path, want := range tests {
		got, err := String(data, path)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", path, err)
		}
		if got != want {
			t.Errorf("%s: expected %q, got %q", path, want, got)
		}
	}
}

func TestString_RejectsNonScalars(t *testing.T) {
	data := map[string]any{
		"obj":  map[string]any{},
		"list": []any{"a"},
		"null": nil,
	}
	for _, path := range []string{"$.obj", "$.list", "$.null"} {
		_, err := String(data, path)
		if !errors.Is(err, ErrNotScalar) {
			t.Errorf("%s: expected ErrNotScalar, got %v", path, err)
		}
	}
}

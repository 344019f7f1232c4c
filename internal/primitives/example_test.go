package primitives

import (
	"encoding/json"
	"testing"
)

func TestNewExample(t *testing.T) {
	ex := NewExample(
		map[string]interface{}{"question": "What is Go?"},
		map[string]interface{}{"answer": "A programming language"},
	)

	if ex == nil {
		t.Fatal("expected non-nil example")
	}
	if len(ex.Inputs()) != 1 {
		t.Errorf("expected 1 input, got %d", len(ex.Inputs()))
	}
	if len(ex.Outputs()) != 1 {
		t.Errorf("expected 1 output, got %d", len(ex.Outputs()))
	}
}

func TestExample_Get(t *testing.T) {
	ex := NewExample(
		map[string]interface{}{"input": "test"},
		map[string]interface{}{"output": "result"},
	)

	val, ok := ex.Get("input")
	if !ok || val != "test" {
		t.Errorf("expected 'test', got %v (found=%v)", val, ok)
	}

	val, ok = ex.Get("output")
	if !ok || val != "result" {
		t.Errorf("expected 'result', got %v (found=%v)", val, ok)
	}

	if _, ok = ex.Get("missing"); ok {
		t.Error("expected not to find 'missing' field")
	}
}

func TestExample_InputKeys(t *testing.T) {
	ex := NewExample(
		map[string]interface{}{"b": 1, "a": 2},
		map[string]interface{}{"c": 3},
	)

	keys := ex.InputKeys()
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Errorf("expected sorted input keys [a b], got %v", keys)
	}
}

func TestExample_With(t *testing.T) {
	ex := NewExample(
		map[string]interface{}{"q": "1+1"},
		map[string]interface{}{"a": "2"},
	)

	ne := ex.With(map[string]interface{}{"a": "3", "extra": true})

	if val, _ := ne.Get("a"); val != "3" {
		t.Errorf("expected updated output 'a'=3, got %v", val)
	}
	if _, ok := ne.Outputs()["extra"]; !ok {
		t.Error("expected new field in outputs")
	}
	// Original untouched.
	if val, _ := ex.Get("a"); val != "2" {
		t.Errorf("original example mutated: a=%v", val)
	}
}

func TestExample_WithInputs(t *testing.T) {
	ex := NewExample(
		map[string]interface{}{"q": "1+1"},
		map[string]interface{}{"a": "2"},
	)

	ne := ex.WithInputs("a")
	if _, ok := ne.Inputs()["a"]; !ok {
		t.Error("expected 'a' to become an input")
	}
	if _, ok := ne.Outputs()["q"]; !ok {
		t.Error("expected 'q' to become an output")
	}
}

func TestExample_Metadata(t *testing.T) {
	ex := NewExample(
		map[string]interface{}{"q": "1+1"},
		map[string]interface{}{"a": "2"},
	)

	ex.SetMetadata(MetaQualityScore, 0.9)
	val, ok := ex.GetMetadata(MetaQualityScore)
	if !ok || val != 0.9 {
		t.Errorf("expected quality score 0.9, got %v", val)
	}

	// Metadata never shows up in the field projection.
	if _, ok := ex.ToMap()[MetaQualityScore]; ok {
		t.Error("metadata leaked into field map")
	}
}

func TestExample_JSONRoundTrip(t *testing.T) {
	ex := NewExample(
		map[string]interface{}{"q": "1+1"},
		map[string]interface{}{"a": "2"},
	)
	ex.SetMetadata(MetaGeneratedBy, "test")

	data, err := json.Marshal(ex)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded Example
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if val, _ := decoded.Get("q"); val != "1+1" {
		t.Errorf("expected q='1+1', got %v", val)
	}
	if val, _ := decoded.GetMetadata(MetaGeneratedBy); val != "test" {
		t.Errorf("expected metadata to survive, got %v", val)
	}
}

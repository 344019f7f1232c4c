package signatures

import "testing"

func TestParse(t *testing.T) {
	sig, err := Parse("question, context -> answer")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if len(sig.InputFields) != 2 {
		t.Errorf("expected 2 input fields, got %d", len(sig.InputFields))
	}
	if len(sig.OutputFields) != 1 {
		t.Errorf("expected 1 output field, got %d", len(sig.OutputFields))
	}
	if sig.String() != "question, context -> answer" {
		t.Errorf("unexpected rendering: %q", sig.String())
	}
}

func TestParse_TypeAnnotations(t *testing.T) {
	sig, err := Parse("question -> count:int")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	field, ok := sig.GetOutputField("count")
	if !ok {
		t.Fatal("expected output field 'count'")
	}
	if field.Type != "int" {
		t.Errorf("expected type int, got %q", field.Type)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []string{
		"no arrow here",
		"-> answer",
		"question ->",
		"question -> question",
	}

	for _, spec := range tests {
		if _, err := Parse(spec); err == nil {
			t.Errorf("expected error for %q", spec)
		}
	}
}

func TestSignature_Description(t *testing.T) {
	sig, _ := Parse("q -> a")

	if sig.Description() == "" {
		t.Error("expected a derived description")
	}

	sig.WithInstructions("answer the question")
	if sig.Description() != "answer the question" {
		t.Errorf("expected instructions to win, got %q", sig.Description())
	}
}

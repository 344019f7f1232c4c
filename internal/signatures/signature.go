// Package signatures defines the typed input/output contracts programs
// execute against.
package signatures

import (
	"fmt"
	"strings"
)

// Signature defines the input and output fields for a program. It acts
// like a type signature for a function, specifying what goes in and what
// comes out.
type Signature struct {
	// Name is an optional name for this signature
	Name string

	// Instructions provide guidance to the LM about the task
	Instructions string

	// InputFields are the input fields for this signature
	InputFields []*Field

	// OutputFields are the output fields for this signature
	OutputFields []*Field
}

// New creates a Signature from a string specification of the form
// "field1, field2 -> output1, output2".
func New(spec string) (*Signature, error) {
	return Parse(spec)
}

// NewWithFields creates a Signature with explicit fields.
func NewWithFields(inputFields, outputFields []*Field) *Signature {
	return &Signature{
		InputFields:  inputFields,
		OutputFields: outputFields,
	}
}

// WithInstructions adds instructions to the signature.
func (s *Signature) WithInstructions(instructions string) *Signature {
	s.Instructions = instructions
	return s
}

// WithName sets the signature name.
func (s *Signature) WithName(name string) *Signature {
	s.Name = name
	return s
}

// Description returns the task description: the instructions when present,
// otherwise a rendering of the field structure.
func (s *Signature) Description() string {
	if s.Instructions != "" {
		return s.Instructions
	}
	return fmt.Sprintf("Given the fields %s, produce the fields %s.",
		strings.Join(s.InputFieldNames(), ", "),
		strings.Join(s.OutputFieldNames(), ", "))
}

// GetInputField returns the input field with the given name.
func (s *Signature) GetInputField(name string) (*Field, bool) {
	for _, field := range s.InputFields {
		if field.Name == name {
			return field, true
		}
	}
	return nil, false
}

// GetOutputField returns the output field with the given name.
func (s *Signature) GetOutputField(name string) (*Field, bool) {
	for _, field := range s.OutputFields {
		if field.Name == name {
			return field, true
		}
	}
	return nil, false
}

// InputFieldNames returns the names of all input fields.
func (s *Signature) InputFieldNames() []string {
	names := make([]string, len(s.InputFields))
	for i, field := range s.InputFields {
		names[i] = field.Name
	}
	return names
}

// OutputFieldNames returns the names of all output fields.
func (s *Signature) OutputFieldNames() []string {
	names := make([]string, len(s.OutputFields))
	for i, field := range s.OutputFields {
		names[i] = field.Name
	}
	return names
}

// String returns a string representation of the signature.
func (s *Signature) String() string {
	inputs := strings.Join(s.InputFieldNames(), ", ")
	outputs := strings.Join(s.OutputFieldNames(), ", ")
	return fmt.Sprintf("%s -> %s", inputs, outputs)
}

// Validate checks if the signature is valid.
func (s *Signature) Validate() error {
	if len(s.InputFields) == 0 {
		return fmt.Errorf("signature must have at least one input field")
	}
	if len(s.OutputFields) == 0 {
		return fmt.Errorf("signature must have at least one output field")
	}

	seen := make(map[string]bool)
	for _, field := range append(append([]*Field(nil), s.InputFields...), s.OutputFields...) {
		if seen[field.Name] {
			return fmt.Errorf("duplicate field name: %s", field.Name)
		}
		seen[field.Name] = true
	}

	return nil
}

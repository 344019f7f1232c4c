package primitives

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Example represents a labeled training item with input fields and expected
// output fields. Examples are used for few-shot demonstrations and
// optimization. The bookkeeping an optimizer attaches (quality scores,
// provenance) lives in the metadata map and never leaks into prompts.
type Example struct {
	// inputs contains the input fields
	inputs map[string]interface{}

	// outputs contains the expected output fields (labels)
	outputs map[string]interface{}

	// metadata contains additional information about the example
	metadata map[string]interface{}
}

// Metadata keys stamped by the optimizers.
const (
	MetaQualityScore      = "quality_score"
	MetaGeneratedBy       = "generated_by"
	MetaTeacher           = "teacher"
	MetaOriginalExampleID = "original_example_id"
	MetaTimestamp         = "timestamp"
)

// NewExample creates a new Example with the given inputs and outputs.
func NewExample(inputs, outputs map[string]interface{}) *Example {
	if inputs == nil {
		inputs = make(map[string]interface{})
	}
	if outputs == nil {
		outputs = make(map[string]interface{})
	}

	return &Example{
		inputs:   inputs,
		outputs:  outputs,
		metadata: make(map[string]interface{}),
	}
}

// Inputs returns the input fields.
func (e *Example) Inputs() map[string]interface{} {
	return e.inputs
}

// Outputs returns the expected output fields.
func (e *Example) Outputs() map[string]interface{} {
	return e.outputs
}

// InputKeys returns the sorted names of the input fields.
func (e *Example) InputKeys() []string {
	keys := make([]string, 0, len(e.inputs))
	for k := range e.inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the value for the given field name, looking in both inputs
// and outputs.
func (e *Example) Get(field string) (interface{}, bool) {
	if val, ok := e.inputs[field]; ok {
		return val, true
	}
	if val, ok := e.outputs[field]; ok {
		return val, true
	}
	return nil, false
}

// With creates a new Example with additional fields. Fields whose names
// already exist as inputs update the input side; everything else lands in
// outputs.
func (e *Example) With(fields map[string]interface{}) *Example {
	ne := e.Copy()
	for k, v := range fields {
		if _, ok := ne.inputs[k]; ok {
			ne.inputs[k] = v
		} else {
			ne.outputs[k] = v
		}
	}
	return ne
}

// WithInputs creates a new Example where exactly the named fields are
// inputs and everything else is an output.
func (e *Example) WithInputs(fields ...string) *Example {
	ne := &Example{
		inputs:   make(map[string]interface{}),
		outputs:  make(map[string]interface{}),
		metadata: make(map[string]interface{}),
	}
	for k, v := range e.ToMap() {
		ne.outputs[k] = v
	}
	for _, field := range fields {
		if val, ok := ne.outputs[field]; ok {
			ne.inputs[field] = val
			delete(ne.outputs, field)
		}
	}
	for k, v := range e.metadata {
		ne.metadata[k] = v
	}
	return ne
}

// Copy returns a copy of the example with fresh field maps. Field values
// are shared; examples hold plain values and are never mutated in place.
func (e *Example) Copy() *Example {
	ne := &Example{
		inputs:   make(map[string]interface{}, len(e.inputs)),
		outputs:  make(map[string]interface{}, len(e.outputs)),
		metadata: make(map[string]interface{}, len(e.metadata)),
	}
	for k, v := range e.inputs {
		ne.inputs[k] = v
	}
	for k, v := range e.outputs {
		ne.outputs[k] = v
	}
	for k, v := range e.metadata {
		ne.metadata[k] = v
	}
	return ne
}

// SetMetadata sets a metadata field.
func (e *Example) SetMetadata(key string, value interface{}) {
	e.metadata[key] = value
}

// GetMetadata returns a metadata field.
func (e *Example) GetMetadata(key string) (interface{}, bool) {
	val, ok := e.metadata[key]
	return val, ok
}

// Metadata returns all metadata.
func (e *Example) Metadata() map[string]interface{} {
	return e.metadata
}

// ToMap returns a single map with all fields (inputs and outputs combined).
func (e *Example) ToMap() map[string]interface{} {
	result := make(map[string]interface{}, len(e.inputs)+len(e.outputs))
	for k, v := range e.inputs {
		result[k] = v
	}
	for k, v := range e.outputs {
		result[k] = v
	}
	return result
}

// MarshalJSON implements json.Marshaler.
func (e *Example) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"inputs":   e.inputs,
		"outputs":  e.outputs,
		"metadata": e.metadata,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Example) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to unmarshal example: %w", err)
	}

	if inputs, ok := raw["inputs"].(map[string]interface{}); ok {
		e.inputs = inputs
	} else {
		e.inputs = make(map[string]interface{})
	}

	if outputs, ok := raw["outputs"].(map[string]interface{}); ok {
		e.outputs = outputs
	} else {
		e.outputs = make(map[string]interface{})
	}

	if metadata, ok := raw["metadata"].(map[string]interface{}); ok {
		e.metadata = metadata
	} else {
		e.metadata = make(map[string]interface{})
	}

	return nil
}

// String returns a string representation of the example.
func (e *Example) String() string {
	data, _ := json.MarshalIndent(e, "", "  ")
	return string(data)
}

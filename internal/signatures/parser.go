package signatures

import (
	"fmt"
	"strings"
)

// Parse parses a signature string into a Signature object.
// Format: "field1, field2 -> output1, output2". Fields may carry a type
// annotation, e.g. "count:int".
func Parse(spec string) (*Signature, error) {
	parts := strings.Split(spec, "->")
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid signature format: expected 'inputs -> outputs', got %q", spec)
	}

	inputFields, err := parseFieldList(strings.TrimSpace(parts[0]), true)
	if err != nil {
		return nil, fmt.Errorf("failed to parse input fields: %w", err)
	}

	outputFields, err := parseFieldList(strings.TrimSpace(parts[1]), false)
	if err != nil {
		return nil, fmt.Errorf("failed to parse output fields: %w", err)
	}

	sig := &Signature{
		InputFields:  inputFields,
		OutputFields: outputFields,
	}

	if err := sig.Validate(); err != nil {
		return nil, err
	}

	return sig, nil
}

// parseFieldList parses a comma-separated list of field names.
func parseFieldList(fieldList string, isInput bool) ([]*Field, error) {
	if fieldList == "" {
		return nil, fmt.Errorf("field list cannot be empty")
	}

	fieldNames := strings.Split(fieldList, ",")
	fields := make([]*Field, 0, len(fieldNames))

	for _, name := range fieldNames {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}

		var field *Field
		if isInput {
			field = NewInputField(name)
		} else {
			field = NewOutputField(name)
		}

		if strings.Contains(name, ":") {
			parts := strings.SplitN(name, ":", 2)
			field.Name = strings.TrimSpace(parts[0])
			field.Prefix = field.Name + ":"
			if len(parts) > 1 {
				field.Type = strings.TrimSpace(parts[1])
			}
		}

		fields = append(fields, field)
	}

	if len(fields) == 0 {
		return nil, fmt.Errorf("no valid fields found in list")
	}

	return fields, nil
}

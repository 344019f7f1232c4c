package primitives

import (
	"context"
	"encoding/json"
	"fmt"
)

// Reserved input keys the wrapper uses to pass optimization state to a
// program that has no native slot for it.
const (
	InjectedDemosKey       = "demos"
	InjectedInstructionKey = "instruction"
)

// OptimizedProgram wraps a base program with demonstrations, an optional
// instruction and optimizer metadata. It is the enhancement path for
// programs that expose no native demo/instruction fields; such programs
// receive the state through reserved forward-input keys.
type OptimizedProgram struct {
	base        Module
	demos       []*Example
	instruction string
	metadata    map[string]interface{}
}

// NewOptimizedProgram wraps base with the given demos and metadata.
func NewOptimizedProgram(base Module, demos []*Example, metadata map[string]interface{}) *OptimizedProgram {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	return &OptimizedProgram{
		base:     base,
		demos:    append([]*Example(nil), demos...),
		metadata: metadata,
	}
}

// Base returns the wrapped program.
func (o *OptimizedProgram) Base() Module {
	return o.base
}

// Demos implements DemoCapable.
func (o *OptimizedProgram) Demos() []*Example {
	return o.demos
}

// SetDemos implements DemoCapable with replacement semantics.
func (o *OptimizedProgram) SetDemos(demos []*Example) {
	o.demos = append([]*Example(nil), demos...)
}

// Instruction implements InstructionCapable.
func (o *OptimizedProgram) Instruction() string {
	return o.instruction
}

// SetInstruction implements InstructionCapable.
func (o *OptimizedProgram) SetInstruction(instruction string) {
	o.instruction = instruction
}

// Metadata returns the optimizer metadata map.
func (o *OptimizedProgram) Metadata() map[string]interface{} {
	return o.metadata
}

// SetMetadata records an optimizer metadata entry.
func (o *OptimizedProgram) SetMetadata(key string, value interface{}) {
	o.metadata[key] = value
}

// Forward delegates to the wrapped program. When the base cannot accept
// demos or an instruction natively, they are injected into the forward
// inputs under the reserved keys.
func (o *OptimizedProgram) Forward(ctx context.Context, inputs map[string]interface{}) (*Prediction, error) {
	base := o.base

	_, demoCapable := base.(DemoCapable)
	_, instructionCapable := base.(InstructionCapable)

	if demoCapable || instructionCapable {
		cp := base.Copy()
		if dc, ok := cp.(DemoCapable); ok {
			dc.SetDemos(o.demos)
		}
		if ic, ok := cp.(InstructionCapable); ok && o.instruction != "" {
			ic.SetInstruction(o.instruction)
		}
		base = cp
	}

	fwd := inputs
	injectDemos := !demoCapable && len(o.demos) > 0
	injectInstruction := !instructionCapable && o.instruction != ""
	if injectDemos || injectInstruction {
		fwd = make(map[string]interface{}, len(inputs)+2)
		for k, v := range inputs {
			fwd[k] = v
		}
		if injectDemos {
			fwd[InjectedDemosKey] = o.demos
		}
		if injectInstruction {
			fwd[InjectedInstructionKey] = o.instruction
		}
	}

	return base.Forward(ctx, fwd)
}

// Copy implements Module.
func (o *OptimizedProgram) Copy() Module {
	metadata := make(map[string]interface{}, len(o.metadata))
	for k, v := range o.metadata {
		metadata[k] = v
	}
	cp := NewOptimizedProgram(o.base.Copy(), o.demos, metadata)
	cp.instruction = o.instruction
	return cp
}

// Save implements Module.
func (o *OptimizedProgram) Save() ([]byte, error) {
	baseState, err := o.base.Save()
	if err != nil {
		return nil, fmt.Errorf("failed to save wrapped program: %w", err)
	}
	return json.Marshal(map[string]interface{}{
		"base":        json.RawMessage(baseState),
		"demos":       o.demos,
		"instruction": o.instruction,
		"metadata":    o.metadata,
	})
}

// Load implements Module.
func (o *OptimizedProgram) Load(data []byte) error {
	var state struct {
		Base        json.RawMessage        `json:"base"`
		Demos       []*Example             `json:"demos"`
		Instruction string                 `json:"instruction"`
		Metadata    map[string]interface{} `json:"metadata"`
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to unmarshal optimized program: %w", err)
	}
	if len(state.Base) > 0 {
		if err := o.base.Load(state.Base); err != nil {
			return fmt.Errorf("failed to load wrapped program: %w", err)
		}
	}
	o.demos = state.Demos
	o.instruction = state.Instruction
	if state.Metadata != nil {
		o.metadata = state.Metadata
	}
	return nil
}

// Enhance attaches demos, an instruction and metadata to a program using
// whichever path its capabilities permit. The input program is never
// mutated; demos and instruction replace any previously attached values.
func Enhance(base Module, demos []*Example, instruction string, metadata map[string]interface{}) Module {
	switch EnhancementStrategyFor(base) {
	case NativeFull:
		cp := base.Copy()
		cp.(DemoCapable).SetDemos(demos)
		cp.(InstructionCapable).SetInstruction(instruction)
		if op, ok := cp.(*OptimizedProgram); ok {
			for k, v := range metadata {
				op.SetMetadata(k, v)
			}
		}
		return cp

	case NativeDemos:
		cp := base.Copy()
		cp.(DemoCapable).SetDemos(demos)
		if instruction == "" {
			return cp
		}
		wrapped := NewOptimizedProgram(cp, demos, metadata)
		wrapped.SetInstruction(instruction)
		return wrapped

	default:
		wrapped := NewOptimizedProgram(base.Copy(), demos, metadata)
		wrapped.SetInstruction(instruction)
		return wrapped
	}
}

// Package primitives provides the core building blocks for composed
// language-model programs: examples, predictions, the program interface
// and the enhancement wrapper optimizers attach their results to.
package primitives

import "context"

// Module is the interface all programs implement.
type Module interface {
	// Forward executes the program with the given inputs.
	Forward(ctx context.Context, inputs map[string]interface{}) (*Prediction, error)

	// Copy creates a deep copy of the program. Optimizers never mutate a
	// caller's program; they copy, then modify the copy.
	Copy() Module

	// Save serializes the program to JSON.
	Save() ([]byte, error)

	// Load deserializes the program from JSON.
	Load(data []byte) error
}

// DemoCapable is implemented by programs with a native few-shot demo slot.
type DemoCapable interface {
	Demos() []*Example
	SetDemos(demos []*Example)
}

// InstructionCapable is implemented by programs with a native instruction
// slot.
type InstructionCapable interface {
	Instruction() string
	SetInstruction(instruction string)
}

// EnhancementStrategy describes how optimization results can be attached
// to a program.
type EnhancementStrategy int

const (
	// WrapOptimized means the program exposes neither field and must be
	// wrapped in an OptimizedProgram.
	WrapOptimized EnhancementStrategy = iota

	// NativeDemos means the program accepts demos but not an instruction.
	NativeDemos

	// NativeFull means the program accepts both demos and an instruction.
	NativeFull
)

// String returns the strategy name.
func (s EnhancementStrategy) String() string {
	switch s {
	case NativeFull:
		return "native_full"
	case NativeDemos:
		return "native_demos"
	default:
		return "wrap_optimized"
	}
}

// EnhancementStrategyFor inspects a program's capabilities.
func EnhancementStrategyFor(m Module) EnhancementStrategy {
	_, demos := m.(DemoCapable)
	_, instruction := m.(InstructionCapable)
	switch {
	case demos && instruction:
		return NativeFull
	case demos:
		return NativeDemos
	default:
		return WrapOptimized
	}
}

// Package teleprompt provides optimizers that improve composed
// language-model programs by searching over instructions and few-shot
// demonstrations.
package teleprompt

import (
	"context"
	"errors"
	"fmt"

	"github.com/promptforge/teleprompt/internal/evaluate"
	"github.com/promptforge/teleprompt/internal/primitives"
)

// Teleprompt is the base interface for all optimizers.
type Teleprompt interface {
	// Compile optimizes a student program using the training set and
	// metric, returning a new program. The input programs are never
	// mutated.
	Compile(ctx context.Context, student primitives.Module, trainset []*primitives.Example, metric evaluate.Metric) (primitives.Module, error)

	// Name returns the optimizer name.
	Name() string
}

// Top-level optimizer errors.
var (
	ErrInvalidStudent        = errors.New("invalid student program")
	ErrInvalidTeacher        = errors.New("invalid teacher program")
	ErrEmptyTrainset         = errors.New("invalid or empty trainset")
	ErrInvalidMetric         = errors.New("invalid metric function")
	ErrNoValidConfigurations = errors.New("no valid configurations")
)

// OptimizationError wraps a failure recovered from an optimizer main loop.
type OptimizationError struct {
	Optimizer string
	Cause     interface{}
}

// Error implements the error interface.
func (e *OptimizationError) Error() string {
	return fmt.Sprintf("%s optimization failed: %v", e.Optimizer, e.Cause)
}

// BaseTeleprompt provides common functionality for optimizers.
type BaseTeleprompt struct {
	name string
}

// NewBaseTeleprompt creates a new base teleprompt.
func NewBaseTeleprompt(name string) *BaseTeleprompt {
	return &BaseTeleprompt{name: name}
}

// Name implements Teleprompt.Name.
func (t *BaseTeleprompt) Name() string {
	return t.name
}

// validateCompileInputs applies the shared fail-fast checks.
func validateCompileInputs(student primitives.Module, trainset []*primitives.Example, metric evaluate.Metric) error {
	if student == nil {
		return ErrInvalidStudent
	}
	if len(trainset) == 0 {
		return ErrEmptyTrainset
	}
	for i, ex := range trainset {
		if ex == nil {
			return fmt.Errorf("%w: item %d is nil", ErrEmptyTrainset, i)
		}
	}
	if metric == nil {
		return ErrInvalidMetric
	}
	return nil
}

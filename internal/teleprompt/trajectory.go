package teleprompt

import (
	"time"

	"github.com/promptforge/teleprompt/internal/primitives"
)

// ModelConfig is the sampling configuration one trajectory ran under.
type ModelConfig struct {
	Temperature float64
	MaxTokens   int
}

// Trajectory records one program execution during optimization.
type Trajectory struct {
	// Program is the program that produced this trajectory
	Program primitives.Module

	// Example is the training example the program ran against
	Example *primitives.Example

	// Inputs are the forward inputs (the example's input projection)
	Inputs map[string]interface{}

	// Outputs is the prediction; nil when the execution failed
	Outputs *primitives.Prediction

	// Score is the metric result in [0,1]; 0 for failed executions
	Score float64

	// Duration is the wall-clock execution time
	Duration time.Duration

	// ModelConfig is the sampling configuration used
	ModelConfig ModelConfig

	// Success reports whether forward and metric both completed
	Success bool

	// Err holds the failure cause; set iff Success is false
	Err error

	// ExecID groups trajectories by mini-batch example:
	// ExecID / numCandidates recovers the example index.
	ExecID int
}

// ToDemo converts a trajectory into a demonstration: the example's input
// fields merged with the predicted outputs, input keys preserved.
func (t *Trajectory) ToDemo() *primitives.Example {
	outputs := make(map[string]interface{})
	if t.Outputs != nil {
		for k, v := range t.Outputs.Fields() {
			outputs[k] = v
		}
	}
	inputs := make(map[string]interface{}, len(t.Inputs))
	for k, v := range t.Inputs {
		inputs[k] = v
	}
	demo := primitives.NewExample(inputs, outputs)
	demo.SetMetadata(primitives.MetaQualityScore, t.Score)
	return demo
}

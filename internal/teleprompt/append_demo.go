package teleprompt

import (
	"context"

	"github.com/promptforge/teleprompt/internal/primitives"
)

// AppendDemo converts a bucket's best successful trajectory into a
// demonstration and appends it to the source program's demo list.
type AppendDemo struct{}

// NewAppendDemo creates the strategy.
func NewAppendDemo() *AppendDemo {
	return &AppendDemo{}
}

// Name implements Strategy.Name.
func (s *AppendDemo) Name() string {
	return "append_demo"
}

// Applicable implements Strategy.Applicable.
func (s *AppendDemo) Applicable(bucket *Bucket, opts StrategyOptions) bool {
	return bucket.Count() > 0
}

// Apply implements Strategy.Apply.
func (s *AppendDemo) Apply(ctx context.Context, bucket *Bucket, source primitives.Module, opts StrategyOptions) (primitives.Module, error) {
	best := s.bestSuccessful(bucket)
	if best == nil {
		return nil, Skip("no successful trajectory with positive score")
	}

	demo := best.ToDemo()
	s.truncateInputs(demo, opts.demoInputFieldMaxLen())

	var demos []*primitives.Example
	if dc, ok := source.(primitives.DemoCapable); ok {
		demos = append(demos, dc.Demos()...)
	}
	demos = append(demos, demo)
	if max := opts.maxDemos(); len(demos) > max {
		demos = demos[len(demos)-max:] // evict oldest
	}

	if _, ok := source.(primitives.DemoCapable); ok {
		cp := source.Copy()
		cp.(primitives.DemoCapable).SetDemos(demos)
		return cp, nil
	}
	return primitives.NewOptimizedProgram(source.Copy(), demos, map[string]interface{}{
		"enhanced_by": s.Name(),
	}), nil
}

// bestSuccessful returns the highest-scoring successful trajectory with a
// positive score, or nil.
func (s *AppendDemo) bestSuccessful(bucket *Bucket) *Trajectory {
	for _, t := range bucket.Trajectories {
		if t.Success && t.Score > 0 {
			return t
		}
	}
	return nil
}

// truncateInputs caps long string values on the demo's input side so a
// single oversized field cannot dominate the prompt.
func (s *AppendDemo) truncateInputs(demo *primitives.Example, maxLen int) {
	for k, v := range demo.Inputs() {
		if str, ok := v.(string); ok && len(str) > maxLen {
			demo.Inputs()[k] = str[:maxLen]
		}
	}
}

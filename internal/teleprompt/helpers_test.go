package teleprompt

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"

	"github.com/promptforge/teleprompt/internal/primitives"
	"github.com/promptforge/teleprompt/internal/telemetry"
)

// stubProgram is a full-capability program whose behavior is driven by a
// forward function.
type stubProgram struct {
	demos       []*primitives.Example
	instruction string
	forward     func(s *stubProgram, ctx context.Context, inputs map[string]interface{}) (*primitives.Prediction, error)
}

func (s *stubProgram) Forward(ctx context.Context, inputs map[string]interface{}) (*primitives.Prediction, error) {
	if s.forward == nil {
		return primitives.NewPrediction(map[string]interface{}{"a": "ok"}), nil
	}
	return s.forward(s, ctx, inputs)
}

func (s *stubProgram) Copy() primitives.Module {
	cp := &stubProgram{instruction: s.instruction, forward: s.forward}
	cp.demos = append([]*primitives.Example(nil), s.demos...)
	return cp
}

func (s *stubProgram) Save() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"instruction": s.instruction,
		"demos":       s.demos,
	})
}

func (s *stubProgram) Load([]byte) error { return nil }

func (s *stubProgram) Demos() []*primitives.Example { return s.demos }
func (s *stubProgram) SetDemos(demos []*primitives.Example) {
	s.demos = append([]*primitives.Example(nil), demos...)
}
func (s *stubProgram) Instruction() string         { return s.instruction }
func (s *stubProgram) SetInstruction(instr string) { s.instruction = instr }

// bareStub exposes no optimization slots.
type bareStub struct{}

func (b *bareStub) Forward(ctx context.Context, inputs map[string]interface{}) (*primitives.Prediction, error) {
	return primitives.NewPrediction(map[string]interface{}{"a": "ok"}), nil
}
func (b *bareStub) Copy() primitives.Module { return &bareStub{} }
func (b *bareStub) Save() ([]byte, error)   { return json.Marshal(map[string]interface{}{}) }
func (b *bareStub) Load([]byte) error       { return nil }

// answeringStub returns a fixed answer for every input.
func answeringStub(answer string) *stubProgram {
	return &stubProgram{
		forward: func(_ *stubProgram, _ context.Context, _ map[string]interface{}) (*primitives.Prediction, error) {
			return primitives.NewPrediction(map[string]interface{}{"a": answer}), nil
		},
	}
}

// coinFlipStub answers correctly with probability p unless it holds at
// least one demo, in which case it always answers correctly.
func coinFlipStub(correct string, wrong string, p float64, seed int64) *stubProgram {
	rng := rand.New(rand.NewSource(seed))
	var mu sync.Mutex
	return &stubProgram{
		forward: func(s *stubProgram, _ context.Context, _ map[string]interface{}) (*primitives.Prediction, error) {
			if len(s.demos) > 0 {
				return primitives.NewPrediction(map[string]interface{}{"a": correct}), nil
			}
			mu.Lock()
			hit := rng.Float64() < p
			mu.Unlock()
			answer := wrong
			if hit {
				answer = correct
			}
			return primitives.NewPrediction(map[string]interface{}{"a": answer}), nil
		},
	}
}

func trainExample(q, a string) *primitives.Example {
	return primitives.NewExample(
		map[string]interface{}{"q": q},
		map[string]interface{}{"a": a},
	)
}

func repeatedTrainset(n int, q, a string) []*primitives.Example {
	examples := make([]*primitives.Example, n)
	for i := range examples {
		examples[i] = trainExample(q, a)
	}
	return examples
}

func exactMatchMetric(ex *primitives.Example, pred *primitives.Prediction) float64 {
	want, _ := ex.Get("a")
	if got, _ := pred.Get("a"); got == want {
		return 1.0
	}
	return 0.0
}

// trajectory builds a test trajectory for an example with the given
// score.
func trajectory(ex *primitives.Example, score float64, success bool) *Trajectory {
	t := &Trajectory{
		Example: ex,
		Inputs:  ex.Inputs(),
		Score:   score,
		Success: success,
	}
	if success {
		t.Outputs = primitives.NewPrediction(map[string]interface{}{"a": fmt.Sprintf("answer-%v", score)})
	}
	return t
}

// captureEvents attaches a collector to the default emitter and returns
// a snapshot function filtered by correlation id.
func captureEvents(correlationID string) func() []telemetry.Event {
	var mu sync.Mutex
	var events []telemetry.Event
	telemetry.Attach(func(e telemetry.Event) {
		if e.CorrelationID != correlationID {
			return
		}
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})
	return func() []telemetry.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]telemetry.Event(nil), events...)
	}
}

// countEvents tallies captured events by name.
func countEvents(events []telemetry.Event, name string) int {
	count := 0
	for _, e := range events {
		if e.Name == name {
			count++
		}
	}
	return count
}

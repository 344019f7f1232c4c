// Package evaluate runs a program over a dataset under bounded
// concurrency with per-example fault isolation.
package evaluate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/promptforge/teleprompt/internal/log"
	"github.com/promptforge/teleprompt/internal/primitives"
	"github.com/promptforge/teleprompt/internal/telemetry"
)

// Metric scores a prediction against its example. Implementations may
// panic; the evaluator catches and records the example as failed.
type Metric func(example *primitives.Example, prediction *primitives.Prediction) float64

// Validation errors. These abort a run before any work is done; every
// other failure is confined to its example.
var (
	ErrInvalidProgram  = errors.New("invalid program")
	ErrInvalidExamples = errors.New("invalid or empty example list")
	ErrInvalidMetric   = errors.New("invalid metric function")
	ErrCancelled       = errors.New("cancelled")
)

// Progress is delivered to the progress callback.
type Progress struct {
	Phase      string
	Completed  int
	Total      int
	Percentage float64
}

// ProgressFunc observes evaluation progress. Panics are swallowed.
type ProgressFunc func(Progress)

// Options configures a run.
type Options struct {
	// MaxConcurrency bounds parallel example evaluation; the default is
	// twice the number of schedulable CPUs.
	MaxConcurrency int

	// Timeout bounds each example's forward call; zero means no bound.
	Timeout time.Duration

	// Progress, when set, fires at least every 10 completions and at the
	// end of the run.
	Progress ProgressFunc

	// Phase labels progress updates (default "evaluation").
	Phase string

	// CorrelationID tags telemetry; one is generated when absent.
	CorrelationID string
}

// Stats aggregates one run.
type Stats struct {
	Total       int
	Successful  int
	Failed      int
	Duration    time.Duration
	SuccessRate float64
	Throughput  float64 // examples per second
	Errors      []error
}

// Result is the outcome of a run.
type Result struct {
	// Score is the mean over successful evaluations, 0.0 when none
	Score float64

	// Scores holds the per-example score in input order; failed examples
	// contribute 0.0
	Scores []float64

	Stats Stats
}

// DefaultConcurrency is the evaluator's default parallel fan-out.
func DefaultConcurrency() int {
	return 2 * runtime.GOMAXPROCS(0)
}

// Run evaluates program on examples with metric. Individual example
// failures never abort the run; only input validation or cancellation do.
func Run(ctx context.Context, program primitives.Module, examples []*primitives.Example, metric Metric, opts Options) (*Result, error) {
	if program == nil {
		return nil, ErrInvalidProgram
	}
	if len(examples) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidExamples)
	}
	for i, ex := range examples {
		if ex == nil || len(ex.Inputs()) == 0 || len(ex.Outputs()) == 0 {
			return nil, fmt.Errorf("%w: example %d lacks inputs or outputs", ErrInvalidExamples, i)
		}
	}
	if metric == nil {
		return nil, ErrInvalidMetric
	}

	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = DefaultConcurrency()
	}
	if opts.Phase == "" {
		opts.Phase = "evaluation"
	}
	if opts.CorrelationID == "" {
		opts.CorrelationID = telemetry.NewCorrelationID()
	}

	start := time.Now()
	total := len(examples)
	telemetry.Emit(telemetry.EvaluateRunStart, opts.CorrelationID,
		map[string]float64{"total": float64(total)}, nil)

	type outcome struct {
		index int
		score float64
		ok    bool
		err   error
	}

	results := make(chan outcome, total)
	sem := make(chan struct{}, opts.MaxConcurrency)
	var wg sync.WaitGroup
	var completed int64

	for i, ex := range examples {
		wg.Add(1)
		go func(index int, ex *primitives.Example) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results <- outcome{index: index, err: ctx.Err()}
				return
			}

			score, err := evaluateOne(ctx, program, ex, metric, opts)
			results <- outcome{index: index, score: score, ok: err == nil, err: err}

			done := int(atomic.AddInt64(&completed, 1))
			if opts.Progress != nil && (done%10 == 0 || done == total) {
				fireProgress(opts.Progress, Progress{
					Phase:      opts.Phase,
					Completed:  done,
					Total:      total,
					Percentage: 100 * float64(done) / float64(total),
				})
			}
		}(i, ex)
	}

	wg.Wait()
	close(results)

	if err := ctx.Err(); err != nil {
		telemetry.Emit(telemetry.EvaluateRunException, opts.CorrelationID, nil,
			map[string]interface{}{"reason": "cancelled"})
		return nil, fmt.Errorf("%w: %v", ErrCancelled, err)
	}

	result := &Result{Scores: make([]float64, total)}
	result.Stats.Total = total
	sum := 0.0
	for out := range results {
		if out.ok {
			result.Stats.Successful++
			result.Scores[out.index] = out.score
			sum += out.score
		} else {
			result.Stats.Failed++
			result.Stats.Errors = append(result.Stats.Errors, fmt.Errorf("example %d: %w", out.index, out.err))
		}
	}

	if result.Stats.Successful > 0 {
		result.Score = sum / float64(result.Stats.Successful)
	}
	result.Stats.Duration = time.Since(start)
	result.Stats.SuccessRate = float64(result.Stats.Successful) / float64(total)
	if secs := result.Stats.Duration.Seconds(); secs > 0 {
		result.Stats.Throughput = float64(total) / secs
	}

	telemetry.Emit(telemetry.EvaluateRunStop, opts.CorrelationID, map[string]float64{
		"duration_ms": float64(result.Stats.Duration.Milliseconds()),
		"score":       result.Score,
		"successful":  float64(result.Stats.Successful),
		"failed":      float64(result.Stats.Failed),
	}, nil)

	return result, nil
}

// evaluateOne runs one example with fault isolation: forward errors,
// timeouts, metric panics and non-finite metric results all come back as
// ordinary errors.
func evaluateOne(ctx context.Context, program primitives.Module, ex *primitives.Example, metric Metric, opts Options) (score float64, err error) {
	exampleStart := time.Now()
	telemetry.Emit(telemetry.EvaluateExampleStart, opts.CorrelationID, nil, nil)
	defer func() {
		telemetry.Emit(telemetry.EvaluateExampleStop, opts.CorrelationID, map[string]float64{
			"duration_ms": float64(time.Since(exampleStart).Milliseconds()),
		}, map[string]interface{}{"success": err == nil})
	}()

	callCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	prediction, err := forwardGuarded(callCtx, program, ex.Inputs())
	if err != nil {
		return 0, err
	}

	return scoreGuarded(metric, ex, prediction)
}

// forwardGuarded isolates panics in a program's forward pass.
func forwardGuarded(ctx context.Context, program primitives.Module, inputs map[string]interface{}) (prediction *primitives.Prediction, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("program panic: %v", r)
		}
	}()
	return program.Forward(ctx, inputs)
}

// scoreGuarded isolates panics and non-finite results in a metric.
func scoreGuarded(metric Metric, ex *primitives.Example, prediction *primitives.Prediction) (score float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			score, err = 0, fmt.Errorf("metric panic: %v", r)
		}
	}()
	score = metric(ex, prediction)
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return 0, fmt.Errorf("invalid metric result: %v", score)
	}
	return score, nil
}

// fireProgress invokes the callback, discarding panics.
func fireProgress(fn ProgressFunc, p Progress) {
	defer func() {
		if r := recover(); r != nil {
			log.L().Debugw("progress callback panicked", "panic", r)
		}
	}()
	fn(p)
}

package teleprompt

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/promptforge/teleprompt/internal/evaluate"
	"github.com/promptforge/teleprompt/internal/log"
	"github.com/promptforge/teleprompt/internal/primitives"
	"github.com/promptforge/teleprompt/internal/telemetry"
)

// BootstrapFewShot generates few-shot demonstrations by running a teacher
// program over the training set and keeping the predictions the metric
// rates at or above a quality threshold.
//
// Finding no qualifying demonstration is a success, not an error: the
// returned program then carries an empty demo list and metadata recording
// why.
type BootstrapFewShot struct {
	*BaseTeleprompt

	// Teacher generates candidate demonstrations; when nil the student
	// teaches itself.
	Teacher primitives.Module

	// MaxBootstrappedDemos caps generated demos (default 4)
	MaxBootstrappedDemos int

	// MaxLabeledDemos tops the demo list up with raw labeled examples
	MaxLabeledDemos int

	// QualityThreshold is the minimum metric score a candidate must reach
	// (default 0.7)
	QualityThreshold float64

	// MaxConcurrency bounds parallel teacher calls
	MaxConcurrency int

	// Timeout bounds each teacher call
	Timeout time.Duration

	// TeacherRetries retries failed teacher calls (default 2)
	TeacherRetries int

	// Progress observes generation progress
	Progress evaluate.ProgressFunc

	// CorrelationID tags telemetry; generated when absent
	CorrelationID string
}

const teacherRetryBackoff = 100 * time.Millisecond

// NewBootstrapFewShot creates the optimizer with its defaults.
func NewBootstrapFewShot(teacher primitives.Module) *BootstrapFewShot {
	return &BootstrapFewShot{
		BaseTeleprompt:       NewBaseTeleprompt("BootstrapFewShot"),
		Teacher:              teacher,
		MaxBootstrappedDemos: 4,
		QualityThreshold:     0.7,
		TeacherRetries:       2,
	}
}

// WithMaxBootstrappedDemos caps generated demos.
func (b *BootstrapFewShot) WithMaxBootstrappedDemos(max int) *BootstrapFewShot {
	b.MaxBootstrappedDemos = max
	return b
}

// WithMaxLabeledDemos tops demos up with labeled examples.
func (b *BootstrapFewShot) WithMaxLabeledDemos(max int) *BootstrapFewShot {
	b.MaxLabeledDemos = max
	return b
}

// WithQualityThreshold sets the minimum acceptable candidate score.
func (b *BootstrapFewShot) WithQualityThreshold(threshold float64) *BootstrapFewShot {
	b.QualityThreshold = threshold
	return b
}

// WithMaxConcurrency bounds parallel teacher calls.
func (b *BootstrapFewShot) WithMaxConcurrency(n int) *BootstrapFewShot {
	b.MaxConcurrency = n
	return b
}

// WithTimeout bounds each teacher call.
func (b *BootstrapFewShot) WithTimeout(timeout time.Duration) *BootstrapFewShot {
	b.Timeout = timeout
	return b
}

// candidateDemo pairs a generated demonstration with its metric score.
type candidateDemo struct {
	demo  *primitives.Example
	score float64
}

// Compile implements Teleprompt.Compile.
func (b *BootstrapFewShot) Compile(ctx context.Context, student primitives.Module, trainset []*primitives.Example, metric evaluate.Metric) (primitives.Module, error) {
	if err := validateCompileInputs(student, trainset, metric); err != nil {
		return nil, err
	}
	for i, ex := range trainset {
		if len(ex.Inputs()) == 0 || len(ex.Outputs()) == 0 {
			return nil, fmt.Errorf("%w: example %d lacks inputs or outputs", ErrEmptyTrainset, i)
		}
	}

	teacher := b.Teacher
	if teacher == nil {
		teacher = student
	}

	correlationID := b.CorrelationID
	if correlationID == "" {
		correlationID = telemetry.NewCorrelationID()
	}
	start := time.Now()
	telemetry.Emit(telemetry.BootstrapStart, correlationID,
		map[string]float64{"trainset": float64(len(trainset))}, nil)

	var candidates []candidateDemo
	if b.MaxBootstrappedDemos > 0 {
		candidates = b.generateCandidates(ctx, teacher, trainset, metric, correlationID)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	demos := make([]*primitives.Example, 0, b.MaxBootstrappedDemos)
	for _, c := range candidates {
		if len(demos) == b.MaxBootstrappedDemos {
			break
		}
		c.demo.SetMetadata(primitives.MetaQualityScore, c.score)
		demos = append(demos, c.demo)
	}

	bootstrapped := len(demos)
	demos = b.topUpWithLabeled(demos, trainset)

	metadata := map[string]interface{}{
		"optimizer":          b.Name(),
		"teacher":            programName(teacher),
		"quality_threshold":  b.QualityThreshold,
		"bootstrapped_demos": bootstrapped,
		"labeled_demos":      len(demos) - bootstrapped,
		"timestamp":          time.Now().UTC().Format(time.RFC3339),
	}
	if bootstrapped == 0 {
		metadata["demo_generation_result"] = "no_quality_demonstrations"
		metadata["fallback_reason"] = fmt.Sprintf("no teacher prediction scored at or above %.2f", b.QualityThreshold)
	}

	optimized := enhanceWithMetadata(student, demos, instructionOf(student), metadata)

	telemetry.Emit(telemetry.BootstrapStop, correlationID, map[string]float64{
		"duration_ms": float64(time.Since(start).Milliseconds()),
		"demos":       float64(len(demos)),
	}, nil)

	return optimized, nil
}

// generateCandidates runs the teacher over the trainset under bounded
// concurrency and scores each successful prediction.
func (b *BootstrapFewShot) generateCandidates(ctx context.Context, teacher primitives.Module, trainset []*primitives.Example, metric evaluate.Metric, correlationID string) []candidateDemo {
	concurrency := b.MaxConcurrency
	if concurrency <= 0 {
		concurrency = evaluate.DefaultConcurrency()
	}

	results := make(chan candidateDemo, len(trainset))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var completed int64
	var mu sync.Mutex

	for i, ex := range trainset {
		wg.Add(1)
		go func(index int, ex *primitives.Example) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			prediction, err := b.callTeacher(ctx, teacher, ex.Inputs(), correlationID)
			if err != nil {
				log.L().Debugw("teacher call failed", "example", index, "error", err)
				return
			}

			score := scoreCandidate(metric, ex, prediction)
			if score < b.QualityThreshold {
				return
			}

			demo := primitives.NewExample(copyMap(ex.Inputs()), prediction.ToMap())
			demo.SetMetadata(primitives.MetaGeneratedBy, b.Name())
			demo.SetMetadata(primitives.MetaTeacher, programName(teacher))
			demo.SetMetadata(primitives.MetaOriginalExampleID, index)
			demo.SetMetadata(primitives.MetaTimestamp, time.Now().UTC().Format(time.RFC3339))

			results <- candidateDemo{demo: demo, score: score}

			mu.Lock()
			completed++
			done := int(completed)
			mu.Unlock()
			if b.Progress != nil && (done%10 == 0 || done == len(trainset)) {
				func() {
					defer func() { recover() }()
					b.Progress(evaluate.Progress{
						Phase:      "bootstrap",
						Completed:  done,
						Total:      len(trainset),
						Percentage: 100 * float64(done) / float64(len(trainset)),
					})
				}()
			}
		}(i, ex)
	}

	wg.Wait()
	close(results)

	var candidates []candidateDemo
	for c := range results {
		candidates = append(candidates, c)
	}
	return candidates
}

// callTeacher invokes the teacher with bounded retries.
func (b *BootstrapFewShot) callTeacher(ctx context.Context, teacher primitives.Module, inputs map[string]interface{}, correlationID string) (*primitives.Prediction, error) {
	callCtx := primitives.WithForwardOptions(ctx, primitives.ForwardOptions{
		Timeout:       b.Timeout,
		CorrelationID: correlationID,
	})

	var lastErr error
	for attempt := 0; attempt <= b.TeacherRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(teacherRetryBackoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		prediction, err := forwardGuarded(callCtx, teacher, inputs)
		if err == nil {
			return prediction, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// scoreCandidate applies the metric under a crash guard; a panicking
// metric disqualifies the candidate.
func scoreCandidate(metric evaluate.Metric, ex *primitives.Example, prediction *primitives.Prediction) (score float64) {
	defer func() {
		if r := recover(); r != nil {
			score = -1
		}
	}()
	return metric(ex, prediction)
}

// topUpWithLabeled appends raw labeled examples until MaxLabeledDemos.
func (b *BootstrapFewShot) topUpWithLabeled(demos []*primitives.Example, trainset []*primitives.Example) []*primitives.Example {
	if b.MaxLabeledDemos <= len(demos) {
		return demos
	}

	used := make(map[int]bool)
	for _, demo := range demos {
		if id, ok := demo.GetMetadata(primitives.MetaOriginalExampleID); ok {
			if idx, ok := id.(int); ok {
				used[idx] = true
			}
		}
	}

	for i, ex := range trainset {
		if len(demos) == b.MaxLabeledDemos {
			break
		}
		if used[i] {
			continue
		}
		labeled := ex.Copy()
		labeled.SetMetadata(primitives.MetaGeneratedBy, "labeled")
		labeled.SetMetadata(primitives.MetaOriginalExampleID, i)
		demos = append(demos, labeled)
	}
	return demos
}

// forwardGuarded isolates panics in a teacher's forward pass.
func forwardGuarded(ctx context.Context, program primitives.Module, inputs map[string]interface{}) (prediction *primitives.Prediction, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("program panic: %v", r)
		}
	}()
	return program.Forward(ctx, inputs)
}

// instructionOf reads a program's native instruction, if any.
func instructionOf(m primitives.Module) string {
	if ic, ok := m.(primitives.InstructionCapable); ok {
		return ic.Instruction()
	}
	return ""
}

// enhanceWithMetadata enhances the student per its capability class and
// guarantees the result carries optimizer metadata.
func enhanceWithMetadata(student primitives.Module, demos []*primitives.Example, instruction string, metadata map[string]interface{}) *primitives.OptimizedProgram {
	enhanced := primitives.Enhance(student, demos, instruction, metadata)
	if op, ok := enhanced.(*primitives.OptimizedProgram); ok {
		for k, v := range metadata {
			op.SetMetadata(k, v)
		}
		return op
	}
	return primitives.NewOptimizedProgram(enhanced, demos, metadata)
}

// programName derives a stable display name for a program.
func programName(m primitives.Module) string {
	type named interface{ Name() string }
	if n, ok := m.(named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", m)
}

// copyMap shallow-copies a field map.
func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

package teleprompt

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/promptforge/teleprompt/internal/clients"
	"github.com/promptforge/teleprompt/internal/evaluate"
	"github.com/promptforge/teleprompt/internal/log"
	"github.com/promptforge/teleprompt/internal/primitives"
	"github.com/promptforge/teleprompt/internal/signatures"
	"github.com/promptforge/teleprompt/internal/telemetry"
)

// BEACON composes bootstrap demonstration generation, LM instruction
// proposal and Bayesian surrogate search into one optimizer: it finds the
// (instruction, demo subset) pair that scores best on a validation slice
// of the training set.
type BEACON struct {
	*BaseTeleprompt

	// Teacher generates demo candidates; the student teaches itself when
	// nil
	Teacher primitives.Module

	// PromptLM generates instruction candidates
	PromptLM clients.BaseLM

	// Signature describes the task for the proposer; derived from the
	// first training example when nil
	Signature *signatures.Signature

	// NumCandidates is the number of instruction candidates (default 6)
	NumCandidates int

	// MaxBootstrappedDemos caps demo candidates (default 4)
	MaxBootstrappedDemos int

	// NumTrials is the Bayesian iteration budget (default 20)
	NumTrials int

	// ValidationSize caps the validation slice (default 10)
	ValidationSize int

	// Acquisition selects the acquisition function (default EI)
	Acquisition AcquisitionFunction

	// Surrogate selects the surrogate model (default GaussianProcess)
	Surrogate SurrogateModel

	// Rng drives sampling; seeded from the clock when nil
	Rng *rand.Rand

	// Progress observes optimization progress
	Progress evaluate.ProgressFunc

	// CorrelationID tags telemetry; generated when absent
	CorrelationID string
}

const objectiveCacheSize = 256

// NewBEACON creates the optimizer with its defaults.
func NewBEACON(teacher primitives.Module, promptLM clients.BaseLM) *BEACON {
	return &BEACON{
		BaseTeleprompt:       NewBaseTeleprompt("BEACON"),
		Teacher:              teacher,
		PromptLM:             promptLM,
		NumCandidates:        6,
		MaxBootstrappedDemos: 4,
		NumTrials:            20,
		ValidationSize:       10,
		Acquisition:          ExpectedImprovement,
		Surrogate:            GaussianProcess,
	}
}

// WithNumTrials sets the Bayesian iteration budget.
func (b *BEACON) WithNumTrials(n int) *BEACON {
	b.NumTrials = n
	return b
}

// WithNumCandidates sets the instruction candidate count.
func (b *BEACON) WithNumCandidates(n int) *BEACON {
	b.NumCandidates = n
	return b
}

// WithSignature sets the task signature used by the proposer.
func (b *BEACON) WithSignature(sig *signatures.Signature) *BEACON {
	b.Signature = sig
	return b
}

// WithRng sets the random source.
func (b *BEACON) WithRng(rng *rand.Rand) *BEACON {
	b.Rng = rng
	return b
}

// Compile implements Teleprompt.Compile.
func (b *BEACON) Compile(ctx context.Context, student primitives.Module, trainset []*primitives.Example, metric evaluate.Metric) (result primitives.Module, err error) {
	if err := validateCompileInputs(student, trainset, metric); err != nil {
		return nil, err
	}
	if b.PromptLM == nil {
		return nil, fmt.Errorf("beacon: no prompt model configured")
	}

	correlationID := b.CorrelationID
	if correlationID == "" {
		correlationID = telemetry.NewCorrelationID()
	}

	rng := b.Rng
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	defer func() {
		if r := recover(); r != nil {
			telemetry.Emit(telemetry.BeaconOptimizationException, correlationID, nil,
				map[string]interface{}{"panic": fmt.Sprint(r)})
			result, err = nil, &OptimizationError{Optimizer: b.Name(), Cause: r}
		}
	}()

	start := time.Now()
	telemetry.Emit(telemetry.BeaconStart, correlationID,
		map[string]float64{"trainset": float64(len(trainset))}, nil)

	// Phase 1: demo candidates from bootstrap. The teacher already filters
	// by its own quality, so the bootstrap metric accepts everything.
	demoSpace, err := b.collectDemoCandidates(ctx, student, trainset, correlationID)
	if err != nil {
		return nil, err
	}

	// Phase 2: instruction candidates from the proposer.
	sig := b.Signature
	if sig == nil {
		sig = deriveSignature(trainset[0])
	}
	telemetry.Emit(telemetry.BeaconInstructionStart, correlationID, nil, nil)
	proposer := NewInstructionProposer(b.PromptLM)
	proposer.NumCandidates = b.NumCandidates
	proposer.CorrelationID = correlationID
	proposals := proposer.Propose(ctx, sig, trainset)
	instructionSpace := make([]InstructionCandidate, len(proposals))
	for i, instruction := range proposals {
		instructionSpace[i] = InstructionCandidate{
			ID:          fmt.Sprintf("inst_%d", i),
			Instruction: instruction,
		}
	}
	telemetry.Emit(telemetry.BeaconInstructionStop, correlationID,
		map[string]float64{"candidates": float64(len(instructionSpace))}, nil)

	// Phase 3: objective over a fixed validation slice, memoized per
	// configuration.
	validation := sampleValidation(trainset, b.validationSize(), rng)
	objective := b.buildObjective(student, validation, instructionSpace, demoSpace, metric, correlationID)

	// Phase 4: surrogate-guided search.
	optimizer := NewBayesianOptimizer()
	optimizer.Acquisition = b.Acquisition
	optimizer.Surrogate = b.Surrogate
	optimizer.MaxDemoSubsetSize = b.MaxBootstrappedDemos
	optimizer.Rng = rng
	numInitial := b.NumTrials / 3
	if numInitial > 10 {
		numInitial = 10
	}
	if numInitial < 1 {
		numInitial = 1
	}
	optimizer.NumInitialSamples = numInitial

	searchResult, err := optimizer.Optimize(ctx, SearchSpace{
		Instructions: instructionSpace,
		Demos:        demoSpace,
	}, objective, BayesianOptions{
		MaxIterations:       b.NumTrials,
		ConvergencePatience: 5,
		CorrelationID:       correlationID,
	})
	if err != nil {
		return nil, err
	}

	// Phase 5: resolve the winning ids and assemble the program.
	bestInstruction := resolveInstruction(instructionSpace, searchResult.BestConfiguration.InstructionID)
	bestDemos := resolveDemos(demoSpace, searchResult.BestConfiguration.DemoIDs)

	metadata := map[string]interface{}{
		"optimizer":           b.Name(),
		"best_score":          searchResult.BestScore,
		"best_instruction":    bestInstruction,
		"best_instruction_id": searchResult.BestConfiguration.InstructionID,
		"best_demo_ids":       searchResult.BestConfiguration.DemoIDs,
		"trials":              searchResult.Stats.Iterations,
		"timestamp":           time.Now().UTC().Format(time.RFC3339),
	}
	optimized := enhanceWithMetadata(student, bestDemos, bestInstruction, metadata)

	telemetry.Emit(telemetry.BeaconStop, correlationID, map[string]float64{
		"duration_ms": float64(time.Since(start).Milliseconds()),
		"score":       searchResult.BestScore,
	}, nil)

	return optimized, nil
}

// collectDemoCandidates bootstraps demonstrations and assigns stable ids.
func (b *BEACON) collectDemoCandidates(ctx context.Context, student primitives.Module, trainset []*primitives.Example, correlationID string) ([]DemoCandidate, error) {
	bootstrap := NewBootstrapFewShot(b.Teacher).
		WithMaxBootstrappedDemos(b.MaxBootstrappedDemos)
	bootstrap.CorrelationID = correlationID

	acceptAll := func(*primitives.Example, *primitives.Prediction) float64 { return 1.0 }
	bootstrapped, err := bootstrap.Compile(ctx, student, trainset, acceptAll)
	if err != nil {
		return nil, err
	}

	var demos []*primitives.Example
	if dc, ok := bootstrapped.(primitives.DemoCapable); ok {
		demos = dc.Demos()
	}

	candidates := make([]DemoCandidate, len(demos))
	for i, demo := range demos {
		candidates[i] = DemoCandidate{
			ID:      fmt.Sprintf("bootstrap_%d", i),
			Demo:    demo,
			Quality: 1.0,
		}
	}
	return candidates, nil
}

// buildObjective evaluates a configuration by enhancing the student and
// scoring it on the validation slice. Evaluator failures score 0.
func (b *BEACON) buildObjective(student primitives.Module, validation []*primitives.Example, instructionSpace []InstructionCandidate, demoSpace []DemoCandidate, metric evaluate.Metric, correlationID string) ObjectiveFunc {
	cache, cacheErr := lru.New[string, float64](objectiveCacheSize)
	if cacheErr != nil {
		cache = nil
	}

	return func(ctx context.Context, config Configuration) (float64, error) {
		key := config.key()
		if cache != nil {
			if score, ok := cache.Get(key); ok {
				return score, nil
			}
		}

		instruction := resolveInstruction(instructionSpace, config.InstructionID)
		demos := resolveDemos(demoSpace, config.DemoIDs)
		candidate := primitives.Enhance(student, demos, instruction, nil)

		result, err := evaluate.Run(ctx, candidate, validation, metric, evaluate.Options{
			MaxConcurrency: nestedEvalConcurrency,
			Timeout:        trajectoryTimeout,
			Phase:          "trial_evaluation",
			CorrelationID:  correlationID,
		})
		if err != nil {
			log.L().Debugw("trial evaluation failed", "config", key, "error", err)
			return 0, nil
		}

		if cache != nil {
			cache.Add(key, result.Score)
		}
		return result.Score, nil
	}
}

func (b *BEACON) validationSize() int {
	if b.ValidationSize > 0 {
		return b.ValidationSize
	}
	return 10
}

// sampleValidation draws a fixed random validation slice.
func sampleValidation(trainset []*primitives.Example, size int, rng *rand.Rand) []*primitives.Example {
	if size > len(trainset) {
		size = len(trainset)
	}
	validation := make([]*primitives.Example, size)
	for i, idx := range rng.Perm(len(trainset))[:size] {
		validation[i] = trainset[idx]
	}
	return validation
}

// resolveInstruction maps an instruction id back to its text.
func resolveInstruction(space []InstructionCandidate, id string) string {
	for _, inst := range space {
		if inst.ID == id {
			return inst.Instruction
		}
	}
	return ""
}

// resolveDemos maps demo ids back to examples, preserving space order.
func resolveDemos(space []DemoCandidate, ids []string) []*primitives.Example {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var demos []*primitives.Example
	for _, candidate := range space {
		if want[candidate.ID] {
			demos = append(demos, candidate.Demo)
		}
	}
	return demos
}

// deriveSignature infers a task signature from an example's field names.
func deriveSignature(ex *primitives.Example) *signatures.Signature {
	var inputFields, outputFields []*signatures.Field
	for _, name := range ex.InputKeys() {
		inputFields = append(inputFields, signatures.NewInputField(name))
	}
	for _, name := range sortedKeys(ex.Outputs()) {
		outputFields = append(outputFields, signatures.NewOutputField(name))
	}
	return signatures.NewWithFields(inputFields, outputFields)
}

package teleprompt

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/promptforge/teleprompt/internal/clients"
	"github.com/promptforge/teleprompt/internal/evaluate"
	"github.com/promptforge/teleprompt/internal/log"
	"github.com/promptforge/teleprompt/internal/primitives"
	"github.com/promptforge/teleprompt/internal/telemetry"
)

// SIMBA is a stochastic introspective mini-batch ascent optimizer. Each
// step samples trajectories from a pool of candidate programs under
// varied temperatures, groups them into per-example buckets, and applies
// improvement strategies to the buckets with the widest score spread to
// breed new candidates.
type SIMBA struct {
	*BaseTeleprompt

	// BatchSize is the mini-batch size (default 32)
	BatchSize int

	// NumCandidates is the number of sampling configurations per example
	// and the number of buckets turned into candidates (default 6)
	NumCandidates int

	// MaxSteps is the number of optimization steps (default 8)
	MaxSteps int

	// MaxDemos caps candidate programs' demo lists
	MaxDemos int

	// TemperatureForSampling scales softmax program selection during
	// trajectory sampling (default 0.2)
	TemperatureForSampling float64

	// TemperatureForCandidates scales softmax source-program selection
	// during strategy application (default 0.2)
	TemperatureForCandidates float64

	// Strategies are tried in order per bucket; nil means AppendDemo.
	// An explicitly empty slice disables candidate generation.
	Strategies []Strategy

	// NumThreads bounds parallel trajectory sampling
	NumThreads int

	// MaxPoolSize caps the candidate pool (default 10)
	MaxPoolSize int

	// WinningScoreThreshold is the mini-batch average a step's best
	// candidate must exceed to join the winning list (default 0.1)
	WinningScoreThreshold float64

	// MaxWinningPrograms caps the winning list (default 10)
	MaxWinningPrograms int

	// LM powers LM-backed strategies such as AppendRule
	LM clients.BaseLM

	// Rng drives all sampling; seeded from the clock when nil
	Rng *rand.Rand

	// Progress observes optimization progress
	Progress evaluate.ProgressFunc

	// CorrelationID tags telemetry; generated when absent
	CorrelationID string
}

// Per-call and nested-evaluation bounds. Candidate evaluation runs inside
// the optimizer's own parallel phases, so it gets a deliberately lower
// fan-out than the top-level evaluator default.
const (
	trajectoryTimeout         = 30 * time.Second
	nestedEvalConcurrency     = 4
	finalSelectionSampleLimit = 50
)

// NewSIMBA creates the optimizer with its defaults.
func NewSIMBA() *SIMBA {
	return &SIMBA{
		BaseTeleprompt:           NewBaseTeleprompt("SIMBA"),
		BatchSize:                32,
		NumCandidates:            6,
		MaxSteps:                 8,
		TemperatureForSampling:   0.2,
		TemperatureForCandidates: 0.2,
		NumThreads:               evaluate.DefaultConcurrency(),
		MaxPoolSize:              10,
		WinningScoreThreshold:    0.1,
		MaxWinningPrograms:       10,
	}
}

// WithBatchSize sets the mini-batch size.
func (s *SIMBA) WithBatchSize(n int) *SIMBA {
	s.BatchSize = n
	return s
}

// WithNumCandidates sets the per-example sampling width.
func (s *SIMBA) WithNumCandidates(n int) *SIMBA {
	s.NumCandidates = n
	return s
}

// WithMaxSteps sets the number of optimization steps.
func (s *SIMBA) WithMaxSteps(n int) *SIMBA {
	s.MaxSteps = n
	return s
}

// WithStrategies sets the improvement strategies.
func (s *SIMBA) WithStrategies(strategies ...Strategy) *SIMBA {
	s.Strategies = strategies
	return s
}

// WithRng sets the random source, making runs reproducible together with
// a deterministic LM.
func (s *SIMBA) WithRng(rng *rand.Rand) *SIMBA {
	s.Rng = rng
	return s
}

// WithLM sets the model used by LM-backed strategies.
func (s *SIMBA) WithLM(lm clients.BaseLM) *SIMBA {
	s.LM = lm
	return s
}

// simbaState is the optimizer's per-run state. Index 0 of programs is
// always the baseline student; programScores is keyed exactly by
// 0..len(programs)-1.
type simbaState struct {
	programs        []primitives.Module
	programScores   map[int][]float64
	winningPrograms []primitives.Module
	dataIndices     []int
}

// Compile implements Teleprompt.Compile.
func (s *SIMBA) Compile(ctx context.Context, student primitives.Module, trainset []*primitives.Example, metric evaluate.Metric) (result primitives.Module, err error) {
	if err := validateCompileInputs(student, trainset, metric); err != nil {
		return nil, err
	}

	correlationID := s.CorrelationID
	if correlationID == "" {
		correlationID = telemetry.NewCorrelationID()
	}

	rng := s.Rng
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	strategies := s.Strategies
	if strategies == nil {
		strategies = []Strategy{NewAppendDemo()}
	}

	defer func() {
		if r := recover(); r != nil {
			telemetry.Emit(telemetry.SimbaError, correlationID, nil,
				map[string]interface{}{"panic": fmt.Sprint(r)})
			result, err = nil, &OptimizationError{Optimizer: s.Name(), Cause: r}
		}
	}()

	start := time.Now()
	telemetry.Emit(telemetry.SimbaStart, correlationID, map[string]float64{
		"trainset":  float64(len(trainset)),
		"max_steps": float64(s.MaxSteps),
	}, nil)

	state := &simbaState{
		programs:        []primitives.Module{student},
		programScores:   map[int][]float64{0: {}},
		winningPrograms: []primitives.Module{student},
		dataIndices:     rng.Perm(len(trainset)),
	}

	for step := 0; step < s.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", evaluate.ErrCancelled, err)
		}

		stepStart := time.Now()
		telemetry.Emit(telemetry.SimbaIterationStart, correlationID,
			map[string]float64{"step": float64(step)}, nil)

		s.runStep(ctx, state, step, trainset, metric, strategies, rng, correlationID)

		telemetry.Emit(telemetry.SimbaIterationStop, correlationID, map[string]float64{
			"step":        float64(step),
			"duration_ms": float64(time.Since(stepStart).Milliseconds()),
			"pool_size":   float64(len(state.programs)),
		}, nil)

		if s.Progress != nil {
			fireProgressGuarded(s.Progress, evaluate.Progress{
				Phase:      "optimization",
				Completed:  step + 1,
				Total:      s.MaxSteps,
				Percentage: 100 * float64(step+1) / float64(s.MaxSteps),
			})
		}
	}

	best := s.selectFinal(ctx, state, trainset, metric, rng, correlationID)

	telemetry.Emit(telemetry.SimbaStop, correlationID, map[string]float64{
		"duration_ms": float64(time.Since(start).Milliseconds()),
	}, nil)

	return best, nil
}

// runStep executes one mini-batch ascent step.
func (s *SIMBA) runStep(ctx context.Context, state *simbaState, step int, trainset []*primitives.Example, metric evaluate.Metric, strategies []Strategy, rng *rand.Rand, correlationID string) {
	batchIdx := miniBatchIndices(state.dataIndices, step, s.BatchSize)
	batch := make([]*primitives.Example, len(batchIdx))
	for i, idx := range batchIdx {
		batch[i] = trainset[idx]
	}

	configs := temperatureSchedule(s.NumCandidates)

	trajectories := s.sampleTrajectories(ctx, state, batch, configs, metric, rng, correlationID)
	buckets := s.formBuckets(trajectories, len(batch), correlationID)

	candidates := s.applyStrategies(ctx, state, buckets, strategies, rng, correlationID)
	if len(candidates) == 0 {
		return
	}

	s.evaluateCandidates(ctx, state, candidates, batch, metric, correlationID)
}

// sampleTrajectories runs every (example, config) pair against a
// softmax-selected pool program under bounded concurrency. Program
// selection happens up front on the optimizer goroutine; the rng is never
// shared across tasks.
func (s *SIMBA) sampleTrajectories(ctx context.Context, state *simbaState, batch []*primitives.Example, configs []ModelConfig, metric evaluate.Metric, rng *rand.Rand, correlationID string) []*Trajectory {
	telemetry.Emit(telemetry.SimbaTrajectoryStart, correlationID, map[string]float64{
		"pairs": float64(len(batch) * len(configs)),
	}, nil)

	type job struct {
		example *primitives.Example
		program primitives.Module
		config  ModelConfig
		execID  int
	}

	avgs := poolAverages(state.programScores, len(state.programs))
	var jobs []job
	for exampleIdx, ex := range batch {
		for modelIdx, config := range configs {
			programIdx := softmaxSample(rng, avgs, s.TemperatureForSampling)
			jobs = append(jobs, job{
				example: ex,
				program: state.programs[programIdx],
				config:  config,
				execID:  exampleIdx*s.NumCandidates + modelIdx,
			})
		}
	}

	trajectories := make([]*Trajectory, len(jobs))
	sem := make(chan struct{}, s.numThreads())
	var wg sync.WaitGroup

	for i, j := range jobs {
		wg.Add(1)
		go func(i int, j job) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			trajectories[i] = s.sampleOne(ctx, j.program, j.example, j.config, j.execID, metric, correlationID)
		}(i, j)
	}
	wg.Wait()

	telemetry.Emit(telemetry.SimbaTrajectorySampled, correlationID, map[string]float64{
		"trajectories": float64(len(trajectories)),
	}, nil)
	return trajectories
}

// sampleOne executes one trajectory with full fault isolation.
func (s *SIMBA) sampleOne(ctx context.Context, program primitives.Module, ex *primitives.Example, config ModelConfig, execID int, metric evaluate.Metric, correlationID string) *Trajectory {
	start := time.Now()
	trajectory := &Trajectory{
		Program:     program,
		Example:     ex,
		Inputs:      ex.Inputs(),
		ModelConfig: config,
		ExecID:      execID,
	}

	temp := config.Temperature
	callCtx, cancel := context.WithTimeout(ctx, trajectoryTimeout)
	defer cancel()
	callCtx = primitives.WithForwardOptions(callCtx, primitives.ForwardOptions{
		Temperature:   &temp,
		Timeout:       trajectoryTimeout,
		CorrelationID: correlationID,
	})

	prediction, err := forwardGuarded(callCtx, program, ex.Inputs())
	trajectory.Duration = time.Since(start)
	if err != nil {
		trajectory.Err = err
		return trajectory
	}

	score, err := scoreTrajectory(metric, ex, prediction)
	if err != nil {
		trajectory.Err = err
		return trajectory
	}

	trajectory.Outputs = prediction
	trajectory.Score = score
	trajectory.Success = true
	return trajectory
}

// scoreTrajectory applies the metric under a crash guard and clamps the
// result into [0,1].
func scoreTrajectory(metric evaluate.Metric, ex *primitives.Example, prediction *primitives.Prediction) (score float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			score, err = 0, fmt.Errorf("metric panic: %v", r)
		}
	}()
	score = metric(ex, prediction)
	if score != score { // NaN
		return 0, fmt.Errorf("invalid metric result")
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score, nil
}

// formBuckets groups trajectories by example and orders buckets by
// improvement signal.
func (s *SIMBA) formBuckets(trajectories []*Trajectory, batchSize int, correlationID string) []*Bucket {
	telemetry.Emit(telemetry.SimbaBucketStart, correlationID, nil, nil)

	groups := make(map[int][]*Trajectory, batchSize)
	for _, t := range trajectories {
		if t == nil {
			continue
		}
		exampleIdx := t.ExecID / s.NumCandidates
		groups[exampleIdx] = append(groups[exampleIdx], t)
	}

	buckets := make([]*Bucket, 0, len(groups))
	for exampleIdx := 0; exampleIdx < batchSize; exampleIdx++ {
		group, ok := groups[exampleIdx]
		if !ok {
			continue
		}
		buckets = append(buckets, NewBucket(group))
	}
	sortBuckets(buckets)

	telemetry.Emit(telemetry.SimbaBucketCreated, correlationID,
		map[string]float64{"buckets": float64(len(buckets))}, nil)
	return buckets
}

// applyStrategies turns the most promising buckets into candidate
// programs.
func (s *SIMBA) applyStrategies(ctx context.Context, state *simbaState, buckets []*Bucket, strategies []Strategy, rng *rand.Rand, correlationID string) []primitives.Module {
	if len(strategies) == 0 {
		return nil
	}

	var promising []*Bucket
	for _, b := range buckets {
		if b.HasImprovementPotential() {
			promising = append(promising, b)
		}
	}
	if len(promising) > s.NumCandidates {
		promising = promising[:s.NumCandidates]
	}

	opts := StrategyOptions{
		MaxDemos:      s.MaxDemos,
		LM:            s.LM,
		CorrelationID: correlationID,
	}

	avgs := poolAverages(state.programScores, len(state.programs))
	var candidates []primitives.Module
	for _, bucket := range promising {
		telemetry.Emit(telemetry.SimbaStrategyStart, correlationID, nil, nil)

		sourceIdx := softmaxSample(rng, avgs, s.TemperatureForCandidates)
		candidate, err := ApplyFirstApplicable(ctx, strategies, bucket, state.programs[sourceIdx], opts)
		if err != nil {
			log.L().Debugw("no candidate from bucket", "reason", err)
			continue
		}

		candidates = append(candidates, candidate)
		telemetry.Emit(telemetry.SimbaStrategyApplied, correlationID,
			map[string]float64{"source": float64(sourceIdx)}, nil)
	}
	return candidates
}

// evaluateCandidates scores each candidate on the current mini-batch and
// folds the results into the pool and the winning list.
func (s *SIMBA) evaluateCandidates(ctx context.Context, state *simbaState, candidates []primitives.Module, batch []*primitives.Example, metric evaluate.Metric, correlationID string) {
	type scored struct {
		program primitives.Module
		avg     float64
		scores  []float64
	}

	var evaluated []scored
	for _, candidate := range candidates {
		result, err := evaluate.Run(ctx, candidate, batch, metric, evaluate.Options{
			MaxConcurrency: nestedEvalConcurrency,
			Timeout:        trajectoryTimeout,
			Phase:          "candidate_evaluation",
			CorrelationID:  correlationID,
		})
		if err != nil {
			log.L().Debugw("candidate evaluation failed", "error", err)
			continue
		}
		evaluated = append(evaluated, scored{program: candidate, avg: result.Score, scores: result.Scores})
	}
	if len(evaluated) == 0 {
		return
	}

	// Winning-programs update: the step's best candidate joins when it
	// clears the threshold.
	best := evaluated[0]
	for _, e := range evaluated[1:] {
		if e.avg > best.avg {
			best = e
		}
	}
	if best.avg > s.WinningScoreThreshold {
		state.winningPrograms = append(state.winningPrograms, best.program)
		if len(state.winningPrograms) > s.MaxWinningPrograms {
			// The baseline at index 0 stays; the oldest later winners go.
			recent := state.winningPrograms[len(state.winningPrograms)-s.MaxWinningPrograms:]
			if len(recent) > 0 {
				recent = recent[1:]
			}
			state.winningPrograms = append([]primitives.Module{state.winningPrograms[0]}, recent...)
		}
	}

	for _, e := range evaluated {
		idx := len(state.programs)
		state.programs = append(state.programs, e.program)
		state.programScores[idx] = e.scores
	}

	s.prunePool(state)
}

// prunePool caps the candidate pool, always retaining the baseline at
// index 0 and the best performers, then re-keys the score map to the
// compacted indices.
func (s *SIMBA) prunePool(state *simbaState) {
	if s.MaxPoolSize <= 0 || len(state.programs) <= s.MaxPoolSize {
		return
	}

	type ranked struct {
		idx int
		avg float64
	}
	avgs := poolAverages(state.programScores, len(state.programs))
	rankedPrograms := make([]ranked, 0, len(state.programs)-1)
	for i := 1; i < len(state.programs); i++ {
		rankedPrograms = append(rankedPrograms, ranked{idx: i, avg: avgs[i]})
	}
	// Highest average first; earlier index wins ties.
	for i := 0; i < len(rankedPrograms); i++ {
		for j := i + 1; j < len(rankedPrograms); j++ {
			if rankedPrograms[j].avg > rankedPrograms[i].avg ||
				(rankedPrograms[j].avg == rankedPrograms[i].avg && rankedPrograms[j].idx < rankedPrograms[i].idx) {
				rankedPrograms[i], rankedPrograms[j] = rankedPrograms[j], rankedPrograms[i]
			}
		}
	}

	keep := []int{0}
	for _, r := range rankedPrograms {
		if len(keep) == s.MaxPoolSize {
			break
		}
		keep = append(keep, r.idx)
	}

	programs := make([]primitives.Module, 0, len(keep))
	scores := make(map[int][]float64, len(keep))
	for newIdx, oldIdx := range keep {
		programs = append(programs, state.programs[oldIdx])
		scores[newIdx] = state.programScores[oldIdx]
	}
	state.programs = programs
	state.programScores = scores
}

// selectFinal evaluates the winning programs on a random training sample
// and returns the best; the baseline is always in the running.
func (s *SIMBA) selectFinal(ctx context.Context, state *simbaState, trainset []*primitives.Example, metric evaluate.Metric, rng *rand.Rand, correlationID string) primitives.Module {
	var finalists []primitives.Module
	for _, p := range state.winningPrograms {
		if p != nil {
			finalists = append(finalists, p)
		}
	}
	baseline := state.programs[0]
	if len(finalists) == 0 {
		return baseline
	}

	sampleSize := len(trainset)
	if sampleSize > finalSelectionSampleLimit {
		sampleSize = finalSelectionSampleLimit
	}
	sample := make([]*primitives.Example, sampleSize)
	for i, idx := range rng.Perm(len(trainset))[:sampleSize] {
		sample[i] = trainset[idx]
	}

	best := baseline
	bestScore := -1.0
	for _, finalist := range finalists {
		result, err := evaluate.Run(ctx, finalist, sample, metric, evaluate.Options{
			MaxConcurrency: nestedEvalConcurrency,
			Timeout:        trajectoryTimeout,
			Phase:          "final_selection",
			CorrelationID:  correlationID,
		})
		if err != nil {
			continue
		}
		if result.Score > bestScore {
			best, bestScore = finalist, result.Score
		}
	}
	return best
}

func (s *SIMBA) numThreads() int {
	if s.NumThreads > 0 {
		return s.NumThreads
	}
	return evaluate.DefaultConcurrency()
}

// fireProgressGuarded invokes a progress callback, discarding panics.
func fireProgressGuarded(fn evaluate.ProgressFunc, p evaluate.Progress) {
	defer func() { recover() }()
	fn(p)
}

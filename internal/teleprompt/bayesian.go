package teleprompt

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/promptforge/teleprompt/internal/evaluate"
	"github.com/promptforge/teleprompt/internal/log"
	"github.com/promptforge/teleprompt/internal/primitives"
	"github.com/promptforge/teleprompt/internal/telemetry"
)

// AcquisitionFunction ranks unobserved configurations by expected benefit
// under the surrogate.
type AcquisitionFunction string

const (
	// ExpectedImprovement balances improvement magnitude and probability
	ExpectedImprovement AcquisitionFunction = "expected_improvement"
	// UpperConfidenceBound is optimistic under uncertainty
	UpperConfidenceBound AcquisitionFunction = "upper_confidence_bound"
	// ProbabilityOfImprovement maximizes the chance of any improvement
	ProbabilityOfImprovement AcquisitionFunction = "probability_of_improvement"
)

// SurrogateModel selects how mean/uncertainty are estimated from the
// observation set.
type SurrogateModel string

const (
	// GaussianProcess uses a similarity-kernel neighborhood estimate
	GaussianProcess SurrogateModel = "gaussian_process"
	// RandomForest uses a bootstrap ensemble over neighborhood scores
	RandomForest SurrogateModel = "random_forest"
	// ExtraTrees is RandomForest with extra subsampling randomness
	ExtraTrees SurrogateModel = "extra_trees"
)

// InstructionCandidate is one instruction in the search space.
type InstructionCandidate struct {
	ID          string
	Instruction string
}

// DemoCandidate is one demonstration in the search space.
type DemoCandidate struct {
	ID      string
	Demo    *primitives.Example
	Quality float64
}

// SearchSpace is the joint instruction × demo-subset space.
type SearchSpace struct {
	Instructions []InstructionCandidate
	Demos        []DemoCandidate
}

// Configuration is one point in the search space: an instruction id plus
// a set of demo ids.
type Configuration struct {
	InstructionID string
	DemoIDs       []string
}

// key returns a canonical identity for deduplication.
func (c Configuration) key() string {
	ids := append([]string(nil), c.DemoIDs...)
	sort.Strings(ids)
	return c.InstructionID + "|" + strings.Join(ids, ",")
}

// Observation records one evaluated configuration. The observation list
// is append-only.
type Observation struct {
	Config    Configuration
	Score     float64
	Timestamp time.Time
}

// ObjectiveFunc evaluates a configuration, returning a score in [0,1].
type ObjectiveFunc func(ctx context.Context, config Configuration) (float64, error)

// BayesianOptions configures one optimization run.
type BayesianOptions struct {
	// MaxIterations bounds the total number of evaluations
	MaxIterations int

	// ConvergencePatience stops the search after this many consecutive
	// iterations without improvement (default 5)
	ConvergencePatience int

	// CorrelationID tags telemetry; generated when absent
	CorrelationID string
}

// BayesianResult is the outcome of a run.
type BayesianResult struct {
	BestConfiguration Configuration
	BestScore         float64
	Observations      []Observation

	// ConvergenceIteration is the iteration the search stopped at, or -1
	// when the iteration budget ran out first
	ConvergenceIteration int

	Stats BayesianStats
}

// BayesianStats aggregates one run.
type BayesianStats struct {
	Iterations int
	Failures   int
	Duration   time.Duration
}

// BayesianOptimizer searches the instruction × demo-subset space guided
// by a surrogate model of the objective.
type BayesianOptimizer struct {
	// NumInitialSamples seeds the surrogate with uniform random draws;
	// when zero, min(10, MaxIterations/3), at least 1, is used
	NumInitialSamples int

	// Acquisition selects the acquisition function (default EI)
	Acquisition AcquisitionFunction

	// Surrogate selects the surrogate model (default GaussianProcess)
	Surrogate SurrogateModel

	// MaxDemoSubsetSize caps sampled demo subsets (default 4)
	MaxDemoSubsetSize int

	// Xi is the EI/PI exploration margin (default 0.01)
	Xi float64

	// Kappa is the UCB exploration weight (default 2.576)
	Kappa float64

	// Rng drives sampling; seeded from the clock when nil
	Rng *rand.Rand
}

const (
	// candidatePoolLimit bounds acquisition scoring for large spaces:
	// above it, a random candidate pool is scored instead of the full
	// enumeration.
	candidatePoolLimit = 2000
	candidatePoolSize  = 200

	similarityThreshold = 0.5
	minSurrogateSigma   = 1e-6
	fallbackSigma       = 0.1
)

// NewBayesianOptimizer creates the optimizer with its defaults.
func NewBayesianOptimizer() *BayesianOptimizer {
	return &BayesianOptimizer{
		Acquisition:       ExpectedImprovement,
		Surrogate:         GaussianProcess,
		MaxDemoSubsetSize: 4,
		Xi:                0.01,
		Kappa:             2.576,
	}
}

// Optimize runs the surrogate-guided search.
func (b *BayesianOptimizer) Optimize(ctx context.Context, space SearchSpace, objective ObjectiveFunc, opts BayesianOptions) (*BayesianResult, error) {
	if len(space.Instructions) == 0 {
		return nil, fmt.Errorf("%w: search space has no instructions", ErrNoValidConfigurations)
	}
	if objective == nil {
		return nil, ErrInvalidMetric
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 30
	}
	if opts.ConvergencePatience <= 0 {
		opts.ConvergencePatience = 5
	}
	if opts.CorrelationID == "" {
		opts.CorrelationID = telemetry.NewCorrelationID()
	}

	rng := b.Rng
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	numInitial := b.NumInitialSamples
	if numInitial <= 0 {
		numInitial = opts.MaxIterations / 3
		if numInitial > 10 {
			numInitial = 10
		}
		if numInitial < 1 {
			numInitial = 1
		}
	}

	start := time.Now()
	telemetry.Emit(telemetry.BeaconOptimizationStart, opts.CorrelationID, map[string]float64{
		"max_iterations": float64(opts.MaxIterations),
	}, nil)

	run := &bayesianRun{
		optimizer:    b,
		space:        space,
		rng:          rng,
		observedKeys: make(map[string]bool),
		bestScore:    -1,
	}

	iteration := 0
	failures := 0

	// Phase 1: uniform random initialization.
	for ; iteration < numInitial && iteration < opts.MaxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", evaluate.ErrCancelled, err)
		}
		config := run.sampleConfiguration()
		if !run.observe(ctx, config, objective) {
			failures++
		}
	}

	// Phase 2: acquisition-guided selection until the budget or
	// convergence.
	stale := 0
	convergenceIteration := -1
	for ; iteration < opts.MaxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", evaluate.ErrCancelled, err)
		}

		config, ok := run.proposeNext()
		if !ok {
			// Space exhausted.
			convergenceIteration = iteration
			break
		}

		before := run.bestScore
		if !run.observe(ctx, config, objective) {
			failures++
		}
		if run.bestScore > before {
			stale = 0
		} else {
			stale++
		}
		if stale >= opts.ConvergencePatience {
			convergenceIteration = iteration + 1
			break
		}
	}

	if len(run.observations) == 0 {
		telemetry.Emit(telemetry.BeaconOptimizationException, opts.CorrelationID, nil,
			map[string]interface{}{"reason": "no_valid_configurations"})
		return nil, ErrNoValidConfigurations
	}

	result := &BayesianResult{
		BestConfiguration:    run.bestConfig,
		BestScore:            run.bestScore,
		Observations:         run.observations,
		ConvergenceIteration: convergenceIteration,
		Stats: BayesianStats{
			Iterations: iteration,
			Failures:   failures,
			Duration:   time.Since(start),
		},
	}

	telemetry.Emit(telemetry.BeaconOptimizationStop, opts.CorrelationID, map[string]float64{
		"duration_ms": float64(result.Stats.Duration.Milliseconds()),
		"score":       result.BestScore,
		"iterations":  float64(result.Stats.Iterations),
	}, nil)

	return result, nil
}

// bayesianRun holds one run's mutable state.
type bayesianRun struct {
	optimizer    *BayesianOptimizer
	space        SearchSpace
	rng          *rand.Rand
	observations []Observation
	observedKeys map[string]bool
	bestConfig   Configuration
	bestScore    float64
}

// observe evaluates a configuration and records the observation. Returns
// false when the trial errored. Ties on score keep the earlier
// observation as best.
func (r *bayesianRun) observe(ctx context.Context, config Configuration, objective ObjectiveFunc) bool {
	r.observedKeys[config.key()] = true

	score, err := objective(ctx, config)
	if err != nil {
		log.L().Debugw("objective evaluation failed", "config", config.key(), "error", err)
		return false
	}

	r.observations = append(r.observations, Observation{
		Config:    config,
		Score:     score,
		Timestamp: time.Now(),
	})
	if score > r.bestScore {
		r.bestScore = score
		r.bestConfig = config
	}
	return true
}

// sampleConfiguration draws uniformly: one instruction plus a random
// non-empty demo subset capped at MaxDemoSubsetSize.
func (r *bayesianRun) sampleConfiguration() Configuration {
	inst := r.space.Instructions[r.rng.Intn(len(r.space.Instructions))]

	var demoIDs []string
	if n := len(r.space.Demos); n > 0 {
		size := r.optimizer.MaxDemoSubsetSize
		if size > n {
			size = n
		}
		size = 1 + r.rng.Intn(size)
		for _, idx := range r.rng.Perm(n)[:size] {
			demoIDs = append(demoIDs, r.space.Demos[idx].ID)
		}
		sort.Strings(demoIDs)
	}

	return Configuration{InstructionID: inst.ID, DemoIDs: demoIDs}
}

// proposeNext scores unobserved configurations with the acquisition
// function and returns the argmax. Ties prefer fewer demos, then the
// earliest instruction. Returns false when no unobserved configuration
// remains.
func (r *bayesianRun) proposeNext() (Configuration, bool) {
	candidates := r.candidatePool()
	if len(candidates) == 0 {
		return Configuration{}, false
	}

	best := candidates[0]
	bestValue := r.acquisition(best)
	for _, c := range candidates[1:] {
		value := r.acquisition(c)
		if value > bestValue || (value == bestValue && r.prefer(c, best)) {
			best, bestValue = c, value
		}
	}
	return best, true
}

// prefer implements acquisition tie-breaking: smaller demo sets first,
// then earlier instruction ids.
func (r *bayesianRun) prefer(a, b Configuration) bool {
	if len(a.DemoIDs) != len(b.DemoIDs) {
		return len(a.DemoIDs) < len(b.DemoIDs)
	}
	return r.instructionIndex(a.InstructionID) < r.instructionIndex(b.InstructionID)
}

func (r *bayesianRun) instructionIndex(id string) int {
	for i, inst := range r.space.Instructions {
		if inst.ID == id {
			return i
		}
	}
	return len(r.space.Instructions)
}

// candidatePool returns the unobserved configurations to score: the full
// enumeration when the space is small, otherwise a random pool.
func (r *bayesianRun) candidatePool() []Configuration {
	if size := r.spaceSize(); size > 0 && size <= candidatePoolLimit {
		var pool []Configuration
		for _, c := range r.enumerate() {
			if !r.observedKeys[c.key()] {
				pool = append(pool, c)
			}
		}
		return pool
	}

	seen := make(map[string]bool)
	var pool []Configuration
	for attempts := 0; len(pool) < candidatePoolSize && attempts < candidatePoolSize*10; attempts++ {
		c := r.sampleConfiguration()
		k := c.key()
		if r.observedKeys[k] || seen[k] {
			continue
		}
		seen[k] = true
		pool = append(pool, c)
	}
	return pool
}

// spaceSize counts configurations: instructions × non-empty demo subsets
// of size up to the cap. Returns 0 on overflow.
func (r *bayesianRun) spaceSize() int {
	subsets := 0
	n := len(r.space.Demos)
	maxSize := r.optimizer.MaxDemoSubsetSize
	if maxSize > n {
		maxSize = n
	}
	if n == 0 {
		return len(r.space.Instructions)
	}
	for k := 1; k <= maxSize; k++ {
		subsets += binomial(n, k)
		if subsets > candidatePoolLimit {
			return 0
		}
	}
	total := subsets * len(r.space.Instructions)
	if total > candidatePoolLimit {
		return 0
	}
	return total
}

// enumerate lists every configuration in a small space.
func (r *bayesianRun) enumerate() []Configuration {
	n := len(r.space.Demos)
	maxSize := r.optimizer.MaxDemoSubsetSize
	if maxSize > n {
		maxSize = n
	}

	var subsets [][]string
	if n == 0 {
		subsets = [][]string{nil}
	} else {
		var build func(start int, current []string)
		build = func(start int, current []string) {
			if len(current) > 0 && len(current) <= maxSize {
				subsets = append(subsets, append([]string(nil), current...))
			}
			if len(current) == maxSize {
				return
			}
			for i := start; i < n; i++ {
				build(i+1, append(current, r.space.Demos[i].ID))
			}
		}
		build(0, nil)
	}

	configs := make([]Configuration, 0, len(subsets)*len(r.space.Instructions))
	for _, inst := range r.space.Instructions {
		for _, subset := range subsets {
			ids := append([]string(nil), subset...)
			sort.Strings(ids)
			configs = append(configs, Configuration{InstructionID: inst.ID, DemoIDs: ids})
		}
	}
	return configs
}

// acquisition scores a candidate under the configured function.
func (r *bayesianRun) acquisition(config Configuration) float64 {
	mu, sigma := r.estimate(config)

	switch r.optimizer.Acquisition {
	case UpperConfidenceBound:
		return mu + r.optimizer.Kappa*sigma
	case ProbabilityOfImprovement:
		if sigma == 0 {
			return 0
		}
		z := (mu - r.bestScore - r.optimizer.Xi) / sigma
		return distuv.UnitNormal.CDF(z)
	default: // ExpectedImprovement
		if sigma == 0 {
			return 0
		}
		improvement := mu - r.bestScore - r.optimizer.Xi
		z := improvement / sigma
		return improvement*distuv.UnitNormal.CDF(z) + sigma*distuv.UnitNormal.Prob(z)
	}
}

// estimate predicts the configuration's mean and uncertainty from the
// observation neighborhood, per the configured surrogate.
func (r *bayesianRun) estimate(config Configuration) (float64, float64) {
	if len(r.observations) == 0 {
		return 0, 1
	}

	var neighborhood []float64
	for _, obs := range r.observations {
		if r.similarity(config, obs.Config) > similarityThreshold {
			neighborhood = append(neighborhood, obs.Score)
		}
	}
	if len(neighborhood) == 0 {
		for _, obs := range r.observations {
			neighborhood = append(neighborhood, obs.Score)
		}
	}

	var mu, sigma float64
	switch r.optimizer.Surrogate {
	case RandomForest, ExtraTrees:
		mu, sigma = r.ensembleEstimate(neighborhood, r.optimizer.Surrogate == ExtraTrees)
	default: // GaussianProcess
		mu = stat.Mean(neighborhood, nil)
		if len(neighborhood) > 1 {
			sigma = stat.StdDev(neighborhood, nil)
		} else {
			sigma = fallbackSigma
		}
	}

	if sigma < minSurrogateSigma {
		sigma = fallbackSigma
	}
	return mu, sigma
}

// ensembleEstimate aggregates bootstrap resamples of the neighborhood;
// the extra-trees variant subsamples more aggressively.
func (r *bayesianRun) ensembleEstimate(scores []float64, extra bool) (float64, float64) {
	const trees = 10
	n := len(scores)
	if n == 1 {
		return scores[0], fallbackSigma
	}

	sampleSize := n
	if extra {
		sampleSize = (n + 1) / 2
	}

	means := make([]float64, trees)
	for t := 0; t < trees; t++ {
		resample := make([]float64, sampleSize)
		for i := range resample {
			resample[i] = scores[r.rng.Intn(n)]
		}
		means[t] = stat.Mean(resample, nil)
	}
	return stat.Mean(means, nil), stat.StdDev(means, nil)
}

// similarity scores two configurations in [0,1]: instruction match plus
// demo-set Jaccard overlap, equally weighted.
func (r *bayesianRun) similarity(a, b Configuration) float64 {
	s := 0.0
	if a.InstructionID == b.InstructionID {
		s += 0.5
	}
	s += 0.5 * jaccard(a.DemoIDs, b.DemoIDs)
	return s
}

func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	setA := make(map[string]bool, len(a))
	for _, id := range a {
		setA[id] = true
	}
	intersection := 0
	union := len(setA)
	for _, id := range b {
		if setA[id] {
			intersection++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func binomial(n, k int) int {
	if k < 0 || k > n {
		return 0
	}
	if k > n-k {
		k = n - k
	}
	result := 1
	for i := 0; i < k; i++ {
		result = result * (n - i) / (i + 1)
	}
	return result
}

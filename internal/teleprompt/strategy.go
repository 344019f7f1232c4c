package teleprompt

import (
	"context"
	"errors"
	"fmt"

	"github.com/promptforge/teleprompt/internal/clients"
	"github.com/promptforge/teleprompt/internal/log"
	"github.com/promptforge/teleprompt/internal/primitives"
)

// StrategyOptions configures strategy application.
type StrategyOptions struct {
	// MaxDemos caps a program's demo list; the oldest demo is evicted
	// when the cap is exceeded. Zero means the default.
	MaxDemos int

	// DemoInputFieldMaxLen truncates long input-field values when a
	// trajectory becomes a demo. Zero means the default.
	DemoInputFieldMaxLen int

	// MinScoreGap is the smallest best-to-worst gap AppendRule acts on.
	MinScoreGap float64

	// LM is the model used by LM-backed strategies.
	LM clients.BaseLM

	// CorrelationID tags LM calls made by strategies.
	CorrelationID string
}

const (
	defaultMaxDemos             = 4
	defaultDemoInputFieldMaxLen = 100000
	defaultMinScoreGap          = 0.05
)

func (o StrategyOptions) maxDemos() int {
	if o.MaxDemos > 0 {
		return o.MaxDemos
	}
	return defaultMaxDemos
}

func (o StrategyOptions) demoInputFieldMaxLen() int {
	if o.DemoInputFieldMaxLen > 0 {
		return o.DemoInputFieldMaxLen
	}
	return defaultDemoInputFieldMaxLen
}

func (o StrategyOptions) minScoreGap() float64 {
	if o.MinScoreGap > 0 {
		return o.MinScoreGap
	}
	return defaultMinScoreGap
}

// SkipError reports that a strategy declined to produce a candidate.
// It is an expected outcome, not a failure.
type SkipError struct {
	Reason string
}

// Error implements the error interface.
func (e *SkipError) Error() string {
	return "strategy skipped: " + e.Reason
}

// Skip builds a SkipError.
func Skip(format string, args ...interface{}) error {
	return &SkipError{Reason: fmt.Sprintf(format, args...)}
}

// IsSkip reports whether err is a strategy skip.
func IsSkip(err error) bool {
	var skip *SkipError
	return errors.As(err, &skip)
}

// Strategy is a rule that derives a new candidate program from a bucket.
type Strategy interface {
	// Name returns the strategy name.
	Name() string

	// Applicable reports whether the strategy could act on the bucket.
	Applicable(bucket *Bucket, opts StrategyOptions) bool

	// Apply produces a new program, or a SkipError explaining why not.
	Apply(ctx context.Context, bucket *Bucket, source primitives.Module, opts StrategyOptions) (primitives.Module, error)
}

// validateBucket checks the invariants strategies rely on. Drift here is
// downgraded to a skip rather than a hard failure.
func validateBucket(bucket *Bucket) error {
	if bucket == nil {
		return fmt.Errorf("bucket is nil")
	}
	for i, t := range bucket.Trajectories {
		if t == nil {
			return fmt.Errorf("trajectory %d is nil", i)
		}
		if t.Score < 0 || t.Score > 1 {
			return fmt.Errorf("trajectory %d score %v outside [0,1]", i, t.Score)
		}
	}
	return nil
}

// ApplyFirstApplicable tries strategies in order and returns the first
// candidate produced. When every strategy declines, the last skip reason
// is returned.
func ApplyFirstApplicable(ctx context.Context, strategies []Strategy, bucket *Bucket, source primitives.Module, opts StrategyOptions) (primitives.Module, error) {
	if err := validateBucket(bucket); err != nil {
		return nil, Skip("validation failed: %v", err)
	}
	if source == nil {
		return nil, Skip("validation failed: source program is nil")
	}

	lastSkip := Skip("no strategies configured")
	for _, strategy := range strategies {
		if !strategy.Applicable(bucket, opts) {
			continue
		}
		candidate, err := strategy.Apply(ctx, bucket, source, opts)
		if err == nil {
			return candidate, nil
		}
		if !IsSkip(err) {
			return nil, err
		}
		log.L().Debugw("strategy skipped", "strategy", strategy.Name(), "reason", err)
		lastSkip = err
	}
	return nil, lastSkip
}

package teleprompt

import (
	"context"
	"math/rand"

	"github.com/promptforge/teleprompt/internal/evaluate"
	"github.com/promptforge/teleprompt/internal/primitives"
)

// LabeledFewShot attaches raw labeled examples as demonstrations without
// consulting a teacher or a metric. It is the cheapest optimizer and the
// usual baseline the bootstrapped optimizers are compared against.
type LabeledFewShot struct {
	*BaseTeleprompt

	// K is the number of examples to select
	K int

	// Sample randomly samples examples instead of taking the first K
	Sample bool

	// Rng drives sampling; seeded deterministically when nil
	Rng *rand.Rand
}

// NewLabeledFewShot creates the optimizer.
func NewLabeledFewShot(k int) *LabeledFewShot {
	return &LabeledFewShot{
		BaseTeleprompt: NewBaseTeleprompt("LabeledFewShot"),
		K:              k,
		Sample:         true,
	}
}

// WithSample sets whether to randomly sample examples.
func (l *LabeledFewShot) WithSample(sample bool) *LabeledFewShot {
	l.Sample = sample
	return l
}

// WithRng sets the random source.
func (l *LabeledFewShot) WithRng(rng *rand.Rand) *LabeledFewShot {
	l.Rng = rng
	return l
}

// Compile implements Teleprompt.Compile. The metric is unused; it exists
// to satisfy the optimizer interface.
func (l *LabeledFewShot) Compile(ctx context.Context, student primitives.Module, trainset []*primitives.Example, metric evaluate.Metric) (primitives.Module, error) {
	if student == nil {
		return nil, ErrInvalidStudent
	}
	if len(trainset) == 0 {
		return student.Copy(), nil
	}

	k := l.K
	if k > len(trainset) {
		k = len(trainset)
	}

	var demos []*primitives.Example
	if l.Sample {
		rng := l.Rng
		if rng == nil {
			rng = rand.New(rand.NewSource(0))
		}
		for _, idx := range rng.Perm(len(trainset))[:k] {
			demos = append(demos, trainset[idx])
		}
	} else {
		demos = append(demos, trainset[:k]...)
	}

	return primitives.Enhance(student, demos, instructionOf(student), nil), nil
}

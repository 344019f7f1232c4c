package teleprompt

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptforge/teleprompt/internal/clients"
	"github.com/promptforge/teleprompt/internal/primitives"
)

func TestAppendDemo_AppendsBestTrajectory(t *testing.T) {
	ex := trainExample("2+2", "4")
	bucket := NewBucket([]*Trajectory{
		trajectory(ex, 0.3, true),
		trajectory(ex, 0.9, true),
	})

	source := answeringStub("4")
	candidate, err := NewAppendDemo().Apply(context.Background(), bucket, source, StrategyOptions{})
	require.NoError(t, err)

	demos := candidate.(primitives.DemoCapable).Demos()
	require.Len(t, demos, 1)
	score, _ := demos[0].GetMetadata(primitives.MetaQualityScore)
	assert.Equal(t, 0.9, score)
	assert.Empty(t, source.Demos(), "source program must not be mutated")
}

func TestAppendDemo_EvictsOldestAtCap(t *testing.T) {
	ex := trainExample("2+2", "4")
	bucket := NewBucket([]*Trajectory{trajectory(ex, 0.9, true)})

	source := answeringStub("4")
	source.SetDemos([]*primitives.Example{
		trainExample("old-1", "x"),
		trainExample("old-2", "y"),
	})

	candidate, err := NewAppendDemo().Apply(context.Background(), bucket, source, StrategyOptions{MaxDemos: 2})
	require.NoError(t, err)

	demos := candidate.(primitives.DemoCapable).Demos()
	require.Len(t, demos, 2)
	q, _ := demos[0].Get("q")
	assert.Equal(t, "old-2", q, "oldest demo should be evicted")
}

func TestAppendDemo_SkipsWithoutPositiveSuccess(t *testing.T) {
	ex := trainExample("2+2", "4")
	bucket := NewBucket([]*Trajectory{
		trajectory(ex, 0.0, true),
		trajectory(ex, 0.0, false),
	})

	_, err := NewAppendDemo().Apply(context.Background(), bucket, answeringStub("4"), StrategyOptions{})
	assert.True(t, IsSkip(err), "expected skip, got %v", err)
}

func TestAppendDemo_TruncatesLongInputs(t *testing.T) {
	long := strings.Repeat("x", 500)
	ex := primitives.NewExample(
		map[string]interface{}{"q": long},
		map[string]interface{}{"a": "4"},
	)
	bucket := NewBucket([]*Trajectory{trajectory(ex, 0.9, true)})

	candidate, err := NewAppendDemo().Apply(context.Background(), bucket, answeringStub("4"), StrategyOptions{
		DemoInputFieldMaxLen: 100,
	})
	require.NoError(t, err)

	demos := candidate.(primitives.DemoCapable).Demos()
	q, _ := demos[0].Get("q")
	assert.Len(t, q.(string), 100)
}

func TestAppendDemo_WrapsIncapableProgram(t *testing.T) {
	ex := trainExample("2+2", "4")
	bucket := NewBucket([]*Trajectory{trajectory(ex, 0.9, true)})

	candidate, err := NewAppendDemo().Apply(context.Background(), bucket, &bareStub{}, StrategyOptions{})
	require.NoError(t, err)

	_, ok := candidate.(*primitives.OptimizedProgram)
	assert.True(t, ok, "expected a wrapped program, got %T", candidate)
}

func TestApplyFirstApplicable_ValidationFailureSkips(t *testing.T) {
	ex := trainExample("2+2", "4")
	invalid := NewBucket([]*Trajectory{trajectory(ex, 1.5, true)}) // score out of range

	_, err := ApplyFirstApplicable(context.Background(), []Strategy{NewAppendDemo()}, invalid, answeringStub("4"), StrategyOptions{})
	require.True(t, IsSkip(err))
	assert.Contains(t, err.Error(), "validation failed")
}

func TestApplyFirstApplicable_HaltsOnFirstSuccess(t *testing.T) {
	ex := trainExample("2+2", "4")
	bucket := NewBucket([]*Trajectory{
		trajectory(ex, 0.9, true),
		trajectory(ex, 0.1, true),
	})

	candidate, err := ApplyFirstApplicable(context.Background(),
		[]Strategy{NewAppendDemo(), NewAppendRule()}, bucket, answeringStub("4"), StrategyOptions{})
	require.NoError(t, err)
	require.NotNil(t, candidate)

	// AppendDemo succeeded, so AppendRule (which has no LM here) never ran.
	demos := candidate.(primitives.DemoCapable).Demos()
	assert.Len(t, demos, 1)
}

func TestApplyFirstApplicable_AllSkip(t *testing.T) {
	ex := trainExample("2+2", "4")
	bucket := NewBucket([]*Trajectory{trajectory(ex, 0.0, false)})

	_, err := ApplyFirstApplicable(context.Background(), []Strategy{NewAppendDemo()}, bucket, answeringStub("4"), StrategyOptions{})
	assert.True(t, IsSkip(err))
}

func ruleBucket() *Bucket {
	good := primitives.NewExample(
		map[string]interface{}{"q": "What is the capital of France, spelled out in full?"},
		map[string]interface{}{"a": "Paris"},
	)
	best := trajectory(good, 0.9, true)
	worst := trajectory(good, 0.1, true)
	return NewBucket([]*Trajectory{best, worst})
}

func TestAppendRule_AppendsAdvice(t *testing.T) {
	lm := clients.NewMockLM("advisor").Script(`{"predictor": "Always restate the question before answering it."}`)

	source := answeringStub("Paris")
	source.SetInstruction("Answer the question.")

	candidate, err := NewAppendRule().Apply(context.Background(), ruleBucket(), source, StrategyOptions{LM: lm})
	require.NoError(t, err)

	instruction := candidate.(primitives.InstructionCapable).Instruction()
	assert.Contains(t, instruction, "Answer the question.")
	assert.Contains(t, instruction, "restate the question")
}

func TestAppendRule_SkipsOnSmallGap(t *testing.T) {
	ex := trainExample("2+2", "4")
	bucket := NewBucket([]*Trajectory{
		trajectory(ex, 0.52, true),
		trajectory(ex, 0.50, true),
	})
	lm := clients.NewMockLM("advisor")

	_, err := NewAppendRule().Apply(context.Background(), bucket, answeringStub("4"), StrategyOptions{LM: lm})
	assert.True(t, IsSkip(err))
	assert.Equal(t, 0, lm.Calls(), "LM must not be called below the gap threshold")
}

func TestAppendRule_SkipsOnInvalidResponse(t *testing.T) {
	tests := []struct {
		name   string
		script string
	}{
		{"not json", "just some prose"},
		{"advice too short", `{"predictor": "short"}`},
		{"empty map", `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lm := clients.NewMockLM("advisor").Script(tt.script)
			_, err := NewAppendRule().Apply(context.Background(), ruleBucket(), answeringStub("Paris"), StrategyOptions{LM: lm})
			assert.True(t, IsSkip(err), "expected skip, got %v", err)
		})
	}
}

func TestAppendRule_NotApplicableWithoutLM(t *testing.T) {
	assert.False(t, NewAppendRule().Applicable(ruleBucket(), StrategyOptions{}))
}

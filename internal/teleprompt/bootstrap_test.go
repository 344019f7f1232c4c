package teleprompt

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptforge/teleprompt/internal/primitives"
)

// perfectTeacher answers every question correctly from an answer key.
func perfectTeacher(answers map[string]string) *stubProgram {
	return &stubProgram{
		forward: func(_ *stubProgram, _ context.Context, inputs map[string]interface{}) (*primitives.Prediction, error) {
			q, _ := inputs["q"].(string)
			return primitives.NewPrediction(map[string]interface{}{"a": answers[q]}), nil
		},
	}
}

func arithmeticTrainset() []*primitives.Example {
	return []*primitives.Example{
		trainExample("1+1", "2"),
		trainExample("2+2", "4"),
		trainExample("3+3", "6"),
	}
}

func TestBootstrap_PerfectTeacher(t *testing.T) {
	teacher := perfectTeacher(map[string]string{"1+1": "2", "2+2": "4", "3+3": "6"})
	student := answeringStub("?")

	optimizer := NewBootstrapFewShot(teacher).
		WithMaxBootstrappedDemos(2).
		WithQualityThreshold(0.7)

	optimized, err := optimizer.Compile(context.Background(), student, arithmeticTrainset(), exactMatchMetric)
	require.NoError(t, err)

	op, ok := optimized.(*primitives.OptimizedProgram)
	require.True(t, ok)

	demos := op.Demos()
	require.Len(t, demos, 2)
	for _, demo := range demos {
		score, ok := demo.GetMetadata(primitives.MetaQualityScore)
		require.True(t, ok)
		assert.Equal(t, 1.0, score)

		teacherName, ok := demo.GetMetadata(primitives.MetaTeacher)
		require.True(t, ok)
		assert.NotEmpty(t, teacherName)
	}
	assert.NotContains(t, op.Metadata(), "demo_generation_result")
}

func TestBootstrap_AllBelowThreshold(t *testing.T) {
	teacher := answeringStub("no") // wrong for every example
	student := answeringStub("?")

	optimizer := NewBootstrapFewShot(teacher).WithQualityThreshold(0.5)

	optimized, err := optimizer.Compile(context.Background(), student, arithmeticTrainset(), exactMatchMetric)
	require.NoError(t, err, "an empty demo set is a success, not an error")

	op, ok := optimized.(*primitives.OptimizedProgram)
	require.True(t, ok)
	assert.Empty(t, op.Demos())
	assert.Equal(t, "no_quality_demonstrations", op.Metadata()["demo_generation_result"])
	assert.NotEmpty(t, op.Metadata()["fallback_reason"])
}

func TestBootstrap_QualitySortAndCap(t *testing.T) {
	// The metric rewards longer questions, giving candidates distinct
	// scores above the threshold.
	teacher := perfectTeacher(map[string]string{"1+1": "2", "22+22": "44", "333+333": "666"})
	graded := func(ex *primitives.Example, pred *primitives.Prediction) float64 {
		q, _ := ex.Get("q")
		return float64(len(q.(string))) / 10.0
	}

	trainset := []*primitives.Example{
		trainExample("1+1", "2"),
		trainExample("22+22", "44"),
		trainExample("333+333", "666"),
	}

	optimizer := NewBootstrapFewShot(teacher).
		WithMaxBootstrappedDemos(2).
		WithQualityThreshold(0.3)

	optimized, err := optimizer.Compile(context.Background(), answeringStub("?"), trainset, graded)
	require.NoError(t, err)

	demos := optimized.(primitives.DemoCapable).Demos()
	require.Len(t, demos, 2)

	first, _ := demos[0].GetMetadata(primitives.MetaQualityScore)
	second, _ := demos[1].GetMetadata(primitives.MetaQualityScore)
	assert.GreaterOrEqual(t, first.(float64), second.(float64), "demos sorted by descending quality")
	assert.GreaterOrEqual(t, second.(float64), 0.3, "every demo clears the threshold")
}

func TestBootstrap_ZeroMaxDemos(t *testing.T) {
	var teacherCalls int64
	teacher := &stubProgram{
		forward: func(_ *stubProgram, _ context.Context, inputs map[string]interface{}) (*primitives.Prediction, error) {
			atomic.AddInt64(&teacherCalls, 1)
			return primitives.NewPrediction(map[string]interface{}{"a": "2"}), nil
		},
	}

	optimizer := NewBootstrapFewShot(teacher).WithMaxBootstrappedDemos(0)

	optimized, err := optimizer.Compile(context.Background(), answeringStub("?"), arithmeticTrainset(), exactMatchMetric)
	require.NoError(t, err)

	assert.Empty(t, optimized.(primitives.DemoCapable).Demos())
	assert.Equal(t, int64(0), atomic.LoadInt64(&teacherCalls), "teacher must not run when no demos are wanted")
}

func TestBootstrap_TeacherRetries(t *testing.T) {
	var calls int64
	teacher := &stubProgram{
		forward: func(_ *stubProgram, _ context.Context, inputs map[string]interface{}) (*primitives.Prediction, error) {
			if atomic.AddInt64(&calls, 1)%2 == 1 {
				return nil, errors.New("transient failure")
			}
			q, _ := inputs["q"].(string)
			answers := map[string]string{"1+1": "2", "2+2": "4", "3+3": "6"}
			return primitives.NewPrediction(map[string]interface{}{"a": answers[q]}), nil
		},
	}

	optimizer := NewBootstrapFewShot(teacher).WithMaxConcurrency(1)

	optimized, err := optimizer.Compile(context.Background(), answeringStub("?"), arithmeticTrainset(), exactMatchMetric)
	require.NoError(t, err)

	demos := optimized.(primitives.DemoCapable).Demos()
	assert.Len(t, demos, 3, "every example should succeed on retry")
}

func TestBootstrap_MetricPanicFiltersCandidate(t *testing.T) {
	teacher := perfectTeacher(map[string]string{"1+1": "2", "2+2": "4", "3+3": "6"})
	angry := func(*primitives.Example, *primitives.Prediction) float64 {
		panic("metric bug")
	}

	optimized, err := NewBootstrapFewShot(teacher).Compile(context.Background(), answeringStub("?"), arithmeticTrainset(), angry)
	require.NoError(t, err)
	assert.Empty(t, optimized.(primitives.DemoCapable).Demos())
}

func TestBootstrap_LabeledTopUp(t *testing.T) {
	// Teacher succeeds only on the first example.
	teacher := perfectTeacher(map[string]string{"1+1": "2"})

	optimizer := NewBootstrapFewShot(teacher).
		WithMaxBootstrappedDemos(2).
		WithMaxLabeledDemos(3)

	optimized, err := optimizer.Compile(context.Background(), answeringStub("?"), arithmeticTrainset(), exactMatchMetric)
	require.NoError(t, err)

	demos := optimized.(primitives.DemoCapable).Demos()
	require.Len(t, demos, 3)

	generated, _ := demos[0].GetMetadata(primitives.MetaGeneratedBy)
	assert.Equal(t, "BootstrapFewShot", generated)
	labeled, _ := demos[2].GetMetadata(primitives.MetaGeneratedBy)
	assert.Equal(t, "labeled", labeled)
}

func TestBootstrap_InputValidation(t *testing.T) {
	ctx := context.Background()
	optimizer := NewBootstrapFewShot(answeringStub("t"))

	_, err := optimizer.Compile(ctx, nil, arithmeticTrainset(), exactMatchMetric)
	assert.ErrorIs(t, err, ErrInvalidStudent)

	_, err = optimizer.Compile(ctx, answeringStub("?"), nil, exactMatchMetric)
	assert.ErrorIs(t, err, ErrEmptyTrainset)

	_, err = optimizer.Compile(ctx, answeringStub("?"), arithmeticTrainset(), nil)
	assert.ErrorIs(t, err, ErrInvalidMetric)

	missingOutputs := []*primitives.Example{
		primitives.NewExample(map[string]interface{}{"q": "1+1"}, nil),
	}
	_, err = optimizer.Compile(ctx, answeringStub("?"), missingOutputs, exactMatchMetric)
	assert.ErrorIs(t, err, ErrEmptyTrainset)
}

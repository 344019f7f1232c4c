package teleprompt

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolAverages_BaselinePrior(t *testing.T) {
	scores := map[int][]float64{0: {}, 1: {}, 2: {0.4, 0.6}}

	avgs := poolAverages(scores, 3)

	assert.Equal(t, baselinePrior, avgs[0], "unobserved baseline gets the prior")
	assert.Equal(t, 0.0, avgs[1], "other unobserved programs get zero")
	assert.InDelta(t, 0.5, avgs[2], 1e-9)
}

func TestPoolAverages_ObservedBaselineUsesRealScores(t *testing.T) {
	scores := map[int][]float64{0: {0.8}, 1: {0.2}}

	avgs := poolAverages(scores, 2)
	assert.Equal(t, 0.8, avgs[0])
}

func TestSoftmaxSample_ZeroTemperatureIsArgmax(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	scores := []float64{0.1, 0.9, 0.5}

	for i := 0; i < 20; i++ {
		assert.Equal(t, 1, softmaxSample(rng, scores, 0))
	}

	// Ties resolve to the lowest index.
	assert.Equal(t, 0, softmaxSample(rng, []float64{0.5, 0.5}, 0))
}

func TestSoftmaxSample_PriorKeepsBaselineInPlay(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	avgs := poolAverages(map[int][]float64{0: {}, 1: {}, 2: {}}, 3)

	counts := make([]int, 3)
	for i := 0; i < 3000; i++ {
		counts[softmaxSample(rng, avgs, 0.2)]++
	}

	assert.Greater(t, counts[0], counts[1], "baseline sampled more than unobserved peers")
	assert.Greater(t, counts[0], counts[2])
	assert.Greater(t, counts[1], 0, "softmax keeps every arm reachable")
}

func TestTemperatureSchedule(t *testing.T) {
	configs := temperatureSchedule(6)

	require.NotEmpty(t, configs)
	assert.Equal(t, 0.7, configs[0].Temperature, "base temperature first")
	assert.LessOrEqual(t, len(configs), 6)

	seen := make(map[float64]bool)
	for _, c := range configs {
		assert.False(t, seen[c.Temperature], "temperatures deduplicated")
		seen[c.Temperature] = true
		assert.GreaterOrEqual(t, c.Temperature, 0.7)
	}
}

func TestTemperatureSchedule_SingleCandidate(t *testing.T) {
	configs := temperatureSchedule(1)
	require.Len(t, configs, 1)
	assert.Equal(t, 0.7, configs[0].Temperature)
}

func TestMiniBatchIndices_Circular(t *testing.T) {
	data := []int{3, 1, 4, 1, 5}

	batch := miniBatchIndices(data, 0, 3)
	assert.Equal(t, []int{3, 1, 4}, batch)

	// The second batch wraps around.
	batch = miniBatchIndices(data, 1, 3)
	assert.Equal(t, []int{1, 5, 3}, batch)
}

func TestMiniBatchIndices_SingleExampleRepeats(t *testing.T) {
	batch := miniBatchIndices([]int{0}, 0, 4)
	assert.Equal(t, []int{0, 0, 0, 0}, batch, "bsize larger than the trainset repeats it")
}

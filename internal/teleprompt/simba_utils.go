package teleprompt

import (
	"math"
	"math/rand"
)

// baselinePrior is the score credited to the baseline program (pool index
// 0) before it has any observations, so early softmax sampling cannot
// starve it.
const baselinePrior = 0.1

// poolAverages turns the per-program score lists into average scores for
// sampling. Index 0 receives the baseline prior while unobserved; other
// unobserved programs score 0.
func poolAverages(scores map[int][]float64, n int) []float64 {
	avgs := make([]float64, n)
	for i := 0; i < n; i++ {
		list := scores[i]
		if len(list) == 0 {
			if i == 0 {
				avgs[i] = baselinePrior
			}
			continue
		}
		sum := 0.0
		for _, s := range list {
			sum += s
		}
		avgs[i] = sum / float64(len(list))
	}
	return avgs
}

// softmaxSample draws an index with probability proportional to
// exp(score/temperature). Temperature zero (or below) degenerates to
// argmax with lowest-index tie-breaking.
func softmaxSample(rng *rand.Rand, scores []float64, temperature float64) int {
	if len(scores) == 0 {
		return 0
	}
	if temperature <= 0 {
		return argmax(scores)
	}

	maxScore := scores[0]
	for _, s := range scores {
		if s > maxScore {
			maxScore = s
		}
	}

	expValues := make([]float64, len(scores))
	sumExp := 0.0
	for i, s := range scores {
		expValues[i] = math.Exp((s - maxScore) / temperature)
		sumExp += expValues[i]
	}

	r := rng.Float64() * sumExp
	cumulative := 0.0
	for i, v := range expValues {
		cumulative += v
		if r <= cumulative {
			return i
		}
	}
	return len(scores) - 1
}

// argmax returns the index of the largest score, preferring the lowest
// index on ties.
func argmax(scores []float64) int {
	best := 0
	for i, s := range scores {
		if s > scores[best] {
			best = i
		}
	}
	return best
}

// temperatureSchedule produces the sampling configurations for one step:
// a base temperature of 0.7 plus evenly spaced hotter variants, with
// duplicates removed.
func temperatureSchedule(numCandidates int) []ModelConfig {
	seen := make(map[float64]bool)
	configs := make([]ModelConfig, 0, numCandidates)

	add := func(temp float64) {
		temp = math.Round(temp*1000) / 1000
		if seen[temp] {
			return
		}
		seen[temp] = true
		configs = append(configs, ModelConfig{Temperature: temp})
	}

	add(0.7)
	for i := 1; len(configs) < numCandidates && i <= numCandidates; i++ {
		add(0.7 + float64(i)*(0.5/float64(numCandidates)))
	}
	return configs
}

// miniBatchIndices selects the step's circular mini-batch from the
// shuffled index permutation.
func miniBatchIndices(dataIndices []int, step, bsize int) []int {
	if len(dataIndices) == 0 || bsize <= 0 {
		return nil
	}
	batch := make([]int, bsize)
	offset := (step * bsize) % len(dataIndices)
	for i := 0; i < bsize; i++ {
		batch[i] = dataIndices[(offset+i)%len(dataIndices)]
	}
	return batch
}

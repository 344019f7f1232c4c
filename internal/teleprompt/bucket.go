package teleprompt

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Improvement-potential thresholds: a bucket can only seed a candidate
// when its trajectories actually disagree and the best one is not noise.
const (
	minImprovementGap = 0.01
	minBucketMaxScore = 0.1
)

// Bucket groups the trajectories sampled for one mini-batch example,
// ordered by descending score, with statistics computed once at
// construction.
type Bucket struct {
	// Trajectories is sorted by score, best first
	Trajectories []*Trajectory

	MaxScore    float64
	MinScore    float64
	AvgScore    float64
	MaxToMinGap float64
	MaxToAvgGap float64
}

// NewBucket builds a bucket from trajectories of a single example.
func NewBucket(trajectories []*Trajectory) *Bucket {
	sorted := append([]*Trajectory(nil), trajectories...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	b := &Bucket{Trajectories: sorted}
	if len(sorted) == 0 {
		return b
	}

	scores := make([]float64, len(sorted))
	for i, t := range sorted {
		scores[i] = t.Score
	}
	b.MaxScore = scores[0]
	b.MinScore = scores[len(scores)-1]
	b.AvgScore = stat.Mean(scores, nil)
	b.MaxToMinGap = b.MaxScore - b.MinScore
	b.MaxToAvgGap = b.MaxScore - b.AvgScore
	return b
}

// Count returns the number of trajectories.
func (b *Bucket) Count() int {
	return len(b.Trajectories)
}

// Best returns the highest-scoring trajectory, or nil for an empty bucket.
func (b *Bucket) Best() *Trajectory {
	if len(b.Trajectories) == 0 {
		return nil
	}
	return b.Trajectories[0]
}

// Worst returns the lowest-scoring trajectory, or nil for an empty bucket.
func (b *Bucket) Worst() *Trajectory {
	if len(b.Trajectories) == 0 {
		return nil
	}
	return b.Trajectories[len(b.Trajectories)-1]
}

// HasImprovementPotential reports whether a strategy could plausibly
// improve the program on this example.
func (b *Bucket) HasImprovementPotential() bool {
	return b.MaxToMinGap > minImprovementGap && b.MaxScore > minBucketMaxScore
}

// sortBuckets orders buckets by descending improvement signal:
// max-to-min gap, then max score, then max-to-avg gap.
func sortBuckets(buckets []*Bucket) {
	sort.SliceStable(buckets, func(i, j int) bool {
		if buckets[i].MaxToMinGap != buckets[j].MaxToMinGap {
			return buckets[i].MaxToMinGap > buckets[j].MaxToMinGap
		}
		if buckets[i].MaxScore != buckets[j].MaxScore {
			return buckets[i].MaxScore > buckets[j].MaxScore
		}
		return buckets[i].MaxToAvgGap > buckets[j].MaxToAvgGap
	})
}

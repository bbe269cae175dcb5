package training

import (
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"

	"github.com/tsawler/go-lesion/vision/dataset"
)

// ClassWeightTable holds the inverse-frequency weight of each class
type ClassWeightTable [2]float64

// WeightSource selects which samples the class counts come from
type WeightSource string

const (
	// WeightsUnified counts both classes over the whole training composite
	WeightsUnified WeightSource = "unified"
	// WeightsPerClass counts each class in its own named corpus
	WeightsPerClass WeightSource = "per-class"
)

// ComputeClassWeights returns weight[c] = 1/counts[c]. Both counts must be positive.
func ComputeClassWeights(counts [2]int, source string) (ClassWeightTable, error) {
	var weights ClassWeightTable
	for class, count := range counts {
		if count <= 0 {
			return weights, &DegenerateClassError{Class: class, Source: source}
		}
		weights[class] = 1.0 / float64(count)
	}
	return weights, nil
}

// ClassWeightsFor derives the weight table for a training composite. For WeightsPerClass,
// classSources[c] names the corpus whose class-c count sets weight[c].
func ClassWeightsFor(train *dataset.CompositeDataset, source WeightSource, classSources [2]string) (ClassWeightTable, error) {
	switch source {
	case WeightsUnified, "":
		return ComputeClassWeights(train.ClassCounts(), "training set")

	case WeightsPerClass:
		var weights ClassWeightTable
		for class, name := range classSources {
			corpus, ok := train.Source(name)
			if !ok {
				return weights, errors.Errorf("class %d weight source %q is not a training corpus", class, name)
			}

			var counts [2]int
			counts[class] = corpus.ClassCounts()[class]
			counts[1-class] = 1
			w, err := ComputeClassWeights(counts, name)
			if err != nil {
				return weights, err
			}
			weights[class] = w[class]
		}
		return weights, nil

	default:
		return ClassWeightTable{}, errors.Errorf("unknown weight source %q", source)
	}
}

// ImbalanceSampler draws index sequences over a labeled dataset where index i is chosen with
// probability proportional to weight[label(i)]. Draws are independent and with replacement.
type ImbalanceSampler struct {
	labels     []int
	weights    ClassWeightTable
	cumulative []float64
	total      float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewImbalanceSampler creates a sampler over labels. A nil rng seeds one from the clock.
func NewImbalanceSampler(labels []int, weights ClassWeightTable, rng *rand.Rand) (*ImbalanceSampler, error) {
	if len(labels) == 0 {
		return nil, errors.New("sampler needs at least one sample")
	}
	for class, w := range weights {
		if !(w > 0) || math.IsInf(w, 0) {
			return nil, errors.Errorf("class %d weight must be positive and finite, got %v", class, w)
		}
	}

	cumulative := make([]float64, len(labels))
	total := 0.0
	for i, label := range labels {
		if label != 0 && label != 1 {
			return nil, errors.Errorf("sample %d has label %d, want 0 or 1", i, label)
		}
		total += weights[label]
		cumulative[i] = total
	}

	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}

	return &ImbalanceSampler{
		labels:     append([]int(nil), labels...),
		weights:    weights,
		cumulative: cumulative,
		total:      total,
		rng:        rng,
	}, nil
}

// Len returns the length of every drawn sequence, equal to the dataset size
func (s *ImbalanceSampler) Len() int {
	return len(s.labels)
}

// Weights returns the class weight table
func (s *ImbalanceSampler) Weights() ClassWeightTable {
	return s.weights
}

// Draw returns a fresh index sequence. Call once per training epoch.
func (s *ImbalanceSampler) Draw() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.cumulative)
	indices := make([]int, n)
	for i := range indices {
		u := s.rng.Float64() * s.total
		k := sort.Search(n, func(k int) bool { return s.cumulative[k] > u })
		if k == n {
			k = n - 1
		}
		indices[i] = k
	}
	return indices
}

// ExpectedPositiveFraction returns the probability that a single draw has label 1
func (s *ImbalanceSampler) ExpectedPositiveFraction() float64 {
	positive := 0.0
	for _, label := range s.labels {
		if label == 1 {
			positive += s.weights[1]
		}
	}
	return positive / s.total
}

// DrawSummary describes one drawn sequence
type DrawSummary struct {
	PositiveFraction float64
	UniqueFraction   float64
}

// Summarize reports the label-1 share and the share of distinct indices in a draw
func (s *ImbalanceSampler) Summarize(indices []int) (DrawSummary, error) {
	if len(indices) == 0 {
		return DrawSummary{}, errors.New("empty draw")
	}

	positives := make(stats.Float64Data, len(indices))
	seen := make(map[int]struct{}, len(indices))
	for i, idx := range indices {
		if idx < 0 || idx >= len(s.labels) {
			return DrawSummary{}, errors.Errorf("index %d out of range [0, %d)", idx, len(s.labels))
		}
		positives[i] = float64(s.labels[idx])
		seen[idx] = struct{}{}
	}

	fraction, err := positives.Mean()
	if err != nil {
		return DrawSummary{}, errors.Wrap(err, "failed to compute positive fraction")
	}

	return DrawSummary{
		PositiveFraction: fraction,
		UniqueFraction:   float64(len(seen)) / float64(len(indices)),
	}, nil
}

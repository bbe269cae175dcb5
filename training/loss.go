package training

import (
	"math"

	"github.com/pkg/errors"
)

// WeightedCrossEntropy is softmax cross-entropy where each sample counts with the weight of
// its true class. The batch loss is Σ w[y]·(−log p[y]) / Σ w[y].
type WeightedCrossEntropy struct {
	weights [2]float64
}

// NewWeightedCrossEntropy creates the loss with per-class weights
func NewWeightedCrossEntropy(weights [2]float64) (*WeightedCrossEntropy, error) {
	for class, w := range weights {
		if !(w > 0) || math.IsInf(w, 0) {
			return nil, errors.Errorf("loss weight for class %d must be positive and finite, got %v", class, w)
		}
	}
	return &WeightedCrossEntropy{weights: weights}, nil
}

// Weights returns the per-class weights
func (l *WeightedCrossEntropy) Weights() [2]float64 {
	return l.weights
}

// Compute returns the batch loss and its gradient with respect to each sample's logits.
// A NaN or infinite loss is returned as is; the caller decides how to fail.
func (l *WeightedCrossEntropy) Compute(logits []Logits, labels []int) (float64, []Logits, error) {
	if len(logits) != len(labels) {
		return 0, nil, errors.Errorf("logits/labels length mismatch: %d vs %d", len(logits), len(labels))
	}
	if len(logits) == 0 {
		return 0, nil, errors.New("empty batch")
	}

	var weightSum, lossSum float64
	probs := make([]Logits, len(logits))
	for i, x := range logits {
		y := labels[i]
		if y != 0 && y != 1 {
			return 0, nil, errors.Errorf("sample %d has label %d, want 0 or 1", i, y)
		}

		// log-sum-exp with the max subtracted
		m := math.Max(x[0], x[1])
		lse := m + math.Log(math.Exp(x[0]-m)+math.Exp(x[1]-m))

		w := l.weights[y]
		weightSum += w
		lossSum += w * (lse - x[y])

		probs[i] = Logits{math.Exp(x[0] - lse), math.Exp(x[1] - lse)}
	}

	loss := lossSum / weightSum

	grad := make([]Logits, len(logits))
	for i, p := range probs {
		y := labels[i]
		scale := l.weights[y] / weightSum
		for c := range p {
			g := p[c]
			if c == y {
				g -= 1
			}
			grad[i][c] = scale * g
		}
	}

	return loss, grad, nil
}

package training

import (
	"fmt"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
)

// MetricType represents the derived binary classification metrics
type MetricType int

const (
	Precision MetricType = iota
	Recall
	F1Score
	Specificity
	NPV // Negative Predictive Value
)

func (mt MetricType) String() string {
	switch mt {
	case Precision:
		return "Precision"
	case Recall:
		return "Recall"
	case F1Score:
		return "F1Score"
	case Specificity:
		return "Specificity"
	case NPV:
		return "NPV"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// ConfusionMatrix counts predictions per [true class][predicted class]. Class 1 is positive.
type ConfusionMatrix struct {
	Matrix       [2][2]int
	TotalSamples int
}

// NewConfusionMatrix creates an empty confusion matrix
func NewConfusionMatrix() *ConfusionMatrix {
	return &ConfusionMatrix{}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	cm.Matrix = [2][2]int{}
	cm.TotalSamples = 0
}

// Update adds one batch of predictions. The predicted class is the arg-max of the logits,
// with ties going to class 0.
func (cm *ConfusionMatrix) Update(logits []Logits, labels []int) error {
	if len(logits) != len(labels) {
		return errors.Errorf("predictions length mismatch: expected %d, got %d", len(labels), len(logits))
	}
	for i, label := range labels {
		if label != 0 && label != 1 {
			return errors.Errorf("sample %d has label %d, want 0 or 1", i, label)
		}
	}

	for i, label := range labels {
		cm.Matrix[label][logits[i].Predict()]++
		cm.TotalSamples++
	}
	return nil
}

// Seen returns the number of samples whose true class is class
func (cm *ConfusionMatrix) Seen(class int) int {
	return cm.Matrix[class][0] + cm.Matrix[class][1]
}

// Correct returns the number of correctly predicted samples of class
func (cm *ConfusionMatrix) Correct(class int) int {
	return cm.Matrix[class][class]
}

// GetAccuracy returns the percentage of correct predictions, or 0 with no samples
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0
	}
	return 100 * float64(cm.Correct(0)+cm.Correct(1)) / float64(cm.TotalSamples)
}

// ClassAccuracy returns the percentage of correct predictions within class. The second
// result is false when no sample of that class was seen; the accuracy is then 0.
func (cm *ConfusionMatrix) ClassAccuracy(class int) (float64, bool) {
	seen := cm.Seen(class)
	if seen == 0 {
		return 0, false
	}
	return 100 * float64(cm.Correct(class)) / float64(seen), true
}

// GetMetric calculates a derived metric as a fraction in [0, 1]
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	tp := float64(cm.Matrix[1][1])
	fp := float64(cm.Matrix[0][1])
	tn := float64(cm.Matrix[0][0])
	fn := float64(cm.Matrix[1][0])

	ratio := func(num, den float64) float64 {
		if den == 0 {
			return 0
		}
		return num / den
	}

	switch metric {
	case Precision:
		return ratio(tp, tp+fp)
	case Recall:
		return ratio(tp, tp+fn)
	case F1Score:
		p, r := ratio(tp, tp+fp), ratio(tp, tp+fn)
		return ratio(2*p*r, p+r)
	case Specificity:
		return ratio(tn, tn+fp)
	case NPV:
		return ratio(tn, tn+fn)
	default:
		return 0
	}
}

// EpochMetrics summarizes one phase of one epoch. Accuracies are percentages.
type EpochMetrics struct {
	Epoch         int
	Phase         Phase
	MeanLoss      float64
	Accuracy      float64
	ClassAccuracy [2]float64
	Correct       [2]int
	Seen          [2]int
	LearningRate  float64
	Elapsed       time.Duration
}

// EpochAccumulator collects batch results for one phase of one epoch
type EpochAccumulator struct {
	epoch  int
	phase  Phase
	cm     *ConfusionMatrix
	losses stats.Float64Data
	start  time.Time
}

// NewEpochAccumulator starts timing a phase
func NewEpochAccumulator(epoch int, phase Phase) *EpochAccumulator {
	return &EpochAccumulator{
		epoch: epoch,
		phase: phase,
		cm:    NewConfusionMatrix(),
		start: time.Now(),
	}
}

// AddBatch records a batch loss and its predictions
func (a *EpochAccumulator) AddBatch(loss float64, logits []Logits, labels []int) error {
	if err := a.cm.Update(logits, labels); err != nil {
		return err
	}
	a.losses = append(a.losses, loss)
	return nil
}

// Batches returns the number of batches added so far
func (a *EpochAccumulator) Batches() int {
	return len(a.losses)
}

// Confusion returns the running confusion matrix
func (a *EpochAccumulator) Confusion() *ConfusionMatrix {
	return a.cm
}

// Finalize builds the EpochMetrics. The mean loss is the mean of the batch losses. Classes
// that never appeared are returned in missing.
func (a *EpochAccumulator) Finalize(learningRate float64) (metrics EpochMetrics, missing []int, err error) {
	meanLoss, err := a.losses.Mean()
	if err != nil {
		return EpochMetrics{}, nil, errors.Wrapf(err, "no batches in %s epoch %d", a.phase, a.epoch+1)
	}

	metrics = EpochMetrics{
		Epoch:        a.epoch,
		Phase:        a.phase,
		MeanLoss:     meanLoss,
		Accuracy:     a.cm.GetAccuracy(),
		LearningRate: learningRate,
		Elapsed:      time.Since(a.start),
	}

	for c := 0; c < 2; c++ {
		acc, ok := a.cm.ClassAccuracy(c)
		if !ok {
			missing = append(missing, c)
		}
		metrics.ClassAccuracy[c] = acc
		metrics.Correct[c] = a.cm.Correct(c)
		metrics.Seen[c] = a.cm.Seen(c)
	}

	return metrics, missing, nil
}

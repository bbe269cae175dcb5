package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricTypeString(t *testing.T) {
	tests := []struct {
		metric   MetricType
		expected string
	}{
		{Precision, "Precision"},
		{Recall, "Recall"},
		{F1Score, "F1Score"},
		{Specificity, "Specificity"},
		{NPV, "NPV"},
		{MetricType(999), "Unknown(999)"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.metric.String())
	}
}

func TestConfusionMatrixUpdate(t *testing.T) {
	cm := NewConfusionMatrix()

	logits := []Logits{
		{2, 1},   // pred 0, true 0
		{0, 3},   // pred 1, true 0
		{1, 1},   // tie -> 0, true 1
		{-1, 4},  // pred 1, true 1
		{0.5, 0}, // pred 0, true 1
	}
	labels := []int{0, 0, 1, 1, 1}
	require.NoError(t, cm.Update(logits, labels))

	assert.Equal(t, [2][2]int{{1, 1}, {2, 1}}, cm.Matrix)
	assert.Equal(t, 5, cm.TotalSamples)
	assert.Equal(t, 2, cm.Seen(0))
	assert.Equal(t, 3, cm.Seen(1))
	assert.Equal(t, 1, cm.Correct(0))
	assert.Equal(t, 1, cm.Correct(1))
	assert.InDelta(t, 40.0, cm.GetAccuracy(), 1e-9)

	acc1, ok := cm.ClassAccuracy(1)
	assert.True(t, ok)
	assert.InDelta(t, 100.0/3, acc1, 1e-9)

	assert.InDelta(t, 0.5, cm.GetMetric(Precision), 1e-9)
	assert.InDelta(t, 1.0/3, cm.GetMetric(Recall), 1e-9)
	assert.InDelta(t, 0.4, cm.GetMetric(F1Score), 1e-9)
	assert.InDelta(t, 0.5, cm.GetMetric(Specificity), 1e-9)
	assert.InDelta(t, 1.0/3, cm.GetMetric(NPV), 1e-9)

	cm.Reset()
	assert.Equal(t, 0, cm.TotalSamples)
	assert.Equal(t, 0.0, cm.GetAccuracy())
	assert.Equal(t, 0.0, cm.GetMetric(Precision))
}

func TestConfusionMatrixRejectsBadInput(t *testing.T) {
	cm := NewConfusionMatrix()
	assert.Error(t, cm.Update([]Logits{{0, 1}}, []int{0, 1}))
	assert.Error(t, cm.Update([]Logits{{0, 1}}, []int{5}))
	assert.Equal(t, 0, cm.TotalSamples)
}

func TestEpochAccumulator(t *testing.T) {
	acc := NewEpochAccumulator(2, PhaseTraining)

	require.NoError(t, acc.AddBatch(0.5, []Logits{{1, 0}, {0, 1}}, []int{0, 1}))
	require.NoError(t, acc.AddBatch(1.5, []Logits{{1, 0}}, []int{1}))
	assert.Equal(t, 2, acc.Batches())

	m, missing, err := acc.Finalize(0.01)
	require.NoError(t, err)
	assert.Empty(t, missing)

	assert.Equal(t, 2, m.Epoch)
	assert.Equal(t, PhaseTraining, m.Phase)
	assert.InDelta(t, 1.0, m.MeanLoss, 1e-12)
	assert.InDelta(t, 200.0/3, m.Accuracy, 1e-9)
	assert.Equal(t, [2]int{1, 1}, m.Correct)
	assert.Equal(t, [2]int{1, 2}, m.Seen)
	assert.InDelta(t, 100.0, m.ClassAccuracy[0], 1e-9)
	assert.InDelta(t, 50.0, m.ClassAccuracy[1], 1e-9)
	assert.Equal(t, 0.01, m.LearningRate)

	// Bookkeeping invariants
	assert.Equal(t, m.Seen[0]+m.Seen[1], acc.Confusion().TotalSamples)
	for c := 0; c < 2; c++ {
		assert.LessOrEqual(t, m.Correct[c], m.Seen[c])
	}
}

func TestEpochAccumulatorMissingClass(t *testing.T) {
	acc := NewEpochAccumulator(0, PhaseValidation)
	require.NoError(t, acc.AddBatch(0.2, []Logits{{1, 0}, {1, 0}}, []int{0, 0}))

	m, missing, err := acc.Finalize(0)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, missing)
	assert.Equal(t, 0.0, m.ClassAccuracy[1])
	assert.Equal(t, 100.0, m.Accuracy)
}

func TestEpochAccumulatorEmpty(t *testing.T) {
	_, _, err := NewEpochAccumulator(0, PhaseTraining).Finalize(0.1)
	assert.Error(t, err)
}

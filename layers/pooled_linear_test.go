package layers

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-lesion/optimizer"
	"github.com/tsawler/go-lesion/training"
)

func TestPooledLinearForward(t *testing.T) {
	m, err := NewPooledLinear(2, rand.New(rand.NewSource(3)))
	require.NoError(t, err)

	// weight rows: class 0 = [1, 0], class 1 = [0, 2]; bias [0.5, 0]
	copy(m.weight.Data, []float32{1, 0, 0, 2})
	copy(m.bias.Data, []float32{0.5, 0})

	// one sample, channel 0 mean 1, channel 1 mean 3
	inputs := []float32{0, 2, 1, 1, 3, 3, 3, 3}
	logits, err := m.Forward(inputs, []int{1, 2, 2, 2})
	require.NoError(t, err)
	require.Len(t, logits, 1)
	assert.InDelta(t, 1.5, logits[0][0], 1e-9)
	assert.InDelta(t, 6.0, logits[0][1], 1e-9)

	_, err = m.Forward(inputs, []int{1, 3, 2, 2})
	assert.Error(t, err)
	_, err = m.Forward(inputs[:4], []int{1, 2, 2, 2})
	assert.Error(t, err)
	_, err = m.Forward(inputs, []int{2, 4})
	assert.Error(t, err)
}

func TestPooledLinearBackward(t *testing.T) {
	m, err := NewPooledLinear(2, nil)
	require.NoError(t, err)

	_, err = m.Forward([]float32{2, 2, 4, 4}, []int{1, 2, 1, 2})
	require.NoError(t, err)

	require.NoError(t, m.Backward([]training.Logits{{0.5, -0.5}}))
	assert.Equal(t, []float32{0.5, -0.5}, m.bias.Grad)
	assert.Equal(t, []float32{1, 2, -1, -2}, m.weight.Grad)

	assert.Error(t, m.Backward([]training.Logits{{0, 0}, {0, 0}}))
}

func TestPooledLinearLearns(t *testing.T) {
	m, err := NewPooledLinear(1, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	opt, err := optimizer.NewSGD(m.Parameters(), optimizer.SGDConfig{LearningRate: 0.5})
	require.NoError(t, err)
	loss, err := training.NewWeightedCrossEntropy([2]float64{1, 1})
	require.NoError(t, err)

	// bright images are class 1, dark images class 0
	inputs := []float32{-1, -1, 1, 1}
	shape := []int{2, 1, 1, 2}
	labels := []int{0, 1}

	var first, last float64
	for i := 0; i < 100; i++ {
		opt.ZeroGrad()
		logits, err := m.Forward(inputs, shape)
		require.NoError(t, err)
		value, grad, err := loss.Compute(logits, labels)
		require.NoError(t, err)
		require.NoError(t, m.Backward(grad))
		require.NoError(t, opt.Step())
		if i == 0 {
			first = value
		}
		last = value
	}
	assert.Less(t, last, first)

	logits, err := m.Forward(inputs, shape)
	require.NoError(t, err)
	assert.Equal(t, 0, logits[0].Predict())
	assert.Equal(t, 1, logits[1].Predict())
}

func TestPooledLinearSaveLoad(t *testing.T) {
	a, err := NewPooledLinear(3, rand.New(rand.NewSource(5)))
	require.NoError(t, err)
	b, err := NewPooledLinear(3, rand.New(rand.NewSource(6)))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, a.SaveParameters(&buf))
	require.NoError(t, b.LoadParameters(&buf))
	assert.Equal(t, a.weight.Data, b.weight.Data)

	c, err := NewPooledLinear(2, nil)
	require.NoError(t, err)
	buf.Reset()
	require.NoError(t, a.SaveParameters(&buf))
	assert.Error(t, c.LoadParameters(&buf))

	a.SetTrainMode(false)
	assert.False(t, a.IsTraining())
	assert.Contains(t, a.Summary(), "in_features=3")
}

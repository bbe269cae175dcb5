package optimizer

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdamConfig(t *testing.T) {
	config := DefaultAdamConfig()
	assert.Equal(t, 0.001, config.LearningRate)
	assert.Equal(t, 0.9, config.Beta1)
	assert.Equal(t, 0.999, config.Beta2)
	assert.Equal(t, 1e-8, config.Epsilon)
	assert.Equal(t, 0.0001, config.WeightDecay)
}

func TestNewAdamWValidation(t *testing.T) {
	p := NewParam("w", 2, 2)

	_, err := NewAdamW(nil, DefaultAdamConfig())
	assert.Error(t, err)

	bad := DefaultAdamConfig()
	bad.LearningRate = 0
	_, err = NewAdamW([]*Param{p}, bad)
	assert.Error(t, err)

	bad = DefaultAdamConfig()
	bad.Beta2 = 1
	_, err = NewAdamW([]*Param{p}, bad)
	assert.Error(t, err)

	_, err = NewAdamW([]*Param{{Name: "broken", Data: make([]float32, 3), Grad: make([]float32, 2)}}, DefaultAdamConfig())
	assert.Error(t, err)
}

func TestAdamWFirstStep(t *testing.T) {
	p := NewParam("w", 2)
	p.Data[0], p.Data[1] = 1, -2
	p.Grad[0], p.Grad[1] = 0.5, -3

	config := DefaultAdamConfig()
	config.WeightDecay = 0.1
	adam, err := NewAdamW([]*Param{p}, config)
	require.NoError(t, err)

	require.NoError(t, adam.Step())

	// After bias correction the first step moves each weight by lr*sign(g), plus decay
	lr := config.LearningRate
	assert.InDelta(t, 1*(1-lr*0.1)-lr, float64(p.Data[0]), 1e-6)
	assert.InDelta(t, -2*(1-lr*0.1)+lr, float64(p.Data[1]), 1e-6)
	assert.Equal(t, uint64(1), adam.GetStepCount())

	adam.ZeroGrad()
	assert.Equal(t, []float32{0, 0}, p.Grad)
}

func TestAdamWMinimizesQuadratic(t *testing.T) {
	p := NewParam("x", 1)
	p.Data[0] = 3

	config := DefaultAdamConfig()
	config.LearningRate = 0.1
	config.WeightDecay = 0
	adam, err := NewAdamW([]*Param{p}, config)
	require.NoError(t, err)

	for i := 0; i < 500; i++ {
		adam.ZeroGrad()
		p.Grad[0] = 2 * (p.Data[0] - 1) // d/dx (x-1)^2
		require.NoError(t, adam.Step())
	}
	assert.InDelta(t, 1.0, float64(p.Data[0]), 0.05)
}

func TestAdamWRejectsNonFiniteGradient(t *testing.T) {
	p := NewParam("w", 1)
	p.Grad[0] = float32(math.NaN())
	adam, err := NewAdamW([]*Param{p}, DefaultAdamConfig())
	require.NoError(t, err)

	assert.Error(t, adam.Step())
	assert.Equal(t, uint64(0), adam.GetStepCount())
}

func TestAdamWLearningRate(t *testing.T) {
	adam, err := NewAdamW([]*Param{NewParam("w", 1)}, DefaultAdamConfig())
	require.NoError(t, err)

	adam.SetLearningRate(1e-5)
	assert.Equal(t, 1e-5, adam.LearningRate())

	state := adam.GetState()
	assert.Equal(t, "AdamW", state.Type)
	assert.Equal(t, 1e-5, state.Parameters["learning_rate"])
}

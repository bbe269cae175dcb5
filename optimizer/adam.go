package optimizer

import (
	"math"

	"github.com/pkg/errors"
)

// AdamConfig holds configuration for the AdamW optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64 // Momentum decay
	Beta2        float64 // Variance decay
	Epsilon      float64
	WeightDecay  float64 // Decoupled weight decay, applied to the weights directly
}

// DefaultAdamConfig returns the AdamW settings of the reference run
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0001,
	}
}

// AdamW is Adam with decoupled weight decay
type AdamW struct {
	config   AdamConfig
	params   []*Param
	momentum [][]float64
	variance [][]float64
	step     uint64
}

// NewAdamW creates an AdamW optimizer over params
func NewAdamW(params []*Param, config AdamConfig) (*AdamW, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}
	if config.LearningRate <= 0 {
		return nil, errors.Errorf("learning rate must be positive, got %v", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, errors.Errorf("betas must be in [0, 1), got %v and %v", config.Beta1, config.Beta2)
	}
	if config.WeightDecay < 0 {
		return nil, errors.Errorf("weight decay must be non-negative, got %v", config.WeightDecay)
	}

	adam := &AdamW{
		config:   config,
		params:   params,
		momentum: make([][]float64, len(params)),
		variance: make([][]float64, len(params)),
	}
	for i, p := range params {
		adam.momentum[i] = make([]float64, len(p.Data))
		adam.variance[i] = make([]float64, len(p.Data))
	}
	return adam, nil
}

// ZeroGrad clears every parameter gradient
func (adam *AdamW) ZeroGrad() {
	zeroGrads(adam.params)
}

// Step applies one AdamW update from the current gradients
func (adam *AdamW) Step() error {
	if err := checkFinite(adam.params); err != nil {
		return err
	}

	adam.step++
	c := adam.config
	biasCorrection1 := 1 - math.Pow(c.Beta1, float64(adam.step))
	biasCorrection2 := 1 - math.Pow(c.Beta2, float64(adam.step))

	for i, p := range adam.params {
		m, v := adam.momentum[i], adam.variance[i]
		for j := range p.Data {
			g := float64(p.Grad[j])
			w := float64(p.Data[j]) * (1 - c.LearningRate*c.WeightDecay)

			m[j] = c.Beta1*m[j] + (1-c.Beta1)*g
			v[j] = c.Beta2*v[j] + (1-c.Beta2)*g*g

			mHat := m[j] / biasCorrection1
			vHat := v[j] / biasCorrection2
			p.Data[j] = float32(w - c.LearningRate*mHat/(math.Sqrt(vHat)+c.Epsilon))
		}
	}
	return nil
}

// LearningRate returns the current learning rate
func (adam *AdamW) LearningRate() float64 {
	return adam.config.LearningRate
}

// SetLearningRate updates the learning rate
func (adam *AdamW) SetLearningRate(lr float64) {
	adam.config.LearningRate = lr
}

// GetStepCount returns the number of updates applied
func (adam *AdamW) GetStepCount() uint64 {
	return adam.step
}

// GetState reports hyperparameters and step count
func (adam *AdamW) GetState() *OptimizerState {
	return &OptimizerState{
		Type: "AdamW",
		Parameters: map[string]interface{}{
			"learning_rate": adam.config.LearningRate,
			"beta1":         adam.config.Beta1,
			"beta2":         adam.config.Beta2,
			"epsilon":       adam.config.Epsilon,
			"weight_decay":  adam.config.WeightDecay,
		},
		StepCount: adam.step,
	}
}

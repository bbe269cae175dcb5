package optimizer

import "github.com/pkg/errors"

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64 // 0 for vanilla SGD
	WeightDecay  float64 // L2 penalty added to the gradient
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// SGD is stochastic gradient descent with optional momentum
type SGD struct {
	config   SGDConfig
	params   []*Param
	velocity [][]float64
	step     uint64
}

// NewSGD creates an SGD optimizer over params
func NewSGD(params []*Param, config SGDConfig) (*SGD, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}
	if config.LearningRate <= 0 {
		return nil, errors.Errorf("learning rate must be positive, got %v", config.LearningRate)
	}
	if config.Momentum < 0 {
		return nil, errors.Errorf("momentum must be non-negative, got %v", config.Momentum)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, errors.New("nesterov momentum requires a momentum value")
	}

	sgd := &SGD{config: config, params: params}
	if config.Momentum > 0 {
		sgd.velocity = make([][]float64, len(params))
		for i, p := range params {
			sgd.velocity[i] = make([]float64, len(p.Data))
		}
	}
	return sgd, nil
}

// ZeroGrad clears every parameter gradient
func (sgd *SGD) ZeroGrad() {
	zeroGrads(sgd.params)
}

// Step applies one update from the current gradients
func (sgd *SGD) Step() error {
	if err := checkFinite(sgd.params); err != nil {
		return err
	}

	sgd.step++
	c := sgd.config
	for i, p := range sgd.params {
		for j := range p.Data {
			g := float64(p.Grad[j]) + c.WeightDecay*float64(p.Data[j])
			if c.Momentum > 0 {
				buf := sgd.velocity[i]
				if sgd.step == 1 {
					buf[j] = g
				} else {
					buf[j] = c.Momentum*buf[j] + g
				}
				if c.Nesterov {
					g += c.Momentum * buf[j]
				} else {
					g = buf[j]
				}
			}
			p.Data[j] = float32(float64(p.Data[j]) - c.LearningRate*g)
		}
	}
	return nil
}

// LearningRate returns the current learning rate
func (sgd *SGD) LearningRate() float64 {
	return sgd.config.LearningRate
}

// SetLearningRate updates the learning rate
func (sgd *SGD) SetLearningRate(lr float64) {
	sgd.config.LearningRate = lr
}

// GetStepCount returns the number of updates applied
func (sgd *SGD) GetStepCount() uint64 {
	return sgd.step
}

// GetState reports hyperparameters and step count
func (sgd *SGD) GetState() *OptimizerState {
	return &OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": sgd.config.LearningRate,
			"momentum":      sgd.config.Momentum,
			"weight_decay":  sgd.config.WeightDecay,
			"nesterov":      sgd.config.Nesterov,
		},
		StepCount: sgd.step,
	}
}

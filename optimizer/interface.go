package optimizer

import (
	"math"

	"github.com/pkg/errors"
)

// Param is one trainable tensor with its gradient, both flat in row-major order
type Param struct {
	Name  string
	Shape []int
	Data  []float32
	Grad  []float32
}

// NewParam allocates a zeroed parameter of the given shape
func NewParam(name string, shape ...int) *Param {
	size := calculateTensorSize(shape)
	return &Param{
		Name:  name,
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, size),
		Grad:  make([]float32, size),
	}
}

func calculateTensorSize(shape []int) int {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return size
}

// OptimizerState captures hyperparameters and counters for logging and checkpoint metadata
type OptimizerState struct {
	Type       string                 `json:"type"`
	Parameters map[string]interface{} `json:"parameters"`
	StepCount  uint64                 `json:"step_count"`
}

func validateParams(params []*Param) error {
	if len(params) == 0 {
		return errors.New("optimizer needs at least one parameter")
	}
	for _, p := range params {
		if len(p.Data) != len(p.Grad) {
			return errors.Errorf("parameter %s: %d values but %d gradients", p.Name, len(p.Data), len(p.Grad))
		}
	}
	return nil
}

func zeroGrads(params []*Param) {
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] = 0
		}
	}
}

func checkFinite(params []*Param) error {
	for _, p := range params {
		for i, g := range p.Grad {
			if math.IsNaN(float64(g)) || math.IsInf(float64(g), 0) {
				return errors.Errorf("parameter %s: non-finite gradient at %d", p.Name, i)
			}
		}
	}
	return nil
}

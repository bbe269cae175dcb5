package layers

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-lesion/optimizer"
	"github.com/tsawler/go-lesion/training"
)

// PooledLinear averages each input channel over the spatial dimensions and feeds the
// channel means through a dense layer with two outputs. It is the smallest model that
// trains end to end through the training.Model contract.
type PooledLinear struct {
	channels int
	weight   *optimizer.Param // [2, channels]
	bias     *optimizer.Param // [2]
	training bool

	// pooled features of the last Forward, kept for Backward
	pooled [][]float64
}

// NewPooledLinear creates the model with Xavier-uniform weights and zero bias
func NewPooledLinear(channels int, rng *rand.Rand) (*PooledLinear, error) {
	if channels <= 0 {
		return nil, errors.Errorf("channels must be positive, got %d", channels)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}

	weight := optimizer.NewParam("fc.weight", 2, channels)
	bound := math.Sqrt(6.0 / float64(channels+2))
	for i := range weight.Data {
		weight.Data[i] = float32((rng.Float64()*2 - 1) * bound)
	}

	return &PooledLinear{
		channels: channels,
		weight:   weight,
		bias:     optimizer.NewParam("fc.bias", 2),
		training: true,
	}, nil
}

// Parameters returns the trainable parameters for an optimizer
func (l *PooledLinear) Parameters() []*optimizer.Param {
	return []*optimizer.Param{l.weight, l.bias}
}

// Forward expects inputs in NCHW layout with C equal to the configured channel count
func (l *PooledLinear) Forward(inputs []float32, shape []int) ([]training.Logits, error) {
	if len(shape) != 4 {
		return nil, errors.Errorf("PooledLinear expects 4D input [N, C, H, W], got shape %v", shape)
	}
	n, c, h, w := shape[0], shape[1], shape[2], shape[3]
	if c != l.channels {
		return nil, errors.Errorf("expected %d channels, got %d", l.channels, c)
	}
	if len(inputs) != n*c*h*w {
		return nil, errors.Errorf("input has %d values, shape %v needs %d", len(inputs), shape, n*c*h*w)
	}

	plane := h * w
	l.pooled = make([][]float64, n)
	logits := make([]training.Logits, n)
	for s := 0; s < n; s++ {
		features := make([]float64, c)
		for ch := 0; ch < c; ch++ {
			offset := (s*c + ch) * plane
			sum := 0.0
			for _, v := range inputs[offset : offset+plane] {
				sum += float64(v)
			}
			features[ch] = sum / float64(plane)
		}
		l.pooled[s] = features

		for k := 0; k < 2; k++ {
			z := float64(l.bias.Data[k])
			for ch, f := range features {
				z += float64(l.weight.Data[k*c+ch]) * f
			}
			logits[s][k] = z
		}
	}
	return logits, nil
}

// Backward accumulates parameter gradients for the last Forward batch
func (l *PooledLinear) Backward(grad []training.Logits) error {
	if len(grad) != len(l.pooled) {
		return errors.Errorf("gradient batch %d does not match forward batch %d", len(grad), len(l.pooled))
	}

	for s, g := range grad {
		for k := 0; k < 2; k++ {
			l.bias.Grad[k] += float32(g[k])
			for ch, f := range l.pooled[s] {
				l.weight.Grad[k*l.channels+ch] += float32(g[k] * f)
			}
		}
	}
	return nil
}

// SetTrainMode switches between training and evaluation behaviour
func (l *PooledLinear) SetTrainMode(train bool) {
	l.training = train
}

// IsTraining reports the current mode
func (l *PooledLinear) IsTraining() bool {
	return l.training
}

type pooledLinearState struct {
	Channels int       `json:"channels"`
	Weight   []float32 `json:"weight"`
	Bias     []float32 `json:"bias"`
}

// SaveParameters writes the parameters as JSON
func (l *PooledLinear) SaveParameters(w io.Writer) error {
	encoder := json.NewEncoder(w)
	return encoder.Encode(pooledLinearState{
		Channels: l.channels,
		Weight:   l.weight.Data,
		Bias:     l.bias.Data,
	})
}

// LoadParameters restores parameters written by SaveParameters
func (l *PooledLinear) LoadParameters(r io.Reader) error {
	var state pooledLinearState
	if err := json.NewDecoder(r).Decode(&state); err != nil {
		return errors.Wrap(err, "failed to decode parameters")
	}
	if state.Channels != l.channels || len(state.Weight) != len(l.weight.Data) || len(state.Bias) != len(l.bias.Data) {
		return errors.Errorf("parameter shape mismatch: saved %d channels, model has %d", state.Channels, l.channels)
	}
	copy(l.weight.Data, state.Weight)
	copy(l.bias.Data, state.Bias)
	return nil
}

// Summary returns a human-readable model summary
func (l *PooledLinear) Summary() string {
	return fmt.Sprintf("PooledLinear(\n  (pool): AdaptiveAvgPool2d(output_size=1)\n  (fc): Linear(in_features=%d, out_features=2, bias=True)\n)\nTotal parameters: %d",
		l.channels, len(l.weight.Data)+len(l.bias.Data))
}

package training

import (
	"io"

	"github.com/tsawler/go-lesion/device"
)

// Phase tags metrics and errors with the part of the epoch that produced them
type Phase int

const (
	PhaseTraining Phase = iota
	PhaseValidation
)

func (p Phase) String() string {
	switch p {
	case PhaseTraining:
		return "training"
	case PhaseValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Logits holds the two raw class scores for one sample
type Logits [2]float64

// Predict returns the arg-max class. Ties go to class 0.
func (l Logits) Predict() int {
	if l[1] > l[0] {
		return 1
	}
	return 0
}

// Model is the network being fine-tuned. Forward takes a batch in NCHW layout and returns one
// Logits per sample; Backward receives the loss gradient with respect to those logits.
type Model interface {
	Forward(inputs []float32, shape []int) ([]Logits, error)
	Backward(grad []Logits) error
	SetTrainMode(train bool)
	SaveParameters(w io.Writer) error
}

// Optimizer updates the model parameters from the gradients of the last Backward call
type Optimizer interface {
	ZeroGrad()
	Step() error
	LearningRate() float64
	SetLearningRate(lr float64)
}

// Context carries the collaborators a run operates on
type Context struct {
	Device    device.Device
	Model     Model
	Optimizer Optimizer
}

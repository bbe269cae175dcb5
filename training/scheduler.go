package training

import (
	"math"

	"github.com/pkg/errors"
)

// LRScheduler maps an epoch to a learning rate. Implementations hold no state, so the rate
// after k decay steps is always GetLR(k, 0, baseLR).
type LRScheduler interface {
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// StepLRScheduler multiplies the learning rate by Gamma every StepSize epochs
type StepLRScheduler struct {
	StepSize int
	Gamma    float64
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 1
	}
	if gamma <= 0 || gamma > 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	times := epoch / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler multiplies the learning rate by Gamma every epoch
type ExponentialLRScheduler struct {
	Gamma float64
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma > 1 {
		gamma = 0.95
	}
	return &ExponentialLRScheduler{Gamma: gamma}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler anneals from the base rate to EtaMin over TMax epochs
type CosineAnnealingLRScheduler struct {
	TMax   int
	EtaMin float64
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 20
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{
		TMax:   tMax,
		EtaMin: etaMin,
	}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// NoOpScheduler keeps the learning rate constant
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}

// SchedulerConfig selects and parameterizes a scheduler by name
type SchedulerConfig struct {
	Name     string  `yaml:"name"`
	StepSize int     `yaml:"step_size"`
	Gamma    float64 `yaml:"gamma"`
	TMax     int     `yaml:"t_max"`
	EtaMin   float64 `yaml:"eta_min"`
}

// NewScheduler builds the scheduler named in cfg. The zero config yields the default step
// schedule; a named scheduler with an out-of-range parameter is an error rather than being
// replaced by a constructor default.
func NewScheduler(cfg SchedulerConfig) (LRScheduler, error) {
	if cfg == (SchedulerConfig{}) {
		return NewStepLRScheduler(1, 0.1), nil
	}

	switch cfg.Name {
	case "step", "":
		if cfg.StepSize < 1 {
			return nil, errors.Errorf("step scheduler needs step_size >= 1, got %d", cfg.StepSize)
		}
		if err := checkGamma(cfg.Gamma); err != nil {
			return nil, err
		}
		return NewStepLRScheduler(cfg.StepSize, cfg.Gamma), nil
	case "exponential":
		if err := checkGamma(cfg.Gamma); err != nil {
			return nil, err
		}
		return NewExponentialLRScheduler(cfg.Gamma), nil
	case "cosine":
		if cfg.TMax < 1 {
			return nil, errors.Errorf("cosine scheduler needs t_max >= 1, got %d", cfg.TMax)
		}
		if cfg.EtaMin < 0 || math.IsNaN(cfg.EtaMin) {
			return nil, errors.Errorf("cosine scheduler needs eta_min >= 0, got %v", cfg.EtaMin)
		}
		return NewCosineAnnealingLRScheduler(cfg.TMax, cfg.EtaMin), nil
	case "constant":
		return &NoOpScheduler{}, nil
	default:
		return nil, errors.Errorf("unknown scheduler %q", cfg.Name)
	}
}

func checkGamma(gamma float64) error {
	if !(gamma > 0 && gamma <= 1) {
		return errors.Errorf("gamma must be in (0, 1], got %v", gamma)
	}
	return nil
}

// LRStepper applies a scheduler to an optimizer once per completed training epoch
type LRStepper struct {
	scheduler LRScheduler
	optimizer Optimizer
	baseLR    float64
	steps     int
}

// NewLRStepper captures the optimizer's current rate as the base rate
func NewLRStepper(scheduler LRScheduler, optimizer Optimizer) *LRStepper {
	return &LRStepper{
		scheduler: scheduler,
		optimizer: optimizer,
		baseLR:    optimizer.LearningRate(),
	}
}

// Step advances one epoch and returns the new learning rate
func (s *LRStepper) Step() float64 {
	s.steps++
	lr := s.scheduler.GetLR(s.steps, 0, s.baseLR)
	s.optimizer.SetLearningRate(lr)
	return lr
}

// Steps returns how many times Step has been called
func (s *LRStepper) Steps() int {
	return s.steps
}

// Name returns the scheduler name
func (s *LRStepper) Name() string {
	return s.scheduler.GetName()
}

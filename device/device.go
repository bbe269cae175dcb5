package device

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"go.uber.org/zap"
)

// Kind identifies where model computation runs
type Kind int

const (
	// CPU runs everything on the host
	CPU Kind = iota
	// Accelerator runs the model on a GPU or similar device
	Accelerator
)

func (k Kind) String() string {
	switch k {
	case CPU:
		return "cpu"
	case Accelerator:
		return "accelerator"
	default:
		return "unknown"
	}
}

// Device is the compute target chosen once at startup
type Device struct {
	Kind     Kind
	Name     string
	Cores    int
	Features []string

	// Fallback holds the AcceleratorUnavailableError that led to a CPU device, if any
	Fallback error
}

// Accelerated reports whether the model runs on an accelerator
func (d Device) Accelerated() bool {
	return d.Kind == Accelerator
}

func (d Device) String() string {
	if d.Kind == Accelerator {
		return fmt.Sprintf("%s (%s)", d.Name, d.Kind)
	}
	desc := fmt.Sprintf("%s (%s, %d cores", d.Name, d.Kind, d.Cores)
	if len(d.Features) > 0 {
		desc += ", " + strings.Join(d.Features, "/")
	}
	return desc + ")"
}

// AcceleratorUnavailableError is recoverable: training continues on the CPU
type AcceleratorUnavailableError struct {
	Reason string
	Err    error
}

func (e *AcceleratorUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("accelerator unavailable: %s: %v", e.Reason, e.Err)
	}
	return "accelerator unavailable: " + e.Reason
}

func (e *AcceleratorUnavailableError) Unwrap() error {
	return e.Err
}

// Probe reports the name of an available accelerator, or an error if there is none
type Probe func() (string, error)

// Select resolves the compute device. A nil or failing probe selects the CPU and records the
// reason in Device.Fallback.
func Select(probe Probe, logger *zap.Logger) Device {
	if logger == nil {
		logger = zap.NewNop()
	}

	if probe == nil {
		return fallback(&AcceleratorUnavailableError{Reason: "no accelerator probe configured"}, logger)
	}

	name, err := probe()
	if err != nil {
		return fallback(&AcceleratorUnavailableError{Reason: "probe failed", Err: err}, logger)
	}

	d := Device{Kind: Accelerator, Name: name}
	logger.Info("using accelerator", zap.String("device", d.Name))
	return d
}

func fallback(reason *AcceleratorUnavailableError, logger *zap.Logger) Device {
	d := HostCPU()
	d.Fallback = reason
	logger.Warn("falling back to CPU",
		zap.Error(reason),
		zap.String("cpu", d.Name),
		zap.Int("cores", d.Cores),
		zap.Strings("features", d.Features),
	)
	return d
}

// HostCPU describes the host processor
func HostCPU() Device {
	name := strings.TrimSpace(cpuid.CPU.BrandName)
	if name == "" {
		name = runtime.GOARCH
	}

	var features []string
	switch {
	case cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ):
		features = append(features, "avx512")
	case cpuid.CPU.Supports(cpuid.AVX2):
		features = append(features, "avx2")
	}
	if cpuid.CPU.Supports(cpuid.FMA3) {
		features = append(features, "fma")
	}
	if cpuid.CPU.Supports(cpuid.ASIMD) {
		features = append(features, "neon")
	}

	return Device{
		Kind:     CPU,
		Name:     name,
		Cores:    physicalCores(),
		Features: features,
	}
}

func physicalCores() int {
	if cpuid.CPU.PhysicalCores > 0 {
		return cpuid.CPU.PhysicalCores
	}
	return runtime.NumCPU()
}

// DefaultWorkers returns the preprocessing worker count used when none is configured: one
// per physical core, capped at 8.
func DefaultWorkers() int {
	n := physicalCores()
	if n > 8 {
		n = 8
	}
	if n < 1 {
		n = 1
	}
	return n
}

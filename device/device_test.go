package device

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSelectAccelerator(t *testing.T) {
	d := Select(func() (string, error) { return "test-gpu", nil }, zap.NewNop())

	assert.True(t, d.Accelerated())
	assert.Equal(t, "test-gpu", d.Name)
	assert.NoError(t, d.Fallback)
	assert.Equal(t, "test-gpu (accelerator)", d.String())
}

func TestSelectFallsBackToCPU(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	probeErr := errors.New("no device found")

	d := Select(func() (string, error) { return "", probeErr }, zap.New(core))

	assert.False(t, d.Accelerated())
	assert.Equal(t, CPU, d.Kind)
	assert.Greater(t, d.Cores, 0)
	assert.NotEmpty(t, d.Name)

	var unavailable *AcceleratorUnavailableError
	require.True(t, errors.As(d.Fallback, &unavailable))
	assert.Equal(t, "probe failed", unavailable.Reason)
	assert.True(t, errors.Is(d.Fallback, probeErr))

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "falling back to CPU", logs.All()[0].Message)
}

func TestSelectWithoutProbe(t *testing.T) {
	d := Select(nil, nil)

	var unavailable *AcceleratorUnavailableError
	require.True(t, errors.As(d.Fallback, &unavailable))
	assert.Contains(t, unavailable.Error(), "no accelerator probe configured")
}

func TestDefaultWorkers(t *testing.T) {
	n := DefaultWorkers()
	assert.GreaterOrEqual(t, n, 1)
	assert.LessOrEqual(t, n, 8)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "cpu", CPU.String())
	assert.Equal(t, "accelerator", Accelerator.String())
	assert.Equal(t, "unknown", Kind(5).String())
}

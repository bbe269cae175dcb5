package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSplitsByLevel(t *testing.T) {
	var stdout, stderr bytes.Buffer
	logger, err := New(Options{Stdout: &stdout, Stderr: &stderr})
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("epoch done")
	logger.Warn("class absent")
	logger.Error("training failed")
	require.NoError(t, logger.Sync())

	out := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	require.Len(t, out, 2)

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out[0]), &record))
	assert.Equal(t, "epoch done", record["msg"])
	assert.Equal(t, "info", record["level"])
	assert.Contains(t, record, "caller")

	assert.Contains(t, stderr.String(), "training failed")
	assert.NotContains(t, stdout.String(), "training failed")
}

func TestNewLevelAndConsole(t *testing.T) {
	var stdout, stderr bytes.Buffer
	logger, err := New(Options{Level: "warn", Console: true, Stdout: &stdout, Stderr: &stderr})
	require.NoError(t, err)

	logger.Info("skipped")
	logger.Warn("kept")
	require.NoError(t, logger.Sync())

	assert.NotContains(t, stdout.String(), "skipped")
	assert.Contains(t, stdout.String(), "WARN")
	assert.Contains(t, stdout.String(), "kept")

	_, err = New(Options{Level: "loud"})
	assert.Error(t, err)
}

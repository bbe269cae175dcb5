package checkpoints

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payload(s string) func(w io.Writer) error {
	return func(w io.Writer) error {
		_, err := io.WriteString(w, s)
		return err
	}
}

func newTestManager(t *testing.T, fs afero.Fs, format CheckpointFormat) *Manager {
	t.Helper()
	config := DefaultConfig()
	config.Directory = "/ckpt"
	config.Format = format
	m, err := NewManager(fs, config, nil)
	require.NoError(t, err)
	return m
}

func TestCheckpointFormatString(t *testing.T) {
	assert.Equal(t, "raw", FormatRaw.String())
	assert.Equal(t, "proto", FormatProto.String())
	assert.Equal(t, "unknown", CheckpointFormat(7).String())

	f, err := ParseFormat("proto")
	require.NoError(t, err)
	assert.Equal(t, FormatProto, f)
	_, err = ParseFormat("onnx")
	assert.Error(t, err)
}

func TestEncodeDecode(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ckpt := &Checkpoint{
		Metadata: Metadata{
			ModelName:     "EfficientNet",
			Tag:           "l2reg0.001",
			Epoch:         4,
			LearningRate:  1e-06,
			TrainLoss:     0.25,
			TrainAccuracy: 91.5,
			CreatedAt:     created,
		},
		Payload: []byte{0, 1, 2, 255},
	}

	t.Run("Proto", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, FormatProto, ckpt))

		decoded, err := Decode(&buf, FormatProto)
		require.NoError(t, err)
		assert.Equal(t, ckpt.Payload, decoded.Payload)
		assert.Equal(t, ckpt.Metadata.ModelName, decoded.Metadata.ModelName)
		assert.Equal(t, 4, decoded.Metadata.Epoch)
		assert.Equal(t, 1e-06, decoded.Metadata.LearningRate)
		assert.True(t, created.Equal(decoded.Metadata.CreatedAt))
	})

	t.Run("Raw", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, FormatRaw, ckpt))
		assert.Equal(t, ckpt.Payload, buf.Bytes())

		decoded, err := Decode(&buf, FormatRaw)
		require.NoError(t, err)
		assert.Equal(t, ckpt.Payload, decoded.Payload)
		assert.Equal(t, 0, decoded.Metadata.Epoch)
	})

	t.Run("Truncated", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, FormatProto, ckpt))
		_, err := Decode(bytes.NewReader(buf.Bytes()[:buf.Len()-2]), FormatProto)
		assert.Error(t, err)
	})
}

func TestManagerNaming(t *testing.T) {
	m := newTestManager(t, afero.NewMemMapFs(), FormatRaw)
	assert.Equal(t, "EfficientNet-1-l2reg0.001.pth", m.Filename(1))
	assert.Equal(t, "/ckpt/EfficientNet-20-l2reg0.001.pth", m.Path(20))

	_, err := NewManager(afero.NewMemMapFs(), Config{ModelName: "x", Extension: "pth"}, nil)
	assert.Error(t, err)
}

func TestManagerSaveAndList(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := newTestManager(t, fs, FormatProto)

	for epoch := 1; epoch <= 3; epoch++ {
		path, err := m.Save(epoch, Metadata{LearningRate: 0.001}, payload(strings.Repeat("w", epoch)))
		require.NoError(t, err)
		assert.Equal(t, m.Path(epoch), path)
	}

	// Unrelated files are ignored
	require.NoError(t, afero.WriteFile(fs, "/ckpt/notes.txt", []byte("x"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/ckpt/Other-1-l2reg0.001.pth", []byte("x"), 0644))

	entries, err := m.List()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, i+1, e.Epoch)
		assert.Greater(t, e.Size, int64(0))
	}

	latest, ok, err := m.Latest()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, latest.Epoch)

	ckpt, err := m.Load(latest.Path)
	require.NoError(t, err)
	assert.Equal(t, []byte("www"), ckpt.Payload)
	assert.Equal(t, 3, ckpt.Metadata.Epoch)
	assert.Equal(t, "l2reg0.001", ckpt.Metadata.Tag)

	// No temporary files are left behind
	infos, err := afero.ReadDir(fs, "/ckpt")
	require.NoError(t, err)
	for _, info := range infos {
		assert.False(t, strings.Contains(info.Name(), ".tmp-"), "leftover %s", info.Name())
	}
}

func TestManagerNeverOverwrites(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := newTestManager(t, fs, FormatRaw)

	_, err := m.Save(1, Metadata{}, payload("first"))
	require.NoError(t, err)

	_, err = m.Save(1, Metadata{}, payload("second"))
	var exists *ExistsError
	require.True(t, errors.As(err, &exists), "got %v", err)
	assert.Equal(t, m.Path(1), exists.Path)

	data, err := afero.ReadFile(fs, m.Path(1))
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))

	conflicts, err := m.Conflicts(5)
	require.NoError(t, err)
	assert.Equal(t, []string{m.Path(1)}, conflicts)
}

func TestManagerSerializeFailure(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := newTestManager(t, fs, FormatRaw)

	_, err := m.Save(2, Metadata{}, func(w io.Writer) error { return errors.New("disk full") })
	require.Error(t, err)

	exists, err := afero.Exists(fs, m.Path(2))
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = m.Save(0, Metadata{}, payload("x"))
	assert.Error(t, err)
}

func TestManagerEmptyDirectory(t *testing.T) {
	m := newTestManager(t, afero.NewMemMapFs(), FormatRaw)

	entries, err := m.List()
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, ok, err := m.Latest()
	require.NoError(t, err)
	assert.False(t, ok)
}

package dataloader

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-lesion/vision/dataset"
	"github.com/tsawler/go-lesion/vision/preprocessing"
)

// mockDataset returns a 1x2x2 image filled with the sample index
type mockDataset struct {
	n       int
	failAt  int
	delay   func(index int) time.Duration
	loads   int64
	failErr error
}

func (m *mockDataset) Len() int {
	return m.n
}

func (m *mockDataset) Get(index int, t dataset.Transform) (*preprocessing.ProcessedImage, int, error) {
	atomic.AddInt64(&m.loads, 1)
	if m.delay != nil {
		time.Sleep(m.delay(index))
	}
	if m.failErr != nil && index == m.failAt {
		return nil, 0, m.failErr
	}
	v := float32(index)
	return &preprocessing.ProcessedImage{
		Data:     []float32{v, v, v, v},
		Width:    2,
		Height:   2,
		Channels: 1,
	}, index % 2, nil
}

type noopTransform struct{}

func (noopTransform) Transform(path string) (*preprocessing.ProcessedImage, error) {
	return nil, fmt.Errorf("not used")
}

func sequence(n int) []int {
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	return indices
}

func drain(t *testing.T, dl *DataLoader) []*Batch {
	t.Helper()
	var batches []*Batch
	for {
		batch, err := dl.Next()
		require.NoError(t, err)
		if batch == nil {
			return batches
		}
		batches = append(batches, batch)
	}
}

func TestNewDataLoader(t *testing.T) {
	ds := &mockDataset{n: 10}

	t.Run("Batching", func(t *testing.T) {
		dl, err := NewDataLoader(ds, noopTransform{}, sequence(10), Config{BatchSize: 4})
		require.NoError(t, err)
		assert.Equal(t, 3, dl.NumBatches())
		assert.Equal(t, 1, dl.workers)
		assert.Equal(t, 2, dl.prefetch)
	})

	t.Run("InvalidConfig", func(t *testing.T) {
		_, err := NewDataLoader(ds, noopTransform{}, sequence(10), Config{BatchSize: 0})
		assert.Error(t, err)
		_, err = NewDataLoader(nil, noopTransform{}, sequence(10), Config{BatchSize: 1})
		assert.Error(t, err)
		_, err = NewDataLoader(ds, nil, sequence(10), Config{BatchSize: 1})
		assert.Error(t, err)
		_, err = NewDataLoader(ds, noopTransform{}, []int{3, 10}, Config{BatchSize: 1})
		assert.Error(t, err)
	})

	t.Run("Empty", func(t *testing.T) {
		dl, err := NewDataLoader(ds, noopTransform{}, nil, Config{BatchSize: 4})
		require.NoError(t, err)
		require.NoError(t, dl.Start(context.Background()))
		defer dl.Stop()
		assert.Empty(t, drain(t, dl))
	})
}

func TestDataLoaderDeliversInOrder(t *testing.T) {
	// Early batches are slowest so workers finish out of order
	ds := &mockDataset{n: 50, delay: func(index int) time.Duration {
		return time.Duration(50-index) * 100 * time.Microsecond
	}}
	indices := []int{7, 7, 3, 49, 0, 12, 12, 12, 30, 1, 2, 44, 5}

	dl, err := NewDataLoader(ds, noopTransform{}, indices, Config{BatchSize: 4, Workers: 4, PrefetchDepth: 3})
	require.NoError(t, err)
	require.NoError(t, dl.Start(context.Background()))
	defer dl.Stop()

	batches := drain(t, dl)
	require.Len(t, batches, 4)

	var got []int
	for i, batch := range batches {
		assert.Equal(t, i, batch.Number)
		assert.Equal(t, []int{batch.Size(), 1, 2, 2}, batch.Shape)
		require.Len(t, batch.Inputs, batch.Size()*4)
		for j, idx := range batch.Indices {
			assert.Equal(t, float32(idx), batch.Inputs[j*4], "batch %d slot %d", i, j)
			assert.Equal(t, idx%2, batch.Labels[j])
		}
		got = append(got, batch.Indices...)
	}
	assert.Equal(t, indices, got)
	assert.Equal(t, 1, batches[3].Size(), "last batch is short")

	current, total := dl.Progress()
	assert.Equal(t, 4, current)
	assert.Equal(t, 4, total)
}

func TestDataLoaderPropagatesErrors(t *testing.T) {
	missing := &dataset.MissingResourceError{Source: "a", Identifier: "ISIC_0003", Path: "/a/ISIC_0003.jpg"}
	ds := &mockDataset{n: 20, failAt: 9, failErr: missing}

	dl, err := NewDataLoader(ds, noopTransform{}, sequence(20), Config{BatchSize: 4, Workers: 3})
	require.NoError(t, err)
	require.NoError(t, dl.Start(context.Background()))
	defer dl.Stop()

	for i := 0; i < 2; i++ {
		batch, err := dl.Next()
		require.NoError(t, err)
		require.NotNil(t, batch)
	}

	_, err = dl.Next()
	require.Error(t, err)
	var target *dataset.MissingResourceError
	assert.True(t, errors.As(err, &target), "got %v", err)
}

func TestDataLoaderStop(t *testing.T) {
	ds := &mockDataset{n: 1000, delay: func(int) time.Duration { return time.Millisecond }}

	dl, err := NewDataLoader(ds, noopTransform{}, sequence(1000), Config{BatchSize: 10, Workers: 2, PrefetchDepth: 2})
	require.NoError(t, err)
	require.NoError(t, dl.Start(context.Background()))

	_, err = dl.Next()
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		dl.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	// The prefetch window bounds how much work ran ahead of the consumer
	assert.Less(t, atomic.LoadInt64(&ds.loads), int64(1000))

	_, err = dl.Next()
	assert.Error(t, err)

	// Stop is idempotent
	dl.Stop()
}

func TestDataLoaderCancelledContext(t *testing.T) {
	ds := &mockDataset{n: 100, delay: func(int) time.Duration { return time.Millisecond }}
	dl, err := NewDataLoader(ds, noopTransform{}, sequence(100), Config{BatchSize: 5, Workers: 2})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, dl.Start(ctx))
	defer dl.Stop()
	cancel()

	var lastErr error
	for i := 0; i < 25; i++ {
		batch, err := dl.Next()
		if err != nil {
			lastErr = err
			break
		}
		if batch == nil {
			break
		}
	}
	assert.Error(t, lastErr)
	assert.True(t, errors.Is(lastErr, context.Canceled), "got %v", lastErr)
}

func TestDataLoaderStartTwice(t *testing.T) {
	dl, err := NewDataLoader(&mockDataset{n: 4}, noopTransform{}, sequence(4), Config{BatchSize: 2})
	require.NoError(t, err)

	_, err = dl.Next()
	assert.Error(t, err, "Next before Start")

	require.NoError(t, dl.Start(context.Background()))
	defer dl.Stop()
	assert.Error(t, dl.Start(context.Background()))
}

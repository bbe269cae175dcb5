package dataloader

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/go-lesion/vision/dataset"
	"github.com/tsawler/go-lesion/vision/preprocessing"
)

// Dataset interface defines the contract for datasets
type Dataset interface {
	Len() int
	Get(index int, t dataset.Transform) (*preprocessing.ProcessedImage, int, error)
}

// Batch is a stacked group of samples in NCHW layout
type Batch struct {
	Number  int
	Indices []int
	Inputs  []float32
	Shape   []int
	Labels  []int
}

// Size returns the number of samples in the batch
func (b *Batch) Size() int {
	return len(b.Labels)
}

// Config holds configuration for DataLoader
type Config struct {
	BatchSize     int
	Workers       int // Number of parallel workers for preprocessing
	PrefetchDepth int // Number of batches that may be prepared ahead of the consumer
}

// DefaultConfig returns the loader settings of the reference run
func DefaultConfig() Config {
	return Config{
		BatchSize:     16,
		Workers:       4,
		PrefetchDepth: 2,
	}
}

type job struct {
	number  int
	indices []int
	result  chan<- batchResult
}

type batchResult struct {
	batch *Batch
	err   error
}

// DataLoader turns an index sequence into batches of batchSize (the last may be short).
// Workers prepare batches in the background, and Next always returns them in sequence order.
type DataLoader struct {
	dataset   Dataset
	transform dataset.Transform
	batches   [][]int
	workers   int
	prefetch  int

	order  chan chan batchResult
	jobs   chan job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	started  bool
	stopped  bool
	consumed int
}

// NewDataLoader creates a loader over the given indices of ds
func NewDataLoader(ds Dataset, transform dataset.Transform, indices []int, config Config) (*DataLoader, error) {
	if ds == nil {
		return nil, errors.New("dataset cannot be nil")
	}
	if transform == nil {
		return nil, errors.New("transform cannot be nil")
	}
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", config.BatchSize)
	}

	// Set defaults
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.PrefetchDepth <= 0 {
		config.PrefetchDepth = 2
	}

	n := ds.Len()
	for _, idx := range indices {
		if idx < 0 || idx >= n {
			return nil, errors.Errorf("index %d out of range [0, %d)", idx, n)
		}
	}

	var batches [][]int
	for start := 0; start < len(indices); start += config.BatchSize {
		end := start + config.BatchSize
		if end > len(indices) {
			end = len(indices)
		}
		batches = append(batches, append([]int(nil), indices[start:end]...))
	}

	return &DataLoader{
		dataset:   ds,
		transform: transform,
		batches:   batches,
		workers:   config.Workers,
		prefetch:  config.PrefetchDepth,
	}, nil
}

// NumBatches returns the number of batches the loader will produce
func (dl *DataLoader) NumBatches() int {
	return len(dl.batches)
}

// Start launches the dispatcher and the worker pool. Cancelling ctx stops them.
func (dl *DataLoader) Start(ctx context.Context) error {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	if dl.started {
		return errors.New("data loader is already running")
	}

	dl.ctx, dl.cancel = context.WithCancel(ctx)
	dl.order = make(chan chan batchResult, dl.prefetch)
	dl.jobs = make(chan job)

	for i := 0; i < dl.workers; i++ {
		dl.wg.Add(1)
		go dl.worker()
	}
	dl.wg.Add(1)
	go dl.dispatch()

	dl.started = true
	return nil
}

// dispatch queues one result slot per batch before handing the batch to a worker, so the
// order channel both bounds the prefetch window and records the delivery order.
func (dl *DataLoader) dispatch() {
	defer dl.wg.Done()
	defer close(dl.jobs)
	defer close(dl.order)

	for number, indices := range dl.batches {
		result := make(chan batchResult, 1)

		select {
		case dl.order <- result:
		case <-dl.ctx.Done():
			return
		}

		select {
		case dl.jobs <- job{number: number, indices: indices, result: result}:
		case <-dl.ctx.Done():
			return
		}
	}
}

func (dl *DataLoader) worker() {
	defer dl.wg.Done()

	for {
		select {
		case <-dl.ctx.Done():
			return
		case j, ok := <-dl.jobs:
			if !ok {
				return
			}
			batch, err := dl.assemble(j.number, j.indices)
			j.result <- batchResult{batch: batch, err: err}
		}
	}
}

// assemble loads every sample of one batch and stacks them
func (dl *DataLoader) assemble(number int, indices []int) (*Batch, error) {
	batch := &Batch{
		Number:  number,
		Indices: indices,
		Labels:  make([]int, len(indices)),
	}

	var sampleShape []int
	var per int
	for i, idx := range indices {
		if err := dl.ctx.Err(); err != nil {
			return nil, err
		}

		img, label, err := dl.dataset.Get(idx, dl.transform)
		if err != nil {
			return nil, errors.Wrapf(err, "batch %d: sample %d", number, idx)
		}

		if sampleShape == nil {
			sampleShape = img.Shape()
			per = len(img.Data)
			batch.Inputs = make([]float32, per*len(indices))
		} else if len(img.Data) != per {
			return nil, errors.Errorf("batch %d: sample %d has %d values, expected %d", number, idx, len(img.Data), per)
		}

		copy(batch.Inputs[i*per:(i+1)*per], img.Data)
		batch.Labels[i] = label
	}

	batch.Shape = append([]int{len(indices)}, sampleShape...)
	return batch, nil
}

// Next returns the next batch in sequence order, or nil once every batch has been delivered.
// The first failed batch is returned as an error.
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mu.Lock()
	started, stopped := dl.started, dl.stopped
	dl.mu.Unlock()

	if !started {
		return nil, errors.New("data loader has not been started")
	}
	if stopped {
		return nil, errors.New("data loader has been stopped")
	}

	var result chan batchResult
	var ok bool
	select {
	case result, ok = <-dl.order:
		if !ok {
			if err := dl.ctx.Err(); err != nil && dl.consumed < len(dl.batches) {
				return nil, errors.Wrap(err, "data loader has been cancelled")
			}
			return nil, nil
		}
	case <-dl.ctx.Done():
		return nil, errors.Wrap(dl.ctx.Err(), "data loader has been cancelled")
	}

	select {
	case r := <-result:
		if r.err != nil {
			return nil, r.err
		}
		dl.consumed++
		return r.batch, nil
	case <-dl.ctx.Done():
		return nil, errors.Wrap(dl.ctx.Err(), "data loader has been cancelled")
	}
}

// Stop cancels outstanding work and waits for the workers to exit
func (dl *DataLoader) Stop() {
	dl.mu.Lock()
	if !dl.started || dl.stopped {
		dl.mu.Unlock()
		return
	}
	dl.stopped = true
	dl.mu.Unlock()

	dl.cancel()
	dl.wg.Wait()
}

// Progress returns the number of delivered batches and the total
func (dl *DataLoader) Progress() (current, total int) {
	return dl.consumed, len(dl.batches)
}

package training

import (
	"sort"
	"sync"

	"github.com/google/btree"
	"github.com/pkg/errors"
)

// Series names of the experiment log
const (
	SeriesTrainingLoss           = "Training/Loss"
	SeriesTrainingAccuracy       = "Training/Accuracy"
	SeriesTrainingClass0Accuracy = "Training/Accuracy (class 0)"
	SeriesTrainingClass1Accuracy = "Training/Accuracy (class 1)"
	SeriesLearningRate           = "Learning rate"
	SeriesValidationAccuracy     = "Validation/Accuracy"
	SeriesValidationClass0       = "Validation/Accuracy (class 0)"
	SeriesValidationClass1       = "Validation/Accuracy (class 1)"
)

// Point is one scalar of a series
type Point struct {
	Epoch int
	Value float64
}

// Less orders points by epoch inside a series tree
func (p Point) Less(than btree.Item) bool {
	return p.Epoch < than.(Point).Epoch
}

// Scalar is a named value produced from an EpochMetrics
type Scalar struct {
	Series string
	Value  float64
}

// Scalars returns the series values an EpochMetrics contributes, in a fixed order
func Scalars(m EpochMetrics) []Scalar {
	if m.Phase == PhaseValidation {
		return []Scalar{
			{SeriesValidationAccuracy, m.Accuracy},
			{SeriesValidationClass0, m.ClassAccuracy[0]},
			{SeriesValidationClass1, m.ClassAccuracy[1]},
		}
	}
	return []Scalar{
		{SeriesTrainingLoss, m.MeanLoss},
		{SeriesTrainingAccuracy, m.Accuracy},
		{SeriesTrainingClass0Accuracy, m.ClassAccuracy[0]},
		{SeriesTrainingClass1Accuracy, m.ClassAccuracy[1]},
		{SeriesLearningRate, m.LearningRate},
	}
}

// Sink receives every point appended to the recorder
type Sink interface {
	Append(series string, p Point) error
	Close() error
}

type recordKey struct {
	epoch int
	phase Phase
}

// MetricsRecorder is an append-only log of epoch metrics. One goroutine records while any
// number of readers query it.
type MetricsRecorder struct {
	mu       sync.RWMutex
	series   map[string]*btree.BTree
	history  []EpochMetrics
	recorded map[recordKey]bool
	sinks    []Sink
}

// NewMetricsRecorder creates an empty recorder that forwards points to sinks
func NewMetricsRecorder(sinks ...Sink) *MetricsRecorder {
	return &MetricsRecorder{
		series:   make(map[string]*btree.BTree),
		recorded: make(map[recordKey]bool),
		sinks:    sinks,
	}
}

// Record appends the metrics of one (epoch, phase). Recording the same pair twice fails.
func (r *MetricsRecorder) Record(m EpochMetrics) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := recordKey{epoch: m.Epoch, phase: m.Phase}
	if r.recorded[key] {
		return errors.Errorf("%s metrics for epoch %d already recorded", m.Phase, m.Epoch)
	}

	scalars := Scalars(m)
	for _, sink := range r.sinks {
		for _, s := range scalars {
			if err := sink.Append(s.Series, Point{Epoch: m.Epoch, Value: s.Value}); err != nil {
				return errors.Wrapf(err, "failed to forward %s for epoch %d", s.Series, m.Epoch)
			}
		}
	}

	r.recorded[key] = true
	r.history = append(r.history, m)
	for _, s := range scalars {
		tree, ok := r.series[s.Series]
		if !ok {
			tree = btree.New(8)
			r.series[s.Series] = tree
		}
		tree.ReplaceOrInsert(Point{Epoch: m.Epoch, Value: s.Value})
	}
	return nil
}

// Series returns every point of a series in epoch order
func (r *MetricsRecorder) Series(name string) []Point {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tree, ok := r.series[name]
	if !ok {
		return nil
	}
	points := make([]Point, 0, tree.Len())
	tree.Ascend(func(i btree.Item) bool {
		points = append(points, i.(Point))
		return true
	})
	return points
}

// Range returns the points of a series with from <= epoch < to
func (r *MetricsRecorder) Range(name string, from, to int) []Point {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tree, ok := r.series[name]
	if !ok {
		return nil
	}
	var points []Point
	tree.AscendRange(Point{Epoch: from}, Point{Epoch: to}, func(i btree.Item) bool {
		points = append(points, i.(Point))
		return true
	})
	return points
}

// Names returns the recorded series names, sorted
func (r *MetricsRecorder) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.series))
	for name := range r.series {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// History returns every recorded EpochMetrics in recording order
func (r *MetricsRecorder) History() []EpochMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]EpochMetrics(nil), r.history...)
}

// Close closes every sink
func (r *MetricsRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var first error
	for _, sink := range r.sinks {
		if err := sink.Close(); err != nil && first == nil {
			first = err
		}
	}
	r.sinks = nil
	return first
}

package dataset

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/tsawler/go-lesion/vision/preprocessing"
)

// CompositeDataset concatenates several corpora into one index space. The global index i
// belongs to the source k with offsets[k] <= i < offsets[k+1]; source order is fixed at
// construction.
type CompositeDataset struct {
	sources []*SampleIndex
	offsets []int
}

// NewCompositeDataset creates a dataset over the given sources in order. Source names must be
// unique.
func NewCompositeDataset(sources ...*SampleIndex) (*CompositeDataset, error) {
	if len(sources) == 0 {
		return nil, errors.New("composite dataset needs at least one source")
	}

	seen := make(map[string]bool, len(sources))
	offsets := make([]int, len(sources)+1)
	for i, source := range sources {
		if source == nil {
			return nil, errors.Errorf("source %d is nil", i)
		}
		if seen[source.Name()] {
			return nil, errors.Errorf("duplicate source name %q", source.Name())
		}
		seen[source.Name()] = true
		offsets[i+1] = offsets[i] + source.Len()
	}

	return &CompositeDataset{
		sources: append([]*SampleIndex(nil), sources...),
		offsets: offsets,
	}, nil
}

// Len returns the total number of samples across all sources
func (d *CompositeDataset) Len() int {
	return d.offsets[len(d.sources)]
}

// Locate maps a global index to the owning source position and the local offset in it
func (d *CompositeDataset) Locate(index int) (source int, offset int, err error) {
	if index < 0 || index >= d.Len() {
		return 0, 0, errors.Errorf("index %d out of range [0, %d)", index, d.Len())
	}
	k := sort.Search(len(d.sources), func(k int) bool {
		return d.offsets[k+1] > index
	})
	return k, index - d.offsets[k], nil
}

// Sample returns the labeled sample at a global index
func (d *CompositeDataset) Sample(index int) (LabeledSample, error) {
	k, offset, err := d.Locate(index)
	if err != nil {
		return LabeledSample{}, err
	}
	return d.sources[k].Sample(offset)
}

// Get loads the sample at a global index through t
func (d *CompositeDataset) Get(index int, t Transform) (*preprocessing.ProcessedImage, int, error) {
	k, offset, err := d.Locate(index)
	if err != nil {
		return nil, 0, err
	}
	return d.sources[k].Get(offset, t)
}

// Labels returns the label sequence in global index order
func (d *CompositeDataset) Labels() []int {
	labels := make([]int, 0, d.Len())
	for _, source := range d.sources {
		labels = append(labels, source.Labels()...)
	}
	return labels
}

// ClassCounts returns the per-class sample counts across all sources
func (d *CompositeDataset) ClassCounts() [NumClasses]int {
	var counts [NumClasses]int
	for _, source := range d.sources {
		c := source.ClassCounts()
		counts[0] += c[0]
		counts[1] += c[1]
	}
	return counts
}

// Sources returns the sources in index order
func (d *CompositeDataset) Sources() []*SampleIndex {
	return append([]*SampleIndex(nil), d.sources...)
}

// Source looks up a source by name
func (d *CompositeDataset) Source(name string) (*SampleIndex, bool) {
	for _, source := range d.sources {
		if source.Name() == name {
			return source, true
		}
	}
	return nil, false
}

// ValidateLabels returns the first malformed label across all sources
func (d *CompositeDataset) ValidateLabels() error {
	for _, source := range d.sources {
		if err := source.ValidateLabels(); err != nil {
			return err
		}
	}
	return nil
}

// VerifyAll checks that every image of every source exists
func (d *CompositeDataset) VerifyAll() error {
	for _, source := range d.sources {
		if err := source.VerifyAll(); err != nil {
			return err
		}
	}
	return nil
}

func (d *CompositeDataset) String() string {
	parts := make([]string, len(d.sources))
	for i, source := range d.sources {
		parts[i] = fmt.Sprintf("%s: %s", source.Name(), humanize.Comma(int64(source.Len())))
	}
	return fmt.Sprintf("%s samples from %d sources (%s)",
		humanize.Comma(int64(d.Len())), len(d.sources), strings.Join(parts, ", "))
}

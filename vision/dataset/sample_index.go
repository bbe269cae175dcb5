package dataset

import (
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/tsawler/go-lesion/vision/preprocessing"
)

// ImageExtension is appended to a sample identifier to locate its image
const ImageExtension = ".jpg"

// NumClasses is the number of label values (0 = benign, 1 = malignant)
const NumClasses = 2

// LabeledSample is one row of a label table
type LabeledSample struct {
	Identifier string
	Label      int
}

// Transform turns the image at path into a tensor
type Transform interface {
	Transform(path string) (*preprocessing.ProcessedImage, error)
}

// SampleIndex represents one corpus: an ordered list of labeled samples whose images live
// under a base directory as <base_dir>/<identifier>.jpg
type SampleIndex struct {
	name    string
	fs      afero.Fs
	baseDir string
	samples []LabeledSample
	rows    []int
}

type labelRow struct {
	Identifier string `csv:"identifier"`
	Label      string `csv:"label"`
}

// NewSampleIndex creates an index from samples already in memory. Labels are checked when
// samples are accessed, not here.
func NewSampleIndex(fs afero.Fs, name, baseDir string, samples []LabeledSample) *SampleIndex {
	copied := make([]LabeledSample, len(samples))
	copy(copied, samples)
	return &SampleIndex{
		name:    name,
		fs:      fs,
		baseDir: baseDir,
		samples: copied,
		rows:    make([]int, len(samples)),
	}
}

// LoadSampleIndex reads a label table with a header row and the columns [identifier, label].
// Any label other than 0 or 1 fails the load with a MalformedLabelError.
func LoadSampleIndex(fs afero.Fs, name, labelPath, baseDir string) (*SampleIndex, error) {
	file, err := fs.Open(labelPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open label table %s", labelPath)
	}
	defer file.Close()

	reader := gocsv.LazyCSVReader(file)
	header, err := reader.Read()
	if err == io.EOF {
		return nil, errors.Errorf("label table %s is empty", labelPath)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read header of %s", labelPath)
	}
	if len(header) != 2 {
		return nil, errors.Errorf("label table %s has %d columns, want [identifier, label]", labelPath, len(header))
	}

	var rows []*labelRow
	if err := gocsv.UnmarshalCSVWithoutHeaders(reader, &rows); err != nil {
		return nil, errors.Wrapf(err, "failed to parse label table %s", labelPath)
	}

	index := &SampleIndex{
		name:    name,
		fs:      fs,
		baseDir: baseDir,
		samples: make([]LabeledSample, 0, len(rows)),
		rows:    make([]int, 0, len(rows)),
	}

	for i, row := range rows {
		identifier := strings.TrimSpace(row.Identifier)
		label, ok := parseLabel(row.Label)
		if !ok {
			return nil, &MalformedLabelError{Source: name, Row: i + 1, Identifier: identifier, Value: row.Label}
		}
		index.samples = append(index.samples, LabeledSample{Identifier: identifier, Label: label})
		index.rows = append(index.rows, i+1)
	}

	return index, nil
}

// parseLabel accepts integer or float spellings of exactly 0 or 1
func parseLabel(value string) (int, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || math.IsNaN(v) {
		return 0, false
	}
	switch v {
	case 0:
		return 0, true
	case 1:
		return 1, true
	default:
		return 0, false
	}
}

// Name returns the corpus name
func (s *SampleIndex) Name() string {
	return s.name
}

// BaseDir returns the directory holding the corpus images
func (s *SampleIndex) BaseDir() string {
	return s.baseDir
}

// Len returns the number of samples
func (s *SampleIndex) Len() int {
	return len(s.samples)
}

// Sample returns the labeled sample at index
func (s *SampleIndex) Sample(index int) (LabeledSample, error) {
	if index < 0 || index >= len(s.samples) {
		return LabeledSample{}, errors.Errorf("index %d out of range [0, %d) in %s", index, len(s.samples), s.name)
	}
	return s.samples[index], nil
}

// ImagePath returns the image location for an identifier
func (s *SampleIndex) ImagePath(identifier string) string {
	return filepath.Join(s.baseDir, identifier+ImageExtension)
}

// Resolve returns the image path of the sample at index, failing with a
// MissingResourceError if the file does not exist
func (s *SampleIndex) Resolve(index int) (string, error) {
	sample, err := s.Sample(index)
	if err != nil {
		return "", err
	}

	path := s.ImagePath(sample.Identifier)
	exists, err := afero.Exists(s.fs, path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to stat %s", path)
	}
	if !exists {
		return "", &MissingResourceError{Source: s.name, Identifier: sample.Identifier, Path: path}
	}
	return path, nil
}

// checkLabel returns a MalformedLabelError if the label at index is not 0 or 1
func (s *SampleIndex) checkLabel(index int) error {
	sample := s.samples[index]
	if sample.Label == 0 || sample.Label == 1 {
		return nil
	}
	return &MalformedLabelError{
		Source:     s.name,
		Row:        s.rows[index],
		Identifier: sample.Identifier,
		Value:      strconv.Itoa(sample.Label),
	}
}

// Get loads the sample at index through t and returns the tensor and its label
func (s *SampleIndex) Get(index int, t Transform) (*preprocessing.ProcessedImage, int, error) {
	sample, err := s.Sample(index)
	if err != nil {
		return nil, 0, err
	}
	if err := s.checkLabel(index); err != nil {
		return nil, 0, err
	}

	path, err := s.Resolve(index)
	if err != nil {
		return nil, 0, err
	}

	img, err := t.Transform(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, &MissingResourceError{Source: s.name, Identifier: sample.Identifier, Path: path}
		}
		return nil, 0, errors.Wrapf(err, "failed to load sample %q from %s", sample.Identifier, s.name)
	}

	return img, sample.Label, nil
}

// Labels returns a copy of the label sequence
func (s *SampleIndex) Labels() []int {
	labels := make([]int, len(s.samples))
	for i, sample := range s.samples {
		labels[i] = sample.Label
	}
	return labels
}

// ClassCounts returns the number of samples per class. Labels outside {0, 1} are not counted.
func (s *SampleIndex) ClassCounts() [NumClasses]int {
	var counts [NumClasses]int
	for _, sample := range s.samples {
		if sample.Label == 0 || sample.Label == 1 {
			counts[sample.Label]++
		}
	}
	return counts
}

// ValidateLabels returns the first malformed label, if any
func (s *SampleIndex) ValidateLabels() error {
	for i := range s.samples {
		if err := s.checkLabel(i); err != nil {
			return err
		}
	}
	return nil
}

// VerifyAll checks that every sample's image exists
func (s *SampleIndex) VerifyAll() error {
	for i := range s.samples {
		if _, err := s.Resolve(i); err != nil {
			return err
		}
	}
	return nil
}

// Subset creates an index over the samples at the given positions, in that order
func (s *SampleIndex) Subset(indices []int) (*SampleIndex, error) {
	subset := &SampleIndex{
		name:    s.name,
		fs:      s.fs,
		baseDir: s.baseDir,
		samples: make([]LabeledSample, len(indices)),
		rows:    make([]int, len(indices)),
	}

	for i, idx := range indices {
		if idx < 0 || idx >= len(s.samples) {
			return nil, errors.Errorf("subset index %d out of range [0, %d)", idx, len(s.samples))
		}
		subset.samples[i] = s.samples[idx]
		subset.rows[i] = s.rows[idx]
	}

	return subset, nil
}

// String returns a one-line summary with the class distribution
func (s *SampleIndex) String() string {
	counts := s.ClassCounts()
	return fmt.Sprintf("%s: %d samples (0: %d, 1: %d)", s.name, len(s.samples), counts[0], counts[1])
}

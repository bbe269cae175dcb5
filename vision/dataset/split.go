package dataset

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

// Split shuffles s with a fixed seed and holds out ceil(fraction*n) samples for validation.
// Both partitions keep the corpus name and base directory. A fraction of 0 returns s unchanged
// as the training partition and an empty validation partition.
func Split(s *SampleIndex, fraction float64, seed int64) (train, validation *SampleIndex, err error) {
	if fraction < 0 || fraction >= 1 || math.IsNaN(fraction) {
		return nil, nil, errors.Errorf("validation fraction must be in [0, 1), got %f", fraction)
	}

	n := s.Len()
	valSize := int(math.Ceil(fraction * float64(n)))
	perm := rand.New(rand.NewSource(seed)).Perm(n)

	validation, err = s.Subset(perm[:valSize])
	if err != nil {
		return nil, nil, err
	}
	train, err = s.Subset(perm[valSize:])
	if err != nil {
		return nil, nil, err
	}
	return train, validation, nil
}

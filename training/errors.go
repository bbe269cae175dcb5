package training

import "fmt"

// DegenerateClassError is raised during pre-flight when a class has no samples in the
// corpus its weight is counted from
type DegenerateClassError struct {
	Class  int
	Source string
}

func (e *DegenerateClassError) Error() string {
	return fmt.Sprintf("class %d has zero samples in %s: cannot compute inverse-frequency weight", e.Class, e.Source)
}

// NonFiniteLossError aborts training when a batch loss is NaN or infinite
type NonFiniteLossError struct {
	Epoch int
	Batch int
	Phase Phase
	Loss  float64
}

func (e *NonFiniteLossError) Error() string {
	return fmt.Sprintf("non-finite %s loss %v at epoch %d, batch %d", e.Phase, e.Loss, e.Epoch+1, e.Batch)
}

// DataIntegrityError wraps a dataset error that aborted an epoch
type DataIntegrityError struct {
	Epoch int
	Phase Phase
	Err   error
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("data integrity failure during %s epoch %d: %v", e.Phase, e.Epoch+1, e.Err)
}

func (e *DataIntegrityError) Unwrap() error {
	return e.Err
}

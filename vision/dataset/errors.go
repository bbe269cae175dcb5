package dataset

import "fmt"

// MissingResourceError reports a sample whose image file does not exist
type MissingResourceError struct {
	Source     string
	Identifier string
	Path       string
}

func (e *MissingResourceError) Error() string {
	return fmt.Sprintf("missing image for sample %q in %s: %s", e.Identifier, e.Source, e.Path)
}

// MalformedLabelError reports a label that is not 0 or 1. Row is the 1-based data row of the
// label table, or 0 when the sample was not loaded from a table.
type MalformedLabelError struct {
	Source     string
	Row        int
	Identifier string
	Value      string
}

func (e *MalformedLabelError) Error() string {
	if e.Row > 0 {
		return fmt.Sprintf("malformed label %q for sample %q in %s (row %d): want 0 or 1",
			e.Value, e.Identifier, e.Source, e.Row)
	}
	return fmt.Sprintf("malformed label %q for sample %q in %s: want 0 or 1", e.Value, e.Identifier, e.Source)
}

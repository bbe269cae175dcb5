package training

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sbwhitecap/tqdm"
	"github.com/sbwhitecap/tqdm/iterators"
)

// FormatElapsed formats a duration as HH:MM:SS
func FormatElapsed(d time.Duration) string {
	total := int(d.Round(time.Second).Seconds())
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
}

// FormatLearningRate prints a rate in shortest round-trip form, always with a decimal point
// or exponent: 0.001, 1e-05, 1.0
func FormatLearningRate(lr float64) string {
	s := strconv.FormatFloat(lr, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eEnN") {
		s += ".0"
	}
	return s
}

// FormatTrainingSummary renders the one-line summary of a training epoch. The time shown is
// sinceStart, the wall time since the run began, not the epoch's own duration.
func FormatTrainingSummary(m EpochMetrics, epochs int, sinceStart time.Duration) string {
	return fmt.Sprintf("Epoch: %d/%d - Loss: %.4f - Time: %s - Acc.: %.2f%% (0: %.2f%%, 1: %.2f%%) - LR: %s",
		m.Epoch+1, epochs,
		m.MeanLoss,
		FormatElapsed(sinceStart),
		m.Accuracy, m.ClassAccuracy[0], m.ClassAccuracy[1],
		FormatLearningRate(m.LearningRate),
	)
}

// FormatValidationSummary renders the one-line summary of a validation pass
func FormatValidationSummary(m EpochMetrics) string {
	return fmt.Sprintf("Validation Accuracy: %.2f%% (0: %.2f%%, 1: %.2f%%)",
		m.Accuracy, m.ClassAccuracy[0], m.ClassAccuracy[1])
}

// runBatches calls body for 0..total-1 and stops at the first error. With show set the loop
// renders a progress bar on stderr.
func runBatches(total int, description string, show bool, body func(i int) error) error {
	if !show {
		for i := 0; i < total; i++ {
			if err := body(i); err != nil {
				return err
			}
		}
		return nil
	}

	var bodyErr error
	err := tqdm.With(iterators.Interval(0, total), description, func(v interface{}) (brk bool) {
		if bodyErr = body(v.(int)); bodyErr != nil {
			return true
		}
		return false
	})
	if bodyErr != nil {
		return bodyErr
	}
	return err
}

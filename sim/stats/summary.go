// Package stats summarizes the values a worker produced for one model.
package stats

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Summary aggregates a sample. StdDev is the population standard deviation.
type Summary struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// Summarize computes the summary of values.
// Safe for nil or empty input (returns the zero Summary).
func Summarize(values []float64) Summary {
	if len(values) == 0 {
		return Summary{}
	}
	mean, std := stat.PopMeanStdDev(values, nil)
	return Summary{
		Count:  len(values),
		Mean:   mean,
		StdDev: std,
		Min:    floats.Min(values),
		Max:    floats.Max(values),
	}
}

// Empty reports whether no values were summarized.
func (s Summary) Empty() bool { return s.Count == 0 }

// String renders the operator-facing report.
func (s Summary) String() string {
	if s.Empty() {
		return "  no scenarios processed for this model\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "  count:   %d\n", s.Count)
	fmt.Fprintf(&b, "  mean:    %.6f\n", s.Mean)
	fmt.Fprintf(&b, "  std_dev: %.6f\n", s.StdDev)
	fmt.Fprintf(&b, "  min:     %.6f\n", s.Min)
	fmt.Fprintf(&b, "  max:     %.6f\n", s.Max)
	return b.String()
}

// Report renders the summary under a header naming the worker and model.
func Report(workerID, modelID string, s Summary) string {
	return fmt.Sprintf("results for worker %s, model %s\n%s", workerID, modelID, s)
}

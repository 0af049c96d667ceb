// Package testutil provides shared test infrastructure for the distmc packages:
// golden-file comparison, tolerant float assertions and a fixed clock.
package testutil

import (
	"math"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
)

// Golden returns a goldie instance reading fixtures from the calling package's
// testdata/ directory. Regenerate with: go test ./... -update
func Golden(t *testing.T) *goldie.Goldie {
	t.Helper()
	return goldie.New(t,
		goldie.WithFixtureDir("testdata"),
		goldie.WithNameSuffix(".golden"),
	)
}

// AssertFloat64Equal compares two float64 values with relative tolerance.
func AssertFloat64Equal(t *testing.T, name string, want, got, relTol float64) {
	t.Helper()
	if want == 0 && got == 0 {
		return
	}
	diff := math.Abs(want - got)
	maxVal := math.Max(math.Abs(want), math.Abs(got))
	if diff/maxVal > relTol {
		t.Errorf("%s: got %v, want %v (diff=%v, relDiff=%v)", name, got, want, diff, diff/maxVal)
	}
}

// Epoch is the instant returned by FixedClock.
var Epoch = time.Date(2024, time.January, 2, 3, 4, 5, 0, time.UTC)

// FixedClock always returns Epoch.
func FixedClock() time.Time { return Epoch }

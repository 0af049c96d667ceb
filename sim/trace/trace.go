// Package trace records worker decisions for post-run analysis.
// It stores plain data and has no dependency on the worker package.
package trace

import (
	"sync"
	"time"
)

// Level controls the verbosity of decision tracing.
type Level string

const (
	// LevelNone disables tracing.
	LevelNone Level = "none"
	// LevelDecisions captures every delivery decision.
	LevelDecisions Level = "decisions"
)

var validLevels = map[Level]bool{
	LevelNone:      true,
	LevelDecisions: true,
	"":             true, // empty defaults to none
}

// IsValidLevel returns true if level is a recognized trace level.
func IsValidLevel(level string) bool {
	return validLevels[Level(level)]
}

// Record captures one delivery decision made by a worker.
type Record struct {
	At          time.Time
	WorkerID    string
	Source      string
	Phase       string
	Kind        string
	ModelID     string
	ScenarioID  int
	Outcome     string
	Disposition string
}

// Trace collects decision records. A nil *Trace is valid and records nothing,
// so callers never need to guard. Safe for concurrent use by several workers.
type Trace struct {
	level Level

	mu      sync.Mutex
	records []Record
}

// New creates a Trace at the given level.
func New(level Level) *Trace {
	return &Trace{level: level, records: make([]Record, 0)}
}

// Enabled reports whether Add keeps records.
func (t *Trace) Enabled() bool {
	return t != nil && t.level == LevelDecisions
}

// Add appends r when tracing is enabled.
func (t *Trace) Add(r Record) {
	if !t.Enabled() {
		return
	}
	t.mu.Lock()
	t.records = append(t.records, r)
	t.mu.Unlock()
}

// Records returns a copy of the records in arrival order.
func (t *Trace) Records() []Record {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Record(nil), t.records...)
}

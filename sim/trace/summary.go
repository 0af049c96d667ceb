package trace

import (
	"fmt"
	"sort"
	"strings"
)

// Summary aggregates a Trace.
type Summary struct {
	Total         int
	Requeued      int
	ByOutcome     map[string]int
	ByDisposition map[string]int
	ByWorker      map[string]int // worker id → decisions made
}

// Summarize computes aggregate counts. Safe for nil or empty traces.
func Summarize(t *Trace) *Summary {
	s := &Summary{
		ByOutcome:     make(map[string]int),
		ByDisposition: make(map[string]int),
		ByWorker:      make(map[string]int),
	}
	for _, r := range t.Records() {
		s.Total++
		s.ByOutcome[r.Outcome]++
		s.ByDisposition[r.Disposition]++
		s.ByWorker[r.WorkerID]++
	}
	s.Requeued = s.ByDisposition["requeue"]
	return s
}

// String renders the summary with keys sorted for stable output.
func (s *Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "decisions: %d (requeued %d)\n", s.Total, s.Requeued)
	writeCounts(&b, "outcome", s.ByOutcome)
	writeCounts(&b, "worker", s.ByWorker)
	return b.String()
}

func writeCounts(b *strings.Builder, label string, counts map[string]int) {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "  %s %-24s %d\n", label, k, counts[k])
	}
}

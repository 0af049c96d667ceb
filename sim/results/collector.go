// Package results consumes the results queue and keeps per-model, per-worker
// tallies, optionally persisting every record to SQLite.
package results

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/distmc/distmc/sim"
	"github.com/distmc/distmc/sim/broker"
	"github.com/distmc/distmc/sim/stats"
)

// ModelTally is what has been collected for one model.
type ModelTally struct {
	ModelID string
	// Results counts distinct scenario results received, per worker.
	Results map[string]int
	// Summaries holds the latest summary reported by each worker.
	Summaries map[string]stats.Summary
	// Overall summarizes every received value.
	Overall stats.Summary
}

type modelState struct {
	seen      map[int]struct{} // scenario ids already counted
	results   map[string]int
	summaries map[string]stats.Summary
	values    []float64
	order     int
}

// Collector aggregates result and summary records.
type Collector struct {
	store *Store
	log   logrus.FieldLogger

	mu     sync.Mutex
	models map[string]*modelState
	total  int
}

// Option customizes a Collector.
type Option func(*Collector)

// WithStore persists every record to s.
func WithStore(s *Store) Option {
	return func(c *Collector) { c.store = s }
}

// WithLogger replaces the standard logrus logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Collector) { c.log = l }
}

// NewCollector creates an empty collector.
func NewCollector(opts ...Option) *Collector {
	c := &Collector{log: logrus.StandardLogger(), models: make(map[string]*modelState)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handle records one message body. Bodies that are not result or summary
// records return an error wrapping sim.ErrMalformedMessage.
func (c *Collector) Handle(ctx context.Context, body []byte) error {
	msg, err := sim.Decode(body)
	if err != nil {
		return err
	}
	switch msg.Kind {
	case sim.KindResult:
		c.addResult(*msg.Result)
		if c.store != nil {
			return c.store.SaveResult(ctx, *msg.Result)
		}
	case sim.KindSummary:
		c.addSummary(*msg.Summary)
		if c.store != nil {
			return c.store.SaveSummary(ctx, *msg.Summary)
		}
	default:
		return fmt.Errorf("%w: %s message on results channel", sim.ErrMalformedMessage, msg.Kind)
	}
	return nil
}

func (c *Collector) state(modelID string) *modelState {
	st, ok := c.models[modelID]
	if !ok {
		st = &modelState{
			seen:      make(map[int]struct{}),
			results:   make(map[string]int),
			summaries: make(map[string]stats.Summary),
			order:     len(c.models),
		}
		c.models[modelID] = st
	}
	return st
}

// addResult counts rec unless its scenario was already counted for the
// model, matching the store's duplicate handling.
func (c *Collector) addResult(rec sim.ResultRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.state(rec.ModelID)
	if _, dup := st.seen[rec.ScenarioID]; dup {
		c.log.WithFields(logrus.Fields{
			"model_id":    rec.ModelID,
			"scenario_id": rec.ScenarioID,
			"worker_id":   rec.WorkerID,
		}).Debug("ignoring duplicate result")
		return
	}
	st.seen[rec.ScenarioID] = struct{}{}
	st.results[rec.WorkerID]++
	st.values = append(st.values, rec.Value)
	c.total++
	if c.total%100 == 0 {
		c.log.WithField("model_id", rec.ModelID).Infof("collected %d results", c.total)
	}
}

func (c *Collector) addSummary(rec sim.SummaryRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state(rec.ModelID).summaries[rec.WorkerID] = rec.Summary
	c.log.WithFields(logrus.Fields{
		"model_id":  rec.ModelID,
		"worker_id": rec.WorkerID,
		"count":     rec.Summary.Count,
	}).Info("worker summary received")
}

// Total returns the number of distinct results received.
func (c *Collector) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Models returns a snapshot of every model seen, in order of first arrival.
func (c *Collector) Models() []ModelTally {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ModelTally, 0, len(c.models))
	for id, st := range c.models {
		t := ModelTally{
			ModelID:   id,
			Results:   make(map[string]int, len(st.results)),
			Summaries: make(map[string]stats.Summary, len(st.summaries)),
			Overall:   stats.Summarize(st.values),
		}
		for w, n := range st.results {
			t.Results[w] = n
		}
		for w, s := range st.summaries {
			t.Summaries[w] = s
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		return c.models[out[i].ModelID].order < c.models[out[j].ModelID].order
	})
	return out
}

// Report renders every model's tally.
func (c *Collector) Report() string {
	var b strings.Builder
	for _, t := range c.Models() {
		fmt.Fprintf(&b, "model %s\n", t.ModelID)
		workers := make([]string, 0, len(t.Results))
		for w := range t.Results {
			workers = append(workers, w)
		}
		for w := range t.Summaries {
			if _, ok := t.Results[w]; !ok {
				workers = append(workers, w)
			}
		}
		sort.Strings(workers)
		for _, w := range workers {
			status := "running"
			if _, ok := t.Summaries[w]; ok {
				status = "finalized"
			}
			fmt.Fprintf(&b, "  %-20s %8d results  %s\n", w, t.Results[w], status)
		}
		b.WriteString("overall\n")
		b.WriteString(t.Overall.String())
	}
	return b.String()
}

// Run consumes queue on conn until ctx is cancelled. Every delivery is
// acked except malformed ones, which are rejected; storage failures are
// logged and the delivery is still acked. A delivery channel that
// closes without a cancel returns an error wrapping broker.ErrTransport.
func (c *Collector) Run(ctx context.Context, conn broker.Broker, queue string, prefetch int) error {
	sub, err := conn.Consume(ctx, queue, prefetch)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	c.log.WithField("queue", queue).Info("collecting results")
	for {
		select {
		case <-ctx.Done():
			_ = sub.Cancel()
			return nil
		case d, ok := <-sub.Deliveries():
			if !ok {
				return fmt.Errorf("%w: results subscription closed", broker.ErrTransport)
			}
			if err := c.Handle(ctx, d.Body); err != nil {
				if errors.Is(err, sim.ErrMalformedMessage) {
					c.log.WithError(err).Warn("discarding result message")
					if err := d.Reject(false); err != nil {
						c.log.WithError(err).Warn("could not reject delivery")
					}
					continue
				}
				c.log.WithError(err).Error("result not persisted")
			}
			if err := d.Ack(); err != nil {
				c.log.WithError(err).Warn("could not ack delivery")
			}
		}
	}
}

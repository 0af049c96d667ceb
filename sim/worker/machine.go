// Package worker implements the worker side of the protocol: a pure state
// machine deciding what to do with each delivery, and a Runner binding it to
// a broker connection.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/distmc/distmc/sim"
	"github.com/distmc/distmc/sim/expr"
	"github.com/distmc/distmc/sim/stats"
	"github.com/distmc/distmc/sim/trace"
)

// Phase is the worker's execution phase.
type Phase int

const (
	// Discovering listens on the model channel for a model to adopt.
	Discovering Phase = iota
	// Processing consumes scenarios of the current model.
	Processing
)

func (p Phase) String() string {
	switch p {
	case Discovering:
		return "discovering"
	case Processing:
		return "processing"
	}
	return "unknown"
}

// Source identifies the channel a delivery arrived on.
type Source int

const (
	ModelChannel Source = iota
	ScenarioChannel
)

func (s Source) String() string {
	if s == ModelChannel {
		return "model"
	}
	return "scenarios"
}

// Disposition tells the caller how to settle a delivery.
type Disposition int

const (
	Ack Disposition = iota
	// Reject drops the message without requeueing it.
	Reject
	// Requeue returns the message to its queue for another consumer.
	Requeue
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Reject:
		return "reject"
	case Requeue:
		return "requeue"
	}
	return "unknown"
}

// Outcome records what Handle did with a delivery.
type Outcome int

const (
	Adopted Outcome = iota
	SkippedFinalized
	RejectedMalformed
	Deferred
	Evaluated
	EvaluationFailed
	StaleScenario
	Finalized
	StaleFinalization
	DuplicateFinalization
	DiscardedMalformed
)

var outcomeNames = [...]string{
	Adopted:               "adopted",
	SkippedFinalized:      "skipped_finalized",
	RejectedMalformed:     "rejected_malformed",
	Deferred:              "deferred",
	Evaluated:             "evaluated",
	EvaluationFailed:      "evaluation_failed",
	StaleScenario:         "stale_scenario",
	Finalized:             "finalized",
	StaleFinalization:     "stale_finalization",
	DuplicateFinalization: "duplicate_finalization",
	DiscardedMalformed:    "discarded_malformed",
}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return "unknown"
}

// Decision is the result of handling one delivery.
type Decision struct {
	Disposition  Disposition
	Outcome      Outcome
	Transitioned bool
}

// Effects are the side effects the machine requests. Implementations must
// not call back into the Machine.
type Effects interface {
	// PublishResult emits one evaluated scenario. Failures are logged by the
	// machine and not retried.
	PublishResult(ctx context.Context, r sim.ResultRecord) error
	// ReportSummary emits the local summary when a model is finalized.
	ReportSummary(ctx context.Context, s sim.SummaryRecord)
}

// finalizedMemory bounds the set of model ids remembered as finalized.
const finalizedMemory = 32

type options struct {
	log           logrus.FieldLogger
	now           func() time.Time
	progressEvery int
	trace         *trace.Trace
}

// Option customizes a Machine or Runner.
type Option func(*options)

// WithLogger replaces the standard logrus logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) { o.log = l }
}

// WithClock replaces time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithProgressEvery logs progress after every n results; 0 disables it.
func WithProgressEvery(n int) Option {
	return func(o *options) { o.progressEvery = n }
}

// WithTrace records every decision into t. Several machines may share one trace.
func WithTrace(t *trace.Trace) Option {
	return func(o *options) { o.trace = t }
}

func buildOptions(opts []Option) options {
	o := options{log: logrus.StandardLogger(), now: time.Now, progressEvery: 100}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Machine is the worker state machine. It never touches the broker: the
// caller feeds it deliveries and settles them according to the Decision.
// Safe for concurrent use; Handle calls are serialized.
type Machine struct {
	workerID string
	effects  Effects
	opts     options
	log      logrus.FieldLogger

	mu        sync.Mutex
	phase     Phase
	current   *sim.Model
	program   *expr.Program
	results   []float64
	finalized map[string]struct{}
	order     []string
}

// NewMachine creates a machine in the Discovering phase.
func NewMachine(workerID string, effects Effects, opts ...Option) *Machine {
	o := buildOptions(opts)
	return &Machine{
		workerID:  workerID,
		effects:   effects,
		opts:      o,
		log:       o.log.WithField("worker_id", workerID),
		finalized: make(map[string]struct{}),
	}
}

// WorkerID returns the identifier stamped on emitted records.
func (m *Machine) WorkerID() string { return m.workerID }

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Current returns the adopted model, or nil while none has been adopted.
func (m *Machine) Current() *sim.Model {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Results returns a copy of the values accumulated for the most recently
// adopted model. They survive finalization and are cleared on the next adoption.
func (m *Machine) Results() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float64(nil), m.results...)
}

// Handle processes one delivery body received on src.
func (m *Machine) Handle(ctx context.Context, src Source, body []byte) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	phase := m.phase
	msg, err := sim.Decode(body)
	var d Decision
	if src == ModelChannel {
		d = m.onModelChannel(msg, err)
	} else {
		d = m.onScenarioChannel(ctx, msg, err)
	}
	if m.opts.trace.Enabled() {
		m.opts.trace.Add(m.traceRecord(src, phase, msg, err, d))
	}
	return d
}

func (m *Machine) traceRecord(src Source, phase Phase, msg sim.Message, decodeErr error, d Decision) trace.Record {
	r := trace.Record{
		At:          m.opts.now(),
		WorkerID:    m.workerID,
		Source:      src.String(),
		Phase:       phase.String(),
		Outcome:     d.Outcome.String(),
		Disposition: d.Disposition.String(),
	}
	if decodeErr != nil {
		return r
	}
	r.Kind = string(msg.Kind)
	r.ModelID = msg.ModelID()
	if msg.Kind == sim.KindScenario {
		r.ScenarioID = msg.Scenario.ScenarioID
	}
	return r
}

func (m *Machine) onModelChannel(msg sim.Message, decodeErr error) Decision {
	if m.phase == Processing {
		// Prefetched before the transition; leave it for someone else.
		return Decision{Disposition: Requeue, Outcome: Deferred}
	}
	if decodeErr != nil {
		m.log.WithError(decodeErr).Warn("rejecting malformed model message")
		return Decision{Disposition: Reject, Outcome: RejectedMalformed}
	}
	if msg.Kind != sim.KindModel {
		m.log.WithField("kind", msg.Kind).Warn("rejecting unexpected message on model channel")
		return Decision{Disposition: Reject, Outcome: RejectedMalformed}
	}
	model := msg.Model
	if _, done := m.finalized[model.ModelID]; done {
		m.log.WithField("model_id", model.ModelID).Debug("ignoring model already finalized")
		return Decision{Disposition: Ack, Outcome: SkippedFinalized}
	}
	if err := model.Spec().Validate(); err != nil {
		m.log.WithError(err).WithField("model_id", model.ModelID).Warn("rejecting invalid model")
		return Decision{Disposition: Reject, Outcome: RejectedMalformed}
	}

	m.current = model
	m.program = expr.MustCompile(model.Expression)
	m.results = nil
	m.phase = Processing
	m.log.WithFields(logrus.Fields{
		"model_id":   model.ModelID,
		"expression": model.Expression,
		"scenarios":  model.TotalScenarios,
	}).Info("model adopted")
	return Decision{Disposition: Ack, Outcome: Adopted, Transitioned: true}
}

func (m *Machine) onScenarioChannel(ctx context.Context, msg sim.Message, decodeErr error) Decision {
	if decodeErr != nil {
		m.log.WithError(decodeErr).Warn("discarding malformed message")
		return Decision{Disposition: Ack, Outcome: DiscardedMalformed}
	}
	if m.phase == Discovering {
		switch msg.Kind {
		case sim.KindScenario:
			return Decision{Disposition: Requeue, Outcome: Deferred}
		case sim.KindFinalization:
			// Another copy drained after our own finalization; workers still
			// processing need it.
			return Decision{Disposition: Requeue, Outcome: DuplicateFinalization}
		}
		return Decision{Disposition: Ack, Outcome: DiscardedMalformed}
	}

	switch msg.Kind {
	case sim.KindScenario:
		return m.evaluate(ctx, msg.Scenario)
	case sim.KindFinalization:
		if msg.Finalization.ModelID != m.current.ModelID {
			m.log.WithField("model_id", msg.Finalization.ModelID).Debug("discarding stale finalization")
			return Decision{Disposition: Ack, Outcome: StaleFinalization}
		}
		m.finalize(ctx)
		return Decision{Disposition: Ack, Outcome: Finalized, Transitioned: true}
	}
	m.log.WithField("kind", msg.Kind).Warn("discarding unexpected message on scenario channel")
	return Decision{Disposition: Ack, Outcome: DiscardedMalformed}
}

func (m *Machine) evaluate(ctx context.Context, sc *sim.Scenario) Decision {
	log := m.log.WithFields(logrus.Fields{"model_id": sc.ModelID, "scenario_id": sc.ScenarioID})
	if sc.ModelID != m.current.ModelID {
		log.Debug("discarding stale scenario")
		return Decision{Disposition: Ack, Outcome: StaleScenario}
	}
	value, err := m.program.Eval(sc.Variables)
	if err != nil {
		log.WithError(err).Warn("scenario evaluation failed")
		return Decision{Disposition: Ack, Outcome: EvaluationFailed}
	}
	m.results = append(m.results, value)

	rec := sim.ResultRecord{
		ModelID:    sc.ModelID,
		WorkerID:   m.workerID,
		ScenarioID: sc.ScenarioID,
		Value:      value,
		ProducedAt: m.opts.now(),
	}
	if err := m.effects.PublishResult(ctx, rec); err != nil {
		log.WithError(err).Warn("result not published")
	}
	if n := len(m.results); m.opts.progressEvery > 0 && n%m.opts.progressEvery == 0 {
		m.log.WithField("model_id", sc.ModelID).Infof("processed %d scenarios", n)
	}
	return Decision{Disposition: Ack, Outcome: Evaluated}
}

// finalize reports the summary, remembers the model and returns to Discovering.
// Results are kept until the next adoption.
func (m *Machine) finalize(ctx context.Context) {
	id := m.current.ModelID
	summary := stats.Summarize(m.results)
	m.effects.ReportSummary(ctx, sim.SummaryRecord{
		ModelID:    id,
		WorkerID:   m.workerID,
		Summary:    summary,
		ProducedAt: m.opts.now(),
	})
	m.log.WithFields(logrus.Fields{"model_id": id, "count": summary.Count}).Info("model finalized")

	m.remember(id)
	m.current = nil
	m.program = nil
	m.phase = Discovering
}

func (m *Machine) remember(id string) {
	m.finalized[id] = struct{}{}
	m.order = append(m.order, id)
	if len(m.order) > finalizedMemory {
		delete(m.finalized, m.order[0])
		m.order = m.order[1:]
	}
}

package worker

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distmc/distmc/sim"
	"github.com/distmc/distmc/sim/internal/testutil"
	"github.com/distmc/distmc/sim/trace"
)

// recorder captures effects emitted by a Machine.
type recorder struct {
	mu         sync.Mutex
	results    []sim.ResultRecord
	summaries  []sim.SummaryRecord
	publishErr error
}

func (r *recorder) PublishResult(_ context.Context, rec sim.ResultRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, rec)
	return r.publishErr
}

func (r *recorder) ReportSummary(_ context.Context, rec sim.SummaryRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summaries = append(r.summaries, rec)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestMachine(t *testing.T) (*Machine, *recorder) {
	t.Helper()
	rec := &recorder{}
	m := NewMachine("worker-test", rec, WithLogger(quietLogger()), WithClock(testutil.FixedClock))
	return m, rec
}

func encode(t *testing.T, v any) []byte {
	t.Helper()
	b, err := sim.Encode(v)
	require.NoError(t, err)
	return b
}

func model(id, expression string, vars ...string) *sim.Model {
	spec := map[string]sim.VariableSpec{}
	for _, name := range vars {
		spec[name] = sim.VariableSpec{Distribution: "uniform", Params: []float64{0, 1}}
	}
	return &sim.Model{ModelID: id, Expression: expression, Variables: spec, TotalScenarios: 10, CreatedAt: testutil.Epoch}
}

func scenario(modelID string, id int, vars map[string]float64) *sim.Scenario {
	return &sim.Scenario{ScenarioID: id, ModelID: modelID, Variables: vars, CreatedAt: testutil.Epoch}
}

func finalization(modelID string) *sim.FinalizationSignal {
	return &sim.FinalizationSignal{ModelID: modelID, TotalScenarios: 10, CreatedAt: testutil.Epoch}
}

func TestMachine_AdoptsModel(t *testing.T) {
	// GIVEN a discovering machine
	m, _ := newTestMachine(t)
	ctx := context.Background()
	require.Equal(t, Discovering, m.Phase())
	require.Nil(t, m.Current())

	// WHEN a well-formed model arrives
	dec := m.Handle(ctx, ModelChannel, encode(t, model("m1", "x * 2", "x")))

	// THEN it is adopted and the machine switches to processing
	assert.Equal(t, Decision{Disposition: Ack, Outcome: Adopted, Transitioned: true}, dec)
	assert.Equal(t, Processing, m.Phase())
	assert.Equal(t, "m1", m.Current().ModelID)
	assert.Empty(t, m.Results())
}

func TestMachine_RejectsBadModelMessages(t *testing.T) {
	tests := []struct {
		name string
		body []byte
	}{
		{"not json", []byte("{nope")},
		{"scenario on model channel", encode(t, scenario("m1", 0, map[string]float64{"x": 1}))},
		{"undeclared variable", encode(t, model("m1", "x + y", "x"))},
		{"bad expression", encode(t, model("m1", "x +* 2", "x"))},
		{"unknown distribution", encode(t, &sim.Model{
			ModelID: "m1", Expression: "x", TotalScenarios: 1,
			Variables: map[string]sim.VariableSpec{"x": {Distribution: "zipf", Params: []float64{1}}},
		})},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, _ := newTestMachine(t)
			dec := m.Handle(context.Background(), ModelChannel, tc.body)
			assert.Equal(t, Reject, dec.Disposition)
			assert.Equal(t, RejectedMalformed, dec.Outcome)
			assert.False(t, dec.Transitioned)
			assert.Equal(t, Discovering, m.Phase())
		})
	}
}

func TestMachine_EvaluatesMatchingScenarios(t *testing.T) {
	m, rec := newTestMachine(t)
	ctx := context.Background()
	m.Handle(ctx, ModelChannel, encode(t, model("m1", "x * 2", "x")))

	dec := m.Handle(ctx, ScenarioChannel, encode(t, scenario("m1", 7, map[string]float64{"x": 1.5})))
	assert.Equal(t, Decision{Disposition: Ack, Outcome: Evaluated}, dec)
	assert.Equal(t, []float64{3}, m.Results())

	require.Len(t, rec.results, 1)
	assert.Equal(t, sim.ResultRecord{
		ModelID: "m1", WorkerID: "worker-test", ScenarioID: 7, Value: 3, ProducedAt: testutil.Epoch,
	}, rec.results[0])
}

func TestMachine_StaleScenarioLeavesResultsUnchanged(t *testing.T) {
	// GIVEN a machine processing m1 with one result
	m, rec := newTestMachine(t)
	ctx := context.Background()
	m.Handle(ctx, ModelChannel, encode(t, model("m1", "x", "x")))
	m.Handle(ctx, ScenarioChannel, encode(t, scenario("m1", 0, map[string]float64{"x": 1})))

	// WHEN a scenario of another model arrives
	dec := m.Handle(ctx, ScenarioChannel, encode(t, scenario("m0", 0, map[string]float64{"x": 99})))

	// THEN it is acked and discarded
	assert.Equal(t, Decision{Disposition: Ack, Outcome: StaleScenario}, dec)
	assert.Equal(t, []float64{1}, m.Results())
	assert.Len(t, rec.results, 1)
	assert.Equal(t, Processing, m.Phase())
}

func TestMachine_EvaluationFailureIsAcked(t *testing.T) {
	m, rec := newTestMachine(t)
	ctx := context.Background()
	m.Handle(ctx, ModelChannel, encode(t, model("m1", "1 / x", "x")))

	dec := m.Handle(ctx, ScenarioChannel, encode(t, scenario("m1", 0, map[string]float64{"x": 0})))
	assert.Equal(t, Decision{Disposition: Ack, Outcome: EvaluationFailed}, dec)

	// A scenario missing the variable also fails evaluation.
	dec = m.Handle(ctx, ScenarioChannel, encode(t, scenario("m1", 1, map[string]float64{"y": 1})))
	assert.Equal(t, EvaluationFailed, dec.Outcome)

	assert.Empty(t, m.Results())
	assert.Empty(t, rec.results)
}

func TestMachine_PublishFailureKeepsResult(t *testing.T) {
	m, rec := newTestMachine(t)
	rec.publishErr = errors.New("broker down")
	ctx := context.Background()
	m.Handle(ctx, ModelChannel, encode(t, model("m1", "x", "x")))

	dec := m.Handle(ctx, ScenarioChannel, encode(t, scenario("m1", 0, map[string]float64{"x": 4})))
	assert.Equal(t, Ack, dec.Disposition)
	assert.Equal(t, []float64{4}, m.Results())
}

func TestMachine_FinalizationEmitsSummary(t *testing.T) {
	// GIVEN a machine with three results for m1
	m, rec := newTestMachine(t)
	ctx := context.Background()
	m.Handle(ctx, ModelChannel, encode(t, model("m1", "x", "x")))
	for i, x := range []float64{1, 2, 3} {
		m.Handle(ctx, ScenarioChannel, encode(t, scenario("m1", i, map[string]float64{"x": x})))
	}

	// WHEN its finalization arrives
	dec := m.Handle(ctx, ScenarioChannel, encode(t, finalization("m1")))

	// THEN a summary is emitted and the machine returns to discovering
	assert.Equal(t, Decision{Disposition: Ack, Outcome: Finalized, Transitioned: true}, dec)
	assert.Equal(t, Discovering, m.Phase())
	assert.Nil(t, m.Current())
	require.Len(t, rec.summaries, 1)
	s := rec.summaries[0]
	assert.Equal(t, "m1", s.ModelID)
	assert.Equal(t, "worker-test", s.WorkerID)
	assert.Equal(t, 3, s.Summary.Count)
	assert.InDelta(t, 2.0, s.Summary.Mean, 1e-12)
	assert.Equal(t, 1.0, s.Summary.Min)
	assert.Equal(t, 3.0, s.Summary.Max)
}

func TestMachine_EmptyFinalization(t *testing.T) {
	m, rec := newTestMachine(t)
	ctx := context.Background()
	m.Handle(ctx, ModelChannel, encode(t, model("m1", "x", "x")))
	m.Handle(ctx, ScenarioChannel, encode(t, finalization("m1")))
	require.Len(t, rec.summaries, 1)
	assert.True(t, rec.summaries[0].Summary.Empty())
}

func TestMachine_DoubleFinalizationIsIdempotent(t *testing.T) {
	m, rec := newTestMachine(t)
	ctx := context.Background()
	m.Handle(ctx, ModelChannel, encode(t, model("m1", "x", "x")))
	m.Handle(ctx, ScenarioChannel, encode(t, finalization("m1")))

	// A second copy changes nothing and goes back for workers still processing.
	dec := m.Handle(ctx, ScenarioChannel, encode(t, finalization("m1")))
	assert.Equal(t, Decision{Disposition: Requeue, Outcome: DuplicateFinalization}, dec)
	assert.False(t, dec.Transitioned)
	assert.Len(t, rec.summaries, 1)
	assert.Equal(t, Discovering, m.Phase())
}

func TestMachine_StaleFinalizationIgnored(t *testing.T) {
	m, rec := newTestMachine(t)
	ctx := context.Background()
	m.Handle(ctx, ModelChannel, encode(t, model("m2", "x", "x")))

	dec := m.Handle(ctx, ScenarioChannel, encode(t, finalization("m1")))
	assert.Equal(t, Decision{Disposition: Ack, Outcome: StaleFinalization}, dec)
	assert.Equal(t, Processing, m.Phase())
	assert.Empty(t, rec.summaries)
}

func TestMachine_FinalizedModelNotReadopted(t *testing.T) {
	// GIVEN a machine that finished m1
	m, _ := newTestMachine(t)
	ctx := context.Background()
	m1 := encode(t, model("m1", "x", "x"))
	m.Handle(ctx, ModelChannel, m1)
	m.Handle(ctx, ScenarioChannel, encode(t, finalization("m1")))

	// WHEN m1 is re-announced
	dec := m.Handle(ctx, ModelChannel, m1)

	// THEN it is acked without adopting, and a new model is still adopted
	assert.Equal(t, Decision{Disposition: Ack, Outcome: SkippedFinalized}, dec)
	assert.Equal(t, Discovering, m.Phase())
	assert.Equal(t, Adopted, m.Handle(ctx, ModelChannel, encode(t, model("m2", "x", "x"))).Outcome)
}

func TestMachine_AdoptionResetsResults(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()
	m.Handle(ctx, ModelChannel, encode(t, model("m1", "x", "x")))
	m.Handle(ctx, ScenarioChannel, encode(t, scenario("m1", 0, map[string]float64{"x": 5})))
	m.Handle(ctx, ScenarioChannel, encode(t, finalization("m1")))

	// Finalization alone does not clear the results.
	assert.Equal(t, Discovering, m.Phase())
	assert.Equal(t, []float64{5}, m.Results())

	m.Handle(ctx, ModelChannel, encode(t, model("m2", "x + 1", "x")))
	assert.Empty(t, m.Results())
	m.Handle(ctx, ScenarioChannel, encode(t, scenario("m2", 0, map[string]float64{"x": 1})))
	assert.Equal(t, []float64{2}, m.Results())
}

func TestMachine_DrainedDeliveriesAreRequeued(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()

	// A scenario seen while discovering goes back for another worker.
	dec := m.Handle(ctx, ScenarioChannel, encode(t, scenario("m1", 0, map[string]float64{"x": 1})))
	assert.Equal(t, Decision{Disposition: Requeue, Outcome: Deferred}, dec)

	// So does a model copy seen while processing.
	m.Handle(ctx, ModelChannel, encode(t, model("m1", "x", "x")))
	dec = m.Handle(ctx, ModelChannel, encode(t, model("m1", "x", "x")))
	assert.Equal(t, Decision{Disposition: Requeue, Outcome: Deferred}, dec)
	assert.Equal(t, "m1", m.Current().ModelID)
}

func TestMachine_MalformedScenarioMessageIsAcked(t *testing.T) {
	for _, phase := range []Phase{Discovering, Processing} {
		t.Run(phase.String(), func(t *testing.T) {
			m, _ := newTestMachine(t)
			ctx := context.Background()
			if phase == Processing {
				m.Handle(ctx, ModelChannel, encode(t, model("m1", "x", "x")))
			}
			dec := m.Handle(ctx, ScenarioChannel, []byte(`{"kind":"scenario"}`))
			assert.Equal(t, Decision{Disposition: Ack, Outcome: DiscardedMalformed}, dec)
			assert.Equal(t, phase, m.Phase())
		})
	}
}

func TestMachine_FinalizedMemoryIsBounded(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()
	for i := 0; i <= finalizedMemory; i++ {
		id := string(rune('A'+i%26)) + string(rune('a'+i/26))
		m.Handle(ctx, ModelChannel, encode(t, model(id, "1")))
		m.Handle(ctx, ScenarioChannel, encode(t, finalization(id)))
	}
	assert.Len(t, m.finalized, finalizedMemory)
	assert.Len(t, m.order, finalizedMemory)
	// The oldest id was forgotten and can be adopted again.
	assert.Equal(t, Adopted, m.Handle(ctx, ModelChannel, encode(t, model("Aa", "1"))).Outcome)
}

func TestMachine_TraceRecordsDecisions(t *testing.T) {
	// GIVEN a machine sharing a decision trace
	tr := trace.New(trace.LevelDecisions)
	m := NewMachine("worker-test", &recorder{}, WithLogger(quietLogger()), WithClock(testutil.FixedClock), WithTrace(tr))
	ctx := context.Background()

	// WHEN it adopts a model, evaluates a scenario and sees a malformed body
	m.Handle(ctx, ModelChannel, encode(t, model("m1", "x", "x")))
	m.Handle(ctx, ScenarioChannel, encode(t, scenario("m1", 4, map[string]float64{"x": 1})))
	m.Handle(ctx, ScenarioChannel, []byte("garbage"))

	// THEN each decision is recorded with the phase it was made in
	got := tr.Records()
	require.Len(t, got, 3)
	assert.Equal(t, trace.Record{
		At: testutil.Epoch, WorkerID: "worker-test", Source: "model", Phase: "discovering",
		Kind: "model", ModelID: "m1", Outcome: "adopted", Disposition: "ack",
	}, got[0])
	assert.Equal(t, "processing", got[1].Phase)
	assert.Equal(t, 4, got[1].ScenarioID)
	assert.Equal(t, "evaluated", got[1].Outcome)
	assert.Equal(t, "discarded_malformed", got[2].Outcome)
	assert.Empty(t, got[2].ModelID)
}

func TestStringers(t *testing.T) {
	assert.Equal(t, "discovering", Discovering.String())
	assert.Equal(t, "processing", Processing.String())
	assert.Equal(t, "scenarios", ScenarioChannel.String())
	assert.Equal(t, "requeue", Requeue.String())
	assert.Equal(t, "duplicate_finalization", DuplicateFinalization.String())
	assert.Equal(t, "unknown", Outcome(99).String())
}

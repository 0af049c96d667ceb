package distributor

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distmc/distmc/sim"
	"github.com/distmc/distmc/sim/broker"
	"github.com/distmc/distmc/sim/internal/testutil"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fastConfig keeps the default redundancy but removes every pause.
func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.ModelCopyDelay = 0
	cfg.BatchPause = 0
	cfg.FinalizationDelay = 0
	cfg.ReannounceInterval = 5 * time.Millisecond
	cfg.BatchSize = 7
	return cfg
}

func sumSpec(n int) sim.ModelSpec {
	return sim.ModelSpec{
		Expression: "x + y",
		Variables: map[string]sim.VariableSpec{
			"x": {Distribution: "uniform", Params: []float64{0, 1}},
			"y": {Distribution: "normal", Params: []float64{10, 2}},
		},
		TotalScenarios: n,
	}
}

func newTestDistributor(t *testing.T, pub broker.Publisher, cfg Config, ids ...string) *Distributor {
	t.Helper()
	d, err := New(pub, cfg,
		WithIDGenerator(sim.NewFixedGenerator(ids...)),
		WithClock(testutil.FixedClock),
		WithLogger(quietLogger()))
	require.NoError(t, err)
	return d
}

func decodeAll(t *testing.T, bodies [][]byte) []sim.Message {
	t.Helper()
	out := make([]sim.Message, len(bodies))
	for i, b := range bodies {
		msg, err := sim.Decode(b)
		require.NoError(t, err)
		out[i] = msg
	}
	return out
}

func TestPublish_EmitsProtocolInOrder(t *testing.T) {
	// GIVEN a model with 20 scenarios and batches of 7
	m := broker.NewMemory()
	d := newTestDistributor(t, m.Connect(), fastConfig(), "model-1")

	// WHEN it is published
	model, err := d.Publish(context.Background(), sumSpec(20))
	require.NoError(t, err)

	// THEN the model queue holds exactly ModelCopies identical copies
	assert.Equal(t, "model-1", model.ModelID)
	assert.Equal(t, testutil.Epoch, model.CreatedAt)
	models := decodeAll(t, m.Messages("model"))
	require.Len(t, models, 5)
	for _, msg := range models {
		require.Equal(t, sim.KindModel, msg.Kind)
		assert.Equal(t, "model-1", msg.Model.ModelID)
		assert.Equal(t, "x + y", msg.Model.Expression)
		assert.Equal(t, 20, msg.Model.TotalScenarios)
	}

	// AND the scenario queue holds ids 0..19 in order followed by three finalizations
	msgs := decodeAll(t, m.Messages("scenarios"))
	require.Len(t, msgs, 23)
	for i := 0; i < 20; i++ {
		require.Equal(t, sim.KindScenario, msgs[i].Kind)
		sc := msgs[i].Scenario
		assert.Equal(t, i, sc.ScenarioID)
		assert.Equal(t, "model-1", sc.ModelID)
		assert.Len(t, sc.Variables, 2)
		assert.GreaterOrEqual(t, sc.Variables["x"], 0.0)
		assert.LessOrEqual(t, sc.Variables["x"], 1.0)
	}
	for _, msg := range msgs[20:] {
		require.Equal(t, sim.KindFinalization, msg.Kind)
		assert.Equal(t, "model-1", msg.Finalization.ModelID)
		assert.Equal(t, 20, msg.Finalization.TotalScenarios)
	}
	assert.Equal(t, 20, d.Published())
	assert.Same(t, model, d.Active())
}

func TestPublish_SameSeedSameScenarios(t *testing.T) {
	run := func() []sim.Message {
		m := broker.NewMemory()
		cfg := fastConfig()
		cfg.Seed = 42
		d := newTestDistributor(t, m.Connect(), cfg, "model-1")
		_, err := d.Publish(context.Background(), sumSpec(10))
		require.NoError(t, err)
		return decodeAll(t, m.Messages("scenarios"))[:10]
	}
	a, b := run(), run()
	for i := range a {
		assert.Equal(t, a[i].Scenario.Variables, b[i].Scenario.Variables, "scenario %d", i)
	}
}

func TestPublish_DefaultSeedsDiffer(t *testing.T) {
	// GIVEN two distributors left on their default seeds
	run := func() []sim.Message {
		m := broker.NewMemory()
		d := newTestDistributor(t, m.Connect(), fastConfig(), "model-1")
		_, err := d.Publish(context.Background(), sumSpec(10))
		require.NoError(t, err)
		return decodeAll(t, m.Messages("scenarios"))[:10]
	}

	// WHEN each publishes the same model
	a, b := run(), run()

	// THEN the scenario values are independent draws
	same := 0
	for i := range a {
		if assert.ObjectsAreEqual(a[i].Scenario.Variables, b[i].Scenario.Variables) {
			same++
		}
	}
	assert.Less(t, same, len(a))
	assert.NotEqual(t, DefaultConfig().Seed, DefaultConfig().Seed)
}

func TestPublish_InvalidModelPublishesNothing(t *testing.T) {
	tests := []struct {
		name string
		spec sim.ModelSpec
	}{
		{"zero scenarios", sim.ModelSpec{Expression: "1", TotalScenarios: 0}},
		{"unknown distribution", sim.ModelSpec{
			Expression:     "x",
			Variables:      map[string]sim.VariableSpec{"x": {Distribution: "cauchy", Params: []float64{0, 1}}},
			TotalScenarios: 10,
		}},
		{"undeclared variable", sim.ModelSpec{Expression: "x + z", Variables: sumSpec(1).Variables, TotalScenarios: 10}},
		{"syntax error", sim.ModelSpec{Expression: "x +", Variables: sumSpec(1).Variables, TotalScenarios: 10}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m := broker.NewMemory()
			d := newTestDistributor(t, m.Connect(), fastConfig())
			_, err := d.Publish(context.Background(), tc.spec)
			require.Error(t, err)
			assert.Equal(t, 0, m.Ready("model"))
			assert.Equal(t, 0, m.Ready("scenarios"))
			assert.Nil(t, d.Active())
		})
	}
}

func TestPublish_UnknownDistributionIsTyped(t *testing.T) {
	d := newTestDistributor(t, broker.NewMemory().Connect(), fastConfig())
	_, err := d.Publish(context.Background(), sim.ModelSpec{
		Expression:     "x",
		Variables:      map[string]sim.VariableSpec{"x": {Distribution: "cauchy", Params: []float64{0, 1}}},
		TotalScenarios: 1,
	})
	assert.ErrorContains(t, err, "cauchy")
	assert.ErrorContains(t, err, `variable "x"`)
}

// failingPublisher accepts the first n publishes and fails after that.
type failingPublisher struct {
	mu    sync.Mutex
	n     int
	calls int
}

func (p *failingPublisher) Publish(context.Context, string, []byte, bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls > p.n {
		return errors.New("connection reset")
	}
	return nil
}

func TestPublish_TransportFailureAborts(t *testing.T) {
	// GIVEN a publisher that fails midway through the scenario stream
	pub := &failingPublisher{n: 5 + 3}
	d := newTestDistributor(t, wrapTransport{pub}, fastConfig(), "model-1")

	// WHEN publishing
	_, err := d.Publish(context.Background(), sumSpec(100))

	// THEN the run aborts with a transport error and nothing further is sent
	assert.ErrorIs(t, err, broker.ErrTransport)
	assert.Equal(t, 9, pub.calls)
	assert.Equal(t, 3, d.Published())
}

// wrapTransport tags failures the way real broker implementations do.
type wrapTransport struct{ p broker.Publisher }

func (w wrapTransport) Publish(ctx context.Context, q string, b []byte, persistent bool) error {
	if err := w.p.Publish(ctx, q, b, persistent); err != nil {
		return errors.Join(broker.ErrTransport, err)
	}
	return nil
}

func TestPublish_ClosedConnectionFails(t *testing.T) {
	conn := broker.NewMemory().Connect()
	require.NoError(t, conn.Close())
	d := newTestDistributor(t, conn, fastConfig(), "model-1")
	_, err := d.Publish(context.Background(), sumSpec(3))
	assert.ErrorIs(t, err, broker.ErrTransport)
}

func TestPublish_CancelledContextStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := broker.NewMemory()
	d := newTestDistributor(t, m.Connect(), fastConfig(), "model-1")
	_, err := d.Publish(ctx, sumSpec(3))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, m.Ready("scenarios"))
}

func TestReannounce_RepeatsUntilCancelled(t *testing.T) {
	m := broker.NewMemory()
	d := newTestDistributor(t, m.Connect(), fastConfig(), "model-1")
	model, err := d.Publish(context.Background(), sumSpec(2))
	require.NoError(t, err)
	require.Equal(t, 5, m.Ready("model"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Reannounce(ctx, model) }()

	require.Eventually(t, func() bool { return m.Ready("model") >= 8 }, 2*time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Reannounce did not return after cancel")
	}

	for _, msg := range decodeAll(t, m.Messages("model")) {
		assert.Equal(t, "model-1", msg.Model.ModelID)
	}
}

func TestRun_ReturnsNilOnCancel(t *testing.T) {
	m := broker.NewMemory()
	d := newTestDistributor(t, m.Connect(), fastConfig(), "model-1")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, sumSpec(5)) }()

	require.Eventually(t, func() bool { return m.Ready("scenarios") == 8 }, 2*time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no model copies", func(c *Config) { c.ModelCopies = 0 }},
		{"no finalization copies", func(c *Config) { c.FinalizationCopies = 0 }},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }},
		{"zero interval", func(c *Config) { c.ReannounceInterval = 0 }},
		{"negative delay", func(c *Config) { c.BatchPause = -time.Second }},
		{"missing queue", func(c *Config) { c.Queues.Scenarios = "" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
			_, err := New(broker.NewMemory().Connect(), cfg)
			assert.Error(t, err)
		})
	}
}

func TestPause_HonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	assert.ErrorIs(t, pause(ctx, time.Hour), context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
	assert.NoError(t, pause(context.Background(), 0))
}

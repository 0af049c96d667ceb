// Package distributor publishes a model and its scenario stream.
//
// Protocol, in order:
//  1. assign a fresh model id
//  2. publish the model ModelCopies times, pausing ModelCopyDelay after each
//  3. publish scenarios 0..N-1 in batches of BatchSize, pausing BatchPause between batches
//  4. publish the finalization signal FinalizationCopies times, pausing FinalizationDelay after each
//  5. re-publish the model every ReannounceInterval until cancelled
//
// A publish failure aborts the run; there is no per-message retry and no
// checkpoint of distribution progress.
package distributor

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/distmc/distmc/sim"
	"github.com/distmc/distmc/sim/broker"
)

// Config holds distribution pacing and redundancy settings.
type Config struct {
	ModelCopies        int           `yaml:"model_copies"`
	ModelCopyDelay     time.Duration `yaml:"model_copy_delay"`
	BatchSize          int           `yaml:"batch_size"`
	BatchPause         time.Duration `yaml:"batch_pause"`
	FinalizationCopies int           `yaml:"finalization_copies"`
	FinalizationDelay  time.Duration `yaml:"finalization_delay"`
	ReannounceInterval time.Duration `yaml:"reannounce_interval"`
	Persistent         bool          `yaml:"persistent"`
	Seed               int64         `yaml:"seed"` // scenario RNG seed, logged on publish
	Queues             broker.Queues `yaml:"-"`
}

// DefaultConfig returns the standard pacing and a fresh random seed, so
// scenario values differ between runs unless a seed is set explicitly.
func DefaultConfig() Config {
	return Config{
		ModelCopies:        5,
		ModelCopyDelay:     500 * time.Millisecond,
		BatchSize:          50,
		BatchPause:         100 * time.Millisecond,
		FinalizationCopies: 3,
		FinalizationDelay:  time.Second,
		ReannounceInterval: 10 * time.Second,
		Persistent:         true,
		Seed:               rand.Int63(),
		Queues:             broker.DefaultQueues(),
	}
}

// Validate checks that counts are positive and delays non-negative.
func (c Config) Validate() error {
	if c.ModelCopies <= 0 {
		return fmt.Errorf("model_copies must be > 0, got %d", c.ModelCopies)
	}
	if c.FinalizationCopies <= 0 {
		return fmt.Errorf("finalization_copies must be > 0, got %d", c.FinalizationCopies)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0, got %d", c.BatchSize)
	}
	if c.ReannounceInterval <= 0 {
		return fmt.Errorf("reannounce_interval must be > 0, got %s", c.ReannounceInterval)
	}
	if c.ModelCopyDelay < 0 || c.BatchPause < 0 || c.FinalizationDelay < 0 {
		return fmt.Errorf("delays must be non-negative")
	}
	if c.Queues.Model == "" || c.Queues.Scenarios == "" {
		return fmt.Errorf("model and scenario queue names are required")
	}
	return nil
}

// Option customizes a Distributor.
type Option func(*Distributor)

// WithIDGenerator replaces the UUIDv7 model id source.
func WithIDGenerator(g sim.IDGenerator) Option {
	return func(d *Distributor) { d.ids = g }
}

// WithClock replaces time.Now for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Distributor) { d.now = now }
}

// WithLogger replaces the standard logrus logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(d *Distributor) { d.log = l }
}

// Distributor owns the lifecycle of the active model.
// Publish and Run are sequential; Active and Published may be read from
// other goroutines.
type Distributor struct {
	pub broker.Publisher
	cfg Config
	ids sim.IDGenerator
	now func() time.Time
	log logrus.FieldLogger

	mu        sync.Mutex
	active    *sim.Model
	published int
}

// New creates a Distributor publishing through pub.
func New(pub broker.Publisher, cfg Config, opts ...Option) (*Distributor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("distributor config: %w", err)
	}
	d := &Distributor{
		pub: pub,
		cfg: cfg,
		ids: sim.UUIDv7Generator{},
		now: time.Now,
		log: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Active returns the model currently being distributed, or nil.
func (d *Distributor) Active() *sim.Model {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Published returns how many scenarios of the active model have been sent.
func (d *Distributor) Published() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.published
}

// Run publishes spec and then re-announces it until ctx is cancelled.
func (d *Distributor) Run(ctx context.Context, spec sim.ModelSpec) error {
	model, err := d.Publish(ctx, spec)
	if err != nil {
		return err
	}
	return d.Reannounce(ctx, model)
}

// Publish sends the model copies and every scenario of spec, then the
// finalization copies, and returns the published model.
// Validation errors surface before anything is sent.
func (d *Distributor) Publish(ctx context.Context, spec sim.ModelSpec) (*sim.Model, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	model := &sim.Model{
		ModelID:        d.ids.Generate(),
		Expression:     spec.Expression,
		Variables:      spec.Variables,
		TotalScenarios: spec.TotalScenarios,
		CreatedAt:      d.now(),
	}
	d.mu.Lock()
	d.active, d.published = model, 0
	d.mu.Unlock()

	log := d.log.WithField("model_id", model.ModelID)
	log.WithFields(logrus.Fields{
		"expression": model.Expression,
		"variables":  len(model.Variables),
		"scenarios":  model.TotalScenarios,
		"seed":       d.cfg.Seed,
	}).Info("publishing model")

	if err := d.publishCopies(ctx, d.cfg.Queues.Model, model, d.cfg.ModelCopies, d.cfg.ModelCopyDelay); err != nil {
		return nil, err
	}

	start := time.Now()
	if err := d.publishScenarios(ctx, model, log); err != nil {
		return nil, err
	}
	log.Infof("all %d scenarios sent in %s", model.TotalScenarios, time.Since(start).Round(time.Millisecond))

	fin := &sim.FinalizationSignal{ModelID: model.ModelID, TotalScenarios: model.TotalScenarios, CreatedAt: d.now()}
	if err := d.publishCopies(ctx, d.cfg.Queues.Scenarios, fin, d.cfg.FinalizationCopies, d.cfg.FinalizationDelay); err != nil {
		return nil, err
	}
	log.Info("finalization published")
	return model, nil
}

// Reannounce re-publishes model every ReannounceInterval so workers that
// start late can still discover it. Returns nil when ctx is cancelled.
func (d *Distributor) Reannounce(ctx context.Context, model *sim.Model) error {
	body, err := sim.Encode(model)
	if err != nil {
		return err
	}
	ticker := time.NewTicker(d.cfg.ReannounceInterval)
	defer ticker.Stop()
	for {
		if err := d.send(ctx, d.cfg.Queues.Model, body); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		d.log.WithField("model_id", model.ModelID).Debug("model re-announced")
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (d *Distributor) publishScenarios(ctx context.Context, model *sim.Model, log logrus.FieldLogger) error {
	gen := sim.NewScenarioGenerator(d.cfg.Seed, d.now)
	total := model.TotalScenarios
	for lo := 0; lo < total; lo += d.cfg.BatchSize {
		hi := min(lo+d.cfg.BatchSize, total)
		for id := lo; id < hi; id++ {
			sc, err := gen.Next(model, id)
			if err != nil {
				return err
			}
			body, err := sim.Encode(&sc)
			if err != nil {
				return err
			}
			if err := d.send(ctx, d.cfg.Queues.Scenarios, body); err != nil {
				return err
			}
			d.mu.Lock()
			d.published++
			d.mu.Unlock()
		}
		log.Debugf("sent %d/%d scenarios (%.1f%%)", hi, total, 100*float64(hi)/float64(total))
		if hi < total {
			if err := pause(ctx, d.cfg.BatchPause); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Distributor) publishCopies(ctx context.Context, queue string, payload any, copies int, delay time.Duration) error {
	body, err := sim.Encode(payload)
	if err != nil {
		return err
	}
	for i := 0; i < copies; i++ {
		if err := d.send(ctx, queue, body); err != nil {
			return err
		}
		if err := pause(ctx, delay); err != nil {
			return err
		}
	}
	return nil
}

func (d *Distributor) send(ctx context.Context, queue string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.pub.Publish(ctx, queue, body, d.cfg.Persistent)
}

// pause sleeps for delay unless ctx ends first.
func pause(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

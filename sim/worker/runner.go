package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/distmc/distmc/sim"
	"github.com/distmc/distmc/sim/broker"
	"github.com/distmc/distmc/sim/stats"
)

// Config holds runner settings.
type Config struct {
	WorkerID          string        `yaml:"id"`
	Prefetch          int           `yaml:"prefetch"`
	PersistentResults bool          `yaml:"persistent_results"`
	ProgressEvery     int           `yaml:"progress_every"`
	ReconnectAttempts int           `yaml:"reconnect_attempts"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	Queues            broker.Queues `yaml:"-"`
}

// DefaultConfig returns the standard worker settings with a fresh id.
func DefaultConfig() Config {
	return Config{
		WorkerID:          sim.NewWorkerID(),
		Prefetch:          50,
		ProgressEvery:     100,
		ReconnectAttempts: 5,
		ReconnectDelay:    2 * time.Second,
		Queues:            broker.DefaultQueues(),
	}
}

// Validate checks the settings a runner depends on.
func (c Config) Validate() error {
	if c.WorkerID == "" {
		return fmt.Errorf("worker id is required")
	}
	if c.Prefetch < 0 {
		return fmt.Errorf("prefetch must be >= 0, got %d", c.Prefetch)
	}
	if c.ReconnectAttempts < 0 || c.ReconnectDelay < 0 {
		return fmt.Errorf("reconnect attempts and delay must be non-negative")
	}
	if c.Queues.Model == "" || c.Queues.Scenarios == "" || c.Queues.Results == "" {
		return fmt.Errorf("model, scenario and result queue names are required")
	}
	return nil
}

// Dialer opens a broker connection.
type Dialer func(ctx context.Context) (broker.Broker, error)

// errConnectionLost marks a delivery channel that closed without a cancel.
var errConnectionLost = errors.New("connection lost")

// Runner drives a Machine from a broker connection. It holds exactly one
// subscription at a time: the model queue while discovering, the scenario
// queue while processing.
type Runner struct {
	dial    Dialer
	cfg     Config
	log     logrus.FieldLogger
	machine *Machine
	effects *brokerEffects
}

// NewRunner creates a runner; nothing is dialled until Run.
func NewRunner(dial Dialer, cfg Config, opts ...Option) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("worker config: %w", err)
	}
	opts = append([]Option{WithProgressEvery(cfg.ProgressEvery)}, opts...)
	o := buildOptions(opts)
	log := o.log.WithField("worker_id", cfg.WorkerID)
	eff := &brokerEffects{queue: cfg.Queues.Results, persistent: cfg.PersistentResults, log: log}
	return &Runner{
		dial:    dial,
		cfg:     cfg,
		log:     log,
		machine: NewMachine(cfg.WorkerID, eff, opts...),
		effects: eff,
	}, nil
}

// Machine exposes the runner's state machine for inspection.
func (r *Runner) Machine() *Machine { return r.machine }

// Run consumes until ctx is cancelled. A failed initial dial, or a lost
// connection that cannot be re-established, returns an error wrapping
// broker.ErrTransport. Cancellation returns nil.
func (r *Runner) Run(ctx context.Context) error {
	conn, err := r.dial(ctx)
	if err != nil {
		return transportError("connect", err)
	}
	r.log.Info("worker started, waiting for a model")
	for {
		r.effects.pub = conn
		err := r.session(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			r.log.Info("worker stopped")
			return nil
		}
		if !errors.Is(err, errConnectionLost) {
			return err
		}
		r.log.WithError(err).Warn("broker connection lost, reconnecting")
		if conn, err = r.reconnect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return transportError("reconnect", err)
		}
		r.log.Info("reconnected to broker")
	}
}

func (r *Runner) reconnect(ctx context.Context) (broker.Broker, error) {
	var conn broker.Broker
	op := func() error {
		c, err := r.dial(ctx)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(r.cfg.ReconnectDelay), uint64(r.cfg.ReconnectAttempts)),
		ctx)
	notify := func(err error, next time.Duration) {
		r.log.WithError(err).Warnf("reconnect failed, retrying in %s", next)
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return conn, nil
}

// session runs subscriptions on conn until ctx ends or the connection drops.
func (r *Runner) session(ctx context.Context, conn broker.Broker) error {
	for {
		src, queue := r.subscription()
		sub, err := conn.Consume(ctx, queue, r.cfg.Prefetch)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: %v", errConnectionLost, err)
		}
		r.log.WithField("queue", queue).Debug("subscribed")

		switched, err := r.consume(ctx, src, sub)
		if err != nil || !switched {
			return err
		}
	}
}

// consume handles deliveries from sub until the machine changes phase
// (switched is true), ctx ends, or the channel closes unexpectedly.
func (r *Runner) consume(ctx context.Context, src Source, sub broker.Subscription) (switched bool, err error) {
	for {
		select {
		case <-ctx.Done():
			_ = sub.Cancel()
			return false, nil
		case d, ok := <-sub.Deliveries():
			if !ok {
				return false, errConnectionLost
			}
			if !r.deliver(ctx, src, d).Transitioned {
				continue
			}
			if err := sub.Cancel(); err != nil {
				return false, fmt.Errorf("%w: %v", errConnectionLost, err)
			}
			// Deliveries prefetched before the cancel still need settling.
			for d := range sub.Deliveries() {
				r.deliver(ctx, src, d)
			}
			return true, nil
		}
	}
}

func (r *Runner) deliver(ctx context.Context, src Source, d broker.Delivery) Decision {
	dec := r.machine.Handle(ctx, src, d.Body)
	var err error
	switch dec.Disposition {
	case Ack:
		err = d.Ack()
	case Reject:
		err = d.Reject(false)
	case Requeue:
		err = d.Reject(true)
	}
	if err != nil {
		r.log.WithError(err).WithField("outcome", dec.Outcome).Warnf("could not %s delivery", dec.Disposition)
	}
	return dec
}

func (r *Runner) subscription() (Source, string) {
	if r.machine.Phase() == Processing {
		return ScenarioChannel, r.cfg.Queues.Scenarios
	}
	return ModelChannel, r.cfg.Queues.Model
}

func transportError(op string, err error) error {
	if errors.Is(err, broker.ErrTransport) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %v", broker.ErrTransport, op, err)
}

// brokerEffects publishes machine output to the results queue.
type brokerEffects struct {
	pub        broker.Publisher
	queue      string
	persistent bool
	log        logrus.FieldLogger
}

func (e *brokerEffects) PublishResult(ctx context.Context, rec sim.ResultRecord) error {
	body, err := sim.Encode(&rec)
	if err != nil {
		return err
	}
	return e.pub.Publish(ctx, e.queue, body, e.persistent)
}

func (e *brokerEffects) ReportSummary(ctx context.Context, rec sim.SummaryRecord) {
	e.log.Info("\n" + stats.Report(rec.WorkerID, rec.ModelID, rec.Summary))
	body, err := sim.Encode(&rec)
	if err == nil {
		err = e.pub.Publish(ctx, e.queue, body, e.persistent)
	}
	if err != nil {
		e.log.WithError(err).WithField("model_id", rec.ModelID).Warn("summary not published")
	}
}

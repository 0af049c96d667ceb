package cmd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/distmc/distmc/sim"
	"github.com/distmc/distmc/sim/broker"
	"github.com/distmc/distmc/sim/distributor"
	"github.com/distmc/distmc/sim/results"
	"github.com/distmc/distmc/sim/trace"
	"github.com/distmc/distmc/sim/worker"
)

var (
	simModelPath string // Model definition file for simulate
	simWorkers   int    // Number of in-process workers
	simSeed      int64  // Scenario RNG seed for simulate
	traceLevel   string // Worker decision trace level
)

// pollInterval is how often runSimulation checks for completion.
const pollInterval = 20 * time.Millisecond

// simulateCmd runs distributor, workers and collector in one process over the memory broker
var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a complete simulation in-process with K workers",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustConfig(cmd)
		if cmd.Flags().Changed("seed") {
			cfg.Distributor.Seed = simSeed
		}
		if simModelPath == "" {
			logrus.Fatalf("Model file not provided. Use --model.")
		}
		if !trace.IsValidLevel(traceLevel) {
			logrus.Fatalf("Unknown trace level %q. Valid: none, decisions", traceLevel)
		}
		spec, err := loadModelSpec(simModelPath)
		if err != nil {
			logrus.Fatalf("%v", err)
		}

		ctx, stop := signalContext()
		defer stop()

		start := time.Now()
		tr := trace.New(trace.Level(traceLevel))
		c, err := runSimulation(ctx, spec, simWorkers, cfg, tr)
		if err != nil {
			logrus.Fatalf("Simulation failed: %v", err)
		}
		fmt.Print(c.Report())
		if tr.Enabled() {
			fmt.Print(trace.Summarize(tr))
		}
		logrus.Infof("Simulation complete in %s.", time.Since(start).Round(time.Millisecond))
	},
}

// runSimulation publishes spec to an in-process broker, evaluates it with
// the given number of workers and returns the collector once every scenario
// has been settled and every worker has reported its summary.
// Pacing delays are dropped since every consumer is already subscribed, and
// each worker gets its own model and finalization copy.
// Worker decisions go to tr, which may be nil.
func runSimulation(ctx context.Context, spec sim.ModelSpec, workers int, cfg FileConfig, tr *trace.Trace) (*results.Collector, error) {
	if workers <= 0 {
		return nil, fmt.Errorf("workers must be > 0, got %d", workers)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := broker.NewMemory()
	queues := cfg.Broker.Queues
	dial := func(context.Context) (broker.Broker, error) { return m.Connect(), nil }

	var wg sync.WaitGroup
	failed := make(chan error, workers+1)
	run := func(f func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f(); err != nil {
				failed <- err
			}
		}()
	}
	defer wg.Wait()
	defer cancel()

	c := results.NewCollector()
	run(func() error { return c.Run(ctx, m.Connect(), queues.Results, cfg.Collector.Prefetch) })
	for i := 0; i < workers; i++ {
		wcfg := cfg.Worker
		wcfg.WorkerID = fmt.Sprintf("worker-%d", i+1)
		r, err := worker.NewRunner(dial, wcfg, worker.WithTrace(tr))
		if err != nil {
			return nil, err
		}
		run(func() error { return r.Run(ctx) })
	}

	ready := func() bool { return m.Consumers(queues.Model) == workers && m.Consumers(queues.Results) == 1 }
	if err := waitFor(ctx, failed, ready); err != nil {
		return nil, err
	}

	dcfg := cfg.Distributor
	dcfg.ModelCopyDelay, dcfg.BatchPause, dcfg.FinalizationDelay = 0, 0, 0
	dcfg.ModelCopies = max(dcfg.ModelCopies, workers)
	dcfg.FinalizationCopies = max(dcfg.FinalizationCopies, workers)
	d, err := distributor.New(m.Connect(), dcfg)
	if err != nil {
		return nil, err
	}
	model, err := d.Publish(ctx, spec)
	if err != nil {
		return nil, err
	}

	finished := func() bool { return settled(m, queues, c, model.ModelID, workers) }
	if err := waitFor(ctx, failed, finished); err != nil {
		return nil, err
	}
	return c, nil
}

// settled reports whether no scenario of the model is waiting or in flight,
// every result has been collected and each worker has reported its summary.
func settled(m *broker.Memory, q broker.Queues, c *results.Collector, modelID string, workers int) bool {
	if m.InFlight(q.Scenarios) > 0 || m.Ready(q.Results) > 0 || m.InFlight(q.Results) > 0 {
		return false
	}
	for _, body := range m.Messages(q.Scenarios) {
		if msg, err := sim.Decode(body); err == nil && msg.Kind == sim.KindScenario {
			return false
		}
	}
	for _, t := range c.Models() {
		if t.ModelID == modelID {
			return len(t.Summaries) >= workers
		}
	}
	return false
}

func waitFor(ctx context.Context, failed <-chan error, cond func() bool) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-failed:
			return err
		case <-ticker.C:
		}
	}
	return nil
}

func init() {
	simulateCmd.Flags().StringVar(&simModelPath, "model", "", "Model file (.yaml/.yml or line format)")
	simulateCmd.Flags().IntVar(&simWorkers, "workers", 4, "Number of in-process workers")
	simulateCmd.Flags().Int64Var(&simSeed, "seed", 0, "Seed for scenario generation (default: random, logged at start)")
	simulateCmd.Flags().StringVar(&traceLevel, "trace-level", "none", "Worker decision trace level (none, decisions)")

	rootCmd.AddCommand(simulateCmd)
}

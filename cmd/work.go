package cmd

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/distmc/distmc/sim/broker"
	"github.com/distmc/distmc/sim/trace"
	"github.com/distmc/distmc/sim/worker"
)

var (
	workerID string // Worker identifier stamped on results
	prefetch int    // Max unacknowledged deliveries
)

// workCmd runs one worker until interrupted
var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Run a worker that evaluates scenarios",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustConfig(cmd)
		if cmd.Flags().Changed("id") {
			cfg.Worker.WorkerID = workerID
		}
		if cmd.Flags().Changed("prefetch") {
			cfg.Worker.Prefetch = prefetch
		}
		if !trace.IsValidLevel(traceLevel) {
			logrus.Fatalf("Unknown trace level %q. Valid: none, decisions", traceLevel)
		}
		tr := trace.New(trace.Level(traceLevel))

		ctx, stop := signalContext()
		defer stop()

		dial := func(ctx context.Context) (broker.Broker, error) {
			return broker.DialAMQP(ctx, cfg.Broker)
		}
		r, err := worker.NewRunner(dial, cfg.Worker, worker.WithTrace(tr))
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		logrus.Infof("Worker %s connecting to %s", cfg.Worker.WorkerID, broker.Redact(cfg.Broker.URL))
		if err := r.Run(ctx); err != nil {
			logrus.Fatalf("Worker failed: %v", err)
		}
		if tr.Enabled() {
			fmt.Print(trace.Summarize(tr))
		}
	},
}

func init() {
	workCmd.Flags().StringVar(&workerID, "id", "", "Worker id (default: generated)")
	workCmd.Flags().IntVar(&prefetch, "prefetch", 50, "Maximum unacknowledged deliveries")
	workCmd.Flags().StringVar(&traceLevel, "trace-level", "none", "Decision trace level, summarized on exit (none, decisions)")

	rootCmd.AddCommand(workCmd)
}

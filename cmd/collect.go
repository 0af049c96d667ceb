package cmd

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/distmc/distmc/sim/broker"
	"github.com/distmc/distmc/sim/results"
)

var dbPath string // SQLite file for collected results

// collectCmd consumes the results queue and reports per-model tallies on exit
var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Collect worker results and summaries",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustConfig(cmd)
		if cmd.Flags().Changed("db") {
			cfg.Collector.DB = dbPath
		}

		ctx, stop := signalContext()
		defer stop()

		var opts []results.Option
		if cfg.Collector.DB != "" {
			store, err := results.OpenStore(cfg.Collector.DB)
			if err != nil {
				logrus.Fatalf("%v", err)
			}
			defer store.Close()
			opts = append(opts, results.WithStore(store))
		}
		c := results.NewCollector(opts...)

		conn, err := broker.DialAMQP(ctx, cfg.Broker)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		defer conn.Close()

		err = c.Run(ctx, conn, cfg.Broker.Queues.Results, cfg.Collector.Prefetch)
		fmt.Print(c.Report())
		if err != nil {
			logrus.Fatalf("Collector failed: %v", err)
		}
	},
}

func init() {
	collectCmd.Flags().StringVar(&dbPath, "db", "", "SQLite database to persist results into")

	rootCmd.AddCommand(collectCmd)
}

package cmd

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/distmc/distmc/sim/broker"
	"github.com/distmc/distmc/sim/distributor"
)

var (
	modelPath string // Model definition file
	purge     bool   // Purge queues before publishing
	seed      int64  // Scenario RNG seed
	noPersist bool   // Publish scenarios as transient messages
)

// distributeCmd publishes a model and its scenarios, then keeps re-announcing it
var distributeCmd = &cobra.Command{
	Use:   "distribute",
	Short: "Publish a model and its scenarios to the broker",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := mustConfig(cmd)
		if cmd.Flags().Changed("seed") {
			cfg.Distributor.Seed = seed
		}
		if noPersist {
			cfg.Distributor.Persistent = false
		}
		if modelPath == "" {
			logrus.Fatalf("Model file not provided. Use --model.")
		}
		spec, err := loadModelSpec(modelPath)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		if err := spec.Validate(); err != nil {
			logrus.Fatalf("Invalid model: %v", err)
		}

		ctx, stop := signalContext()
		defer stop()

		conn, err := broker.DialAMQP(ctx, cfg.Broker)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		defer conn.Close()

		if purge {
			n, err := conn.Purge(cfg.Broker.Queues.All()...)
			if err != nil {
				logrus.Fatalf("%v", err)
			}
			logrus.Infof("Purged %d waiting messages", n)
		}

		d, err := distributor.New(conn, cfg.Distributor)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		if err := d.Run(ctx, spec); err != nil {
			logrus.Fatalf("Distribution failed: %v", err)
		}
		logrus.Info("Distributor stopped.")
	},
}

func init() {
	distributeCmd.Flags().StringVar(&modelPath, "model", "", "Model file (.yaml/.yml or line format)")
	distributeCmd.Flags().BoolVar(&purge, "purge", false, "Purge all queues before publishing")
	distributeCmd.Flags().Int64Var(&seed, "seed", 0, "Seed for scenario generation (default: random, logged at start)")
	distributeCmd.Flags().BoolVar(&noPersist, "transient", false, "Publish scenarios without broker persistence")

	rootCmd.AddCommand(distributeCmd)
}

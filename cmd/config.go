package cmd

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/distmc/distmc/sim/broker"
	"github.com/distmc/distmc/sim/distributor"
	"github.com/distmc/distmc/sim/worker"
)

// CollectorConfig configures the results collector.
type CollectorConfig struct {
	DB       string `yaml:"db"`
	Prefetch int    `yaml:"prefetch"`
}

// FileConfig is the optional --config YAML file. Every section is listed so
// strict decoding rejects typos.
type FileConfig struct {
	Broker      broker.AMQPConfig  `yaml:"broker"`
	Distributor distributor.Config `yaml:"distributor"`
	Worker      worker.Config      `yaml:"worker"`
	Collector   CollectorConfig    `yaml:"collector"`
}

func defaultFileConfig() FileConfig {
	return FileConfig{
		Broker:      broker.DefaultAMQPConfig(),
		Distributor: distributor.DefaultConfig(),
		Worker:      worker.DefaultConfig(),
		Collector:   CollectorConfig{Prefetch: 100},
	}
}

// loadConfig returns the defaults overlaid with the file at path, if any.
// Queue names come from the broker section for every component.
func loadConfig(path string) (FileConfig, error) {
	cfg := defaultFileConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return FileConfig{}, fmt.Errorf("read config: %w", err)
		}
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return FileConfig{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.Distributor.Queues = cfg.Broker.Queues
	cfg.Worker.Queues = cfg.Broker.Queues
	return cfg, nil
}

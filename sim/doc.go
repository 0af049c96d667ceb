// Package sim defines the data model shared by every distmc component:
// models, scenarios, finalization signals, results and summaries, plus the
// JSON wire codec and the seeded scenario generator.
//
// # Reading Guide
//
// Start with these files:
//   - model.go: ModelSpec validation and the five message payloads
//   - codec.go: Encode/Decode with the "kind" discriminator
//   - scenario.go: sampling one Scenario per id from a model's variables
//
// # Architecture
//
// Behaviour lives in sub-packages:
//   - sim/dist/: the distribution registry and samplers
//   - sim/expr/: the sandboxed arithmetic expression evaluator
//   - sim/stats/: summary statistics over result values
//   - sim/broker/: the queue abstraction with AMQP and in-memory backends
//   - sim/distributor/: publishes a model, its scenarios and finalization
//   - sim/worker/: the worker state machine and its broker runner
//   - sim/results/: the results collector and its SQLite store
//   - sim/trace/: worker decision tracing
//
// Every message crosses the broker as JSON produced by Encode, so the
// sub-packages depend on sim and never on each other's types on the wire.
package sim

package sim

import (
	"fmt"
	"hash/fnv"
	"math/rand"
)

// SimulationKey identifies a reproducible run of the distributor. Two runs
// with the same key and model produce identical scenario values.
type SimulationKey int64

// NewSimulationKey creates a SimulationKey from a seed value.
func NewSimulationKey(seed int64) SimulationKey {
	return SimulationKey(seed)
}

// SubsystemScenario returns the stream name for scenario N.
func SubsystemScenario(id int) string {
	return fmt.Sprintf("scenario_%d", id)
}

// ScenarioRNG hands out an independent, deterministically-seeded *rand.Rand
// per scenario. Derivation: masterSeed XOR fnv1a64("scenario_<id>").
//
// Streams are not cached: every call builds a fresh generator, so values do
// not depend on the order in which scenarios are generated and no generator
// state is shared between callers.
type ScenarioRNG struct {
	key SimulationKey
}

// NewScenarioRNG creates a ScenarioRNG from a SimulationKey.
func NewScenarioRNG(key SimulationKey) *ScenarioRNG {
	return &ScenarioRNG{key: key}
}

// ForScenario returns the stream for scenario id. Never returns nil.
func (s *ScenarioRNG) ForScenario(id int) *rand.Rand {
	seed := int64(s.key) ^ fnv1a64(SubsystemScenario(id))
	return rand.New(rand.NewSource(seed))
}

// Key returns the SimulationKey used to create this ScenarioRNG.
func (s *ScenarioRNG) Key() SimulationKey {
	return s.key
}

// fnv1a64 computes a 64-bit FNV-1a hash of the input string.
func fnv1a64(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return int64(h.Sum64())
}

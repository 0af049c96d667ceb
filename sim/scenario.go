package sim

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/distmc/distmc/sim/dist"
)

// Generate draws one value per variable from rng and returns the scenario.
// It never blocks; errors come only from invalid variable definitions.
func Generate(variables map[string]VariableSpec, scenarioID int, modelID string, rng *rand.Rand, now time.Time) (Scenario, error) {
	values := make(map[string]float64, len(variables))
	// Sorted order keeps a seeded stream reproducible despite map iteration.
	for _, name := range (ModelSpec{Variables: variables}).VariableNames() {
		v := variables[name]
		x, err := dist.Sample(rng, v.Distribution, v.Params)
		if err != nil {
			return Scenario{}, fmt.Errorf("scenario %d, variable %q: %w", scenarioID, name, err)
		}
		values[name] = x
	}
	return Scenario{
		ScenarioID: scenarioID,
		ModelID:    modelID,
		Variables:  values,
		CreatedAt:  now,
	}, nil
}

// ScenarioGenerator produces the scenarios of one model with per-scenario
// random streams.
type ScenarioGenerator struct {
	rng *ScenarioRNG
	now func() time.Time
}

// NewScenarioGenerator creates a generator seeded with seed. A nil clock
// defaults to time.Now.
func NewScenarioGenerator(seed int64, now func() time.Time) *ScenarioGenerator {
	if now == nil {
		now = time.Now
	}
	return &ScenarioGenerator{rng: NewScenarioRNG(NewSimulationKey(seed)), now: now}
}

// Next returns scenario id for model.
func (g *ScenarioGenerator) Next(model *Model, id int) (Scenario, error) {
	return Generate(model.Variables, id, model.ModelID, g.rng.ForScenario(id), g.now())
}

package sim

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/distmc/distmc/sim/dist"
	"github.com/distmc/distmc/sim/expr"
	"github.com/distmc/distmc/sim/stats"
)

// VariableSpec names the distribution a model variable is drawn from.
type VariableSpec struct {
	Distribution string    `json:"distribution" yaml:"distribution"`
	Params       []float64 `json:"params" yaml:"params"`
}

func (v VariableSpec) String() string {
	parts := make([]string, len(v.Params))
	for i, p := range v.Params {
		parts[i] = fmt.Sprintf("%g", p)
	}
	return fmt.Sprintf("%s(%s)", v.Distribution, strings.Join(parts, ", "))
}

// ModelSpec is a model definition before it has been assigned an identity.
type ModelSpec struct {
	Expression     string                  `yaml:"expression"`
	Variables      map[string]VariableSpec `yaml:"variables"`
	TotalScenarios int                     `yaml:"scenarios"`
}

// Validate checks everything that must hold before any scenario is generated:
// supported distributions with matching parameter counts, a positive scenario
// count, and an expression that parses and only references declared
// variables or constants.
func (s ModelSpec) Validate() error {
	if strings.TrimSpace(s.Expression) == "" {
		return fmt.Errorf("%w: expression is empty", ErrInvalidModel)
	}
	if s.TotalScenarios <= 0 {
		return fmt.Errorf("%w: scenario count must be positive, got %d", ErrInvalidModel, s.TotalScenarios)
	}
	declared := make(map[string]bool, len(s.Variables))
	for _, name := range s.VariableNames() {
		v := s.Variables[name]
		if err := dist.Validate(v.Distribution, v.Params); err != nil {
			return fmt.Errorf("variable %q: %w", name, err)
		}
		declared[name] = true
	}
	prog, err := expr.Compile(s.Expression)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidModel, err)
	}
	if missing := prog.Unresolved(declared); len(missing) > 0 {
		return fmt.Errorf("%w: expression references undeclared names %s", ErrInvalidModel, strings.Join(missing, ", "))
	}
	return nil
}

// VariableNames returns the variable names in sorted order.
func (s ModelSpec) VariableNames() []string {
	names := make([]string, 0, len(s.Variables))
	for name := range s.Variables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Model is a published simulation definition. Immutable once published.
type Model struct {
	ModelID        string                  `json:"model_id"`
	Expression     string                  `json:"expression"`
	Variables      map[string]VariableSpec `json:"variables"`
	TotalScenarios int                     `json:"total_scenarios"`
	CreatedAt      time.Time               `json:"created_at"`
}

// Spec returns the definition the model was created from.
func (m *Model) Spec() ModelSpec {
	return ModelSpec{Expression: m.Expression, Variables: m.Variables, TotalScenarios: m.TotalScenarios}
}

// Scenario is one sampled set of variable values for a model.
type Scenario struct {
	ScenarioID int                `json:"scenario_id"`
	ModelID    string             `json:"model_id"`
	Variables  map[string]float64 `json:"variables"`
	CreatedAt  time.Time          `json:"created_at"`
}

// FinalizationSignal marks the end of a model's scenario stream.
type FinalizationSignal struct {
	ModelID        string    `json:"model_id"`
	TotalScenarios int       `json:"total_scenarios"`
	CreatedAt      time.Time `json:"created_at"`
}

// ResultRecord is one successfully evaluated scenario.
type ResultRecord struct {
	ModelID    string    `json:"model_id"`
	WorkerID   string    `json:"worker_id"`
	ScenarioID int       `json:"scenario_id"`
	Value      float64   `json:"value"`
	ProducedAt time.Time `json:"produced_at"`
}

// SummaryRecord carries a worker's local statistics for one model.
type SummaryRecord struct {
	ModelID    string        `json:"model_id"`
	WorkerID   string        `json:"worker_id"`
	Summary    stats.Summary `json:"summary"`
	ProducedAt time.Time     `json:"produced_at"`
}

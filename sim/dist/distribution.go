// Package dist is the distribution registry used to draw scenario values.
//
// Every sampler takes the caller's *rand.Rand, so the registry itself holds
// no generator state and is safe to call from any number of goroutines as
// long as each goroutine owns its rng.
package dist

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
)

var (
	// ErrUnsupportedDistribution is returned for names outside the registry.
	ErrUnsupportedDistribution = errors.New("unsupported distribution")
	// ErrInvalidParameters is returned when the parameter list does not fit the distribution.
	ErrInvalidParameters = errors.New("invalid distribution parameters")
)

// Sampler draws one value from a distribution with already-validated params.
type Sampler func(rng *rand.Rand, params []float64) float64

// kind describes one registered distribution.
type kind struct {
	arity  int
	check  func(params []float64) error
	sample Sampler
}

// registry maps canonical lower-case names to their definitions.
var registry = map[string]kind{
	"normal":      {arity: 2, check: checkScale(1, "sigma"), sample: sampleNormal},
	"uniform":     {arity: 2, check: checkOrdered, sample: sampleUniform},
	"lognormal":   {arity: 2, check: checkScale(1, "sigma"), sample: sampleLogNormal},
	"triangular":  {arity: 3, check: checkTriangular, sample: sampleTriangular},
	"poisson":     {arity: 1, check: checkRate, sample: samplePoisson},
	"exponential": {arity: 1, check: checkRate, sample: sampleExponential},
}

// aliases accepted in model definitions.
var aliases = map[string]string{
	"exp": "exponential",
}

// Names returns the canonical distribution names in sorted order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Canonical resolves aliases and case. The second result is false for unknown names.
func Canonical(name string) (string, bool) {
	n := strings.ToLower(strings.TrimSpace(name))
	if alias, ok := aliases[n]; ok {
		n = alias
	}
	_, ok := registry[n]
	return n, ok
}

// Arity returns the number of parameters the named distribution takes.
func Arity(name string) (int, error) {
	k, _, err := lookup(name)
	if err != nil {
		return 0, err
	}
	return k.arity, nil
}

// Validate checks the name and parameter list without drawing a sample.
func Validate(name string, params []float64) error {
	k, canonical, err := lookup(name)
	if err != nil {
		return err
	}
	return validateParams(canonical, k, params)
}

// Sample draws one value from the named distribution.
// Non-finite draws (e.g. lognormal overflow) are reported as ErrInvalidParameters.
func Sample(rng *rand.Rand, name string, params []float64) (float64, error) {
	k, canonical, err := lookup(name)
	if err != nil {
		return 0, err
	}
	if err := validateParams(canonical, k, params); err != nil {
		return 0, err
	}
	v := k.sample(rng, params)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %s%v produced a non-finite sample", ErrInvalidParameters, canonical, params)
	}
	return v, nil
}

func lookup(name string) (kind, string, error) {
	canonical, ok := Canonical(name)
	if !ok {
		return kind{}, "", fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedDistribution, name, strings.Join(Names(), ", "))
	}
	return registry[canonical], canonical, nil
}

func validateParams(name string, k kind, params []float64) error {
	if len(params) != k.arity {
		return fmt.Errorf("%w: %s takes %d parameters, got %d", ErrInvalidParameters, name, k.arity, len(params))
	}
	for i, p := range params {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return fmt.Errorf("%w: %s parameter %d is not finite", ErrInvalidParameters, name, i)
		}
	}
	if err := k.check(params); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidParameters, name, err)
	}
	return nil
}

func checkScale(idx int, label string) func([]float64) error {
	return func(params []float64) error {
		if params[idx] < 0 {
			return fmt.Errorf("%s must be non-negative, got %g", label, params[idx])
		}
		return nil
	}
}

func checkOrdered(params []float64) error {
	if params[0] > params[1] {
		return fmt.Errorf("low (%g) must not exceed high (%g)", params[0], params[1])
	}
	return nil
}

func checkTriangular(params []float64) error {
	low, mode, high := params[0], params[1], params[2]
	if low > mode || mode > high {
		return fmt.Errorf("need low <= mode <= high, got %g, %g, %g", low, mode, high)
	}
	return nil
}

func checkRate(params []float64) error {
	if params[0] <= 0 {
		return fmt.Errorf("lambda must be positive, got %g", params[0])
	}
	return nil
}

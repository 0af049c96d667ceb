package cmd

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/distmc/distmc/sim"
)

// defaultScenarioCount applies when a model file names no scenario count.
const defaultScenarioCount = 10000

// loadModelSpec reads a model definition. Files ending in .yaml or .yml are
// decoded strictly; anything else is read as the line format:
//
//	# comment
//	x = normal 0 1
//	y = uniform 0 2
//	scenarios = 5000
//	x * y + 2
func loadModelSpec(path string) (sim.ModelSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return sim.ModelSpec{}, fmt.Errorf("read model file: %w", err)
	}
	var spec sim.ModelSpec
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		spec, err = parseModelYAML(data)
	default:
		spec, err = parseModelText(bytes.NewReader(data))
	}
	if err != nil {
		return sim.ModelSpec{}, fmt.Errorf("%s: %w", path, err)
	}
	if spec.TotalScenarios == 0 {
		logrus.Warnf("no scenario count in %s, using %d", path, defaultScenarioCount)
		spec.TotalScenarios = defaultScenarioCount
	}
	return spec, nil
}

func parseModelYAML(data []byte) (sim.ModelSpec, error) {
	var spec sim.ModelSpec
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&spec); err != nil {
		return sim.ModelSpec{}, fmt.Errorf("parse model YAML: %w", err)
	}
	return spec, nil
}

// parseModelText parses the line format. Variable lines are
// "name = distribution p1 p2 ...", a line whose key contains "scenarios" or
// "simulaciones" sets the count, and the single line without "=" is the
// expression. A zero count is returned when none is given.
func parseModelText(r io.Reader) (sim.ModelSpec, error) {
	spec := sim.ModelSpec{Variables: make(map[string]sim.VariableSpec)}
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, assign := strings.Cut(line, "=")
		if !assign {
			if spec.Expression != "" {
				return sim.ModelSpec{}, fmt.Errorf("line %d: second expression %q", lineNo, line)
			}
			spec.Expression = line
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		lower := strings.ToLower(key)
		if strings.Contains(lower, "scenarios") || strings.Contains(lower, "simulaciones") {
			n, err := strconv.Atoi(value)
			if err != nil {
				return sim.ModelSpec{}, fmt.Errorf("line %d: scenario count %q is not an integer", lineNo, value)
			}
			spec.TotalScenarios = n
			continue
		}
		v, err := parseVariable(value)
		if err != nil {
			return sim.ModelSpec{}, fmt.Errorf("line %d: variable %q: %w", lineNo, key, err)
		}
		if _, dup := spec.Variables[key]; dup {
			return sim.ModelSpec{}, fmt.Errorf("line %d: variable %q defined twice", lineNo, key)
		}
		spec.Variables[key] = v
	}
	if err := scanner.Err(); err != nil {
		return sim.ModelSpec{}, err
	}
	if spec.Expression == "" {
		return sim.ModelSpec{}, fmt.Errorf("%w: no expression line", sim.ErrInvalidModel)
	}
	return spec, nil
}

func parseVariable(value string) (sim.VariableSpec, error) {
	fields := strings.Fields(value)
	if len(fields) < 2 {
		return sim.VariableSpec{}, fmt.Errorf("want \"distribution p1 [p2 ...]\", got %q", value)
	}
	params := make([]float64, len(fields)-1)
	for i, f := range fields[1:] {
		p, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return sim.VariableSpec{}, fmt.Errorf("parameter %q is not a number", f)
		}
		params[i] = p
	}
	return sim.VariableSpec{Distribution: strings.ToLower(fields[0]), Params: params}, nil
}

package normalizer

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Aggregation names the deterministic rule deriving one daily value from a
// day of sub-daily observations.
type Aggregation string

const (
	AggFirst Aggregation = "first" // earliest timestamp wins
	AggLast  Aggregation = "last"  // latest timestamp wins
	AggMax   Aggregation = "max"
	AggMin   Aggregation = "min"
	AggSum   Aggregation = "sum"
	AggMean  Aggregation = "mean"
)

func parseAggregation(s string) (Aggregation, error) {
	switch Aggregation(strings.ToLower(s)) {
	case AggFirst, AggLast, AggMax, AggMin, AggSum, AggMean:
		return Aggregation(strings.ToLower(s)), nil
	default:
		return "", fmt.Errorf("unknown aggregation %q", s)
	}
}

// Rules configures metric-name canonicalization and the explicit
// aggregation registry. Metrics absent from both fall back to name-pattern
// matching, and ambiguous patterns refuse to guess.
type Rules struct {
	// CanonicalNames maps feed -> feed-native metric name -> canonical name.
	CanonicalNames map[string]map[string]string
	// Aggregations maps a canonical metric name to its rollup rule.
	Aggregations map[string]Aggregation
}

type rulesFile struct {
	CanonicalNames map[string]map[string]string `yaml:"canonical_names"`
	Aggregations   map[string]string            `yaml:"aggregations"`
}

// LoadRules reads a rules YAML file. A missing path yields empty rules so
// the pattern fallback alone governs.
func LoadRules(path string) (Rules, error) {
	if path == "" {
		return Rules{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Rules{}, nil
		}
		return Rules{}, fmt.Errorf("read rules file: %w", err)
	}
	return ParseRules(raw)
}

// ParseRules decodes rules from YAML.
func ParseRules(raw []byte) (Rules, error) {
	var file rulesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return Rules{}, fmt.Errorf("parse rules yaml: %w", err)
	}

	rules := Rules{
		CanonicalNames: make(map[string]map[string]string, len(file.CanonicalNames)),
		Aggregations:   make(map[string]Aggregation, len(file.Aggregations)),
	}

	for feed, names := range file.CanonicalNames {
		m := make(map[string]string, len(names))
		for native, canonical := range names {
			m[strings.ToUpper(strings.TrimSpace(native))] = strings.ToUpper(strings.TrimSpace(canonical))
		}
		rules.CanonicalNames[strings.ToLower(feed)] = m
	}

	for metric, agg := range file.Aggregations {
		parsed, err := parseAggregation(agg)
		if err != nil {
			return Rules{}, fmt.Errorf("metric %s: %w", metric, err)
		}
		rules.Aggregations[strings.ToUpper(strings.TrimSpace(metric))] = parsed
	}

	return rules, nil
}

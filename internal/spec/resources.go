package spec

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lightlogic-io/gator/internal/gatortype"
)

// MemoryRequest is a quantity expressed in one of the units from §4.3
// ({KB: 0.1, MB: 1, GB: 1000, TB: 1,000,000} relative to a megabyte).
type MemoryRequest struct {
	Value float64
	Unit  gatortype.ResourceUnit
}

// MB converts the request to megabytes using the conversion table in
// §4.3 of the specification.
func (m MemoryRequest) MB() float64 {
	unit := m.Unit
	if unit == "" {
		unit = gatortype.UnitMB
	}
	mult, ok := gatortype.MemoryMultipliers[unit]
	if !ok {
		mult = 1
	}
	return m.Value * mult
}

// UnmarshalYAML accepts either a bare number (assumed MB) or a mapping of
// {value, unit}.
func (m *MemoryRequest) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var v float64
		if err := node.Decode(&v); err != nil {
			return fmt.Errorf("memory: %w", err)
		}
		m.Value = v
		m.Unit = gatortype.UnitMB
		return nil
	case yaml.MappingNode:
		var raw struct {
			Value float64 `yaml:"value"`
			Unit  string  `yaml:"unit"`
		}
		if err := node.Decode(&raw); err != nil {
			return fmt.Errorf("memory: %w", err)
		}
		m.Value = raw.Value
		unit := gatortype.ResourceUnit(strings.ToUpper(strings.TrimSpace(raw.Unit)))
		if unit == "" {
			unit = gatortype.UnitMB
		}
		if _, ok := gatortype.MemoryMultipliers[unit]; !ok {
			return fmt.Errorf("memory: unknown unit %q", raw.Unit)
		}
		m.Unit = unit
		return nil
	default:
		return fmt.Errorf("memory: unsupported node kind")
	}
}

// MarshalYAML re-emits the {value, unit} mapping form.
func (m MemoryRequest) MarshalYAML() (interface{}, error) {
	unit := m.Unit
	if unit == "" {
		unit = gatortype.UnitMB
	}
	return map[string]interface{}{"value": m.Value, "unit": string(unit)}, nil
}

// Resources is a leaf Job's resource request: CPU cores, memory, and named
// license/feature counts.
type Resources struct {
	Cores    int               `yaml:"cores,omitempty"`
	Memory   MemoryRequest     `yaml:"memory,omitempty"`
	Licenses map[string]int    `yaml:"licenses,omitempty"`
	Features map[string]int    `yaml:"features,omitempty"`
}

// Flatten renders licenses or features as a "name=count,…" string, the
// form the Wrapper writes into the artifact store as an attribute.
func Flatten(counts map[string]int) string {
	if len(counts) == 0 {
		return ""
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	// Deterministic order keeps attribute values stable across runs.
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	return strings.Join(parts, ",")
}

func (r Resources) clone() Resources {
	out := r
	out.Licenses = cloneIntMap(r.Licenses)
	out.Features = cloneIntMap(r.Features)
	return out
}

func cloneIntMap(m map[string]int) map[string]int {
	if m == nil {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

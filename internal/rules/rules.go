// Package rules defines the risk rule set used to classify app permissions.
package rules

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRules []byte

// Default threshold values.
const (
	defaultMediumThreshold = 1
	defaultHighThreshold   = 3
)

// Config is the on-disk form of a rule set.
type Config struct {
	Thresholds           Thresholds `yaml:"thresholds"`
	DangerousPermissions []string   `yaml:"dangerous_permissions"`
	SuspiciousPairs      []Pair     `yaml:"suspicious_pairs"`
}

// Thresholds are the inclusive dangerous-permission counts at which a scan
// is raised to medium and high.
type Thresholds struct {
	Medium int `yaml:"medium"`
	High   int `yaml:"high"`
}

// Pair is a permission combination that escalates risk on its own.
type Pair struct {
	Name        string   `yaml:"name"`
	Label       string   `yaml:"label"`        // Human-readable, used in threat strings
	Permissions []string `yaml:"permissions"` // All must be present to match
}

// Matches reports whether every permission in the pair is in granted.
func (p Pair) Matches(granted map[string]bool) bool {
	for _, perm := range p.Permissions {
		if !granted[perm] {
			return false
		}
	}
	return len(p.Permissions) > 0
}

// RuleSet is an immutable, validated rule set.
type RuleSet struct {
	dangerous  map[string]bool
	ordered    []string
	pairs      []Pair
	thresholds Thresholds
}

// Default returns the rule set embedded in the binary.
func Default() *RuleSet {
	rs, err := Parse(defaultRules)
	if err != nil {
		// The embedded file is covered by tests.
		panic(fmt.Sprintf("embedded rules.yaml is invalid: %v", err))
	}
	return rs
}

// Load reads and parses a rule file from disk.
func Load(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return Parse(data)
}

// Parse builds a RuleSet from YAML.
func Parse(data []byte) (*RuleSet, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	return New(cfg)
}

// New validates cfg and returns a RuleSet. Missing thresholds take defaults.
func New(cfg Config) (*RuleSet, error) {
	if len(cfg.DangerousPermissions) == 0 {
		return nil, errors.New("rule set has no dangerous permissions")
	}

	th := cfg.Thresholds
	if th.Medium <= 0 {
		th.Medium = defaultMediumThreshold
	}
	if th.High <= 0 {
		th.High = defaultHighThreshold
	}
	if th.High < th.Medium {
		return nil, fmt.Errorf("high threshold %d is below medium threshold %d", th.High, th.Medium)
	}

	rs := &RuleSet{
		dangerous:  make(map[string]bool, len(cfg.DangerousPermissions)),
		thresholds: th,
	}
	for _, perm := range cfg.DangerousPermissions {
		if perm == "" || rs.dangerous[perm] {
			continue
		}
		rs.dangerous[perm] = true
		rs.ordered = append(rs.ordered, perm)
	}

	for i, p := range cfg.SuspiciousPairs {
		if len(p.Permissions) < 2 {
			return nil, fmt.Errorf("suspicious pair %d (%s) needs at least two permissions", i, p.Name)
		}
		if p.Label == "" {
			p.Label = p.Name
		}
		p.Permissions = slices.Clone(p.Permissions)
		rs.pairs = append(rs.pairs, p)
	}

	return rs, nil
}

// IsDangerous reports whether perm is classified as dangerous.
func (rs *RuleSet) IsDangerous(perm string) bool {
	return rs.dangerous[perm]
}

// DangerousPermissions returns a copy of the dangerous permission list.
func (rs *RuleSet) DangerousPermissions() []string {
	return slices.Clone(rs.ordered)
}

// Pairs returns a copy of the suspicious pairs in declaration order.
func (rs *RuleSet) Pairs() []Pair {
	out := make([]Pair, len(rs.pairs))
	for i, p := range rs.pairs {
		p.Permissions = slices.Clone(p.Permissions)
		out[i] = p
	}
	return out
}

// Thresholds returns the escalation thresholds.
func (rs *RuleSet) Thresholds() Thresholds {
	return rs.thresholds
}

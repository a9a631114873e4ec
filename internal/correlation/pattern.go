// Package correlation detects abuse by counting security events in sliding
// windows and raising alerts when a pattern's threshold is crossed.
package correlation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	gerrors "abuse-guard/internal/errors"
	"abuse-guard/internal/schema"
)

// Kind selects how a pattern counts.
type Kind string

const (
	// KindThreshold counts events per identifier.
	KindThreshold Kind = "threshold"
	// KindDistinct counts distinct identifiers in one shared window and
	// alerts on the global sentinel identifier.
	KindDistinct Kind = "distinct"
)

var patternNamePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// MITREMapping maps a pattern to MITRE ATT&CK.
type MITREMapping struct {
	TacticID    string `yaml:"tactic_id" json:"tactic_id"`
	TacticName  string `yaml:"tactic_name" json:"tactic_name"`
	TechniqueID string `yaml:"technique_id" json:"technique_id"`
}

// Pattern is a named detection rule.
type Pattern struct {
	Name        string             `yaml:"name" json:"name"`
	Description string             `yaml:"description" json:"description"`
	Kind        Kind               `yaml:"kind" json:"kind"`
	EventTypes  []schema.EventType `yaml:"event_types" json:"event_types"`
	Threshold   int64              `yaml:"threshold" json:"threshold"`
	Window      time.Duration      `yaml:"window" json:"window"`
	// Cooldown suppresses repeat alerts for the same identifier. Zero means
	// one window.
	Cooldown time.Duration   `yaml:"cooldown,omitempty" json:"cooldown"`
	Severity schema.Severity `yaml:"severity" json:"severity"`
	Actions  []schema.Action `yaml:"actions" json:"actions"`
	MITRE    *MITREMapping   `yaml:"mitre,omitempty" json:"mitre,omitempty"`
}

// Validate checks the pattern for errors. Every error is KindConfiguration.
func (p *Pattern) Validate() error {
	op := "pattern " + p.Name
	if !patternNamePattern.MatchString(p.Name) {
		return gerrors.Configuration("pattern", "invalid pattern name %q", p.Name)
	}

	switch p.Kind {
	case KindThreshold, KindDistinct:
	default:
		return gerrors.Configuration(op, "unknown kind %q", p.Kind)
	}

	if len(p.EventTypes) == 0 {
		return gerrors.Configuration(op, "at least one event type is required")
	}
	for _, et := range p.EventTypes {
		if !et.Valid() {
			return gerrors.Configuration(op, "unknown event type %q", et)
		}
	}

	if p.Threshold <= 0 {
		return gerrors.Configuration(op, "threshold must be positive")
	}
	if p.Window <= 0 {
		return gerrors.Configuration(op, "window must be positive")
	}
	if p.Window%time.Millisecond != 0 {
		return gerrors.Configuration(op, "window must be a whole number of milliseconds")
	}
	if p.Cooldown != 0 && p.Cooldown < p.Window {
		return gerrors.Configuration(op, "cooldown %s is shorter than window %s", p.Cooldown, p.Window)
	}

	if !p.Severity.Valid() {
		return gerrors.Configuration(op, "unknown severity %q", p.Severity)
	}

	if len(p.Actions) == 0 {
		return gerrors.Configuration(op, "at least one action is required")
	}
	seen := make(map[schema.Action]bool, len(p.Actions))
	for _, a := range p.Actions {
		if !a.Valid() {
			return gerrors.Configuration(op, "unknown action %q", a)
		}
		if seen[a] {
			return gerrors.Configuration(op, "duplicate action %q", a)
		}
		seen[a] = true
		if p.Kind == KindDistinct && a.IdentifierScoped() {
			return gerrors.Configuration(op, "action %s cannot target the %q identifier of a distinct pattern", a, schema.GlobalIdentifier)
		}
		if a == schema.ActionEmergencyResponse && p.Severity != schema.SeverityCritical {
			return gerrors.Configuration(op, "%s is reserved for critical patterns", a)
		}
	}

	return nil
}

// EffectiveCooldown returns how long repeat alerts are suppressed.
func (p *Pattern) EffectiveCooldown() time.Duration {
	if p.Cooldown > p.Window {
		return p.Cooldown
	}
	return p.Window
}

// clone returns a deep copy of p.
func (p *Pattern) clone() *Pattern {
	cp := *p
	cp.EventTypes = slices.Clone(p.EventTypes)
	cp.Actions = slices.Clone(p.Actions)
	if p.MITRE != nil {
		m := *p.MITRE
		cp.MITRE = &m
	}
	return &cp
}

// MarshalJSON renders Window and Cooldown as duration strings ("30m0s"),
// the form operators write in pattern files. Cooldown is the effective one.
func (p Pattern) MarshalJSON() ([]byte, error) {
	type plain Pattern
	return json.Marshal(struct {
		plain
		Window   string `json:"window"`
		Cooldown string `json:"cooldown"`
	}{
		plain:    plain(p),
		Window:   p.Window.String(),
		Cooldown: p.EffectiveCooldown().String(),
	})
}

// AppliesTo reports whether events of type t feed this pattern.
func (p *Pattern) AppliesTo(t schema.EventType) bool {
	for _, et := range p.EventTypes {
		if et == t {
			return true
		}
	}
	return false
}

// Describe renders the alert description for a crossing of this pattern.
func (p *Pattern) Describe(identifier string, count int64) string {
	if p.Kind == KindDistinct {
		return fmt.Sprintf("%s: %d distinct identifiers within %s (threshold %d)",
			p.Description, count, p.Window, p.Threshold)
	}
	return fmt.Sprintf("%s: %d events from %s within %s (threshold %d)",
		p.Description, count, identifier, p.Window, p.Threshold)
}

// ParsePattern parses a single pattern from YAML.
func ParsePattern(data []byte) (*Pattern, error) {
	var p Pattern
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, gerrors.Configuration("parse pattern", "%v", err)
	}
	if p.Kind == "" {
		p.Kind = KindThreshold
	}
	return &p, nil
}

// ParsePatterns parses a YAML document holding either a list of patterns or
// a mapping with a top-level "patterns" list.
func ParsePatterns(data []byte) ([]*Pattern, error) {
	var patterns []*Pattern
	if err := yaml.Unmarshal(data, &patterns); err != nil {
		var doc struct {
			Patterns []*Pattern `yaml:"patterns"`
		}
		if err2 := yaml.Unmarshal(data, &doc); err2 != nil {
			return nil, gerrors.Configuration("parse patterns", "%v", err)
		}
		patterns = doc.Patterns
	}
	for _, p := range patterns {
		if p != nil && p.Kind == "" {
			p.Kind = KindThreshold
		}
	}
	return patterns, nil
}

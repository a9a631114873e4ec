package correlation

import (
	"os"
	"slices"
	"sort"

	gerrors "abuse-guard/internal/errors"
	"abuse-guard/internal/schema"
)

// Registry is the read-only pattern catalog. It is validated once when
// built and never mutated afterwards, so lookups need no locking.
type Registry struct {
	byName  map[string]*Pattern
	byEvent map[schema.EventType][]*Pattern
	ordered []*Pattern
}

// NewRegistry validates patterns and indexes them by name and event type.
// Any invalid or duplicate pattern is a KindConfiguration error.
func NewRegistry(patterns []*Pattern) (*Registry, error) {
	r := &Registry{
		byName:  make(map[string]*Pattern, len(patterns)),
		byEvent: make(map[schema.EventType][]*Pattern),
	}

	for _, p := range patterns {
		if p == nil {
			return nil, gerrors.Configuration("registry", "nil pattern")
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.byName[p.Name]; dup {
			return nil, gerrors.Configuration("registry", "duplicate pattern %q", p.Name)
		}
		cp := p.clone()
		r.byName[p.Name] = cp
		r.ordered = append(r.ordered, cp)
		for _, et := range cp.EventTypes {
			r.byEvent[et] = append(r.byEvent[et], cp)
		}
	}

	sort.Slice(r.ordered, func(i, j int) bool { return r.ordered[i].Name < r.ordered[j].Name })
	return r, nil
}

// LoadRegistry builds a registry from the builtin catalog (unless
// disableBuiltins) merged with the patterns in path. File patterns replace
// builtins of the same name. An empty path loads builtins only.
func LoadRegistry(path string, disableBuiltins bool) (*Registry, error) {
	merged := make(map[string]*Pattern)
	var order []string

	if !disableBuiltins {
		for _, p := range BuiltinPatterns() {
			merged[p.Name] = p
			order = append(order, p.Name)
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, gerrors.Configuration("registry", "read patterns file: %v", err)
		}
		custom, err := ParsePatterns(data)
		if err != nil {
			return nil, err
		}
		seen := make(map[string]bool)
		for _, p := range custom {
			if p == nil {
				continue
			}
			if seen[p.Name] {
				return nil, gerrors.Configuration("registry", "duplicate pattern %q in %s", p.Name, path)
			}
			seen[p.Name] = true
			if _, ok := merged[p.Name]; !ok {
				order = append(order, p.Name)
			}
			merged[p.Name] = p
		}
	}

	patterns := make([]*Pattern, 0, len(order))
	for _, name := range order {
		patterns = append(patterns, merged[name])
	}
	return NewRegistry(patterns)
}

// ForEvent returns the patterns fed by events of type t. The slice is the
// caller's; the patterns are shared and must not be modified.
func (r *Registry) ForEvent(t schema.EventType) []*Pattern {
	return slices.Clone(r.byEvent[t])
}

// Get returns a copy of the pattern with the given name.
func (r *Registry) Get(name string) (*Pattern, bool) {
	p, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return p.clone(), true
}

// All returns a copy of every pattern sorted by name.
func (r *Registry) All() []*Pattern {
	out := make([]*Pattern, len(r.ordered))
	for i, p := range r.ordered {
		out[i] = p.clone()
	}
	return out
}

// Len returns the number of patterns.
func (r *Registry) Len() int {
	return len(r.ordered)
}

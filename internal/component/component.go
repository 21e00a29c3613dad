// Package component defines the installable component model shared by the resolver,
// the repository parser, the script host and the install engine.
package component

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Reason records why a component is part of a selection plan or an installation.
type Reason string

const (
	// ReasonExplicit marks a component the user asked for.
	ReasonExplicit Reason = "explicit"
	// ReasonDependency marks a component pulled in because another one requires it.
	ReasonDependency Reason = "dependency"
	// ReasonAutoDependency marks a component added by an auto-depend-on rule.
	ReasonAutoDependency Reason = "auto-dependency"
)

// Dependency is a reference to another component, optionally restricted to a version range.
type Dependency struct {
	ID         string `json:"id"`
	Constraint string `json:"constraint,omitempty"`
}

// String renders the dependency in the "id" or "id:constraint" form.
func (d Dependency) String() string {
	if d.Constraint == "" {
		return d.ID
	}
	return d.ID + ":" + d.Constraint
}

// ParseDependency parses the "id" or "id:constraint" form, e.g. "org.example.core:>=1.2 <2".
func ParseDependency(raw string) (Dependency, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Dependency{}, fmt.Errorf("empty dependency")
	}

	id, constraint, _ := strings.Cut(raw, ":")
	id = strings.TrimSpace(id)
	if id == "" {
		return Dependency{}, fmt.Errorf("dependency %q has no component id", raw)
	}

	return Dependency{ID: id, Constraint: strings.TrimSpace(constraint)}, nil
}

// ParseDependencyList parses a comma separated list of dependencies.
func ParseDependencyList(raw string) ([]Dependency, error) {
	var deps []Dependency
	for _, part := range strings.Split(raw, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		dep, err := ParseDependency(part)
		if err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, nil
}

// Archive is a payload archive belonging to a component.
type Archive struct {
	Name   string `json:"name"`
	SHA256 string `json:"sha256,omitempty"`
	Size   int64  `json:"size,omitempty"`
}

// Component is a single installable unit.
type Component struct {
	ID           string       `json:"id"`
	DisplayName  string       `json:"display_name,omitempty"`
	Description  string       `json:"description,omitempty"`
	Version      string       `json:"version"`
	ReleaseDate  time.Time    `json:"release_date,omitempty"`
	Dependencies []Dependency `json:"dependencies,omitempty"`
	AutoDependOn []string     `json:"auto_depend_on,omitempty"`

	// Virtual components are never selectable directly; they only enter a plan transitively.
	Virtual bool `json:"virtual,omitempty"`
	// Checkable components can be selected as leaves. A non-checkable component
	// only groups sub-components.
	Checkable bool `json:"checkable"`

	Archives []Archive `json:"archives,omitempty"`
	Script   string    `json:"script,omitempty"`
	// ScriptSHA256 is the expected digest of the script file, if published.
	ScriptSHA256 string `json:"script_sha256,omitempty"`

	UncompressedSize int64 `json:"uncompressed_size,omitempty"`
	CompressedSize   int64 `json:"compressed_size,omitempty"`

	// Sources lists repository base URLs publishing this exact version, in priority order.
	Sources []string `json:"sources,omitempty"`
}

// ArchiveURLs returns the ordered fallback URLs for one of the component's archives.
func (c *Component) ArchiveURLs(name string) []string {
	urls := make([]string, 0, len(c.Sources))
	for _, base := range c.Sources {
		urls = append(urls, fmt.Sprintf("%s/%s/%s%s", strings.TrimRight(base, "/"), c.ID, c.Version, name))
	}
	return urls
}

// ScriptURLs returns the ordered fallback URLs for the component's script.
func (c *Component) ScriptURLs() []string {
	if c.Script == "" {
		return nil
	}
	urls := make([]string, 0, len(c.Sources))
	for _, base := range c.Sources {
		urls = append(urls, fmt.Sprintf("%s/%s/%s", strings.TrimRight(base, "/"), c.ID, c.Script))
	}
	return urls
}

// Installed describes a component as recorded in the installation record.
type Installed struct {
	Version string `json:"version"`
	Reason  Reason `json:"reason"`
}

// Universe is an immutable snapshot of all known components keyed by ID.
type Universe struct {
	byID  map[string]*Component
	order []string
}

// DuplicateError reports two components sharing an identifier.
type DuplicateError struct {
	ID string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate component id %q", e.ID)
}

// NewUniverse builds a universe, rejecting duplicate identifiers.
func NewUniverse(components []*Component) (*Universe, error) {
	u := &Universe{
		byID:  make(map[string]*Component, len(components)),
		order: make([]string, 0, len(components)),
	}

	for _, c := range components {
		if c == nil {
			continue
		}
		if strings.TrimSpace(c.ID) == "" {
			return nil, fmt.Errorf("component with empty id")
		}
		if _, exists := u.byID[c.ID]; exists {
			return nil, &DuplicateError{ID: c.ID}
		}
		u.byID[c.ID] = c
		u.order = append(u.order, c.ID)
	}

	return u, nil
}

// Get returns the component with the given ID.
func (u *Universe) Get(id string) (*Component, bool) {
	c, ok := u.byID[id]
	return c, ok
}

// All returns every component in insertion order.
func (u *Universe) All() []*Component {
	out := make([]*Component, 0, len(u.order))
	for _, id := range u.order {
		out = append(out, u.byID[id])
	}
	return out
}

// Len returns the number of components.
func (u *Universe) Len() int {
	return len(u.order)
}

// Children returns the direct sub-components of id, derived from dotted identifiers
// ("org.example" is the parent of "org.example.docs"), sorted by ID.
func (u *Universe) Children(id string) []*Component {
	prefix := id + "."
	var out []*Component
	for _, cid := range u.order {
		if !strings.HasPrefix(cid, prefix) {
			continue
		}
		if strings.Contains(cid[len(prefix):], ".") {
			continue
		}
		out = append(out, u.byID[cid])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

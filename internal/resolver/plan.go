package resolver

import (
	"fmt"

	"github.com/ZebulonRouseFrantzich/setupkit/internal/component"
)

// Mode selects what a resolution computes.
type Mode int

const (
	Install Mode = iota
	Update
	Uninstall
)

func (m Mode) String() string {
	switch m {
	case Install:
		return "install"
	case Update:
		return "update"
	case Uninstall:
		return "uninstall"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode converts a mode name back into a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "install":
		return Install, nil
	case "update":
		return Update, nil
	case "uninstall":
		return Uninstall, nil
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

// Entry is one step of a plan.
type Entry struct {
	Component *component.Component
	Reason    component.Reason
	// Of names the dependent that pulled this entry in when Reason is ReasonDependency.
	Of string
}

// ReasonString renders the reason as "explicit", "auto-dependency" or "dependency-of(X)".
func (e Entry) ReasonString() string {
	if e.Reason == component.ReasonDependency {
		return fmt.Sprintf("dependency-of(%s)", e.Of)
	}
	return string(e.Reason)
}

// SkipReason explains why a requested or reachable component is not part of a plan.
type SkipReason string

const (
	SkipAlreadyInstalled SkipReason = "already-installed"
	SkipNotInstalled     SkipReason = "not-installed"
	SkipRequiredBy       SkipReason = "required-by"
)

// Skip is a component excluded from the plan.
type Skip struct {
	ID     string
	Reason SkipReason
	// By is the surviving component that still requires ID (SkipRequiredBy only).
	By string
}

func (s Skip) String() string {
	if s.Reason == SkipRequiredBy {
		return fmt.Sprintf("%s: required-by(%s)", s.ID, s.By)
	}
	return fmt.Sprintf("%s: %s", s.ID, s.Reason)
}

// Plan is an ordered selection. Install and update plans list dependencies first;
// uninstall plans list dependents first.
type Plan struct {
	Mode    Mode
	Entries []Entry
	// AutoDependencies repeats the IDs of entries added by auto-depend-on rules.
	AutoDependencies []string
	Skipped          []Skip
}

// IDs returns the entry IDs in plan order.
func (p *Plan) IDs() []string {
	ids := make([]string, 0, len(p.Entries))
	for _, e := range p.Entries {
		ids = append(ids, e.Component.ID)
	}
	return ids
}

// Contains reports whether id is part of the plan.
func (p *Plan) Contains(id string) bool {
	for _, e := range p.Entries {
		if e.Component.ID == id {
			return true
		}
	}
	return false
}

// Empty reports whether the plan has nothing to do.
func (p *Plan) Empty() bool {
	return len(p.Entries) == 0
}

// UncompressedSize sums the uncompressed sizes of every entry.
func (p *Plan) UncompressedSize() int64 {
	var total int64
	for _, e := range p.Entries {
		total += e.Component.UncompressedSize
	}
	return total
}

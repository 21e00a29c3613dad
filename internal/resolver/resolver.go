// Package resolver turns a requested component selection into an ordered plan.
//
// Install and update plans are produced by a depth-first expansion from every
// requested component: dependencies are emitted in post-order so they always
// precede their dependents. Uninstall plans reverse the relation. Resolution is
// pure computation over the in-memory universe and never touches the filesystem.
package resolver

import (
	"fmt"

	"github.com/ZebulonRouseFrantzich/setupkit/internal/component"
)

// Input is everything a resolution needs.
type Input struct {
	Universe *component.Universe
	// Installed maps installed component IDs to their recorded version and reason.
	Installed map[string]component.Installed
	Requested []string
	Mode      Mode
	// ForceReinstall keeps already-installed components in install and update plans.
	ForceReinstall bool
}

type resolution struct {
	in   Input
	plan *Plan

	expanding map[string]bool
	done      map[string]bool
	order     []Entry
	index     map[string]int
}

// Resolve computes the plan for in. Every returned error matches ErrResolution.
func Resolve(in Input) (*Plan, error) {
	if in.Universe == nil {
		return nil, fmt.Errorf("%w: no component universe", ErrResolution)
	}
	if in.Installed == nil {
		in.Installed = map[string]component.Installed{}
	}

	r := &resolution{
		in:        in,
		plan:      &Plan{Mode: in.Mode},
		expanding: make(map[string]bool),
		done:      make(map[string]bool),
		index:     make(map[string]int),
	}

	var err error
	switch in.Mode {
	case Install, Update:
		err = r.forward()
	case Uninstall:
		err = r.backward()
	default:
		err = fmt.Errorf("%w: unsupported mode %s", ErrResolution, in.Mode)
	}
	if err != nil {
		return nil, err
	}
	return r.plan, nil
}

// selectable returns the component for a directly requested id.
func (r *resolution) selectable(id string) (*component.Component, error) {
	c, ok := r.in.Universe.Get(id)
	if !ok {
		return nil, &SelectionError{ID: id, Message: "unknown component"}
	}
	if c.Virtual {
		return nil, &SelectionError{ID: id, Message: "virtual components can only be pulled in as dependencies"}
	}
	if !c.Checkable {
		return nil, &SelectionError{ID: id, Message: "component is not checkable, select one of its sub-components"}
	}
	return c, nil
}

func (r *resolution) forward() error {
	if r.in.Mode == Update && len(r.in.Requested) == 0 {
		for _, c := range r.in.Universe.All() {
			info, ok := r.in.Installed[c.ID]
			if !ok || component.CompareVersions(c.Version, info.Version) <= 0 {
				continue
			}
			reason := info.Reason
			if reason == "" {
				reason = component.ReasonExplicit
			}
			if err := r.visit(c, reason, ""); err != nil {
				return err
			}
		}
	}

	for _, id := range r.in.Requested {
		c, err := r.selectable(id)
		if err != nil {
			return err
		}
		if _, ok := r.in.Installed[id]; r.in.Mode == Update && !ok {
			r.plan.Skipped = append(r.plan.Skipped, Skip{ID: id, Reason: SkipNotInstalled})
			continue
		}
		if err := r.visit(c, component.ReasonExplicit, ""); err != nil {
			return err
		}
	}

	if err := r.addAutoDependencies(); err != nil {
		return err
	}

	r.emitForward()
	return nil
}

// visit expands c depth-first. of is the dependent whose edge led here.
func (r *resolution) visit(c *component.Component, reason component.Reason, of string) error {
	if r.done[c.ID] {
		if reason == component.ReasonExplicit {
			r.order[r.index[c.ID]].Reason = component.ReasonExplicit
			r.order[r.index[c.ID]].Of = ""
		}
		return nil
	}
	if r.expanding[c.ID] {
		return &CycleError{From: of, To: c.ID}
	}

	r.expanding[c.ID] = true
	for _, dep := range c.Dependencies {
		dc, err := r.dependency(c, dep)
		if err != nil {
			return err
		}
		if err := r.visit(dc, component.ReasonDependency, c.ID); err != nil {
			return err
		}
	}
	delete(r.expanding, c.ID)
	r.done[c.ID] = true

	r.index[c.ID] = len(r.order)
	r.order = append(r.order, Entry{Component: c, Reason: reason, Of: of})
	return nil
}

func (r *resolution) dependency(c *component.Component, dep component.Dependency) (*component.Component, error) {
	dc, ok := r.in.Universe.Get(dep.ID)
	if !ok {
		return nil, &MissingDependencyError{Dependency: dep.ID, For: c.ID, Constraint: dep.Constraint}
	}

	ok, err := component.Satisfies(dc.Version, dep.Constraint)
	if err != nil {
		return nil, fmt.Errorf("%w: component %s: %v", ErrResolution, c.ID, err)
	}
	if !ok {
		return nil, &MissingDependencyError{
			Dependency: dep.ID,
			For:        c.ID,
			Constraint: dep.Constraint,
			Available:  dc.Version,
		}
	}
	return dc, nil
}

// addAutoDependencies adds, until nothing changes, every component not yet installed
// whose auto-depend-on IDs are all selected or installed, with at least one of them
// selected in this run.
func (r *resolution) addAutoDependencies() error {
	for {
		added := false
		for _, c := range r.in.Universe.All() {
			if len(c.AutoDependOn) == 0 || r.done[c.ID] {
				continue
			}
			if _, installed := r.in.Installed[c.ID]; installed {
				continue
			}
			if !r.autoTriggered(c) {
				continue
			}
			if err := r.visit(c, component.ReasonAutoDependency, ""); err != nil {
				return err
			}
			r.plan.AutoDependencies = append(r.plan.AutoDependencies, c.ID)
			added = true
		}
		if !added {
			return nil
		}
	}
}

func (r *resolution) autoTriggered(c *component.Component) bool {
	selected := false
	for _, id := range c.AutoDependOn {
		_, installed := r.in.Installed[id]
		switch {
		case r.done[id]:
			selected = true
		case installed:
		default:
			return false
		}
	}
	return selected
}

func (r *resolution) emitForward() {
	for _, e := range r.order {
		info, installed := r.in.Installed[e.Component.ID]
		if installed && !r.in.ForceReinstall {
			cmp := component.CompareVersions(info.Version, e.Component.Version)
			if cmp == 0 || (r.in.Mode == Update && cmp > 0) {
				r.plan.Skipped = append(r.plan.Skipped, Skip{ID: e.Component.ID, Reason: SkipAlreadyInstalled})
				continue
			}
		}
		r.plan.Entries = append(r.plan.Entries, e)
	}
}

func (r *resolution) backward() error {
	removing := make(map[string]bool)
	entries := make(map[string]Entry)
	var added []string

	add := func(c *component.Component, reason component.Reason, of string) {
		removing[c.ID] = true
		entries[c.ID] = Entry{Component: c, Reason: reason, Of: of}
		added = append(added, c.ID)
	}

	for _, id := range r.in.Requested {
		c, err := r.selectable(id)
		if err != nil {
			return err
		}
		if _, ok := r.in.Installed[id]; !ok {
			r.plan.Skipped = append(r.plan.Skipped, Skip{ID: id, Reason: SkipNotInstalled})
			continue
		}
		if !removing[id] {
			add(c, component.ReasonExplicit, "")
		}
	}

	// Grow the removal set with dependency-only installs and orphaned auto-dependents.
	for changed := true; changed; {
		changed = false
		for i := 0; i < len(added); i++ {
			c := entries[added[i]].Component
			for _, dep := range c.Dependencies {
				info, ok := r.in.Installed[dep.ID]
				if !ok || removing[dep.ID] || info.Reason == component.ReasonExplicit {
					continue
				}
				dc, ok := r.in.Universe.Get(dep.ID)
				if !ok {
					continue
				}
				add(dc, component.ReasonDependency, c.ID)
				changed = true
			}
		}
		for _, c := range r.in.Universe.All() {
			if _, ok := r.in.Installed[c.ID]; !ok || removing[c.ID] {
				continue
			}
			for _, trigger := range c.AutoDependOn {
				if removing[trigger] {
					add(c, component.ReasonAutoDependency, "")
					changed = true
					break
				}
			}
		}
	}

	// Keep anything a surviving installed component still depends on.
	for changed := true; changed; {
		changed = false
		for _, id := range added {
			if !removing[id] {
				continue
			}
			if by := r.requiredBySurvivor(id, removing); by != "" {
				delete(removing, id)
				r.plan.Skipped = append(r.plan.Skipped, Skip{ID: id, Reason: SkipRequiredBy, By: by})
				changed = true
			}
		}
	}

	var post []string
	var walk func(id, from string) error
	walk = func(id, from string) error {
		if r.done[id] {
			return nil
		}
		if r.expanding[id] {
			return &CycleError{From: from, To: id}
		}
		r.expanding[id] = true
		for _, dep := range entries[id].Component.Dependencies {
			if !removing[dep.ID] {
				continue
			}
			if err := walk(dep.ID, id); err != nil {
				return err
			}
		}
		delete(r.expanding, id)
		r.done[id] = true
		post = append(post, id)
		return nil
	}

	for _, id := range added {
		if !removing[id] {
			continue
		}
		if err := walk(id, ""); err != nil {
			return err
		}
	}

	for i := len(post) - 1; i >= 0; i-- {
		e := entries[post[i]]
		r.plan.Entries = append(r.plan.Entries, e)
		if e.Reason == component.ReasonAutoDependency {
			r.plan.AutoDependencies = append(r.plan.AutoDependencies, e.Component.ID)
		}
	}
	return nil
}

// requiredBySurvivor returns an installed component outside the removal set that
// depends on id, or "".
func (r *resolution) requiredBySurvivor(id string, removing map[string]bool) string {
	for _, c := range r.in.Universe.All() {
		if _, ok := r.in.Installed[c.ID]; !ok || removing[c.ID] {
			continue
		}
		for _, dep := range c.Dependencies {
			if dep.ID == id {
				return c.ID
			}
		}
	}
	return ""
}

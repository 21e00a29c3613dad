package resolver

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ZebulonRouseFrantzich/setupkit/internal/component"
)

// comp builds a checkable component; deps use the "id" or "id:constraint" form.
func comp(id, version string, deps ...string) *component.Component {
	c := &component.Component{ID: id, Version: version, Checkable: true}
	for _, d := range deps {
		dep, err := component.ParseDependency(d)
		if err != nil {
			panic(err)
		}
		c.Dependencies = append(c.Dependencies, dep)
	}
	return c
}

func universe(t *testing.T, comps ...*component.Component) *component.Universe {
	t.Helper()
	u, err := component.NewUniverse(comps)
	if err != nil {
		t.Fatalf("NewUniverse: %v", err)
	}
	return u
}

func reasons(p *Plan) []string {
	out := make([]string, 0, len(p.Entries))
	for _, e := range p.Entries {
		out = append(out, e.ReasonString())
	}
	return out
}

func TestResolveInstallChain(t *testing.T) {
	u := universe(t,
		comp("A", "1.0", "B"),
		comp("B", "1.0", "C"),
		comp("C", "1.0"),
	)

	plan, err := Resolve(Input{Universe: u, Requested: []string{"A"}, Mode: Install})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if diff := cmp.Diff([]string{"C", "B", "A"}, plan.IDs()); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
	want := []string{"dependency-of(B)", "dependency-of(A)", "explicit"}
	if diff := cmp.Diff(want, reasons(plan)); diff != "" {
		t.Errorf("reasons mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveInstallDependenciesPrecedeDependents(t *testing.T) {
	u := universe(t,
		comp("app", "2.0", "lib", "runtime"),
		comp("lib", "1.1", "runtime", "base"),
		comp("runtime", "3.0", "base"),
		comp("base", "1.0"),
		comp("docs", "1.0", "base"),
	)

	plan, err := Resolve(Input{Universe: u, Requested: []string{"docs", "app"}, Mode: Install})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	pos := make(map[string]int)
	for i, id := range plan.IDs() {
		if _, dup := pos[id]; dup {
			t.Fatalf("%s appears twice in %v", id, plan.IDs())
		}
		pos[id] = i
	}
	for _, c := range u.All() {
		for _, dep := range c.Dependencies {
			if pos[dep.ID] > pos[c.ID] {
				t.Errorf("%s must precede %s in %v", dep.ID, c.ID, plan.IDs())
			}
		}
	}
}

func TestResolveExplicitReasonWins(t *testing.T) {
	u := universe(t, comp("A", "1.0", "B"), comp("B", "1.0"))

	plan, err := Resolve(Input{Universe: u, Requested: []string{"A", "B"}, Mode: Install})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if diff := cmp.Diff([]string{"explicit", "explicit"}, reasons(plan)); diff != "" {
		t.Errorf("reasons mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveCycle(t *testing.T) {
	u := universe(t,
		comp("A", "1.0", "B"),
		comp("B", "1.0", "C"),
		comp("C", "1.0", "A"),
	)

	_, err := Resolve(Input{Universe: u, Requested: []string{"A"}, Mode: Install})

	var cycle *CycleError
	if !errors.As(err, &cycle) {
		t.Fatalf("expected CycleError, got %v", err)
	}
	if cycle.From != "C" || cycle.To != "A" {
		t.Errorf("cycle = %s -> %s, want C -> A", cycle.From, cycle.To)
	}
	if !errors.Is(err, ErrResolution) {
		t.Error("cycle error should match ErrResolution")
	}
}

func TestResolveSelfCycle(t *testing.T) {
	u := universe(t, comp("A", "1.0", "A"))

	_, err := Resolve(Input{Universe: u, Requested: []string{"A"}, Mode: Install})

	var cycle *CycleError
	if !errors.As(err, &cycle) || cycle.From != "A" || cycle.To != "A" {
		t.Fatalf("expected A -> A cycle, got %v", err)
	}
}

func TestResolveMissingDependency(t *testing.T) {
	tests := []struct {
		name          string
		comps         []*component.Component
		wantAvailable string
	}{
		{
			name:  "unknown id",
			comps: []*component.Component{comp("A", "1.0", "ghost")},
		},
		{
			name:          "constraint not satisfied",
			comps:         []*component.Component{comp("A", "1.0", "ghost:>=2.0"), comp("ghost", "1.5")},
			wantAvailable: "1.5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(Input{Universe: universe(t, tt.comps...), Requested: []string{"A"}, Mode: Install})

			var missing *MissingDependencyError
			if !errors.As(err, &missing) {
				t.Fatalf("expected MissingDependencyError, got %v", err)
			}
			if missing.Dependency != "ghost" || missing.For != "A" {
				t.Errorf("got %+v", missing)
			}
			if missing.Available != tt.wantAvailable {
				t.Errorf("available = %q, want %q", missing.Available, tt.wantAvailable)
			}
			if !errors.Is(err, ErrResolution) {
				t.Error("missing dependency should match ErrResolution")
			}
		})
	}
}

func TestResolveSelectionErrors(t *testing.T) {
	virtual := comp("runtime", "1.0")
	virtual.Virtual = true
	group := comp("group", "1.0")
	group.Checkable = false

	u := universe(t, virtual, group, comp("app", "1.0", "runtime"))

	for _, id := range []string{"runtime", "group", "nope"} {
		t.Run(id, func(t *testing.T) {
			_, err := Resolve(Input{Universe: u, Requested: []string{id}, Mode: Install})
			var sel *SelectionError
			if !errors.As(err, &sel) || sel.ID != id {
				t.Fatalf("expected SelectionError for %s, got %v", id, err)
			}
		})
	}

	t.Run("virtual pulled transitively", func(t *testing.T) {
		plan, err := Resolve(Input{Universe: u, Requested: []string{"app"}, Mode: Install})
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if diff := cmp.Diff([]string{"runtime", "app"}, plan.IDs()); diff != "" {
			t.Errorf("order mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestResolveAlreadyInstalled(t *testing.T) {
	u := universe(t, comp("A", "1.0", "B"), comp("B", "1.0"))
	installed := map[string]component.Installed{
		"B": {Version: "1.0", Reason: component.ReasonDependency},
	}

	plan, err := Resolve(Input{Universe: u, Installed: installed, Requested: []string{"A"}, Mode: Install})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if diff := cmp.Diff([]string{"A"}, plan.IDs()); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]Skip{{ID: "B", Reason: SkipAlreadyInstalled}}, plan.Skipped); diff != "" {
		t.Errorf("skipped mismatch (-want +got):\n%s", diff)
	}

	forced, err := Resolve(Input{Universe: u, Installed: installed, Requested: []string{"A"}, Mode: Install, ForceReinstall: true})
	if err != nil {
		t.Fatalf("Resolve forced: %v", err)
	}
	if diff := cmp.Diff([]string{"B", "A"}, forced.IDs()); diff != "" {
		t.Errorf("forced order mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveAutoDependencies(t *testing.T) {
	bridge := comp("bridge", "1.0")
	bridge.AutoDependOn = []string{"A", "B"}
	chained := comp("chained", "1.0")
	chained.AutoDependOn = []string{"bridge"}

	u := universe(t, comp("A", "1.0"), comp("B", "1.0"), bridge, chained)

	t.Run("all triggers selected or installed", func(t *testing.T) {
		plan, err := Resolve(Input{
			Universe:  u,
			Installed: map[string]component.Installed{"B": {Version: "1.0", Reason: component.ReasonExplicit}},
			Requested: []string{"A"},
			Mode:      Install,
		})
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if diff := cmp.Diff([]string{"A", "bridge", "chained"}, plan.IDs()); diff != "" {
			t.Errorf("order mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]string{"bridge", "chained"}, plan.AutoDependencies); diff != "" {
			t.Errorf("auto dependencies mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("missing trigger", func(t *testing.T) {
		plan, err := Resolve(Input{Universe: u, Requested: []string{"A"}, Mode: Install})
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if diff := cmp.Diff([]string{"A"}, plan.IDs()); diff != "" {
			t.Errorf("order mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestResolveUpdate(t *testing.T) {
	u := universe(t,
		comp("A", "2.0", "B:>=1.0"),
		comp("B", "1.0"),
		comp("C", "1.0"),
		comp("D", "3.0"),
	)
	installed := map[string]component.Installed{
		"A": {Version: "1.0", Reason: component.ReasonExplicit},
		"B": {Version: "1.0", Reason: component.ReasonDependency},
		"C": {Version: "1.2", Reason: component.ReasonExplicit},
	}

	t.Run("everything with a newer version", func(t *testing.T) {
		plan, err := Resolve(Input{Universe: u, Installed: installed, Mode: Update})
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if diff := cmp.Diff([]string{"A"}, plan.IDs()); diff != "" {
			t.Errorf("order mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("explicit ids", func(t *testing.T) {
		plan, err := Resolve(Input{Universe: u, Installed: installed, Requested: []string{"C", "D"}, Mode: Update})
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if !plan.Empty() {
			t.Errorf("expected empty plan, got %v", plan.IDs())
		}
		want := []Skip{{ID: "D", Reason: SkipNotInstalled}, {ID: "C", Reason: SkipAlreadyInstalled}}
		if diff := cmp.Diff(want, plan.Skipped); diff != "" {
			t.Errorf("skipped mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestResolveUninstall(t *testing.T) {
	u := universe(t,
		comp("A", "1.0", "B"),
		comp("B", "1.0", "C"),
		comp("C", "1.0"),
		comp("D", "1.0", "C"),
		comp("E", "1.0"),
	)

	t.Run("dependents first", func(t *testing.T) {
		installed := map[string]component.Installed{
			"A": {Version: "1.0", Reason: component.ReasonExplicit},
			"B": {Version: "1.0", Reason: component.ReasonDependency},
			"C": {Version: "1.0", Reason: component.ReasonDependency},
		}
		plan, err := Resolve(Input{Universe: u, Installed: installed, Requested: []string{"A"}, Mode: Uninstall})
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if diff := cmp.Diff([]string{"A", "B", "C"}, plan.IDs()); diff != "" {
			t.Errorf("order mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("survivor keeps shared dependency", func(t *testing.T) {
		installed := map[string]component.Installed{
			"A": {Version: "1.0", Reason: component.ReasonExplicit},
			"B": {Version: "1.0", Reason: component.ReasonDependency},
			"C": {Version: "1.0", Reason: component.ReasonDependency},
			"D": {Version: "1.0", Reason: component.ReasonExplicit},
		}
		plan, err := Resolve(Input{Universe: u, Installed: installed, Requested: []string{"A"}, Mode: Uninstall})
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if diff := cmp.Diff([]string{"A", "B"}, plan.IDs()); diff != "" {
			t.Errorf("order mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]Skip{{ID: "C", Reason: SkipRequiredBy, By: "D"}}, plan.Skipped); diff != "" {
			t.Errorf("skipped mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("explicit dependencies stay", func(t *testing.T) {
		installed := map[string]component.Installed{
			"A": {Version: "1.0", Reason: component.ReasonExplicit},
			"B": {Version: "1.0", Reason: component.ReasonExplicit},
			"C": {Version: "1.0", Reason: component.ReasonDependency},
		}
		plan, err := Resolve(Input{Universe: u, Installed: installed, Requested: []string{"A"}, Mode: Uninstall})
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if diff := cmp.Diff([]string{"A"}, plan.IDs()); diff != "" {
			t.Errorf("order mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("not installed", func(t *testing.T) {
		plan, err := Resolve(Input{Universe: u, Requested: []string{"E"}, Mode: Uninstall})
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if diff := cmp.Diff([]Skip{{ID: "E", Reason: SkipNotInstalled}}, plan.Skipped); diff != "" {
			t.Errorf("skipped mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestResolveUninstallRemovesOrphanedAutoDependents(t *testing.T) {
	plugin := comp("plugin", "1.0")
	plugin.AutoDependOn = []string{"A"}
	u := universe(t, comp("A", "1.0"), plugin)

	installed := map[string]component.Installed{
		"A":      {Version: "1.0", Reason: component.ReasonExplicit},
		"plugin": {Version: "1.0", Reason: component.ReasonAutoDependency},
	}
	plan, err := Resolve(Input{Universe: u, Installed: installed, Requested: []string{"A"}, Mode: Uninstall})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if diff := cmp.Diff([]string{"plugin", "A"}, plan.IDs()); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"plugin"}, plan.AutoDependencies); diff != "" {
		t.Errorf("auto dependencies mismatch (-want +got):\n%s", diff)
	}
}

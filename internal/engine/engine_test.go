package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ZebulonRouseFrantzich/setupkit/internal/config"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/download"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/operation"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/platform"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/resolver"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/testutil"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/transaction"
)

type fakeProber struct {
	free    uint64
	running []platform.Process
}

func (p fakeProber) FreeSpace(context.Context, string) (uint64, error) {
	if p.free == 0 {
		return 1 << 40, nil
	}
	return p.free, nil
}

func (p fakeProber) Running(context.Context, []string) ([]platform.Process, error) {
	return p.running, nil
}

func (fakeProber) Alive(context.Context, int32) bool { return true }

type recordingObserver struct {
	mu        sync.Mutex
	states    []State
	applied   []string
	onState   func(State)
	onApplied func(id string)
}

func (o *recordingObserver) StateChanged(s State) {
	o.mu.Lock()
	o.states = append(o.states, s)
	fn := o.onState
	o.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (o *recordingObserver) ComponentApplied(id string, done, total int) {
	o.mu.Lock()
	o.applied = append(o.applied, fmt.Sprintf("%s %d/%d", id, done, total))
	fn := o.onApplied
	o.mu.Unlock()
	if fn != nil {
		fn(id)
	}
}

func testConfig(t *testing.T, repo string) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Name:         "Example",
		Version:      "1.0.0",
		TargetDir:    filepath.Join(t.TempDir(), "app"),
		Repositories: []config.Repository{{URL: repo}},
	}
	if err := cfg.ApplyDefaults(); err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config, mutate func(*Deps)) (*Engine, *recordingObserver) {
	t.Helper()
	obs := &recordingObserver{}
	deps := Deps{
		Fetcher:  download.NewFetcher(download.WithRetries(0)),
		Prober:   fakeProber{},
		Platform: &platform.Info{OS: "linux", Arch: "amd64"},
		Observer: obs,
		Clock:    FixedClock(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)),
	}
	if mutate != nil {
		mutate(&deps)
	}
	e, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return e, obs
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func assertMissing(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("%s still exists (err = %v)", path, err)
	}
}

func TestRun_Install(t *testing.T) {
	repo := testutil.WriteRepository(t,
		testutil.Package{ID: "org.example.lib", Version: "1.0.0", Files: map[string]string{"lib/libexample.so": "lib"}},
		testutil.Package{ID: "org.example.app", Version: "2.0.0", Dependencies: "org.example.lib", Files: map[string]string{"bin/app": "app"}},
	)
	cfg := testConfig(t, repo)
	e, obs := newTestEngine(t, cfg, nil)

	rep, err := e.Run(context.Background(), Request{Mode: resolver.Install, Components: []string{"org.example.app"}})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rep.State != StateDone {
		t.Fatalf("State = %s, want done", rep.State)
	}
	if diff := cmp.Diff([]string{"org.example.lib", "org.example.app"}, rep.Plan.IDs()); diff != "" {
		t.Errorf("plan order (-want +got):\n%s", diff)
	}

	if got := readFile(t, filepath.Join(cfg.TargetDir, "bin", "app")); got != "app" {
		t.Errorf("bin/app = %q", got)
	}
	if got := readFile(t, filepath.Join(cfg.TargetDir, "lib", "libexample.so")); got != "lib" {
		t.Errorf("lib/libexample.so = %q", got)
	}
	assertMissing(t, e.path(logFile))
	assertMissing(t, e.path(transaction.LockFile))

	rec, err := e.Installed()
	if err != nil {
		t.Fatalf("Installed() error = %v", err)
	}
	app, ok := rec.Get("org.example.app")
	if !ok {
		t.Fatal("org.example.app not recorded")
	}
	if app.Version != "2.0.0" || string(app.Reason) != "explicit" || len(app.Operations) != 1 {
		t.Errorf("recorded app = %+v", app)
	}
	lib, ok := rec.Get("org.example.lib")
	if !ok || string(lib.Reason) != "dependency" {
		t.Errorf("recorded lib = %+v, ok = %v", lib, ok)
	}

	wantStates := []State{StateResolving, StateDownloading, StateApplying, StateFinalizing, StateDone}
	if diff := cmp.Diff(wantStates, obs.states); diff != "" {
		t.Errorf("states (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"org.example.lib 1/2", "org.example.app 2/2"}, obs.applied); diff != "" {
		t.Errorf("applied (-want +got):\n%s", diff)
	}
	if got := rep.Summary(); got != "install of 2 component(s) completed" {
		t.Errorf("Summary() = %q", got)
	}
}

func TestRun_InstallEverythingWhenNothingRequested(t *testing.T) {
	repo := testutil.WriteRepository(t,
		testutil.Package{ID: "org.example.a", Version: "1.0.0", Files: map[string]string{"a.txt": "a"}},
		testutil.Package{ID: "org.example.b", Version: "1.0.0", Files: map[string]string{"b.txt": "b"}},
	)
	cfg := testConfig(t, repo)
	e, _ := newTestEngine(t, cfg, nil)

	rep, err := e.Run(context.Background(), Request{Mode: resolver.Install})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(rep.Plan.Entries) != 2 {
		t.Errorf("plan = %v, want both components", rep.Plan.IDs())
	}
}

func TestRun_ScriptOperationFailureRollsBack(t *testing.T) {
	src := filepath.Join(t.TempDir(), "settings.conf")
	if err := os.WriteFile(src, []byte("conf"), 0o644); err != nil {
		t.Fatal(err)
	}
	script := fmt.Sprintf(`
function createOperations(component)
  component.addOperation("Copy", %q, "@TargetDir@/etc/settings.conf")
  component.addOperation("Delete", "@TargetDir@/locked.txt")
end
`, src)

	repo := testutil.WriteRepository(t, testutil.Package{
		ID: "org.example.app", Version: "1.0.0",
		Files:  map[string]string{"bin/app": "app"},
		Script: script,
	})
	cfg := testConfig(t, repo)
	if err := os.MkdirAll(filepath.Join(cfg.TargetDir, "etc"), 0o755); err != nil {
		t.Fatal(err)
	}
	locked := filepath.Join(cfg.TargetDir, "locked.txt")
	if err := os.WriteFile(locked, []byte("keep"), 0o444); err != nil {
		t.Fatal(err)
	}
	e, _ := newTestEngine(t, cfg, nil)

	rep, err := e.Run(context.Background(), Request{Mode: resolver.Install, Components: []string{"org.example.app"}})
	if err == nil {
		t.Fatal("Run() succeeded, want operation failure")
	}
	if rep.State != StateRolledBack {
		t.Fatalf("State = %s, want rolled-back", rep.State)
	}
	if rep.Rollback != operation.RollbackFull {
		t.Errorf("Rollback = %s, want full", rep.Rollback)
	}
	if rep.FailedComponent != "org.example.app" {
		t.Errorf("FailedComponent = %q", rep.FailedComponent)
	}
	if rep.FailedOperation == nil || rep.FailedOperation.Kind != operation.KindDelete {
		t.Errorf("FailedOperation = %v, want the Delete", rep.FailedOperation)
	}

	assertMissing(t, filepath.Join(cfg.TargetDir, "etc", "settings.conf"))
	assertMissing(t, filepath.Join(cfg.TargetDir, "bin", "app"))
	if got := readFile(t, locked); got != "keep" {
		t.Errorf("locked.txt = %q", got)
	}
	assertMissing(t, e.path(logFile))
	assertMissing(t, transaction.RecordPath(cfg.TargetDir))
	if !strings.Contains(rep.Summary(), "install rolled back (full) at org.example.app") {
		t.Errorf("Summary() = %q", rep.Summary())
	}
}

func TestRun_DownloadFailureRollsBack(t *testing.T) {
	repo := testutil.WriteRepository(t, testutil.Package{
		ID: "org.example.app", Version: "1.0.0",
		Files:   map[string]string{"bin/app": "app"},
		BadHash: true,
	})
	cfg := testConfig(t, repo)
	e, _ := newTestEngine(t, cfg, nil)

	rep, err := e.Run(context.Background(), Request{Mode: resolver.Install, Components: []string{"org.example.app"}})
	if err == nil {
		t.Fatal("Run() succeeded, want download failure")
	}
	if rep.State != StateRolledBack {
		t.Errorf("State = %s, want rolled-back", rep.State)
	}
	assertMissing(t, filepath.Join(cfg.TargetDir, "bin", "app"))
	assertMissing(t, transaction.RecordPath(cfg.TargetDir))
}

func TestRun_FailsBeforeChanges(t *testing.T) {
	repo := testutil.WriteRepository(t, testutil.Package{ID: "org.example.app", Version: "1.0.0", Files: map[string]string{"bin/app": "app"}})

	tests := []struct {
		name    string
		prober  fakeProber
		request Request
		wantErr func(error) bool
	}{
		{
			name:    "unknown component",
			request: Request{Mode: resolver.Install, Components: []string{"org.example.missing"}},
			wantErr: func(err error) bool { return errors.Is(err, resolver.ErrResolution) },
		},
		{
			name:    "product running",
			prober:  fakeProber{running: []platform.Process{{PID: 42, Name: "app"}}},
			request: Request{Mode: resolver.Install, Components: []string{"org.example.app"}},
			wantErr: func(err error) bool {
				var pe *platform.ProcessRunningError
				return errors.As(err, &pe)
			},
		},
		{
			name:    "disk full",
			prober:  fakeProber{free: 1},
			request: Request{Mode: resolver.Install, Components: []string{"org.example.app"}},
			wantErr: func(err error) bool {
				var se *platform.InsufficientSpaceError
				return errors.As(err, &se)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t, repo)
			cfg.CheckProcesses = []string{"app"}
			e, obs := newTestEngine(t, cfg, func(d *Deps) { d.Prober = tt.prober })

			rep, err := e.Run(context.Background(), tt.request)
			if !tt.wantErr(err) {
				t.Fatalf("Run() error = %v", err)
			}
			if rep.State != StateFailed {
				t.Errorf("State = %s, want failed", rep.State)
			}
			for _, s := range obs.states {
				if s == StateDownloading || s == StateApplying {
					t.Errorf("reached %s", s)
				}
			}
			assertMissing(t, filepath.Join(cfg.TargetDir, "bin"))
		})
	}
}

func TestRun_Uninstall(t *testing.T) {
	repo := testutil.WriteRepository(t, testutil.Package{ID: "org.example.app", Version: "1.0.0", Files: map[string]string{"bin/app": "app", "share/doc.txt": "doc"}})
	cfg := testConfig(t, repo)
	e, _ := newTestEngine(t, cfg, nil)

	if _, err := e.Run(context.Background(), Request{Mode: resolver.Install, Components: []string{"org.example.app"}}); err != nil {
		t.Fatalf("install: %v", err)
	}

	// Uninstall resolves against the record alone.
	if err := os.RemoveAll(repo); err != nil {
		t.Fatal(err)
	}

	rep, err := e.Run(context.Background(), Request{Mode: resolver.Uninstall, Components: []string{"org.example.app"}})
	if err != nil {
		t.Fatalf("uninstall: %v", err)
	}
	if rep.State != StateDone {
		t.Fatalf("State = %s, want done", rep.State)
	}
	if len(rep.Operations) != 1 || rep.Operations[0].State != operation.StateUndone {
		t.Errorf("Operations = %v", rep.Operations)
	}
	assertMissing(t, filepath.Join(cfg.TargetDir, "bin"))
	assertMissing(t, filepath.Join(cfg.TargetDir, "share"))
	assertMissing(t, transaction.RecordPath(cfg.TargetDir))
	assertMissing(t, e.path())
	assertMissing(t, cfg.TargetDir)
}

func TestRun_UninstallKeepsForeignFiles(t *testing.T) {
	repo := testutil.WriteRepository(t, testutil.Package{ID: "org.example.app", Version: "1.0.0", Files: map[string]string{"bin/app": "app"}})
	cfg := testConfig(t, repo)
	e, _ := newTestEngine(t, cfg, nil)

	if _, err := e.Run(context.Background(), Request{Mode: resolver.Install, Components: []string{"org.example.app"}}); err != nil {
		t.Fatalf("install: %v", err)
	}
	notes := filepath.Join(cfg.TargetDir, "notes.txt")
	if err := os.WriteFile(notes, []byte("mine"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := e.Run(context.Background(), Request{Mode: resolver.Uninstall, All: true}); err != nil {
		t.Fatalf("uninstall: %v", err)
	}
	assertMissing(t, e.path())
	if got := readFile(t, notes); got != "mine" {
		t.Errorf("notes.txt = %q", got)
	}
}

func TestRun_UninstallCanceledBetweenComponents(t *testing.T) {
	repo := testutil.WriteRepository(t,
		testutil.Package{ID: "org.example.a", Version: "1.0.0", Files: map[string]string{"a.txt": "a"}},
		testutil.Package{ID: "org.example.b", Version: "1.0.0", Files: map[string]string{"b.txt": "b"}},
	)
	cfg := testConfig(t, repo)
	e, obs := newTestEngine(t, cfg, nil)

	if _, err := e.Run(context.Background(), Request{Mode: resolver.Install}); err != nil {
		t.Fatalf("install: %v", err)
	}
	obs.onApplied = func(string) { e.Cancel() }

	rep, err := e.Run(context.Background(), Request{Mode: resolver.Uninstall, All: true})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if rep.State != StateRolledBack {
		t.Errorf("State = %s, want rolled-back", rep.State)
	}

	rec, err := e.Installed()
	if err != nil {
		t.Fatalf("Installed() error = %v", err)
	}
	if len(rec.Components) != 1 {
		t.Fatalf("recorded %d component(s), want 1", len(rec.Components))
	}
	kept := rec.Components[0].ID
	if kept != rep.FailedComponent {
		t.Errorf("kept %s, FailedComponent = %s", kept, rep.FailedComponent)
	}
	name := strings.TrimPrefix(kept, "org.example.") + ".txt"
	if got := readFile(t, filepath.Join(cfg.TargetDir, name)); got != name[:1] {
		t.Errorf("%s = %q", name, got)
	}
	removed := "a.txt"
	if name == "a.txt" {
		removed = "b.txt"
	}
	assertMissing(t, filepath.Join(cfg.TargetDir, removed))
}

func TestRun_UpdateReplacesPreviousVersion(t *testing.T) {
	v1 := testutil.WriteRepository(t, testutil.Package{
		ID: "org.example.app", Version: "1.0.0",
		Files: map[string]string{"bin/app": "app 1", "share/old/readme": "old"},
	})
	cfg := testConfig(t, v1)
	e, _ := newTestEngine(t, cfg, nil)
	if _, err := e.Run(context.Background(), Request{Mode: resolver.Install, Components: []string{"org.example.app"}}); err != nil {
		t.Fatalf("install: %v", err)
	}

	v2 := testutil.WriteRepository(t, testutil.Package{
		ID: "org.example.app", Version: "2.0.0",
		Files: map[string]string{"bin/app": "app 2"},
	})
	cfg2 := testConfig(t, v2)
	cfg2.TargetDir = cfg.TargetDir
	e2, _ := newTestEngine(t, cfg2, nil)

	rep, err := e2.Run(context.Background(), Request{Mode: resolver.Update})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if rep.State != StateDone {
		t.Fatalf("State = %s, want done", rep.State)
	}
	if got := readFile(t, filepath.Join(cfg.TargetDir, "bin", "app")); got != "app 2" {
		t.Errorf("bin/app = %q", got)
	}
	assertMissing(t, filepath.Join(cfg.TargetDir, "share"))

	rec, err := e2.Installed()
	if err != nil {
		t.Fatalf("Installed() error = %v", err)
	}
	app, ok := rec.Get("org.example.app")
	if !ok || app.Version != "2.0.0" || len(app.Operations) != 1 {
		t.Fatalf("recorded app = %+v, ok = %v", app, ok)
	}
	if app.Operations[0].Kind != operation.KindExtract {
		t.Errorf("recorded operation = %v, want the Extract", app.Operations[0])
	}

	if _, err := e2.Run(context.Background(), Request{Mode: resolver.Uninstall, All: true}); err != nil {
		t.Fatalf("uninstall: %v", err)
	}
	assertMissing(t, cfg.TargetDir)
}

func TestRun_UpdateFailureRestoresPreviousVersion(t *testing.T) {
	v1 := testutil.WriteRepository(t, testutil.Package{
		ID: "org.example.app", Version: "1.0.0",
		Files: map[string]string{"bin/app": "app 1", "share/old/readme": "old"},
	})
	cfg := testConfig(t, v1)
	e, _ := newTestEngine(t, cfg, nil)
	if _, err := e.Run(context.Background(), Request{Mode: resolver.Install, Components: []string{"org.example.app"}}); err != nil {
		t.Fatalf("install: %v", err)
	}

	v2 := testutil.WriteRepository(t, testutil.Package{
		ID: "org.example.app", Version: "2.0.0",
		Files: map[string]string{"bin/app": "app 2"},
		Script: `
function createOperations(component)
  component.addOperation("Delete", "@TargetDir@")
end
`,
	})
	cfg2 := testConfig(t, v2)
	cfg2.TargetDir = cfg.TargetDir
	e2, _ := newTestEngine(t, cfg2, nil)

	rep, err := e2.Run(context.Background(), Request{Mode: resolver.Update})
	if err == nil {
		t.Fatal("update succeeded, want operation failure")
	}
	if rep.State != StateRolledBack || rep.Rollback != operation.RollbackFull {
		t.Fatalf("State = %s, Rollback = %s", rep.State, rep.Rollback)
	}
	if got := readFile(t, filepath.Join(cfg.TargetDir, "bin", "app")); got != "app 1" {
		t.Errorf("bin/app = %q, want the previous version", got)
	}
	if got := readFile(t, filepath.Join(cfg.TargetDir, "share", "old", "readme")); got != "old" {
		t.Errorf("share/old/readme = %q", got)
	}
	rec, err := e2.Installed()
	if err != nil {
		t.Fatalf("Installed() error = %v", err)
	}
	if app, ok := rec.Get("org.example.app"); !ok || app.Version != "1.0.0" {
		t.Errorf("recorded app = %+v, ok = %v", app, ok)
	}
}

func TestRun_UpdateSkipsCurrentComponents(t *testing.T) {
	repo := testutil.WriteRepository(t, testutil.Package{ID: "org.example.app", Version: "1.0.0", Files: map[string]string{"bin/app": "app"}})
	cfg := testConfig(t, repo)
	e, _ := newTestEngine(t, cfg, nil)

	if _, err := e.Run(context.Background(), Request{Mode: resolver.Install, Components: []string{"org.example.app"}}); err != nil {
		t.Fatalf("install: %v", err)
	}
	rep, err := e.Run(context.Background(), Request{Mode: resolver.Update})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if rep.State != StateDone || !rep.Plan.Empty() {
		t.Errorf("State = %s, plan = %v", rep.State, rep.Plan.IDs())
	}
	if got := rep.Summary(); got != "nothing to do" {
		t.Errorf("Summary() = %q", got)
	}
}

func TestRun_RepairsInterruptedRun(t *testing.T) {
	repo := testutil.WriteRepository(t, testutil.Package{ID: "org.example.app", Version: "1.0.0", Files: map[string]string{"bin/app": "app"}})
	cfg := testConfig(t, repo)
	e, _ := newTestEngine(t, cfg, nil)

	leftover := filepath.Join(cfg.TargetDir, "partial")
	log := operation.NewLog(e.path(logFile), operation.NewRegistry(), operation.Env{})
	if err := log.Execute(context.Background(), operation.New(operation.KindMkdir, leftover)); err != nil {
		t.Fatalf("seed log: %v", err)
	}

	rep, err := e.Run(context.Background(), Request{Mode: resolver.Install, Components: []string{"org.example.app"}})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rep.Repaired == nil || rep.Repaired.Undone != 1 {
		t.Errorf("Repaired = %+v, want one undone operation", rep.Repaired)
	}
	assertMissing(t, leftover)
}

func TestRepair(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	e, _ := newTestEngine(t, cfg, nil)

	report, err := e.Repair(context.Background())
	if err != nil || report != nil {
		t.Fatalf("Repair() without a log = %v, %v", report, err)
	}

	leftover := filepath.Join(cfg.TargetDir, "partial")
	log := operation.NewLog(e.path(logFile), operation.NewRegistry(), operation.Env{})
	if err := log.Execute(context.Background(), operation.New(operation.KindMkdir, leftover)); err != nil {
		t.Fatalf("seed log: %v", err)
	}

	report, err = e.Repair(context.Background())
	if err != nil {
		t.Fatalf("Repair() error = %v", err)
	}
	if report.Status() != operation.RollbackFull {
		t.Errorf("Status() = %s", report.Status())
	}
	assertMissing(t, leftover)
	assertMissing(t, e.path(logFile))
}

func TestRun_LockHeld(t *testing.T) {
	repo := testutil.WriteRepository(t, testutil.Package{ID: "org.example.app", Version: "1.0.0", Files: map[string]string{"bin/app": "app"}})
	cfg := testConfig(t, repo)
	e, _ := newTestEngine(t, cfg, nil)

	if err := os.MkdirAll(e.path(), 0o700); err != nil {
		t.Fatal(err)
	}
	holder := fmt.Sprintf("pid=%d\ntimestamp=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(e.path(transaction.LockFile), []byte(holder), 0o600); err != nil {
		t.Fatal(err)
	}

	rep, err := e.Run(context.Background(), Request{Mode: resolver.Install, Components: []string{"org.example.app"}})
	if !errors.Is(err, transaction.ErrLockExists) {
		t.Fatalf("Run() error = %v, want ErrLockExists", err)
	}
	if rep.State != StateFailed {
		t.Errorf("State = %s, want failed", rep.State)
	}
}

func TestRun_Cancel(t *testing.T) {
	repo := testutil.WriteRepository(t, testutil.Package{ID: "org.example.app", Version: "1.0.0", Files: map[string]string{"bin/app": "app"}})
	cfg := testConfig(t, repo)
	e, obs := newTestEngine(t, cfg, nil)
	obs.onState = func(s State) {
		if s == StateApplying {
			e.Cancel()
		}
	}

	rep, err := e.Run(context.Background(), Request{Mode: resolver.Install, Components: []string{"org.example.app"}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if rep.State != StateRolledBack {
		t.Errorf("State = %s, want rolled-back", rep.State)
	}
	if got := obs.states[len(obs.states)-2]; got != StateCanceling {
		t.Errorf("state before the end = %s, want canceling", got)
	}
	assertMissing(t, filepath.Join(cfg.TargetDir, "bin", "app"))
}

func TestRun_Busy(t *testing.T) {
	repo := testutil.WriteRepository(t, testutil.Package{ID: "org.example.app", Version: "1.0.0", Files: map[string]string{"bin/app": "app"}})
	cfg := testConfig(t, repo)
	e, obs := newTestEngine(t, cfg, nil)

	var nestedErr error
	obs.onState = func(s State) {
		if s == StateResolving {
			_, nestedErr = e.Run(context.Background(), Request{Mode: resolver.Install})
		}
	}
	if _, err := e.Run(context.Background(), Request{Mode: resolver.Install, Components: []string{"org.example.app"}}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !errors.Is(nestedErr, ErrBusy) {
		t.Errorf("nested Run() error = %v, want ErrBusy", nestedErr)
	}
}

func TestRun_WritesMaintenanceTool(t *testing.T) {
	script := `
function createOperations(component)
  installer.log("creating operations")
end
`
	repo := testutil.WriteRepository(t, testutil.Package{
		ID: "org.example.app", Version: "1.0.0",
		Files:  map[string]string{"bin/app": "app"},
		Script: script,
	})
	cfg := testConfig(t, repo)

	exe := filepath.Join(t.TempDir(), "setupkit")
	if err := os.WriteFile(exe, []byte("#!/bin/sh\necho setupkit\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	e, _ := newTestEngine(t, cfg, func(d *Deps) { d.Executable = exe })

	rep, err := e.Run(context.Background(), Request{Mode: resolver.Install, Components: []string{"org.example.app"}})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if rep.Degraded {
		t.Fatalf("Degraded: %v", rep.Warnings)
	}

	data, err := ReadMaintenanceData(e.maintenanceToolPath())
	if err != nil {
		t.Fatalf("ReadMaintenanceData() error = %v", err)
	}
	if !strings.Contains(data.Config, "installer = {") {
		t.Errorf("Config = %q", data.Config)
	}
	if _, ok := data.Record.Get("org.example.app"); !ok {
		t.Error("embedded record misses org.example.app")
	}
	if got := string(data.Scripts["org.example.app/installscript.lua"]); got != script {
		t.Errorf("embedded script = %q", got)
	}

	if _, err := e.Run(context.Background(), Request{Mode: resolver.Uninstall, Components: []string{"org.example.app"}}); err != nil {
		t.Fatalf("uninstall: %v", err)
	}
	assertMissing(t, e.maintenanceToolPath())
}

func TestRun_MaintenanceToolFailureDegrades(t *testing.T) {
	repo := testutil.WriteRepository(t, testutil.Package{ID: "org.example.app", Version: "1.0.0", Files: map[string]string{"bin/app": "app"}})
	cfg := testConfig(t, repo)
	missing := filepath.Join(t.TempDir(), "gone", "setupkit")
	e, _ := newTestEngine(t, cfg, func(d *Deps) { d.Executable = missing })

	rep, err := e.Run(context.Background(), Request{Mode: resolver.Install, Components: []string{"org.example.app"}})
	if err != nil {
		t.Fatalf("Run() error = %v, want a degraded success", err)
	}
	if rep.State != StateDone || !rep.Degraded {
		t.Fatalf("State = %s, Degraded = %v", rep.State, rep.Degraded)
	}
	if len(rep.Warnings) != 1 || !strings.Contains(rep.Warnings[0], "write maintenance tool") {
		t.Errorf("Warnings = %q", rep.Warnings)
	}
	if rep.UndoLog != nil || rep.Rollback != "" {
		t.Errorf("UndoLog = %v, Rollback = %q, want no rollback", rep.UndoLog, rep.Rollback)
	}
	if got := readFile(t, filepath.Join(cfg.TargetDir, "bin", "app")); got != "app" {
		t.Errorf("bin/app = %q", got)
	}
	if _, err := transaction.LoadRecord(transaction.RecordPath(cfg.TargetDir)); err != nil {
		t.Errorf("record not saved: %v", err)
	}
	assertMissing(t, e.maintenanceToolPath())
	if !strings.Contains(rep.Summary(), "with 1 warning(s): write maintenance tool") {
		t.Errorf("Summary() = %q", rep.Summary())
	}
}

func TestReport_Summary(t *testing.T) {
	failed := operation.New(operation.KindDelete, "/opt/app/x")
	tests := []struct {
		name string
		rep  Report
		want string
	}{
		{
			name: "degraded",
			rep: Report{
				Mode: resolver.Install, State: StateDone,
				Plan:     &resolver.Plan{Entries: make([]resolver.Entry, 1)},
				Degraded: true, Warnings: []string{"save installation record: disk full"},
			},
			want: "install of 1 component(s) completed with 1 warning(s): save installation record: disk full",
		},
		{
			name: "partial rollback",
			rep: Report{
				Mode: resolver.Update, State: StateRolledBack, Rollback: operation.RollbackPartial,
				FailedComponent: "org.example.app", FailedOperation: failed,
				Err: errors.New("boom"), ManualCleanup: []string{"/opt/app/x"},
			},
			want: `update rolled back (partial) at org.example.app (Delete ["/opt/app/x"]): boom; clean up manually: /opt/app/x`,
		},
		{
			name: "failed",
			rep:  Report{Mode: resolver.Uninstall, State: StateFailed, Err: errors.New("locked")},
			want: "uninstall failed: locked",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rep.Summary(); got != tt.want {
				t.Errorf("Summary() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestState_Terminal(t *testing.T) {
	for _, s := range []State{StateDone, StateRolledBack, StateFailed} {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false", s)
		}
	}
	for _, s := range []State{StateIdle, StateResolving, StateDownloading, StateApplying, StateFinalizing, StateCanceling} {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true", s)
		}
	}
}

func TestWriteMaintenanceTool(t *testing.T) {
	repo := testutil.WriteRepository(t, testutil.Package{ID: "org.example.app", Version: "1.0.0", Files: map[string]string{"bin/app": "app"}})
	cfg := testConfig(t, repo)
	exe := filepath.Join(t.TempDir(), "setupkit")
	if err := os.WriteFile(exe, []byte("base"), 0o755); err != nil {
		t.Fatal(err)
	}
	e, _ := newTestEngine(t, cfg, func(d *Deps) { d.Executable = exe })

	if _, err := e.WriteMaintenanceTool(context.Background()); err == nil {
		t.Fatal("WriteMaintenanceTool() on an empty target succeeded")
	}

	if _, err := e.Run(context.Background(), Request{Mode: resolver.Install, Components: []string{"org.example.app"}}); err != nil {
		t.Fatalf("install: %v", err)
	}
	if err := os.Remove(e.maintenanceToolPath()); err != nil {
		t.Fatal(err)
	}

	path, err := e.WriteMaintenanceTool(context.Background())
	if err != nil {
		t.Fatalf("WriteMaintenanceTool() error = %v", err)
	}
	data, err := ReadMaintenanceData(path)
	if err != nil {
		t.Fatalf("ReadMaintenanceData() error = %v", err)
	}
	if data.Record == nil || len(data.Record.Components) != 1 {
		t.Errorf("embedded record = %+v", data.Record)
	}
}

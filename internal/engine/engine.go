// Package engine orchestrates installation runs.
//
// A run moves through Resolving, Downloading, Applying and Finalizing and ends
// in Done, RolledBack or Failed:
//
//   - a resolution or pre-flight failure ends Failed before anything is written;
//   - a download, script or operation failure undoes every performed operation
//     and ends RolledBack, with the rollback status in the report;
//   - a failure while writing the record or the maintenance tool ends Done with
//     Report.Degraded set.
//
// Cancellation moves the run through Canceling to RolledBack. The target directory
// is locked for the whole run and a log left by an interrupted run is rolled back
// before a new one starts.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ProtonMail/go-crypto/openpgp"

	"github.com/ZebulonRouseFrantzich/setupkit/internal/archive"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/component"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/config"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/download"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/logging"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/operation"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/platform"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/repository"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/resolver"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/transaction"
)

const (
	logFile    = "operations.json"
	backupDir  = "backups"
	cacheDir   = "cache"
	archiveDir = "archives"
)

// ErrBusy is returned when Run or Repair is called while a run is in progress.
var ErrBusy = errors.New("engine is already running")

// Deps are the collaborators of an Engine. Only Fetcher is required.
type Deps struct {
	Fetcher   *download.Fetcher
	Registry  *operation.Registry
	Extractor operation.Extractor
	Runner    operation.Runner
	Elevator  operation.Elevator
	Prober    platform.Prober
	Platform  *platform.Info
	Keyring   openpgp.EntityList

	// Executable is the base of the maintenance tool, normally the running
	// binary. Empty disables writing the maintenance tool.
	Executable string

	Observer Observer
	Clock    Clock
	Logger   logging.Logger
}

// Request describes one run.
type Request struct {
	Mode       resolver.Mode
	Components []string
	// ForceReinstall reinstalls components already at the candidate version.
	ForceReinstall bool
	// All selects every installed component; uninstall only.
	All bool
}

// Engine runs installations into one target directory.
type Engine struct {
	cfg    *config.Config
	deps   Deps
	policy operation.BackupPolicy
	client *repository.Client
	logger logging.Logger

	mu      sync.Mutex
	state   State
	running bool
	cancel  context.CancelFunc
}

// New creates an engine for cfg, which must be validated.
func New(cfg *config.Config, deps Deps) (*Engine, error) {
	if deps.Fetcher == nil {
		return nil, errors.New("engine: no fetcher")
	}
	policy, err := operation.ParseBackupPolicy(cfg.BackupRetention)
	if err != nil {
		return nil, err
	}

	if deps.Registry == nil {
		deps.Registry = operation.NewRegistry()
	}
	if deps.Extractor == nil {
		deps.Extractor = archive.NewExtractor()
	}
	if deps.Elevator == nil {
		deps.Elevator = operation.DefaultElevator(deps.Registry)
	}
	if deps.Prober == nil {
		deps.Prober = platform.Host{}
	}
	if deps.Platform == nil {
		deps.Platform = &platform.Info{}
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if deps.Clock == nil {
		deps.Clock = systemClock{}
	}
	deps.Logger = logging.OrNop(deps.Logger)

	e := &Engine{
		cfg:    cfg,
		deps:   deps,
		policy: policy,
		logger: deps.Logger,
		state:  StateIdle,
	}

	opts := []repository.ClientOption{repository.WithLogger(deps.Logger)}
	if deps.Keyring != nil {
		opts = append(opts, repository.WithKeyring(deps.Keyring))
	}
	e.client = repository.NewClient(deps.Fetcher, e.path(cacheDir), opts...)
	return e, nil
}

// State returns the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Cancel asks the running run to stop. Operations in progress complete or undo
// themselves; the run then rolls back.
func (e *Engine) Cancel() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run executes req. The returned error is the report's Err; a degraded but
// successful run returns a nil error.
func (e *Engine) Run(ctx context.Context, req Request) (*Report, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := e.begin(cancel); err != nil {
		return nil, err
	}
	defer e.end()

	r := &run{
		e:   e,
		req: req,
		rep: &Report{Mode: req.Mode, Started: e.deps.Clock.Now()},
		ops: make(map[string][]*operation.Operation),
	}
	r.execute(ctx)

	r.rep.State = e.State()
	r.rep.Finished = e.deps.Clock.Now()
	e.logger.Info("run finished", "mode", req.Mode.String(), "state", string(r.rep.State), "summary", r.rep.Summary())
	return r.rep, r.rep.Err
}

// Repair rolls back the log of an interrupted run, if any.
func (e *Engine) Repair(ctx context.Context) (*operation.UndoReport, error) {
	if err := e.begin(nil); err != nil {
		return nil, err
	}
	defer e.end()

	lock, err := transaction.AcquireLock(ctx, e.path(), transaction.WithProcessChecker(e.deps.Prober))
	if err != nil {
		return nil, err
	}
	defer lock.Release()
	return e.repair(ctx)
}

// Installed returns the current installation record.
func (e *Engine) Installed() (*transaction.Record, error) {
	return e.loadRecord()
}

// Available fetches the merged component universe of the enabled repositories.
func (e *Engine) Available(ctx context.Context) (*component.Universe, error) {
	u, _, err := e.client.Universe(ctx, e.cfg.EnabledRepositories())
	return u, err
}

func (e *Engine) begin(cancel context.CancelFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrBusy
	}
	e.running = true
	e.cancel = cancel
	e.state = StateIdle
	return nil
}

func (e *Engine) end() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = false
	e.cancel = nil
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	e.mu.Unlock()
	if prev != s {
		e.logger.Debug("state changed", "from", string(prev), "to", string(s))
		e.deps.Observer.StateChanged(s)
	}
}

// path returns a location inside the state directory of the target.
func (e *Engine) path(elem ...string) string {
	return filepath.Join(append([]string{e.cfg.TargetDir, transaction.StateDir}, elem...)...)
}

func (e *Engine) env(archives operation.ArchiveSource) operation.Env {
	return operation.Env{
		Archives:  archives,
		Extractor: e.deps.Extractor,
		Runner:    e.deps.Runner,
		Logger:    e.logger,
	}
}

// repair undoes a log left behind by an interrupted run.
func (e *Engine) repair(ctx context.Context) (*operation.UndoReport, error) {
	path := e.path(logFile)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	log, err := operation.LoadLog(path, e.deps.Registry, e.env(nil), operation.WithElevator(e.deps.Elevator))
	if err != nil {
		return nil, err
	}
	e.logger.Warn("rolling back interrupted run", "log", path, "operations", log.Len())

	report, err := log.UndoAll(ctx)
	if err != nil {
		return report, fmt.Errorf("%d operations of an interrupted run could not be undone: %w", len(report.Failed), err)
	}
	return report, nil
}

// loadRecord returns the newer of the record embedded in the executable and
// the record file. A target without either gets an empty record.
func (e *Engine) loadRecord() (*transaction.Record, error) {
	var embedded *transaction.Record
	if e.deps.Executable != "" {
		data, err := ReadMaintenanceData(e.deps.Executable)
		if err == nil && data.Record != nil && filepath.Clean(data.Record.TargetDir) == filepath.Clean(e.cfg.TargetDir) {
			embedded = data.Record
		}
	}

	rec, err := transaction.LoadRecord(transaction.RecordPath(e.cfg.TargetDir))
	switch {
	case errors.Is(err, os.ErrNotExist):
		if embedded != nil {
			return embedded, nil
		}
		return transaction.NewRecord(e.cfg.Name, e.cfg.Version, e.cfg.TargetDir), nil
	case err != nil:
		if embedded != nil {
			e.logger.Warn("installation record unreadable, using embedded copy", "error", err)
			return embedded, nil
		}
		return nil, err
	}

	if embedded != nil && embedded.Updated.After(rec.Updated) {
		return embedded, nil
	}
	return rec, nil
}

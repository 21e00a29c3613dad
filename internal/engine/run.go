package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ZebulonRouseFrantzich/setupkit/internal/component"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/download"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/operation"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/platform"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/resolver"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/script"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/transaction"
)

// run is the state of one Engine.Run.
type run struct {
	e   *Engine
	req Request
	rep *Report

	record  *transaction.Record
	plan    *resolver.Plan
	batch   *download.Batch
	log     *operation.Log
	current string

	ops     map[string][]*operation.Operation
	scripts map[string][]byte

	// emptied is set once the last component is gone; the state directory is
	// removed after the lock is released.
	emptied bool
}

func (r *run) execute(ctx context.Context) {
	e := r.e

	lock, err := transaction.AcquireLock(ctx, e.path(), transaction.WithProcessChecker(e.deps.Prober))
	if err != nil {
		r.fail(err)
		return
	}
	defer func() {
		if err := lock.Release(); err != nil {
			e.logger.Warn("release lock", "error", err)
		}
		if r.emptied {
			r.removeState()
		}
	}()

	repaired, err := e.repair(ctx)
	r.rep.Repaired = repaired
	if err != nil {
		r.fail(fmt.Errorf("repair interrupted run: %w", err))
		return
	}
	if e.policy == operation.BackupKeep {
		if err := operation.PurgeBackups(e.path(backupDir), ""); err != nil {
			e.logger.Warn("purge old backups", "error", err)
		}
	}

	e.setState(StateResolving)
	if err := r.resolve(ctx); err != nil {
		r.abort(ctx, err)
		return
	}
	if r.plan.Empty() {
		e.setState(StateDone)
		return
	}
	if err := r.preflight(ctx); err != nil {
		r.abort(ctx, err)
		return
	}

	if r.req.Mode == resolver.Uninstall {
		r.uninstall(ctx)
		return
	}
	r.install(ctx)
}

func (r *run) resolve(ctx context.Context) error {
	e := r.e
	record, err := e.loadRecord()
	if err != nil {
		return err
	}
	r.record = record

	var universe *component.Universe
	if r.req.Mode == resolver.Uninstall {
		universe, err = record.Universe()
	} else {
		universe, _, err = e.client.Universe(ctx, e.cfg.EnabledRepositories())
	}
	if err != nil {
		return err
	}

	requested := r.req.Components
	everything := len(requested) == 0 && r.req.Mode == resolver.Install ||
		r.req.All && r.req.Mode == resolver.Uninstall
	if everything {
		for _, c := range universe.All() {
			if c.Checkable && !c.Virtual {
				requested = append(requested, c.ID)
			}
		}
	}

	plan, err := resolver.Resolve(resolver.Input{
		Universe:       universe,
		Installed:      record.Installed(),
		Requested:      requested,
		Mode:           r.req.Mode,
		ForceReinstall: r.req.ForceReinstall,
	})
	if err != nil {
		return err
	}
	r.plan = plan
	r.rep.Plan = plan
	e.logger.Info("plan resolved", "mode", r.req.Mode.String(), "components", plan.IDs(), "skipped", len(plan.Skipped))
	return nil
}

// preflight refuses to start while product processes run or the target volume
// lacks room for the payload and its download cache.
func (r *run) preflight(ctx context.Context) error {
	e := r.e
	if err := platform.CheckProcesses(ctx, e.deps.Prober, e.cfg.CheckProcesses); err != nil {
		return err
	}
	if r.req.Mode == resolver.Uninstall {
		return nil
	}

	var required int64
	for _, entry := range r.plan.Entries {
		required += entry.Component.UncompressedSize
		for _, a := range entry.Component.Archives {
			required += a.Size
		}
	}
	return platform.CheckDiskSpace(ctx, e.deps.Prober, e.cfg.TargetDir, uint64(required))
}

func (r *run) install(ctx context.Context) {
	e := r.e

	e.setState(StateDownloading)
	batch, err := download.NewPool(e.deps.Fetcher, e.cfg.Download.Workers).Start(ctx, r.downloadTasks())
	if err != nil {
		r.fail(err)
		return
	}
	r.batch = batch
	if !e.cfg.Download.Pipelined() {
		if _, err := batch.WaitAll(); err != nil {
			r.rollback(ctx, err)
			return
		}
	}

	e.setState(StateApplying)
	archives := operation.ArchiveSourceFunc(func(ctx context.Context, name string) (string, error) {
		if filepath.IsAbs(name) {
			return name, nil
		}
		return batch.WaitArchive(ctx, taskName(r.current, name))
	})
	r.log = operation.NewLog(e.path(logFile), e.deps.Registry, e.env(archives),
		operation.WithElevator(e.deps.Elevator),
		operation.WithBackupPolicy(e.policy),
		operation.WithBackupRoot(e.path(backupDir)))
	if err := r.log.Save(); err != nil {
		r.rollback(ctx, err)
		return
	}

	host := script.NewHost(e.deps.Registry, e.deps.Platform, r.values(), script.WithLogger(e.logger))
	r.scripts = make(map[string][]byte)

	for i, entry := range r.plan.Entries {
		comp := entry.Component
		if err := ctx.Err(); err != nil {
			r.rollback(ctx, err)
			return
		}

		ops, err := r.operationsFor(ctx, host, comp)
		if err != nil {
			r.rep.FailedComponent = comp.ID
			r.rollback(ctx, err)
			return
		}

		r.current = comp.ID
		if prev, ok := r.record.Get(comp.ID); ok && len(prev.Operations) > 0 {
			// What the installed version left behind is removed first, so the
			// record only ever lists what the new version created.
			if err := r.log.Retire(ctx, prev.Operations); err != nil {
				r.rep.FailedComponent = comp.ID
				r.rollback(ctx, err)
				return
			}
		}
		if err := r.log.Run(ctx, ops); err != nil {
			r.rep.FailedComponent = comp.ID
			r.rep.FailedOperation = firstFailed(ops)
			r.rollback(ctx, err)
			return
		}
		r.ops[comp.ID] = ops
		e.deps.Observer.ComponentApplied(comp.ID, i+1, len(r.plan.Entries))
	}

	if _, err := batch.WaitAll(); err != nil {
		r.rollback(ctx, err)
		return
	}

	r.finalizeInstall()
}

func (r *run) operationsFor(ctx context.Context, host *script.Host, comp *component.Component) ([]*operation.Operation, error) {
	path, err := r.e.client.FetchScript(ctx, comp)
	if err != nil {
		return nil, err
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read script of %s: %w", comp.ID, err)
		}
		r.scripts[scriptKey(comp)] = data
	}
	return host.Operations(ctx, comp, path)
}

func (r *run) finalizeInstall() {
	e := r.e
	e.setState(StateFinalizing)
	r.rep.Operations = r.log.Operations()

	if err := r.log.Commit(); err != nil {
		r.degrade("commit operation log", err)
	}

	now := e.deps.Clock.Now()
	for _, entry := range r.plan.Entries {
		reason := entry.Reason
		if prev, ok := r.record.Get(entry.Component.ID); ok && prev.Reason == component.ReasonExplicit {
			reason = component.ReasonExplicit
		}
		r.record.Put(transaction.NewInstalledComponent(entry.Component, reason, r.ops[entry.Component.ID], now))
	}
	r.saveRecord(now)

	if err := r.batch.Discard(); err != nil {
		e.logger.Warn("remove downloaded archives", "error", err)
	}
	e.setState(StateDone)
}

// uninstall undoes the recorded operations of each removed component, dependents
// first. Undo runs to completion once started; the first component that cannot
// be removed completely stops the run and keeps its remaining operations in
// the record.
func (r *run) uninstall(ctx context.Context) {
	e := r.e
	e.setState(StateApplying)

	for i, entry := range r.plan.Entries {
		id := entry.Component.ID
		installed, ok := r.record.Get(id)
		if !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			r.stopUninstall(id, err)
			return
		}

		log := operation.NewLog("", e.deps.Registry, e.env(nil), operation.WithElevator(e.deps.Elevator))
		ops := make([]*operation.Operation, 0, len(installed.Operations))
		for _, op := range installed.Operations {
			ops = append(ops, op.Clone())
		}
		log.Adopt(ops)

		undo, err := log.UndoAll(ctx)
		for j := len(ops) - 1; j >= 0; j-- {
			if ops[j].State == operation.StateUndone {
				r.rep.Operations = append(r.rep.Operations, ops[j])
			}
		}
		if err != nil {
			installed.Operations = log.Operations()
			r.rep.FailedComponent = id
			r.rep.UndoLog = undo
			r.rep.UndoErr = err
			r.rep.Rollback = undo.Status()
			r.rep.ManualCleanup = undo.ManualCleanup()
			r.rep.Err = fmt.Errorf("remove %s: %w", id, err)
			r.saveRecord(e.deps.Clock.Now())
			e.setState(StateFailed)
			return
		}
		r.record.Remove(id)
		e.deps.Observer.ComponentApplied(id, i+1, len(r.plan.Entries))
	}

	e.setState(StateFinalizing)
	r.saveRecord(e.deps.Clock.Now())
	e.setState(StateDone)
}

// stopUninstall ends a canceled uninstall between two components. Components
// already removed stay removed; the rest stay recorded.
func (r *run) stopUninstall(next string, cause error) {
	e := r.e
	e.setState(StateCanceling)
	r.rep.FailedComponent = next
	r.rep.Err = cause
	r.rep.Rollback = operation.RollbackFull
	r.saveRecord(e.deps.Clock.Now())
	e.logger.Warn("uninstall canceled", "next", next, "remaining", len(r.record.Components))
	e.setState(StateRolledBack)
}

// saveRecord persists the record and rewrites the maintenance tool. An empty
// record removes both.
func (r *run) saveRecord(now time.Time) {
	e := r.e
	r.record.ApplicationName = e.cfg.Name
	r.record.ApplicationVersion = e.cfg.Version
	r.record.TargetDir = e.cfg.TargetDir
	r.record.Updated = now.UTC()

	path := transaction.RecordPath(e.cfg.TargetDir)
	if len(r.record.Components) == 0 {
		for _, p := range []string{path, e.maintenanceToolPath()} {
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				r.degrade("remove "+filepath.Base(p), err)
			}
		}
		r.emptied = true
		return
	}

	if err := r.record.Save(path); err != nil {
		r.degrade("save installation record", err)
	}
	if err := e.writeMaintenanceTool(r.record, r.scripts); err != nil {
		r.degrade("write maintenance tool", err)
	}
}

// removeState deletes the state directory, with its caches and backups, and the
// target directory itself when nothing else is left in it.
func (r *run) removeState() {
	e := r.e
	if err := os.RemoveAll(e.path()); err != nil {
		r.degrade("remove state directory", err)
		return
	}
	entries, err := os.ReadDir(e.cfg.TargetDir)
	if err != nil || len(entries) > 0 {
		return
	}
	if err := os.Remove(e.cfg.TargetDir); err != nil {
		r.degrade("remove target directory", err)
	}
}

// rollback undoes everything performed so far and ends the run RolledBack.
func (r *run) rollback(ctx context.Context, cause error) {
	e := r.e
	if ctx.Err() != nil {
		e.setState(StateCanceling)
	}
	if r.batch != nil {
		r.batch.Cancel()
	}

	r.rep.Err = cause
	r.rep.Rollback = operation.RollbackFull
	if r.log != nil {
		r.rep.Operations = r.log.Operations()
		undo, err := r.log.UndoAll(context.WithoutCancel(ctx))
		r.rep.UndoLog = undo
		r.rep.Rollback = undo.Status()
		r.rep.ManualCleanup = undo.ManualCleanup()
		if err != nil {
			r.rep.UndoErr = err
			e.logger.Error("rollback incomplete", "error", err, "manual_cleanup", r.rep.ManualCleanup)
		}
	}

	if r.batch != nil {
		if err := r.batch.Discard(); err != nil {
			e.logger.Warn("discard downloads", "error", err)
		}
	}
	e.logger.Warn("run rolled back", "cause", cause, "status", string(r.rep.Rollback))
	e.setState(StateRolledBack)
}

// abort ends a run that has not changed anything yet.
func (r *run) abort(ctx context.Context, err error) {
	if ctx.Err() != nil {
		r.e.setState(StateCanceling)
		r.rep.Err = err
		r.rep.Rollback = operation.RollbackFull
		r.e.setState(StateRolledBack)
		return
	}
	r.fail(err)
}

func (r *run) fail(err error) {
	r.rep.Err = err
	r.e.logger.Error("run failed", "error", err)
	r.e.setState(StateFailed)
}

func (r *run) degrade(step string, err error) {
	r.rep.Degraded = true
	r.rep.Warnings = append(r.rep.Warnings, fmt.Sprintf("%s: %v", step, err))
	r.e.logger.Warn("finalization step failed", "step", step, "error", err)
}

func (r *run) downloadTasks() []download.Task {
	var tasks []download.Task
	for _, entry := range r.plan.Entries {
		comp := entry.Component
		for _, a := range comp.Archives {
			tasks = append(tasks, download.Task{
				Name:        taskName(comp.ID, a.Name),
				Sources:     comp.ArchiveURLs(a.Name),
				Destination: r.e.path(cacheDir, archiveDir, comp.ID, comp.Version, a.Name),
				SHA256:      a.SHA256,
				Size:        a.Size,
			})
		}
	}
	return tasks
}

// values seeds the installer values visible to scripts. The predefined keys
// cannot be overridden by the configuration.
func (r *run) values() map[string]string {
	cfg := r.e.cfg
	v := make(map[string]string, len(cfg.Values)+5)
	for k, val := range cfg.Values {
		v[k] = val
	}
	v[script.ValueTargetDir] = cfg.TargetDir
	v["ProductName"] = cfg.Name
	v["ProductVersion"] = cfg.Version
	v["Publisher"] = cfg.Publisher
	v["Title"] = cfg.Title
	return v
}

func taskName(id, archive string) string {
	return id + "/" + archive
}

func scriptKey(comp *component.Component) string {
	return comp.ID + "/" + filepath.Base(comp.Script)
}

func firstFailed(ops []*operation.Operation) *operation.Operation {
	for _, op := range ops {
		if op.State == operation.StateFailed {
			return op
		}
	}
	return nil
}

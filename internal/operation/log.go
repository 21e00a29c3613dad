package operation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// BackupPolicy decides what happens to backups when a transaction commits.
type BackupPolicy string

const (
	// BackupDelete removes the transaction's backups on commit.
	BackupDelete BackupPolicy = "delete"
	// BackupKeep retains them until the next run purges them.
	BackupKeep BackupPolicy = "keep"
)

// ParseBackupPolicy validates a policy name. An empty name selects BackupDelete.
func ParseBackupPolicy(s string) (BackupPolicy, error) {
	switch BackupPolicy(s) {
	case "", BackupDelete:
		return BackupDelete, nil
	case BackupKeep:
		return BackupKeep, nil
	}
	return "", fmt.Errorf("unknown backup policy %q (want %q or %q)", s, BackupDelete, BackupKeep)
}

// RollbackStatus summarizes an UndoAll.
type RollbackStatus string

const (
	RollbackFull    RollbackStatus = "full"
	RollbackPartial RollbackStatus = "partial"
	RollbackNone    RollbackStatus = "none"
)

// UndoFailure is an operation that could not be undone.
type UndoFailure struct {
	Operation *Operation
	Err       error
}

// UndoReport describes the outcome of UndoAll.
type UndoReport struct {
	Total   int
	Undone  int
	Failed  []UndoFailure
	Elapsed time.Duration
}

// Status is full when every operation was undone and none when not a single one was.
func (r *UndoReport) Status() RollbackStatus {
	switch {
	case len(r.Failed) == 0:
		return RollbackFull
	case r.Undone == 0:
		return RollbackNone
	default:
		return RollbackPartial
	}
}

// ManualCleanup lists the paths touched by operations that could not be undone.
func (r *UndoReport) ManualCleanup() []string {
	var paths []string
	for _, f := range r.Failed {
		paths = append(paths, f.Operation.TouchedPaths()...)
	}
	return paths
}

const logFormatVersion = 1

type logFile struct {
	Version    int          `json:"version"`
	ID         string       `json:"id"`
	Created    time.Time    `json:"created"`
	BackupDir  string       `json:"backup_dir,omitempty"`
	Operations []*Operation `json:"operations"`
}

// Log executes operations in order and reverses them. When it has a path, every
// change to the list of performed operations is persisted before returning.
type Log struct {
	id       string
	path     string
	created  time.Time
	registry *Registry
	env      Env
	elevator Elevator
	policy   BackupPolicy
	ops      []*Operation
}

// Option configures a Log.
type Option func(*Log)

// WithElevator sets the elevator used for operations marked Elevated.
func WithElevator(e Elevator) Option {
	return func(l *Log) { l.elevator = e }
}

// WithBackupPolicy sets the policy applied on Commit.
func WithBackupPolicy(p BackupPolicy) Option {
	return func(l *Log) { l.policy = p }
}

// WithBackupRoot stores backups in a directory named after the log ID under root.
func WithBackupRoot(root string) Option {
	return func(l *Log) { l.env.BackupDir = filepath.Join(root, l.id) }
}

// NewLog creates an empty log persisted at path. An empty path keeps it in memory.
func NewLog(path string, reg *Registry, env Env, opts ...Option) *Log {
	return newLog(uuid.NewString(), time.Now().UTC(), path, reg, env, opts)
}

func newLog(id string, created time.Time, path string, reg *Registry, env Env, opts []Option) *Log {
	l := &Log{
		id:       id,
		path:     path,
		created:  created,
		registry: reg,
		env:      env,
		policy:   BackupDelete,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.elevator == nil {
		l.elevator = DefaultElevator(reg)
	}
	return l
}

// LoadLog reads a log persisted by Save. The backup directory recorded in the file
// is used unless env already names one. Options see the logged transaction ID.
func LoadLog(path string, reg *Registry, env Env, opts ...Option) (*Log, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read operation log: %w", err)
	}

	var lf logFile
	if err := json.Unmarshal(data, &lf); err != nil {
		return nil, fmt.Errorf("unmarshal operation log: %w", err)
	}
	if lf.Version != logFormatVersion {
		return nil, fmt.Errorf("operation log %s: unsupported version %d", path, lf.Version)
	}
	if lf.ID == "" {
		return nil, fmt.Errorf("operation log %s: missing transaction id", path)
	}

	if env.BackupDir == "" {
		env.BackupDir = lf.BackupDir
	}
	l := newLog(lf.ID, lf.Created, path, reg, env, opts)
	for _, op := range lf.Operations {
		if op.Values == nil {
			op.Values = map[string]string{}
		}
	}
	l.ops = lf.Operations
	return l, nil
}

// ID returns the transaction ID.
func (l *Log) ID() string { return l.id }

// Path returns where the log is persisted.
func (l *Log) Path() string { return l.path }

// BackupDir returns the per-transaction backup directory.
func (l *Log) BackupDir() string { return l.env.BackupDir }

// Len returns the number of performed operations.
func (l *Log) Len() int { return len(l.ops) }

// Operations returns the performed operations in execution order.
func (l *Log) Operations() []*Operation {
	return append([]*Operation(nil), l.ops...)
}

// Adopt appends operations that were performed earlier, e.g. the recorded
// operations of an installed component that is about to be removed.
func (l *Log) Adopt(ops []*Operation) {
	for _, op := range ops {
		if op.Values == nil {
			op.Values = map[string]string{}
		}
		op.State = StatePerformed
		l.ops = append(l.ops, op)
	}
}

// Execute validates and performs op, then appends it to the log. Cancellation is
// honored before the operation starts, never halfway through it.
func (l *Log) Execute(ctx context.Context, op *Operation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h, err := l.registry.Handler(op.Kind)
	if err != nil {
		return err
	}
	if err := h.Validate(op.Args); err != nil {
		op.State = StateFailed
		return err
	}
	if op.Values == nil {
		op.Values = map[string]string{}
	}

	if err := h.Perform(ctx, &l.env, op); err != nil {
		op.State = StateFailed
		l.env.logger().Warn("operation failed", "operation", op.String(), "component", op.Component, "error", err)
		return err
	}
	return l.record(op)
}

// ExecuteElevated performs op through the elevator.
func (l *Log) ExecuteElevated(ctx context.Context, op *Operation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := l.registry.Validate(op); err != nil {
		op.State = StateFailed
		return err
	}
	if op.Values == nil {
		op.Values = map[string]string{}
	}

	if op.Kind == KindExtract && l.env.Archives != nil {
		p, err := l.env.Archives.WaitArchive(ctx, op.Args[0])
		if err != nil {
			op.State = StateFailed
			return opError(op.Kind, op.Args[0], "archive unavailable", err)
		}
		op.Args[0] = p
	}

	if err := l.elevator.Perform(ctx, &l.env, op); err != nil {
		op.State = StateFailed
		l.env.logger().Warn("elevated operation failed", "operation", op.String(), "component", op.Component, "error", err)
		return err
	}
	return l.record(op)
}

func (l *Log) record(op *Operation) error {
	op.State = StatePerformed
	l.ops = append(l.ops, op)
	if err := l.Save(); err != nil {
		return fmt.Errorf("persist operation log: %w", err)
	}
	return nil
}

// Run executes ops in order. Elevated operations the process cannot perform itself
// are queued and executed in a second pass through the elevator. The first failure
// stops execution; callers roll back with UndoAll.
func (l *Log) Run(ctx context.Context, ops []*Operation) error {
	var deferred []*Operation
	for _, op := range ops {
		if op.Elevated && !l.elevator.Privileged() {
			if err := l.registry.Validate(op); err != nil {
				return err
			}
			deferred = append(deferred, op)
			continue
		}
		if err := l.Execute(ctx, op); err != nil {
			return err
		}
	}

	for _, op := range deferred {
		if err := l.ExecuteElevated(ctx, op); err != nil {
			return err
		}
	}
	return nil
}

func (l *Log) undo(ctx context.Context, op *Operation) error {
	ctx = context.WithoutCancel(ctx)

	var err error
	if op.Elevated && !l.elevator.Privileged() {
		err = l.elevator.Undo(ctx, &l.env, op)
	} else {
		var h Handler
		h, err = l.registry.Handler(op.Kind)
		if err == nil {
			err = h.Undo(ctx, &l.env, op)
		}
	}
	if err != nil {
		return err
	}
	op.State = StateUndone
	return nil
}

// Retire undoes operations recorded by an earlier transaction, newest first, as
// steps of this one. Everything they touched is backed up first, so UndoAll
// brings it back.
func (l *Log) Retire(ctx context.Context, recorded []*Operation) error {
	for i := len(recorded) - 1; i >= 0; i-- {
		op, err := Retirement(recorded[i])
		if err != nil {
			return err
		}
		if op.Elevated && !l.elevator.Privileged() {
			err = l.ExecuteElevated(ctx, op)
		} else {
			err = l.Execute(ctx, op)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// UndoLast reverts the most recent operation.
func (l *Log) UndoLast(ctx context.Context) error {
	if len(l.ops) == 0 {
		return nil
	}
	op := l.ops[len(l.ops)-1]
	if err := l.undo(ctx, op); err != nil {
		return err
	}
	l.ops = l.ops[:len(l.ops)-1]
	return l.Save()
}

// UndoAll reverts every operation in reverse order. It keeps going after a
// failure; the failures are aggregated in the returned error and in the report.
// Operations that could not be undone stay in the persisted log. When everything
// was undone the log file and the backup directory are removed.
func (l *Log) UndoAll(ctx context.Context) (*UndoReport, error) {
	start := time.Now()
	report := &UndoReport{Total: len(l.ops)}

	var merr *multierror.Error
	var remaining []*Operation
	for i := len(l.ops) - 1; i >= 0; i-- {
		op := l.ops[i]
		if err := l.undo(ctx, op); err != nil {
			l.env.logger().Error("undo failed", "operation", op.String(), "component", op.Component, "error", err)
			report.Failed = append(report.Failed, UndoFailure{Operation: op, Err: err})
			merr = multierror.Append(merr, err)
			remaining = append(remaining, op)
			continue
		}
		report.Undone++
	}

	for i, j := 0, len(remaining)-1; i < j; i, j = i+1, j-1 {
		remaining[i], remaining[j] = remaining[j], remaining[i]
	}
	l.ops = remaining
	report.Elapsed = time.Since(start)

	if len(remaining) == 0 {
		if err := l.discard(); err != nil {
			merr = multierror.Append(merr, err)
		}
	} else if err := l.Save(); err != nil {
		merr = multierror.Append(merr, err)
	}

	return report, merr.ErrorOrNil()
}

// Commit ends a successful transaction: the log file is removed and the backup
// policy is applied. Backup references are stripped from the operations, which
// from now on only describe how to remove what they installed.
func (l *Log) Commit() error {
	for _, op := range l.ops {
		delete(op.Values, valueBackup)
		delete(op.Values, valueBackups)
	}

	var merr *multierror.Error
	if l.path != "" {
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			merr = multierror.Append(merr, fmt.Errorf("remove operation log: %w", err))
		}
	}
	if l.policy == BackupDelete && l.env.BackupDir != "" {
		if err := os.RemoveAll(l.env.BackupDir); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("remove backups: %w", err))
		}
	}
	return merr.ErrorOrNil()
}

func (l *Log) discard() error {
	var merr *multierror.Error
	if l.path != "" {
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			merr = multierror.Append(merr, fmt.Errorf("remove operation log: %w", err))
		}
	}
	if l.env.BackupDir != "" {
		if err := os.RemoveAll(l.env.BackupDir); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("remove backups: %w", err))
		}
	}
	return merr.ErrorOrNil()
}

// Save writes the log atomically. It is a no-op for in-memory logs.
func (l *Log) Save() error {
	if l.path == "" {
		return nil
	}

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}

	data, err := json.MarshalIndent(logFile{
		Version:    logFormatVersion,
		ID:         l.id,
		Created:    l.created,
		BackupDir:  l.env.BackupDir,
		Operations: l.ops,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal operation log: %w", err)
	}

	tmpPath := l.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write temporary log file: %w", err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename log file: %w", err)
	}

	df, err := os.Open(dir)
	if err == nil {
		if syncErr := df.Sync(); syncErr != nil {
			df.Close()
			return fmt.Errorf("sync directory: %w", syncErr)
		}
		df.Close()
	}
	return nil
}

// PurgeBackups removes every transaction backup directory under root except keep.
func PurgeBackups(root, keep string) error {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read backup root: %w", err)
	}

	var merr *multierror.Error
	for _, e := range entries {
		if !e.IsDir() || e.Name() == keep {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, e.Name())); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}

package transaction

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ZebulonRouseFrantzich/setupkit/internal/platform"
)

const (
	// LockFile is the lock file name inside the state directory.
	LockFile = "installer.lock"

	// StaleLockThreshold is the maximum age of a lock before it's considered stale.
	StaleLockThreshold = 12 * time.Hour
)

// ErrLockExists means another installer holds the target directory.
var ErrLockExists = errors.New("another instance is running")

// ProcessChecker reports whether a process is alive. platform.Host implements it.
type ProcessChecker interface {
	Alive(ctx context.Context, pid int32) bool
}

// Lock is an exclusive lock on one target directory.
type Lock struct {
	path string
	file *os.File
}

// LockOption configures AcquireLock.
type LockOption func(*lockOptions)

type lockOptions struct {
	checker ProcessChecker
	now     func() time.Time
}

// WithProcessChecker sets the liveness check applied to the PID in an existing lock.
func WithProcessChecker(c ProcessChecker) LockOption {
	return func(o *lockOptions) { o.checker = c }
}

// AcquireLock takes the lock in dir, creating dir if needed. A lock left by a
// process that no longer runs, or older than StaleLockThreshold, is taken over.
// A live lock fails with an error matching ErrLockExists.
func AcquireLock(ctx context.Context, dir string, opts ...LockOption) (*Lock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o := lockOptions{checker: platform.Host{}, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	lockPath := filepath.Join(dir, LockFile)

	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}
		holder, stale := isLockStale(ctx, lockPath, o)
		if !stale {
			return nil, fmt.Errorf("%w (pid %d holds %s)", ErrLockExists, holder.PID, lockPath)
		}
		os.Remove(lockPath)
		file, err = os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
		if err != nil {
			return nil, fmt.Errorf("%w (%s)", ErrLockExists, lockPath)
		}
	}

	lockData := fmt.Sprintf("pid=%d\ntimestamp=%s\n", os.Getpid(), o.now().UTC().Format(time.RFC3339))
	if _, err := file.WriteString(lockData); err != nil {
		file.Close()
		os.Remove(lockPath)
		return nil, fmt.Errorf("write lock data: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(lockPath)
		return nil, fmt.Errorf("sync lock file: %w", err)
	}

	return &Lock{path: lockPath, file: file}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release releases the lock.
func (l *Lock) Release() error {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	if l.path != "" {
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove lock file: %w", err)
		}
		l.path = ""
	}
	return nil
}

// LockHolder is the content of a lock file.
type LockHolder struct {
	PID       int
	Timestamp time.Time
}

// ReadLock parses a lock file.
func ReadLock(path string) (LockHolder, error) {
	f, err := os.Open(path)
	if err != nil {
		return LockHolder{}, err
	}
	defer f.Close()

	var h LockHolder
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			h.PID, _ = strconv.Atoi(value)
		case "timestamp":
			h.Timestamp, _ = time.Parse(time.RFC3339, value)
		}
	}
	return h, scanner.Err()
}

// isLockStale reports whether the lock at lockPath may be taken over.
func isLockStale(ctx context.Context, lockPath string, o lockOptions) (LockHolder, bool) {
	info, err := os.Stat(lockPath)
	if err != nil {
		return LockHolder{}, os.IsNotExist(err)
	}
	if o.now().Sub(info.ModTime()) > StaleLockThreshold {
		return LockHolder{}, true
	}

	holder, err := ReadLock(lockPath)
	if err != nil || holder.PID <= 0 {
		// A lock being written right now has no PID yet.
		return holder, false
	}
	if holder.PID == os.Getpid() {
		return holder, false
	}
	return holder, !o.checker.Alive(ctx, int32(holder.PID))
}

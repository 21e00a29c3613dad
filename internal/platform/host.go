package platform

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/process"
)

// Process is a running process matched by a pre-flight check.
type Process struct {
	PID  int32
	Name string
	Exe  string
}

// Prober answers the questions asked before an installation touches the disk.
type Prober interface {
	// FreeSpace returns the bytes available to the current user on the volume
	// holding path. path need not exist yet.
	FreeSpace(ctx context.Context, path string) (uint64, error)
	// Running returns processes whose name or executable base name matches one of names.
	Running(ctx context.Context, names []string) ([]Process, error)
	// Alive reports whether pid refers to a running process.
	Alive(ctx context.Context, pid int32) bool
}

// Host is the gopsutil-backed Prober.
type Host struct{}

func (Host) FreeSpace(ctx context.Context, path string) (uint64, error) {
	dir, err := existingAncestor(path)
	if err != nil {
		return 0, err
	}
	usage, err := disk.UsageWithContext(ctx, dir)
	if err != nil {
		return 0, fmt.Errorf("disk usage of %s: %w", dir, err)
	}
	return usage.Free, nil
}

func (Host) Running(ctx context.Context, names []string) ([]Process, error) {
	if len(names) == 0 {
		return nil, nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[strings.ToLower(n)] = true
	}

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	self := int32(os.Getpid())
	var found []Process
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		// Processes can exit or be inaccessible while iterating; skip them.
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		exe, _ := p.ExeWithContext(ctx)
		if want[strings.ToLower(name)] || (exe != "" && want[strings.ToLower(filepath.Base(exe))]) {
			found = append(found, Process{PID: p.Pid, Name: name, Exe: exe})
		}
	}
	sort.Slice(found, func(i, j int) bool { return found[i].PID < found[j].PID })
	return found, nil
}

func (Host) Alive(ctx context.Context, pid int32) bool {
	ok, err := process.PidExistsWithContext(ctx, pid)
	return err == nil && ok
}

// InsufficientSpaceError reports a target volume without room for the payload.
type InsufficientSpaceError struct {
	Path      string
	Required  uint64
	Available uint64
}

func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf("not enough disk space on %s: %d bytes required, %d available", e.Path, e.Required, e.Available)
}

// ProcessRunningError reports product processes that must be closed first.
type ProcessRunningError struct {
	Processes []Process
}

func (e *ProcessRunningError) Error() string {
	names := make([]string, 0, len(e.Processes))
	for _, p := range e.Processes {
		names = append(names, fmt.Sprintf("%s (pid %d)", p.Name, p.PID))
	}
	return "close running processes before continuing: " + strings.Join(names, ", ")
}

// CheckDiskSpace fails with *InsufficientSpaceError when fewer than required bytes
// are free at path.
func CheckDiskSpace(ctx context.Context, p Prober, path string, required uint64) error {
	if required == 0 {
		return nil
	}
	free, err := p.FreeSpace(ctx, path)
	if err != nil {
		return err
	}
	if free < required {
		return &InsufficientSpaceError{Path: path, Required: required, Available: free}
	}
	return nil
}

// CheckProcesses fails with *ProcessRunningError when any of names is running.
func CheckProcesses(ctx context.Context, p Prober, names []string) error {
	running, err := p.Running(ctx, names)
	if err != nil {
		return err
	}
	if len(running) > 0 {
		return &ProcessRunningError{Processes: running}
	}
	return nil
}

func existingAncestor(path string) (string, error) {
	dir, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no existing ancestor for %s", path)
		}
		dir = parent
	}
}

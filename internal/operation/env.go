package operation

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/ZebulonRouseFrantzich/setupkit/internal/logging"
)

// ArchiveSource resolves an archive name to a local file, blocking until its
// download has completed.
type ArchiveSource interface {
	WaitArchive(ctx context.Context, name string) (string, error)
}

// ArchiveSourceFunc adapts a function to ArchiveSource.
type ArchiveSourceFunc func(ctx context.Context, name string) (string, error)

func (f ArchiveSourceFunc) WaitArchive(ctx context.Context, name string) (string, error) {
	return f(ctx, name)
}

// Extractor unpacks an archive into a directory and returns the relative paths it wrote.
type Extractor interface {
	Extract(archivePath, destDir string) ([]string, error)
}

// Runner runs external commands.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes name and includes the tail of its combined output in errors.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		output := strings.TrimSpace(out.String())
		if len(output) > 512 {
			output = "..." + output[len(output)-512:]
		}
		if output != "" {
			return fmt.Errorf("%s: %w: %s", name, err, output)
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// Env is the context every handler runs in.
type Env struct {
	// BackupDir is the per-transaction backup store.
	BackupDir string
	Archives  ArchiveSource
	Extractor Extractor
	Runner    Runner
	Logger    logging.Logger
}

func (e *Env) logger() logging.Logger {
	return logging.OrNop(e.Logger)
}

func (e *Env) runner() Runner {
	if e.Runner == nil {
		return ExecRunner{}
	}
	return e.Runner
}

package operation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
)

const (
	valueRetired = "retired"
	valueLinks   = "links"
)

// Retirement wraps a recorded operation so that undoing it can be performed,
// and reverted, as part of the current transaction.
func Retirement(recorded *Operation) (*Operation, error) {
	data, err := json.Marshal(recorded)
	if err != nil {
		return nil, fmt.Errorf("encode retired operation: %w", err)
	}
	op := New(KindRetire, string(recorded.Kind))
	op.Component = recorded.Component
	op.Elevated = recorded.Elevated
	op.SetValue(valueRetired, string(data))
	return op, nil
}

func (o *Operation) retired() (*Operation, error) {
	var inner Operation
	if err := json.Unmarshal([]byte(o.Value(valueRetired)), &inner); err != nil {
		return nil, fmt.Errorf("decode retired operation: %w", err)
	}
	if inner.Kind == KindRetire {
		return nil, errors.New("retired operation is itself a retirement")
	}
	if inner.Values == nil {
		inner.Values = map[string]string{}
	}
	return &inner, nil
}

// retireHandler copies whatever the retired operation touched into the backup
// store, then undoes it. Undo puts the copies back; a retired Execute that has
// an undo command is performed again.
type retireHandler struct {
	reg *Registry
}

func (retireHandler) Validate(args []string) error { return checkArgs(KindRetire, args, 1, 1) }

func (h retireHandler) resolve(op *Operation) (*Operation, Handler, error) {
	inner, err := op.retired()
	if err != nil {
		return nil, nil, opError(op.Kind, op.Args[0], "invalid retirement", err)
	}
	ih, err := h.reg.Handler(inner.Kind)
	if err != nil {
		return nil, nil, err
	}
	return inner, ih, nil
}

func (h retireHandler) Perform(ctx context.Context, env *Env, op *Operation) error {
	inner, ih, err := h.resolve(op)
	if err != nil {
		return err
	}

	if err := backupRetired(env, op, inner); err != nil {
		_ = restoreRetired(op)
		return opError(op.Kind, inner.String(), "back up retired paths", err)
	}
	if err := ih.Undo(ctx, env, inner); err != nil {
		_ = restoreRetired(op)
		return opError(op.Kind, inner.String(), "undo retired operation", err)
	}
	env.logger().Debug("retired operation", "operation", inner.String(), "component", inner.Component)
	return nil
}

func (h retireHandler) Undo(ctx context.Context, env *Env, op *Operation) error {
	if err := restoreRetired(op); err != nil {
		return opError(op.Kind, op.Args[0], "restore retired paths", err)
	}
	inner, ih, err := h.resolve(op)
	if err != nil {
		return err
	}
	if _, undo := splitExecute(inner.Args); inner.Kind == KindExecute && len(undo) > 0 {
		return ih.Perform(ctx, env, inner)
	}
	return nil
}

// backupRetired records the directories and copies the files and symlinks the
// retired operation touched.
func backupRetired(env *Env, op, inner *Operation) error {
	var dirs []string
	for _, d := range inner.list(valueDirs) {
		if info, err := os.Stat(d); err == nil && info.IsDir() {
			dirs = append(dirs, d)
		}
	}
	if inner.Kind == KindMkdir {
		dirs = append(dirs, inner.Args[0])
	}
	op.setList(valueDirs, dirs)

	files := map[string]string{}
	links := map[string]string{}
	defer func() {
		op.setMap(valueBackups, files)
		op.setMap(valueLinks, links)
	}()

	for _, p := range inner.TouchedPaths() {
		info, err := os.Lstat(p)
		switch {
		case os.IsNotExist(err):
			continue
		case err != nil:
			return err
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return err
			}
			links[p] = target
		case info.Mode().IsRegular():
			b, err := backup(env, p, true)
			if err != nil {
				return err
			}
			files[p] = b
		}
	}
	return nil
}

// restoreRetired recreates the recorded directories, files and symlinks.
func restoreRetired(op *Operation) error {
	var errs *multierror.Error
	for _, d := range op.list(valueDirs) {
		if err := os.MkdirAll(d, 0755); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	files := op.mapValue(valueBackups)
	for p, b := range files {
		if err := restore(b, p); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		delete(files, p)
	}
	links := op.mapValue(valueLinks)
	for p, target := range links {
		if err := removeFile(p); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		if err := os.Symlink(target, p); err != nil {
			errs = multierror.Append(errs, err)
			continue
		}
		delete(links, p)
	}

	op.setMap(valueBackups, files)
	op.setMap(valueLinks, links)
	if errs != nil {
		return errs.ErrorOrNil()
	}
	delete(op.Values, valueDirs)
	return nil
}

package operation

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	valueBackup  = "backup"
	valueDirs    = "createdDirs"
	valueCreated = "created"
	valueFiles   = "files"
	valueBackups = "backups"
)

func validateTransfer(kind Kind, args []string) error {
	if err := checkArgs(kind, args, 2, 3); err != nil {
		return err
	}
	if len(args) == 3 && args[2] != ForceOverwrite {
		return argError(kind, args, "third argument must be %q", ForceOverwrite)
	}
	return nil
}

// prepareTarget backs up an existing target and creates missing parents.
func prepareTarget(env *Env, op *Operation, target string, force bool) error {
	info, err := os.Lstat(target)
	switch {
	case err == nil:
		if info.IsDir() {
			return opError(op.Kind, target, "target is a directory", nil)
		}
		if isReadOnly(info) && !force {
			return opError(op.Kind, target, "target is read-only", fs.ErrPermission)
		}
		b, err := backup(env, target, false)
		if err != nil {
			return opError(op.Kind, target, "backup failed", err)
		}
		op.SetValue(valueBackup, b)
	case os.IsNotExist(err):
	default:
		return opError(op.Kind, target, "stat target", err)
	}

	dirs, err := mkdirParents(filepath.Dir(target))
	op.setList(valueDirs, dirs)
	if err != nil {
		return opError(op.Kind, target, "create parent directories", err)
	}
	return nil
}

// releaseTarget undoes prepareTarget after the target itself has been removed.
func releaseTarget(op *Operation, target string) error {
	if b := op.Value(valueBackup); b != "" {
		if err := restore(b, target); err != nil {
			return opError(op.Kind, target, "restore backup", err)
		}
		delete(op.Values, valueBackup)
	}
	if err := removeEmptyDirs(op.list(valueDirs)); err != nil {
		return opError(op.Kind, target, "remove created directories", err)
	}
	delete(op.Values, valueDirs)
	return nil
}

type copyHandler struct{}

func (copyHandler) Validate(args []string) error { return validateTransfer(KindCopy, args) }

func (copyHandler) Perform(ctx context.Context, env *Env, op *Operation) error {
	src, dst := op.Args[0], op.Args[1]
	if _, err := os.Stat(src); err != nil {
		return opError(op.Kind, src, "source not found", err)
	}
	if err := prepareTarget(env, op, dst, len(op.Args) == 3); err != nil {
		_ = releaseTarget(op, dst)
		return err
	}
	if err := copyFile(src, dst); err != nil {
		_ = releaseTarget(op, dst)
		return opError(op.Kind, dst, "copy failed", err)
	}
	env.logger().Debug("copied file", "source", src, "target", dst, "backup", op.Value(valueBackup))
	return nil
}

func (copyHandler) Undo(ctx context.Context, env *Env, op *Operation) error {
	dst := op.Args[1]
	if err := removeFile(dst); err != nil {
		return opError(op.Kind, dst, "remove copied file", err)
	}
	return releaseTarget(op, dst)
}

type moveHandler struct{}

func (moveHandler) Validate(args []string) error { return validateTransfer(KindMove, args) }

func (moveHandler) Perform(ctx context.Context, env *Env, op *Operation) error {
	src, dst := op.Args[0], op.Args[1]
	if _, err := os.Lstat(src); err != nil {
		return opError(op.Kind, src, "source not found", err)
	}
	if err := prepareTarget(env, op, dst, len(op.Args) == 3); err != nil {
		_ = releaseTarget(op, dst)
		return err
	}
	if err := moveFile(src, dst); err != nil {
		_ = releaseTarget(op, dst)
		return opError(op.Kind, dst, "move failed", err)
	}
	return nil
}

func (moveHandler) Undo(ctx context.Context, env *Env, op *Operation) error {
	src, dst := op.Args[0], op.Args[1]
	if err := os.MkdirAll(filepath.Dir(src), 0755); err != nil {
		return opError(op.Kind, src, "recreate source directory", err)
	}
	if err := moveFile(dst, src); err != nil {
		return opError(op.Kind, dst, "move back failed", err)
	}
	return releaseTarget(op, dst)
}

type deleteHandler struct{}

func (deleteHandler) Validate(args []string) error { return checkArgs(KindDelete, args, 1, 1) }

func (deleteHandler) Perform(ctx context.Context, env *Env, op *Operation) error {
	path := op.Args[0]
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return opError(op.Kind, path, "stat", err)
	}
	if info.IsDir() {
		return opError(op.Kind, path, "refusing to delete a directory", nil)
	}
	if isReadOnly(info) {
		return opError(op.Kind, path, "file is read-only", fs.ErrPermission)
	}

	b, err := backup(env, path, false)
	if err != nil {
		return opError(op.Kind, path, "backup failed", err)
	}
	op.SetValue(valueBackup, b)
	return nil
}

func (deleteHandler) Undo(ctx context.Context, env *Env, op *Operation) error {
	b := op.Value(valueBackup)
	if b == "" {
		return nil
	}
	if err := restore(b, op.Args[0]); err != nil {
		return opError(op.Kind, op.Args[0], "restore backup", err)
	}
	delete(op.Values, valueBackup)
	return nil
}

type mkdirHandler struct{}

func (mkdirHandler) Validate(args []string) error { return checkArgs(KindMkdir, args, 1, 1) }

func (mkdirHandler) Perform(ctx context.Context, env *Env, op *Operation) error {
	path := op.Args[0]
	if info, err := os.Stat(path); err == nil && !info.IsDir() {
		return opError(op.Kind, path, "path exists and is not a directory", nil)
	}
	dirs, err := mkdirParents(path)
	op.setList(valueDirs, dirs)
	if err != nil {
		_ = removeEmptyDirs(dirs)
		return opError(op.Kind, path, "create directory", err)
	}
	return nil
}

func (mkdirHandler) Undo(ctx context.Context, env *Env, op *Operation) error {
	if err := removeEmptyDirs(op.list(valueDirs)); err != nil {
		return opError(op.Kind, op.Args[0], "remove directory", err)
	}
	delete(op.Values, valueDirs)
	return nil
}

type appendFileHandler struct{}

func (appendFileHandler) Validate(args []string) error {
	if len(args) != 2 || args[0] == "" {
		return argError(KindAppendFile, args, "expected <file> <text>")
	}
	return nil
}

func (appendFileHandler) Perform(ctx context.Context, env *Env, op *Operation) error {
	path, text := op.Args[0], op.Args[1]

	info, err := os.Stat(path)
	switch {
	case err == nil:
		if info.IsDir() {
			return opError(op.Kind, path, "path is a directory", nil)
		}
		b, err := backup(env, path, true)
		if err != nil {
			return opError(op.Kind, path, "backup failed", err)
		}
		op.SetValue(valueBackup, b)
	case os.IsNotExist(err):
		dirs, err := mkdirParents(filepath.Dir(path))
		op.setList(valueDirs, dirs)
		if err != nil {
			_ = removeEmptyDirs(dirs)
			return opError(op.Kind, path, "create parent directories", err)
		}
		op.SetValue(valueCreated, "true")
	default:
		return opError(op.Kind, path, "stat", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err == nil {
		_, err = f.WriteString(text)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		_ = appendFileHandler{}.Undo(ctx, env, op)
		return opError(op.Kind, path, "append failed", err)
	}
	return nil
}

func (appendFileHandler) Undo(ctx context.Context, env *Env, op *Operation) error {
	path := op.Args[0]
	if op.Value(valueCreated) == "true" {
		if err := removeFile(path); err != nil {
			return opError(op.Kind, path, "remove created file", err)
		}
		delete(op.Values, valueCreated)
		if err := removeEmptyDirs(op.list(valueDirs)); err != nil {
			return opError(op.Kind, path, "remove created directories", err)
		}
		delete(op.Values, valueDirs)
		return nil
	}
	if b := op.Value(valueBackup); b != "" {
		if err := restore(b, path); err != nil {
			return opError(op.Kind, path, "restore backup", err)
		}
		delete(op.Values, valueBackup)
	}
	return nil
}

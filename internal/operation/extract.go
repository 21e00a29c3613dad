package operation

import (
	"context"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

type extractHandler struct{}

func (extractHandler) Validate(args []string) error { return checkArgs(KindExtract, args, 2, 2) }

// Perform extracts into a staging directory inside the backup store, then moves
// every file into place, backing up whatever it overwrites.
func (h extractHandler) Perform(ctx context.Context, env *Env, op *Operation) error {
	name, targetDir := op.Args[0], op.Args[1]
	if env.Extractor == nil {
		return opError(op.Kind, name, "no extractor configured", nil)
	}
	if env.BackupDir == "" {
		return opError(op.Kind, name, "no backup directory configured", nil)
	}

	archivePath := name
	if env.Archives != nil {
		p, err := env.Archives.WaitArchive(ctx, name)
		if err != nil {
			return opError(op.Kind, name, "archive unavailable", err)
		}
		archivePath = p
	}

	staging := filepath.Join(env.BackupDir, "staging-"+uuid.NewString())
	defer os.RemoveAll(staging)

	files, err := env.Extractor.Extract(archivePath, staging)
	if err != nil {
		return opError(op.Kind, archivePath, "extract failed", err)
	}

	var (
		created []string
		dirs    []string
		backups = map[string]string{}
	)
	save := func() {
		op.setList(valueFiles, created)
		op.setList(valueDirs, dirs)
		op.setMap(valueBackups, backups)
	}

	for _, rel := range files {
		src := filepath.Join(staging, filepath.FromSlash(rel))
		dst := filepath.Join(targetDir, filepath.FromSlash(rel))

		made, err := mkdirParents(filepath.Dir(dst))
		dirs = append(dirs, made...)
		if err != nil {
			save()
			_ = h.Undo(ctx, env, op)
			return opError(op.Kind, dst, "create parent directories", err)
		}

		if info, err := os.Lstat(dst); err == nil {
			if info.IsDir() {
				save()
				_ = h.Undo(ctx, env, op)
				return opError(op.Kind, dst, "a directory is in the way", nil)
			}
			b, err := backup(env, dst, false)
			if err != nil {
				save()
				_ = h.Undo(ctx, env, op)
				return opError(op.Kind, dst, "backup failed", err)
			}
			backups[dst] = b
		}

		if err := moveFile(src, dst); err != nil {
			save()
			_ = h.Undo(ctx, env, op)
			return opError(op.Kind, dst, "install file", err)
		}
		created = append(created, dst)
	}

	save()
	env.logger().Debug("extracted archive", "archive", name, "target", targetDir, "files", len(created), "overwritten", len(backups))
	return nil
}

func (extractHandler) Undo(ctx context.Context, env *Env, op *Operation) error {
	files := op.list(valueFiles)
	backups := op.mapValue(valueBackups)

	var errs *multierror.Error
	installed := make(map[string]bool, len(files))
	for i := len(files) - 1; i >= 0; i-- {
		installed[files[i]] = true
		if err := removeFile(files[i]); err != nil {
			errs = multierror.Append(errs, opError(op.Kind, files[i], "remove extracted file", err))
			continue
		}
		if b, ok := backups[files[i]]; ok {
			if err := restore(b, files[i]); err != nil {
				errs = multierror.Append(errs, opError(op.Kind, files[i], "restore backup", err))
				continue
			}
			delete(backups, files[i])
		}
	}
	// Backups of files whose replacement never landed.
	for dst, b := range backups {
		if installed[dst] {
			continue
		}
		if _, err := os.Lstat(dst); err == nil {
			continue
		}
		if err := restore(b, dst); err != nil {
			errs = multierror.Append(errs, opError(op.Kind, dst, "restore backup", err))
			continue
		}
		delete(backups, dst)
	}
	if err := removeEmptyDirs(op.list(valueDirs)); err != nil {
		errs = multierror.Append(errs, opError(op.Kind, op.Args[1], "remove created directories", err))
	}

	if errs != nil {
		op.setMap(valueBackups, backups)
		return errs.ErrorOrNil()
	}
	delete(op.Values, valueFiles)
	delete(op.Values, valueBackups)
	delete(op.Values, valueDirs)
	return nil
}

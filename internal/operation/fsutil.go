package operation

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

func isReadOnly(info os.FileInfo) bool {
	return info.Mode().IsRegular() && info.Mode().Perm()&0200 == 0
}

// copyFile copies src to dst, preserving the source permission bits.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(dst)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return err
	}
	// OpenFile applies the umask; restore the exact source bits.
	return os.Chmod(dst, info.Mode().Perm())
}

// moveFile renames src to dst, falling back to copy and remove across filesystems.
func moveFile(src, dst string) error {
	renameErr := os.Rename(src, dst)
	if renameErr == nil {
		return nil
	}

	info, err := os.Lstat(src)
	if err != nil || !info.Mode().IsRegular() {
		return renameErr
	}
	if err := copyFile(src, dst); err != nil {
		return fmt.Errorf("%w (copy fallback: %v)", renameErr, err)
	}
	return os.Remove(src)
}

// backup saves path into the backup store. With keep set the original stays in place.
func backup(env *Env, path string, keep bool) (string, error) {
	if env.BackupDir == "" {
		return "", errors.New("no backup directory configured")
	}
	if err := os.MkdirAll(env.BackupDir, 0700); err != nil {
		return "", fmt.Errorf("create backup directory: %w", err)
	}

	dst := filepath.Join(env.BackupDir, uuid.NewString()+"-"+filepath.Base(path))
	var err error
	if keep {
		err = copyFile(path, dst)
	} else {
		err = moveFile(path, dst)
	}
	if err != nil {
		return "", fmt.Errorf("back up %s: %w", path, err)
	}
	return dst, nil
}

// restore moves a backup over path.
func restore(backupPath, path string) error {
	if _, err := os.Stat(backupPath); err != nil {
		return fmt.Errorf("backup %s unavailable: %w", backupPath, err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create parent of %s: %w", path, err)
	}
	return moveFile(backupPath, path)
}

// mkdirParents creates dir and any missing parents, returning the created
// directories outermost first.
func mkdirParents(dir string) ([]string, error) {
	var missing []string
	for d := filepath.Clean(dir); ; d = filepath.Dir(d) {
		if _, err := os.Stat(d); err == nil {
			break
		} else if !os.IsNotExist(err) {
			return nil, err
		}
		missing = append(missing, d)
		if parent := filepath.Dir(d); parent == d {
			break
		}
	}

	created := make([]string, 0, len(missing))
	for i := len(missing) - 1; i >= 0; i-- {
		if err := os.Mkdir(missing[i], 0755); err != nil && !os.IsExist(err) {
			return created, err
		}
		created = append(created, missing[i])
	}
	return created, nil
}

// removeEmptyDirs removes the given directories, innermost first, leaving any
// that are not empty.
func removeEmptyDirs(dirs []string) error {
	for i := len(dirs) - 1; i >= 0; i-- {
		entries, err := os.ReadDir(dirs[i])
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return err
		}
		if len(entries) > 0 {
			continue
		}
		if err := os.Remove(dirs[i]); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

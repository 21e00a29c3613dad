// Package archive extracts component payload archives.
//
// The format is detected from the leading bytes of the file rather than its name:
// zip, and tar streams that are uncompressed or compressed with gzip, zstd or xz.
package archive

import (
	"archive/tar"
	"archive/zip"
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// Format identifies an archive encoding.
type Format string

const (
	FormatTar    Format = "tar"
	FormatTarGz  Format = "tar.gz"
	FormatTarZst Format = "tar.zst"
	FormatTarXz  Format = "tar.xz"
	FormatZip    Format = "zip"
)

// ErrUnsupportedFormat is returned for archives none of the readers understand.
var ErrUnsupportedFormat = errors.New("unsupported archive format")

var (
	magicGzip = []byte{0x1f, 0x8b}
	magicZstd = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicXz   = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	magicZip  = []byte{'P', 'K', 0x03, 0x04}
)

// Extractor unpacks archives into a directory.
type Extractor struct{}

// NewExtractor creates a new extractor
func NewExtractor() *Extractor {
	return &Extractor{}
}

// Detect sniffs the format of the archive at path.
func Detect(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", fmt.Errorf("read archive header: %w", err)
	}
	return sniff(head[:n])
}

func sniff(head []byte) (Format, error) {
	switch {
	case bytes.HasPrefix(head, magicGzip):
		return FormatTarGz, nil
	case bytes.HasPrefix(head, magicZstd):
		return FormatTarZst, nil
	case bytes.HasPrefix(head, magicXz):
		return FormatTarXz, nil
	case bytes.HasPrefix(head, magicZip):
		return FormatZip, nil
	case len(head) >= 262 && string(head[257:262]) == "ustar":
		return FormatTar, nil
	}
	return "", ErrUnsupportedFormat
}

// Extract unpacks archivePath into destDir and returns the slash separated
// relative paths of every file and symlink written, in archive order.
func (e *Extractor) Extract(archivePath, destDir string) ([]string, error) {
	format, err := Detect(archivePath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", archivePath, err)
	}

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, fmt.Errorf("create dest dir: %w", err)
	}

	if format == FormatZip {
		return extractZip(archivePath, destDir)
	}

	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)
	switch format {
	case FormatTarGz:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("create gzip reader: %w", err)
		}
		defer gz.Close()
		r = gz
	case FormatTarZst:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("create zstd reader: %w", err)
		}
		defer zr.Close()
		r = zr
	case FormatTarXz:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("create xz reader: %w", err)
		}
		r = xr
	}

	return extractTar(tar.NewReader(r), destDir)
}

func extractTar(tr *tar.Reader, destDir string) ([]string, error) {
	var written []string
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, fmt.Errorf("read tar header: %w", err)
		}

		target, rel, err := securePath(destDir, header.Name)
		if err != nil {
			return written, err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return written, fmt.Errorf("create directory %s: %w", target, err)
			}

		case tar.TypeReg:
			if err := writeFile(target, tr, os.FileMode(header.Mode).Perm()); err != nil {
				return written, err
			}
			written = append(written, rel)

		case tar.TypeSymlink:
			if err := secureLink(destDir, target, header.Linkname); err != nil {
				return written, err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return written, fmt.Errorf("create parent dir for %s: %w", target, err)
			}
			_ = os.Remove(target)
			if err := os.Symlink(header.Linkname, target); err != nil {
				return written, fmt.Errorf("create symlink %s: %w", target, err)
			}
			written = append(written, rel)

		default:
			// Devices, fifos and hard links are never part of a payload.
			continue
		}
	}
}

func extractZip(archivePath, destDir string) ([]string, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, fmt.Errorf("open zip: %w", err)
	}
	defer zr.Close()

	var written []string
	for _, f := range zr.File {
		target, rel, err := securePath(destDir, f.Name)
		if err != nil {
			return written, err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return written, fmt.Errorf("create directory %s: %w", target, err)
			}
			continue
		}
		if !f.Mode().IsRegular() {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return written, fmt.Errorf("open zip entry %s: %w", f.Name, err)
		}
		err = writeFile(target, rc, f.Mode().Perm())
		rc.Close()
		if err != nil {
			return written, err
		}
		written = append(written, rel)
	}
	return written, nil
}

func writeFile(target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("create parent dir for %s: %w", target, err)
	}
	if mode == 0 {
		mode = 0644
	}

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("create file %s: %w", target, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("write file %s: %w", target, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close file %s: %w", target, err)
	}
	return nil
}

// securePath joins name onto destDir, refusing entries that escape it.
func securePath(destDir, name string) (string, string, error) {
	target := filepath.Join(destDir, name)
	root := filepath.Clean(destDir) + string(os.PathSeparator)
	if !strings.HasPrefix(target, root) {
		return "", "", fmt.Errorf("illegal file path: %s", name)
	}
	return target, filepath.ToSlash(strings.TrimPrefix(target, root)), nil
}

func secureLink(destDir, target, linkname string) error {
	resolved := linkname
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(filepath.Dir(target), linkname)
	}
	root := filepath.Clean(destDir) + string(os.PathSeparator)
	if !strings.HasPrefix(filepath.Clean(resolved), root) {
		return fmt.Errorf("illegal symlink target: %s -> %s", target, linkname)
	}
	return nil
}

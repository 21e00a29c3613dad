package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

func tarBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, name := range names {
		content := files[name]
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0644, Size: int64(len(content)), Typeflag: tar.TypeReg}); err != nil {
			t.Fatalf("write header for %s: %v", name, err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("write content for %s: %v", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	return buf.Bytes()
}

func compress(t *testing.T, format Format, raw []byte) []byte {
	t.Helper()

	var buf bytes.Buffer
	var w io.WriteCloser
	var err error
	switch format {
	case FormatTar:
		return raw
	case FormatTarGz:
		w = gzip.NewWriter(&buf)
	case FormatTarZst:
		w, err = zstd.NewWriter(&buf)
	case FormatTarXz:
		w, err = xz.NewWriter(&buf)
	default:
		t.Fatalf("unexpected format %s", format)
	}
	if err != nil {
		t.Fatalf("create %s writer: %v", format, err)
	}
	if _, err := w.Write(raw); err != nil {
		t.Fatalf("compress: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close compressor: %v", err)
	}
	return buf.Bytes()
}

func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create zip entry: %v", err)
		}
		if _, err := w.Write([]byte(content)); err != nil {
			t.Fatalf("write zip entry: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func writeArchive(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write archive: %v", err)
	}
	return path
}

func TestExtractFormats(t *testing.T) {
	files := map[string]string{
		"bin/tool":         "#!/bin/sh\n",
		"share/doc/README": "hello",
	}

	for _, format := range []Format{FormatTar, FormatTarGz, FormatTarZst, FormatTarXz, FormatZip} {
		t.Run(string(format), func(t *testing.T) {
			var data []byte
			if format == FormatZip {
				data = zipBytes(t, files)
			} else {
				data = compress(t, format, tarBytes(t, files))
			}
			path := writeArchive(t, data)

			got, err := Detect(path)
			if err != nil {
				t.Fatalf("Detect: %v", err)
			}
			if got != format {
				t.Errorf("Detect = %s, want %s", got, format)
			}

			dest := t.TempDir()
			written, err := NewExtractor().Extract(path, dest)
			if err != nil {
				t.Fatalf("Extract: %v", err)
			}
			sort.Strings(written)
			if diff := cmp.Diff([]string{"bin/tool", "share/doc/README"}, written); diff != "" {
				t.Errorf("written mismatch (-want +got):\n%s", diff)
			}

			for name, want := range files {
				data, err := os.ReadFile(filepath.Join(dest, filepath.FromSlash(name)))
				if err != nil {
					t.Fatalf("read %s: %v", name, err)
				}
				if string(data) != want {
					t.Errorf("%s = %q, want %q", name, data, want)
				}
			}
		})
	}
}

func TestExtractRejectsTraversal(t *testing.T) {
	path := writeArchive(t, compress(t, FormatTarGz, tarBytes(t, map[string]string{"../../etc/evil": "x"})))

	if _, err := NewExtractor().Extract(path, t.TempDir()); err == nil {
		t.Fatal("expected error for path traversal")
	}
}

func TestExtractRejectsEscapingSymlink(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{Name: "link", Linkname: "../../outside", Typeflag: tar.TypeSymlink}); err != nil {
		t.Fatal(err)
	}
	tw.Close()

	path := writeArchive(t, buf.Bytes())
	if _, err := NewExtractor().Extract(path, t.TempDir()); err == nil {
		t.Fatal("expected error for escaping symlink")
	}
}

func TestExtractUnsupported(t *testing.T) {
	path := writeArchive(t, []byte("definitely not an archive"))

	_, err := NewExtractor().Extract(path, t.TempDir())
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

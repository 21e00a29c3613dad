// Package testutil builds on-disk repositories for tests.
package testutil

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
)

// ArchiveName is the archive every Package with files publishes.
const ArchiveName = "data.tar.gz"

// Package is one PackageUpdate of a test repository.
type Package struct {
	ID      string
	Version string
	// Dependencies is the raw Dependencies element.
	Dependencies string
	// Files become the content of the package archive, keyed by slash path.
	Files map[string]string
	// Script is the Lua content of installscript.lua.
	Script string
	// BadHash publishes a digest that does not match the archive.
	BadHash bool
}

// TarGz returns a gzip-compressed tar holding files.
func TarGz(t testing.TB, files map[string]string) []byte {
	t.Helper()
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	for _, name := range names {
		content := files[name]
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	zw := gzip.NewWriter(&out)
	if _, err := zw.Write(tarBuf.Bytes()); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return out.Bytes()
}

// WriteRepository lays out Updates.xml, archives and scripts in a temporary
// directory and returns its path, usable as a repository URL.
func WriteRepository(t testing.TB, pkgs ...Package) string {
	t.Helper()
	dir := t.TempDir()

	var xml strings.Builder
	xml.WriteString("<?xml version=\"1.0\"?>\n<Updates>\n  <ApplicationName>Example</ApplicationName>\n  <ApplicationVersion>1.0.0</ApplicationVersion>\n")
	for _, p := range pkgs {
		compDir := filepath.Join(dir, p.ID)
		if err := os.MkdirAll(compDir, 0o755); err != nil {
			t.Fatal(err)
		}

		fmt.Fprintf(&xml, "  <PackageUpdate>\n    <Name>%s</Name>\n    <Version>%s</Version>\n    <ReleaseDate>2026-01-01</ReleaseDate>\n", p.ID, p.Version)
		if p.Dependencies != "" {
			fmt.Fprintf(&xml, "    <Dependencies>%s</Dependencies>\n", p.Dependencies)
		}
		if p.Files != nil {
			data := TarGz(t, p.Files)
			if err := os.WriteFile(filepath.Join(compDir, p.Version+ArchiveName), data, 0o644); err != nil {
				t.Fatal(err)
			}
			sum := sha256.Sum256(data)
			digest := hex.EncodeToString(sum[:])
			if p.BadHash {
				digest = strings.Repeat("0", len(digest))
			}
			fmt.Fprintf(&xml, "    <Archive Name=%q SHA256=%q Size=\"%d\"/>\n", ArchiveName, digest, len(data))
		}
		if p.Script != "" {
			if err := os.WriteFile(filepath.Join(compDir, "installscript.lua"), []byte(p.Script), 0o644); err != nil {
				t.Fatal(err)
			}
			xml.WriteString("    <Script>installscript.lua</Script>\n")
		}
		xml.WriteString("  </PackageUpdate>\n")
	}
	xml.WriteString("</Updates>\n")

	if err := os.WriteFile(filepath.Join(dir, "Updates.xml"), []byte(xml.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

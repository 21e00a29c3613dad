package container

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeBase(t *testing.T, dir string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, "base.bin")
	if err := os.WriteFile(path, data, 0755); err != nil {
		t.Fatalf("write base: %v", err)
	}
	return path
}

func buildContainer(t *testing.T, target, base string, blocks map[string][]byte, order []string) {
	t.Helper()
	w, err := Create(target, base)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for _, name := range order {
		if _, err := w.AppendBlock(name, KindResources, blocks[name]); err != nil {
			t.Fatalf("AppendBlock(%s): %v", name, err)
		}
	}
	if err := w.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
}

func TestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	baseBytes := []byte("#!/bin/sh\necho plain executable\n")
	base := writeBase(t, dir, baseBytes)
	target := filepath.Join(dir, "maintenancetool")

	blocks := map[string][]byte{
		"metadata": []byte(`{"components":["A","B"]}`),
		"scripts":  bytes.Repeat([]byte{0x00, 0xFF, 0x10}, 4096),
		"empty":    {},
	}
	order := []string{"metadata", "scripts", "empty"}
	buildContainer(t, target, base, blocks, order)

	layout, err := Open(target)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if layout.BaseSize != int64(len(baseBytes)) {
		t.Errorf("BaseSize = %d, want %d", layout.BaseSize, len(baseBytes))
	}
	if len(layout.Blocks) != len(order) {
		t.Fatalf("block count = %d, want %d", len(layout.Blocks), len(order))
	}
	for i, name := range order {
		if layout.Blocks[i].Name != name {
			t.Errorf("block %d = %s, want %s", i, layout.Blocks[i].Name, name)
		}
		got, err := layout.ReadBlock(name)
		if err != nil {
			t.Fatalf("ReadBlock(%s): %v", name, err)
		}
		if !bytes.Equal(got, blocks[name]) {
			t.Errorf("block %s differs after round trip", name)
		}
	}

	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data[:len(baseBytes)], baseBytes) {
		t.Error("base executable bytes were modified")
	}
	if !bytes.Equal(data[len(data)-len(Magic):], Magic[:]) {
		t.Error("magic marker is not the last bytes of the file")
	}

	info, err := os.Stat(target)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0755 {
		t.Errorf("mode = %v, want 0755", info.Mode().Perm())
	}
}

func TestCreateFromExistingContainerKeepsOnlyBase(t *testing.T) {
	dir := t.TempDir()
	baseBytes := []byte("ELF-ish executable")
	base := writeBase(t, dir, baseBytes)
	first := filepath.Join(dir, "first")
	buildContainer(t, first, base, map[string][]byte{"old": []byte("old data")}, []string{"old"})

	second := filepath.Join(dir, "second")
	buildContainer(t, second, first, map[string][]byte{"new": []byte("new data")}, []string{"new"})

	layout, err := Open(second)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if layout.BaseSize != int64(len(baseBytes)) {
		t.Errorf("BaseSize = %d, want %d", layout.BaseSize, len(baseBytes))
	}
	if _, ok := layout.Block("old"); ok {
		t.Error("old block should not be carried over")
	}
	if _, err := layout.ReadBlock("missing"); !errors.Is(err, ErrBlockNotFound) {
		t.Errorf("expected ErrBlockNotFound, got %v", err)
	}
}

func TestRewriteInPlace(t *testing.T) {
	dir := t.TempDir()
	tool := writeBase(t, dir, []byte("tool binary"))
	buildContainer(t, tool, tool, map[string][]byte{"v1": []byte("one")}, []string{"v1"})
	buildContainer(t, tool, tool, map[string][]byte{"v2": []byte("two")}, []string{"v2"})

	layout, err := Open(tool)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, err := layout.ReadBlock("v2")
	if err != nil || string(got) != "two" {
		t.Fatalf("ReadBlock(v2) = %q, %v", got, err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("temporary files left behind: %v", entries)
	}
}

func TestOpenPlainExecutable(t *testing.T) {
	dir := t.TempDir()
	for name, data := range map[string][]byte{
		"tiny":  []byte("x"),
		"plain": bytes.Repeat([]byte("a"), 4*TrailerSize),
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			if err := os.WriteFile(path, data, 0644); err != nil {
				t.Fatal(err)
			}
			_, err := Open(path)
			if !errors.Is(err, ErrNoContainer) {
				t.Fatalf("expected ErrNoContainer, got %v", err)
			}
			if errors.Is(err, ErrCorrupt) {
				t.Error("a plain executable is not corrupt")
			}
		})
	}
}

func TestOpenDetectsCorruption(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(data []byte, l *Layout)
	}{
		{
			name: "block count mismatch",
			mutate: func(data []byte, l *Layout) {
				off := len(data) - TrailerSize + 24
				binary.LittleEndian.PutUint32(data[off:], uint32(len(l.Blocks)+1))
			},
		},
		{
			name: "index checksum",
			mutate: func(data []byte, l *Layout) {
				off := len(data) - TrailerSize + 28
				data[off] ^= 0xFF
			},
		},
		{
			name: "length prefix",
			mutate: func(data []byte, l *Layout) {
				binary.LittleEndian.PutUint64(data[l.Blocks[1].Offset:], 1)
			},
		},
		{
			name: "negative block length",
			mutate: func(data []byte, l *Layout) {
				rewriteBlockLength(data, l, 0xFFFFFFFFFFFFFFF0)
			},
		},
		{
			name: "block length overflows offset",
			mutate: func(data []byte, l *Layout) {
				rewriteBlockLength(data, l, math.MaxInt64-4)
			},
		},
		{
			name: "unsupported version",
			mutate: func(data []byte, l *Layout) {
				off := len(data) - TrailerSize + 60
				binary.LittleEndian.PutUint32(data[off:], 99)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			base := writeBase(t, dir, []byte("base"))
			target := filepath.Join(dir, "c")
			buildContainer(t, target, base, map[string][]byte{"a": []byte("alpha"), "b": []byte("beta")}, []string{"a", "b"})

			layout, err := Open(target)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			data, err := os.ReadFile(target)
			if err != nil {
				t.Fatal(err)
			}
			tt.mutate(data, layout)
			if err := os.WriteFile(target, data, 0644); err != nil {
				t.Fatal(err)
			}

			_, err = Open(target)
			var corrupt *CorruptionError
			if !errors.As(err, &corrupt) {
				t.Fatalf("expected CorruptionError, got %v", err)
			}
			if !errors.Is(err, ErrCorrupt) {
				t.Error("corruption should match ErrCorrupt")
			}
		})
	}
}

// rewriteBlockLength sets the length of the first block in both the index and
// the block prefix, then reseals the index checksum.
func rewriteBlockLength(data []byte, l *Layout, length uint64) {
	trailerOffset := len(data) - TrailerSize
	indexOffset := int(binary.LittleEndian.Uint64(data[trailerOffset+8:]))
	indexLength := int(binary.LittleEndian.Uint64(data[trailerOffset+16:]))

	entry := indexOffset + 2 + len(l.Blocks[0].Name) + 1
	binary.LittleEndian.PutUint64(data[entry+8:], length)
	binary.LittleEndian.PutUint64(data[l.Blocks[0].Offset:], length)

	sum := sha256.Sum256(data[indexOffset : indexOffset+indexLength])
	copy(data[trailerOffset+28:], sum[:])
}

func TestReadBlockDetectsTamperedData(t *testing.T) {
	dir := t.TempDir()
	base := writeBase(t, dir, []byte("base"))
	target := filepath.Join(dir, "c")
	buildContainer(t, target, base, map[string][]byte{"a": []byte("alpha")}, []string{"a"})

	layout, err := Open(target)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, _ := os.ReadFile(target)
	data[layout.Blocks[0].DataOffset()] = 'A'
	if err := os.WriteFile(target, data, 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := layout.ReadBlock("a"); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestAbortRemovesTemporaryFile(t *testing.T) {
	dir := t.TempDir()
	base := writeBase(t, dir, []byte("base"))

	w, err := Create(filepath.Join(dir, "out"), base)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := w.AppendBlock("a", KindMetadata, []byte("x")); err != nil {
		t.Fatal(err)
	}
	if _, err := w.AppendBlock("a", KindMetadata, []byte("y")); err == nil {
		t.Error("expected duplicate block error")
	}
	if err := w.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected only the base file, found %d entries", len(entries))
	}
}

func TestCollectionRoundTrip(t *testing.T) {
	files := map[string][]byte{
		"metadata/Updates.xml":        []byte("<Updates/>"),
		"org.example.core/install.lua": []byte("function createOperations(c) end"),
	}

	packed, err := PackCollection(files)
	if err != nil {
		t.Fatalf("PackCollection: %v", err)
	}
	got, err := UnpackCollection(bytes.NewReader(packed))
	if err != nil {
		t.Fatalf("UnpackCollection: %v", err)
	}
	if diff := cmp.Diff(files, got); diff != "" {
		t.Errorf("collection mismatch (-want +got):\n%s", diff)
	}

	if _, err := PackCollection(map[string][]byte{"../escape": nil}); err == nil {
		t.Error("expected error for escaping entry name")
	}
}

package container

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Writer stages a new container in a temporary file next to its target.
type Writer struct {
	target   string
	tmp      *os.File
	mode     os.FileMode
	baseSize int64
	offset   int64
	blocks   []Block
	done     bool
}

// Create starts a container for target whose executable part is copied from base.
// If base already carries a container only its executable prefix is copied.
func Create(target, base string) (*Writer, error) {
	src, err := os.Open(base)
	if err != nil {
		return nil, fmt.Errorf("open base executable: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat base executable: %w", err)
	}

	baseSize := info.Size()
	layout, err := readLayout(src, base, info.Size())
	switch {
	case err == nil:
		baseSize = layout.BaseSize
	case errors.Is(err, ErrNoContainer):
	default:
		return nil, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("create temporary container: %w", err)
	}

	w := &Writer{target: target, tmp: tmp, mode: info.Mode().Perm(), baseSize: baseSize}
	if _, err := io.Copy(tmp, io.NewSectionReader(src, 0, baseSize)); err != nil {
		_ = w.Abort()
		return nil, fmt.Errorf("copy base executable: %w", err)
	}
	w.offset = baseSize

	return w, nil
}

// AppendResourceCollection appends r as a block named name and returns the offset
// of the block's length prefix.
func (w *Writer) AppendResourceCollection(name string, kind Kind, r io.Reader) (int64, error) {
	if w.done {
		return 0, errors.New("container writer already finished")
	}
	if name == "" {
		return 0, errors.New("block name is required")
	}
	for _, b := range w.blocks {
		if b.Name == name {
			return 0, fmt.Errorf("duplicate block %q", name)
		}
	}

	start := w.offset
	placeholder := make([]byte, lengthPrefixSize)
	if _, err := w.tmp.Write(placeholder); err != nil {
		return 0, fmt.Errorf("write block %q: %w", name, err)
	}

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(w.tmp, h), r)
	if err != nil {
		return 0, fmt.Errorf("write block %q: %w", name, err)
	}

	binary.LittleEndian.PutUint64(placeholder, uint64(n))
	if _, err := w.tmp.WriteAt(placeholder, start); err != nil {
		return 0, fmt.Errorf("write block %q length: %w", name, err)
	}

	b := Block{Name: name, Kind: kind, Offset: start, Length: n}
	copy(b.SHA256[:], h.Sum(nil))
	w.blocks = append(w.blocks, b)
	w.offset = start + lengthPrefixSize + n

	return start, nil
}

// AppendBlock is AppendResourceCollection for in-memory data.
func (w *Writer) AppendBlock(name string, kind Kind, data []byte) (int64, error) {
	return w.AppendResourceCollection(name, kind, bytes.NewReader(data))
}

// Finalize writes the index and trailer and atomically replaces the target.
func (w *Writer) Finalize() error {
	if w.done {
		return errors.New("container writer already finished")
	}

	index, err := encodeIndex(w.blocks)
	if err != nil {
		_ = w.Abort()
		return err
	}

	t := trailer{
		BaseSize:    uint64(w.baseSize),
		IndexOffset: uint64(w.offset),
		IndexLength: uint64(len(index)),
		BlockCount:  uint32(len(w.blocks)),
		IndexSHA256: sha256.Sum256(index),
		Version:     FormatVersion,
		Magic:       Magic,
	}

	var tail bytes.Buffer
	tail.Write(index)
	if err := binary.Write(&tail, binary.LittleEndian, t); err != nil {
		_ = w.Abort()
		return fmt.Errorf("encode trailer: %w", err)
	}
	if _, err := w.tmp.Write(tail.Bytes()); err != nil {
		_ = w.Abort()
		return fmt.Errorf("write index: %w", err)
	}

	if err := w.tmp.Sync(); err != nil {
		_ = w.Abort()
		return fmt.Errorf("sync container: %w", err)
	}
	tmpPath := w.tmp.Name()
	if err := w.tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		w.done = true
		return fmt.Errorf("close container: %w", err)
	}
	w.done = true

	if err := os.Chmod(tmpPath, w.mode); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("chmod container: %w", err)
	}
	if err := os.Rename(tmpPath, w.target); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename container: %w", err)
	}

	if df, err := os.Open(filepath.Dir(w.target)); err == nil {
		syncErr := df.Sync()
		df.Close()
		if syncErr != nil {
			return fmt.Errorf("sync directory: %w", syncErr)
		}
	}
	return nil
}

// Abort discards the staged file. It is safe to call after Finalize.
func (w *Writer) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	name := w.tmp.Name()
	w.tmp.Close()
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove temporary container: %w", err)
	}
	return nil
}

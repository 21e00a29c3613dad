// Package container reads and writes resource containers appended to an executable.
//
// A container file is laid out as:
//
//	base executable bytes
//	block 1: u64 length | bytes
//	...
//	block N: u64 length | bytes
//	index:   per block: u16 name length | name | u8 kind | u64 offset | u64 length | sha256
//	trailer: baseSize u64 | indexOffset u64 | indexLength u64 | blockCount u32 |
//	         indexSHA256 [32]byte | formatVersion u32 | magic [8]byte
//
// All integers are little-endian. The magic marker is always the last bytes of the file,
// so a plain executable is recognized by its absence.
package container

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// Magic marks the end of a container.
var Magic = [8]byte{'S', 'E', 'T', 'U', 'P', 'K', 'I', 'T'}

// FormatVersion is the trailer layout version written by this package.
const FormatVersion uint32 = 1

// TrailerSize is the fixed size of the trailer in bytes.
const TrailerSize = 8 + 8 + 8 + 4 + sha256.Size + 4 + 8

const lengthPrefixSize = 8

var (
	// ErrNoContainer means the file carries no container; it is a plain executable.
	ErrNoContainer = errors.New("no embedded container")
	// ErrCorrupt is matched by every CorruptionError.
	ErrCorrupt = errors.New("container corrupt")
	// ErrBlockNotFound is returned when a named block is not in the index.
	ErrBlockNotFound = errors.New("block not found")
)

// CorruptionError reports an inconsistency at a byte offset of a container.
type CorruptionError struct {
	Path   string
	Offset int64
	Reason string
	Cause  error
}

func (e *CorruptionError) Error() string {
	msg := fmt.Sprintf("%s: corrupt container at offset %d: %s", e.Path, e.Offset, e.Reason)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *CorruptionError) Unwrap() error { return e.Cause }

func (e *CorruptionError) Is(target error) bool { return target == ErrCorrupt }

// Kind classifies a block.
type Kind uint8

const (
	KindMetadata Kind = iota + 1
	KindResources
	KindArchive
	KindOperations
)

func (k Kind) String() string {
	switch k {
	case KindMetadata:
		return "metadata"
	case KindResources:
		return "resources"
	case KindArchive:
		return "archive"
	case KindOperations:
		return "operations"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Block describes one resource collection. Offset points at the block's length prefix.
type Block struct {
	Name   string
	Kind   Kind
	Offset int64
	Length int64
	SHA256 [sha256.Size]byte
}

// DataOffset is where the block's bytes start.
func (b Block) DataOffset() int64 {
	return b.Offset + lengthPrefixSize
}

// Layout is the validated structure of a container file.
type Layout struct {
	Path     string
	BaseSize int64
	Version  uint32
	Blocks   []Block
}

type trailer struct {
	BaseSize    uint64
	IndexOffset uint64
	IndexLength uint64
	BlockCount  uint32
	IndexSHA256 [sha256.Size]byte
	Version     uint32
	Magic       [8]byte
}

// Open validates the container at the end of path.
func Open(path string) (*Layout, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open container: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat container: %w", err)
	}
	return readLayout(f, path, info.Size())
}

func readLayout(r io.ReaderAt, path string, size int64) (*Layout, error) {
	if size < TrailerSize {
		return nil, ErrNoContainer
	}

	trailerOffset := size - TrailerSize
	buf := make([]byte, TrailerSize)
	if _, err := r.ReadAt(buf, trailerOffset); err != nil {
		return nil, &CorruptionError{Path: path, Offset: trailerOffset, Reason: "read trailer", Cause: err}
	}

	var t trailer
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &t); err != nil {
		return nil, &CorruptionError{Path: path, Offset: trailerOffset, Reason: "decode trailer", Cause: err}
	}
	if t.Magic != Magic {
		return nil, ErrNoContainer
	}

	corrupt := func(offset int64, format string, args ...interface{}) error {
		return &CorruptionError{Path: path, Offset: offset, Reason: fmt.Sprintf(format, args...)}
	}

	if t.Version != FormatVersion {
		return nil, corrupt(trailerOffset, "unsupported format version %d", t.Version)
	}
	indexOffset := int64(t.IndexOffset)
	indexLength := int64(t.IndexLength)
	baseSize := int64(t.BaseSize)
	if baseSize < 0 || baseSize > indexOffset {
		return nil, corrupt(trailerOffset, "base size %d beyond index offset %d", t.BaseSize, t.IndexOffset)
	}
	if indexOffset < 0 || indexLength < 0 || indexOffset+indexLength != trailerOffset {
		return nil, corrupt(indexOffset, "index [%d,+%d) does not end at trailer %d", t.IndexOffset, t.IndexLength, trailerOffset)
	}

	index := make([]byte, indexLength)
	if _, err := r.ReadAt(index, indexOffset); err != nil {
		return nil, &CorruptionError{Path: path, Offset: indexOffset, Reason: "read index", Cause: err}
	}
	if sha256.Sum256(index) != t.IndexSHA256 {
		return nil, corrupt(indexOffset, "index checksum mismatch")
	}

	blocks, err := decodeIndex(index)
	if err != nil {
		return nil, &CorruptionError{Path: path, Offset: indexOffset, Reason: "decode index", Cause: err}
	}
	if uint32(len(blocks)) != t.BlockCount {
		return nil, corrupt(indexOffset, "index lists %d blocks, trailer records %d", len(blocks), t.BlockCount)
	}

	prefix := make([]byte, lengthPrefixSize)
	for _, b := range blocks {
		if b.Offset < baseSize || b.Offset > indexOffset-lengthPrefixSize ||
			b.Length < 0 || b.Length > indexOffset-b.DataOffset() {
			return nil, corrupt(b.Offset, "block %q [%d,+%d) outside resource area", b.Name, b.Offset, b.Length)
		}
		if _, err := r.ReadAt(prefix, b.Offset); err != nil {
			return nil, &CorruptionError{Path: path, Offset: b.Offset, Reason: "read block length", Cause: err}
		}
		if n := binary.LittleEndian.Uint64(prefix); int64(n) != b.Length {
			return nil, corrupt(b.Offset, "block %q length prefix %d, index says %d", b.Name, n, b.Length)
		}
	}

	return &Layout{Path: path, BaseSize: baseSize, Version: t.Version, Blocks: blocks}, nil
}

// Block returns the named block.
func (l *Layout) Block(name string) (Block, bool) {
	for _, b := range l.Blocks {
		if b.Name == name {
			return b, true
		}
	}
	return Block{}, false
}

// BlocksOfKind returns every block of kind k in file order.
func (l *Layout) BlocksOfKind(k Kind) []Block {
	var out []Block
	for _, b := range l.Blocks {
		if b.Kind == k {
			out = append(out, b)
		}
	}
	return out
}

// ReadBlock returns the bytes of the named block after verifying its checksum.
func (l *Layout) ReadBlock(name string) ([]byte, error) {
	b, ok := l.Block(name)
	if !ok {
		return nil, fmt.Errorf("%s: %w: %s", l.Path, ErrBlockNotFound, name)
	}

	f, err := os.Open(l.Path)
	if err != nil {
		return nil, fmt.Errorf("open container: %w", err)
	}
	defer f.Close()

	if b.Length < 0 || b.Offset < l.BaseSize {
		return nil, &CorruptionError{Path: l.Path, Offset: b.Offset, Reason: fmt.Sprintf("block %q has length %d", name, b.Length)}
	}
	data := make([]byte, b.Length)
	if _, err := f.ReadAt(data, b.DataOffset()); err != nil {
		return nil, &CorruptionError{Path: l.Path, Offset: b.DataOffset(), Reason: "read block " + name, Cause: err}
	}
	if sha256.Sum256(data) != b.SHA256 {
		return nil, &CorruptionError{Path: l.Path, Offset: b.DataOffset(), Reason: fmt.Sprintf("block %q checksum mismatch", name)}
	}
	return data, nil
}

func encodeIndex(blocks []Block) ([]byte, error) {
	var buf bytes.Buffer
	for _, b := range blocks {
		if len(b.Name) > 0xFFFF {
			return nil, fmt.Errorf("block name too long: %d bytes", len(b.Name))
		}
		_ = binary.Write(&buf, binary.LittleEndian, uint16(len(b.Name)))
		buf.WriteString(b.Name)
		buf.WriteByte(byte(b.Kind))
		_ = binary.Write(&buf, binary.LittleEndian, uint64(b.Offset))
		_ = binary.Write(&buf, binary.LittleEndian, uint64(b.Length))
		buf.Write(b.SHA256[:])
	}
	return buf.Bytes(), nil
}

func decodeIndex(data []byte) ([]Block, error) {
	r := bytes.NewReader(data)
	var blocks []Block
	for r.Len() > 0 {
		var nameLen uint16
		if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
			return nil, fmt.Errorf("entry %d name length: %w", len(blocks), err)
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, fmt.Errorf("entry %d name: %w", len(blocks), err)
		}
		kind, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("entry %d kind: %w", len(blocks), err)
		}
		var fields struct {
			Offset uint64
			Length uint64
			SHA256 [sha256.Size]byte
		}
		if err := binary.Read(r, binary.LittleEndian, &fields); err != nil {
			return nil, fmt.Errorf("entry %d: %w", len(blocks), err)
		}
		blocks = append(blocks, Block{
			Name:   string(name),
			Kind:   Kind(kind),
			Offset: int64(fields.Offset),
			Length: int64(fields.Length),
			SHA256: fields.SHA256,
		})
	}
	return blocks, nil
}

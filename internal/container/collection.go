package container

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// maxCollectionEntry bounds a single decompressed entry of a resource collection.
const maxCollectionEntry = 64 << 20

// PackCollection encodes files as a zstd-compressed tar stream. Keys are slash
// separated relative paths; entries are written in sorted order.
func PackCollection(files map[string][]byte) ([]byte, error) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	tw := tar.NewWriter(enc)
	for _, name := range names {
		clean, err := cleanEntryName(name)
		if err != nil {
			enc.Close()
			return nil, err
		}
		data := files[name]
		hdr := &tar.Header{Name: clean, Mode: 0644, Size: int64(len(data)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			enc.Close()
			return nil, fmt.Errorf("write entry %s: %w", clean, err)
		}
		if _, err := tw.Write(data); err != nil {
			enc.Close()
			return nil, fmt.Errorf("write entry %s: %w", clean, err)
		}
	}
	if err := tw.Close(); err != nil {
		enc.Close()
		return nil, fmt.Errorf("close tar stream: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close zstd stream: %w", err)
	}
	return buf.Bytes(), nil
}

// UnpackCollection decodes a stream produced by PackCollection.
func UnpackCollection(r io.Reader) (map[string][]byte, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()

	files := make(map[string][]byte)
	tr := tar.NewReader(dec)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name, err := cleanEntryName(hdr.Name)
		if err != nil {
			return nil, err
		}
		if hdr.Size > maxCollectionEntry {
			return nil, fmt.Errorf("entry %s too large: %d bytes", name, hdr.Size)
		}
		data, err := io.ReadAll(io.LimitReader(tr, maxCollectionEntry))
		if err != nil {
			return nil, fmt.Errorf("read entry %s: %w", name, err)
		}
		files[name] = data
	}
	return files, nil
}

func cleanEntryName(name string) (string, error) {
	clean := path.Clean(strings.TrimPrefix(name, "/"))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid collection entry name %q", name)
	}
	return clean, nil
}

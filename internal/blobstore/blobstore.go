// Package blobstore serves the raw configuration and weight blobs of a model
// directory.  Large blobs are memory mapped read-only when the platform allows
// it.
package blobstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

const (
	ConfigName  = "config.json"
	WeightsName = "model.safetensors"
	VocabName   = "vocab.json"
	MergesName  = "merges.txt"
)

var (
	ErrInvalidName = errors.New("blobstore: invalid model name")
	ErrNotFound    = errors.New("blobstore: not found")
)

// Dir is a model directory holding the four named blobs.
type Dir string

// Resolve maps a model name to a directory under root. Names are a single
// path element; anything that could escape root is rejected.
func Resolve(root, name string) (Dir, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	dir := filepath.Join(root, name)
	st, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: model %q", ErrNotFound, name)
		}
		return "", err
	}
	if !st.IsDir() {
		return "", fmt.Errorf("%w: model %q is not a directory", ErrNotFound, name)
	}
	return Dir(dir), nil
}

// List returns the names of model directories under root that contain both
// a config and weights.
func List(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		d := Dir(filepath.Join(root, e.Name()))
		if d.Has(ConfigName) && d.Has(WeightsName) {
			out = append(out, e.Name())
		}
	}
	slices.Sort(out)
	return out, nil
}

func (d Dir) path(name string) string { return filepath.Join(string(d), name) }

// Has reports whether the blob exists as a regular file.
func (d Dir) Has(name string) bool {
	st, err := os.Stat(d.path(name))
	return err == nil && st.Mode().IsRegular()
}

// Blob is a read-only view of a file. Data stays valid until Close.
type Blob struct {
	Data    []byte
	mmapped bool
}

// Close releases the mapping, if any.
func (b *Blob) Close() error {
	if b == nil || b.Data == nil {
		return nil
	}
	var err error
	if b.mmapped {
		err = unix.Munmap(b.Data)
	}
	b.Data = nil
	b.mmapped = false
	return err
}

// Open maps the named blob read-only, falling back to reading it into memory
// when mmap is unavailable or the file is empty.
func (d Dir) Open(name string) (*Blob, error) {
	f, err := os.Open(d.path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, d.path(name))
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size64 := st.Size()
	if size64 > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("blobstore: %s too large to map", name)
	}
	size := int(size64)

	if size > 0 {
		data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
		if err == nil {
			return &Blob{Data: data, mmapped: true}, nil
		}
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, fmt.Errorf("blobstore: read %s: %w", name, err)
	}
	return &Blob{Data: data}, nil
}

// ReadAll returns an owned copy of the named blob.
func (d Dir) ReadAll(name string) ([]byte, error) {
	data, err := os.ReadFile(d.path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, d.path(name))
		}
		return nil, err
	}
	return data, nil
}

// Model bundles the blobs needed to set up a model and its tokenizer.
type Model struct {
	Config  []byte
	Weights *Blob
	Vocab   []byte
	Merges  []byte
}

// Close releases the weights mapping.
func (m *Model) Close() error {
	if m == nil {
		return nil
	}
	return m.Weights.Close()
}

// Load opens every blob of the directory. On failure anything already opened
// is released.
func (d Dir) Load() (m *Model, err error) {
	m = &Model{}
	defer func() {
		if err != nil {
			err = multierr.Append(err, m.Close())
			m = nil
		}
	}()
	if m.Config, err = d.ReadAll(ConfigName); err != nil {
		return m, err
	}
	if m.Vocab, err = d.ReadAll(VocabName); err != nil {
		return m, err
	}
	if m.Merges, err = d.ReadAll(MergesName); err != nil {
		return m, err
	}
	if m.Weights, err = d.Open(WeightsName); err != nil {
		return m, err
	}
	return m, nil
}

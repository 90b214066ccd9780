// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package status

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// FileName is the status document inside each record directory.
const FileName = "status.js"

// FileStore keeps one directory per record under root with the status in
// <root>/<id>/status.js. Record sections may live next to it.
type FileStore struct {
	root string
}

// NewFileStore creates root if needed.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("status: create %s: %w", root, err)
	}
	return &FileStore{root: root}, nil
}

// Root returns the directory holding the record directories.
func (s *FileStore) Root() string { return s.root }

// Dir returns the record directory for id.
func (s *FileStore) Dir(id string) string { return filepath.Join(s.root, id) }

func (s *FileStore) Put(_ context.Context, id string, rec Record) error {
	if !validID(id) {
		return fmt.Errorf("status: malformed id %q", id)
	}
	raw, err := encode(rec)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.Dir(id), 0o750); err != nil {
		return fmt.Errorf("status: create record dir: %w", err)
	}
	// renameio fsyncs before the rename so a crash leaves the old or the new document.
	if err := renameio.WriteFile(filepath.Join(s.Dir(id), FileName), raw, 0o640); err != nil {
		return fmt.Errorf("status: write %s: %w", id, err)
	}
	return nil
}

func (s *FileStore) Get(_ context.Context, id string) (Record, error) {
	raw, err := os.ReadFile(filepath.Join(s.Dir(id), FileName))
	if errors.Is(err, fs.ErrNotExist) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	e := decode(id, raw)
	if e.Err != nil {
		return Record{}, e.Err
	}
	return *e.Record, nil
}

// List includes record directories with a missing or unreadable status
// document as entries carrying an error.
func (s *FileStore) List(context.Context) ([]Entry, error) {
	dirs, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("status: list %s: %w", s.root, err)
	}
	var out []Entry
	for _, d := range dirs {
		if !d.IsDir() || !validID(d.Name()) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.root, d.Name(), FileName))
		if err != nil {
			out = append(out, Entry{ID: d.Name(), Err: fmt.Errorf("status: read %s: %w", d.Name(), err)})
			continue
		}
		out = append(out, decode(d.Name(), raw))
	}
	sortEntries(out)
	return out, nil
}

// Delete removes the whole record directory.
func (s *FileStore) Delete(_ context.Context, id string) error {
	if !validID(id) {
		return fmt.Errorf("status: malformed id %q", id)
	}
	return os.RemoveAll(s.Dir(id))
}

func (s *FileStore) Close() error { return nil }

// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package status

import (
	"context"
	"sync"
)

// MemoryStore keeps status records in a map. Records are stored encoded so
// callers never share state with the store.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, id string, rec Record) error {
	raw, err := encode(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[id] = raw
	return nil
}

// PutRaw stores an undecoded document. Used to simulate damaged entries.
func (s *MemoryStore) PutRaw(id string, raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[id] = append([]byte(nil), raw...)
}

func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	raw, ok := s.data[id]
	s.mu.RUnlock()
	if !ok {
		return Record{}, ErrNotFound
	}
	e := decode(id, raw)
	if e.Err != nil {
		return Record{}, e.Err
	}
	return *e.Record, nil
}

func (s *MemoryStore) List(context.Context) ([]Entry, error) {
	s.mu.RLock()
	out := make([]Entry, 0, len(s.data))
	for id, raw := range s.data {
		out = append(out, decode(id, raw))
	}
	s.mu.RUnlock()
	sortEntries(out)
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, id)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

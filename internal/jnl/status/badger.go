// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package status

import (
	"context"
	"errors"

	"github.com/dgraph-io/badger/v4"
)

const badgerPrefix = "status:"

// BadgerStore keeps status documents under "status:<id>" keys.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens a store at path. An empty path opens an in-memory
// database.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Put(_ context.Context, id string, rec Record) error {
	raw, err := encode(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerPrefix+id), raw)
	})
}

func (s *BadgerStore) Get(_ context.Context, id string) (Record, error) {
	var e Entry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerPrefix + id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			e = decode(id, val)
			return e.Err
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return *e.Record, nil
}

// List iterates the key prefix, which badger returns in key order.
func (s *BadgerStore) List(context.Context) ([]Entry, error) {
	var out []Entry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(badgerPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			id := string(item.Key()[len(badgerPrefix):])
			if err := item.Value(func(val []byte) error {
				out = append(out, decode(id, val))
				return nil
			}); err != nil {
				out = append(out, Entry{ID: id, Err: err})
			}
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) Delete(_ context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(badgerPrefix + id))
	})
}

func (s *BadgerStore) Close() error { return s.db.Close() }

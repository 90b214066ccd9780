// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package status persists per-record transfer status. Every backend stores
// the same JSON document keyed by a zero-padded local id, so lexical order
// of ids is also age order.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
)

// ErrNotFound is returned by Get for an unknown id.
var ErrNotFound = errors.New("status: record not found")

// DigestConfirmed is the DigestConf value of a reconciled record.
const DigestConfirmed = "confirmed"

// Record is the status document of one record.
type Record struct {
	SysMetaSize     int64 `json:"sys_meta_sz"`
	AppMetaSize     int64 `json:"app_meta_sz"`
	PayloadSize     int64 `json:"payload_sz"`
	SysMetaProgress int64 `json:"sys_meta_progress"`
	AppMetaProgress int64 `json:"app_meta_progress"`
	PayloadProgress int64 `json:"payload_progress"`

	RemoteSerialID string `json:"remote_sid,omitempty"`
	Nonce          string `json:"nonce,omitempty"`
	Digest         string `json:"digest,omitempty"`
	DigestConf     string `json:"digest_conf,omitempty"`
	Synced         bool   `json:"synced,omitempty"`

	// Publisher side.
	LocalDigest    string `json:"local_digest,omitempty"`
	PeerDigest     string `json:"peer_digest,omitempty"`
	RecordComplete bool   `json:"recordComplete,omitempty"`
}

// Confirmed reports whether the peer agreed on the digest.
func (r Record) Confirmed() bool { return r.DigestConf == DigestConfirmed }

// Entry is one listed id with its record or the reason it could not be loaded.
type Entry struct {
	ID     string
	Record *Record
	Err    error
}

// Store persists status records. Implementations are safe for concurrent use.
type Store interface {
	Put(ctx context.Context, id string, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	// List returns every entry ordered oldest first.
	List(ctx context.Context) ([]Entry, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// FormatID renders a local counter as a ten digit id.
func FormatID(n int64) string { return fmt.Sprintf("%010d", n) }

// ParseID is the inverse of FormatID.
func ParseID(id string) (int64, error) {
	if !validID(id) {
		return 0, fmt.Errorf("status: malformed id %q", id)
	}
	return strconv.ParseInt(id, 10, 64)
}

// NextID returns the id following the largest well-formed id in entries.
func NextID(entries []Entry) string {
	var max int64
	for _, e := range entries {
		if n, err := ParseID(e.ID); err == nil && n > max {
			max = n
		}
	}
	return FormatID(max + 1)
}

func validID(id string) bool {
	if len(id) != 10 {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < '0' || id[i] > '9' {
			return false
		}
	}
	return true
}

func encode(rec Record) ([]byte, error) {
	return json.Marshal(rec)
}

func decode(id string, raw []byte) Entry {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Entry{ID: id, Err: fmt.Errorf("status: decode %s: %w", id, err)}
	}
	return Entry{ID: id, Record: &rec}
}

func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
}

// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package jnl holds the protocol-level vocabulary shared by the JALoP
// session engine: record types, roles, digest statuses, role callbacks and
// the transport abstraction the engine talks through.
package jnl

import (
	"fmt"
	"strings"
)

// Epoch is the serial id a subscriber asks for when it has never confirmed
// a record: "everything after the beginning".
const Epoch = "0"

// RecordType identifies the JAL record stream a session transfers.
type RecordType int

const (
	RecordTypeUnset RecordType = iota
	RecordTypeJournal
	RecordTypeAudit
	RecordTypeLog
)

func (t RecordType) String() string {
	switch t {
	case RecordTypeJournal:
		return "journal"
	case RecordTypeAudit:
		return "audit"
	case RecordTypeLog:
		return "log"
	default:
		return "unset"
	}
}

// ParseRecordType accepts "journal", "audit" or "log" in any case.
func ParseRecordType(s string) (RecordType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "journal":
		return RecordTypeJournal, nil
	case "audit":
		return RecordTypeAudit, nil
	case "log":
		return RecordTypeLog, nil
	default:
		return RecordTypeUnset, fmt.Errorf("unknown record type %q", s)
	}
}

// Role is the side of the transfer a session plays.
type Role int

const (
	RoleUnset Role = iota
	RolePublisher
	RoleSubscriber
)

func (r Role) String() string {
	switch r {
	case RolePublisher:
		return "publisher"
	case RoleSubscriber:
		return "subscriber"
	default:
		return "unset"
	}
}

// Mode is the transfer mode negotiated for a session.
type Mode int

const (
	ModeUnset Mode = iota
	ModeLive
	ModeArchive
)

func (m Mode) String() string {
	switch m {
	case ModeLive:
		return "live"
	case ModeArchive:
		return "archival"
	default:
		return "unset"
	}
}

// ParseMode accepts "live" and "archive"/"archival". Blank yields ModeUnset.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return ModeUnset, nil
	case "live":
		return ModeLive, nil
	case "archive", "archival":
		return ModeArchive, nil
	default:
		return ModeUnset, fmt.Errorf("unknown mode %q", s)
	}
}

// DigestStatus is the peer's verdict on a digest. The zero value means no
// verdict has arrived yet.
type DigestStatus int

const (
	DigestPending DigestStatus = iota
	DigestConfirmed
	DigestInvalid
	DigestUnknown
)

func (s DigestStatus) String() string {
	switch s {
	case DigestConfirmed:
		return "confirmed"
	case DigestInvalid:
		return "invalid"
	case DigestUnknown:
		return "unknown"
	default:
		return ""
	}
}

// ParseDigestStatus is the inverse of String for the three peer verdicts.
func ParseDigestStatus(s string) (DigestStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "confirmed":
		return DigestConfirmed, nil
	case "invalid":
		return DigestInvalid, nil
	case "unknown":
		return DigestUnknown, nil
	default:
		return DigestPending, fmt.Errorf("unknown digest status %q", s)
	}
}

// RecordInfo describes a record announced by the publisher.
type RecordInfo struct {
	SerialID      string
	Nonce         string
	SysMetaLength int64
	AppMetaLength int64
	PayloadLength int64
}

// Key returns the nonce used for digest correlation, falling back to the
// serial id for bindings that do not assign a separate nonce.
func (r RecordInfo) Key() string {
	if n := strings.TrimSpace(r.Nonce); n != "" {
		return n
	}
	return r.SerialID
}

// CheckNonce rejects nonces that cannot be carried on a digest body line.
func CheckNonce(nonce string) error {
	if strings.ContainsAny(nonce, "=\r\n") {
		return &AnomalyError{Nonce: nonce, Reason: "nonce contains '=' or a line break"}
	}
	return nil
}

// DigestPair is what a publisher learns about one record after the peer
// reported its digest.
type DigestPair struct {
	SerialID    string
	LocalDigest string
	PeerDigest  string
	Status      DigestStatus
}

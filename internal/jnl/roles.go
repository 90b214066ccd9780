// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package jnl

import (
	"context"
	"io"
	"time"
)

// Session is the read-only view of a live session handed to role callbacks.
type Session interface {
	PublisherID() string
	SessionID() string
	RecordType() RecordType
	Role() Role
	Mode() Mode
	DigestMethod() string
	XMLEncoding() string
	DigestTimeout() time.Duration
	PendingDigestMax() int

	// IsOK reports false once the session has faulted or closed. It never
	// becomes true again.
	IsOK() bool
	SetErrored()
}

// SubscribeRequest is what a subscriber asks the publisher for: every record
// after SerialID, and for an interrupted journal record, the payload from
// ResumeOffset onwards. ResumeStream carries the bytes already held locally.
type SubscribeRequest struct {
	SerialID     string
	ResumeOffset int64
	ResumeStream io.ReadCloser
}

// Resuming reports whether the request continues a partially received journal record.
func (r SubscribeRequest) Resuming() bool {
	return r.ResumeOffset > 0
}

// Subscriber receives records and digest verdicts. Implementations must be
// safe for concurrent use: one call per inbound record exchange may be in
// flight at any time.
type Subscriber interface {
	SubscribeRequest(ctx context.Context, sess Session) (SubscribeRequest, error)
	NotifySysMetadata(ctx context.Context, sess Session, info RecordInfo, sysMeta io.Reader) error
	NotifyAppMetadata(ctx context.Context, sess Session, info RecordInfo, appMeta io.Reader) error
	NotifyPayload(ctx context.Context, sess Session, info RecordInfo, payload io.Reader) error
	NotifyDigest(ctx context.Context, sess Session, info RecordInfo, digest []byte) error
	NotifyDigestResponse(ctx context.Context, sess Session, statuses map[string]DigestStatus) error
}

// SourceRecord is one record offered by a publisher. Open* return nil
// readers for absent sections. OpenPayload always starts at byte 0; for a
// journal resume the first Offset bytes are digested but not sent.
type SourceRecord interface {
	SerialID() string
	Nonce() string
	RecordType() RecordType
	Offset() int64
	SysMetaLength() int64
	AppMetaLength() int64
	PayloadLength() int64
	OpenSysMetadata() (io.ReadCloser, error)
	OpenAppMetadata() (io.ReadCloser, error)
	OpenPayload() (io.ReadCloser, error)
}

// Publisher supplies records and learns the digest outcome.
type Publisher interface {
	// NextRecord returns the record after lastSerialID, or nil when none is
	// available yet.
	NextRecord(ctx context.Context, sess Session, lastSerialID string) (SourceRecord, error)
	OnSubscribe(ctx context.Context, sess Session, serialID string) error
	OnJournalResume(ctx context.Context, sess Session, serialID string, offset int64) (SourceRecord, error)
	OnRecordComplete(ctx context.Context, sess Session, serialID string, rec SourceRecord) error
	NotifyDigest(ctx context.Context, sess Session, serialID string, digest []byte)
	NotifyPeerDigest(ctx context.Context, sess Session, pairs map[string]DigestPair)
}

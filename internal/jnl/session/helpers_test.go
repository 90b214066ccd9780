// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package session

import (
	"bytes"
	"context"
	"io"
	"strconv"
	"sync"

	"github.com/ManuGH/jalop/internal/jnl"
)

func validConfig() Config {
	return Config{
		PublisherID:          "pub-1",
		SessionID:            "sess-1",
		RecordType:           jnl.RecordTypeJournal,
		Mode:                 jnl.ModeLive,
		DigestMethod:         "sha256",
		XMLEncoding:          "none",
		DigestTimeoutSeconds: 1,
		PendingDigestMax:     2,
	}
}

// memSubscriber keeps every section it is handed in memory.
type memSubscriber struct {
	mu        sync.Mutex
	req       jnl.SubscribeRequest
	payloads  map[string][]byte
	digests   map[string][]byte
	responses map[string]jnl.DigestStatus
	onPayload func(r io.Reader) error
}

func newMemSubscriber() *memSubscriber {
	return &memSubscriber{
		payloads:  make(map[string][]byte),
		digests:   make(map[string][]byte),
		responses: make(map[string]jnl.DigestStatus),
	}
}

func (m *memSubscriber) SubscribeRequest(context.Context, jnl.Session) (jnl.SubscribeRequest, error) {
	return m.req, nil
}

func (m *memSubscriber) NotifySysMetadata(_ context.Context, _ jnl.Session, _ jnl.RecordInfo, r io.Reader) error {
	_, err := io.Copy(io.Discard, r)
	return err
}

func (m *memSubscriber) NotifyAppMetadata(_ context.Context, _ jnl.Session, _ jnl.RecordInfo, r io.Reader) error {
	_, err := io.Copy(io.Discard, r)
	return err
}

func (m *memSubscriber) NotifyPayload(_ context.Context, _ jnl.Session, info jnl.RecordInfo, r io.Reader) error {
	if m.onPayload != nil {
		return m.onPayload(r)
	}
	b, err := io.ReadAll(r)
	m.mu.Lock()
	m.payloads[info.SerialID] = b
	m.mu.Unlock()
	return err
}

func (m *memSubscriber) NotifyDigest(_ context.Context, _ jnl.Session, info jnl.RecordInfo, d []byte) error {
	m.mu.Lock()
	m.digests[info.Nonce] = d
	m.mu.Unlock()
	return nil
}

func (m *memSubscriber) NotifyDigestResponse(_ context.Context, _ jnl.Session, st map[string]jnl.DigestStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range st {
		m.responses[k] = v
	}
	return nil
}

func (m *memSubscriber) response(nonce string) jnl.DigestStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.responses[nonce]
}

type memRecord struct {
	serial  string
	nonce   string
	sys     []byte
	app     []byte
	payload []byte
	offset  int64
}

func (r *memRecord) SerialID() string           { return r.serial }
func (r *memRecord) Nonce() string              { return r.nonce }
func (r *memRecord) RecordType() jnl.RecordType { return jnl.RecordTypeJournal }
func (r *memRecord) Offset() int64              { return r.offset }
func (r *memRecord) SysMetaLength() int64       { return int64(len(r.sys)) }
func (r *memRecord) AppMetaLength() int64       { return int64(len(r.app)) }
func (r *memRecord) PayloadLength() int64       { return int64(len(r.payload)) }

func (r *memRecord) OpenSysMetadata() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(r.sys)), nil
}

func (r *memRecord) OpenAppMetadata() (io.ReadCloser, error) {
	if r.app == nil {
		return nil, nil
	}
	return io.NopCloser(bytes.NewReader(r.app)), nil
}

func (r *memRecord) OpenPayload() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(r.payload)), nil
}

// memPublisher serves records with serial ids "1".."n".
type memPublisher struct {
	mu        sync.Mutex
	records   []*memRecord
	completed []string
	peer      map[string]jnl.DigestPair
}

func newMemPublisher(records ...*memRecord) *memPublisher {
	return &memPublisher{records: records, peer: make(map[string]jnl.DigestPair)}
}

func (m *memPublisher) NextRecord(_ context.Context, _ jnl.Session, last string) (jnl.SourceRecord, error) {
	n, _ := strconv.Atoi(last)
	for _, r := range m.records {
		if id, _ := strconv.Atoi(r.serial); id > n {
			cp := *r
			cp.offset = 0
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memPublisher) OnSubscribe(context.Context, jnl.Session, string) error { return nil }

func (m *memPublisher) OnJournalResume(_ context.Context, _ jnl.Session, serial string, offset int64) (jnl.SourceRecord, error) {
	for _, r := range m.records {
		if r.serial == serial {
			cp := *r
			cp.offset = offset
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memPublisher) OnRecordComplete(_ context.Context, _ jnl.Session, serial string, _ jnl.SourceRecord) error {
	m.mu.Lock()
	m.completed = append(m.completed, serial)
	m.mu.Unlock()
	return nil
}

func (m *memPublisher) NotifyDigest(context.Context, jnl.Session, string, []byte) {}

func (m *memPublisher) NotifyPeerDigest(_ context.Context, _ jnl.Session, pairs map[string]jnl.DigestPair) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range pairs {
		m.peer[k] = v
	}
}

// peerTransport delivers digest batches straight into a publisher session.
type peerTransport struct {
	pub *PublisherSession
	err error
}

func (t *peerTransport) Send(ctx context.Context, msg jnl.Message, onReply jnl.ReplyFunc) error {
	if t.err != nil {
		return t.err
	}
	reply, err := t.pub.HandleDigest(ctx, msg)
	if err != nil {
		return err
	}
	onReply(ctx, reply)
	return nil
}

// direct pipes records produced by a publisher session into a subscriber session.
func direct(sub *SubscriberSession) SendFunc {
	return func(ctx context.Context, info jnl.RecordInfo, _ int64, sys, app, payload io.Reader) error {
		return sub.ReceiveRecord(ctx, info, sys, app, payload)
	}
}

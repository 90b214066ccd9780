// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package session

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/ManuGH/jalop/internal/jnl"
	"github.com/ManuGH/jalop/internal/jnl/wire"
	xlog "github.com/ManuGH/jalop/internal/log"
)

// SendFunc transmits one record. It must consume sysMeta, appMeta and
// payload in that order. info.PayloadLength is the number of payload bytes
// that follow, which is less than the record's length for a journal resume.
type SendFunc func(ctx context.Context, info jnl.RecordInfo, offset int64, sysMeta, appMeta, payload io.Reader) error

type sent struct {
	serialID string
	digest   string
}

// PublisherSession streams records to a subscriber and answers its digest
// messages.
type PublisherSession struct {
	*base
	handler jnl.Publisher

	mu         sync.Mutex
	subscribed bool
	lastSerial string
	resumeRec  jnl.SourceRecord
	local      map[string]sent
	// inflight is closed once the record's local digest is known.
	inflight map[string]chan struct{}
}

func NewPublisherSession(cfg Config, handler jnl.Publisher, opts ...Option) (*PublisherSession, error) {
	if handler == nil {
		return nil, jnl.NewConfigError("publisher", "is required")
	}
	o := buildOptions(opts)
	b, err := newBase(cfg, jnl.RolePublisher, o.log)
	if err != nil {
		return nil, err
	}
	return &PublisherSession{
		base:     b,
		handler:  handler,
		local:    make(map[string]sent),
		inflight: make(map[string]chan struct{}),
	}, nil
}

// Subscribe accepts the subscriber's starting point. A positive offset
// resolves the partially transferred journal record through OnJournalResume;
// it is sent first by Stream.
func (p *PublisherSession) Subscribe(ctx context.Context, req jnl.SubscribeRequest) error {
	if !p.IsOK() {
		return jnl.ErrSessionClosed
	}
	serial := strings.TrimSpace(req.SerialID)
	if serial == "" {
		serial = jnl.Epoch
	}
	if req.ResumeOffset < 0 {
		p.SetErrored()
		return fmt.Errorf("%w: negative journal offset %d", jnl.ErrSessionFault, req.ResumeOffset)
	}
	if req.ResumeOffset > 0 && p.RecordType() != jnl.RecordTypeJournal {
		p.SetErrored()
		return fmt.Errorf("%w: journal offset on a %s session", jnl.ErrSessionFault, p.RecordType())
	}

	if err := p.handler.OnSubscribe(ctx, p, serial); err != nil {
		return fmt.Errorf("subscribe from %q: %w", serial, err)
	}

	var resumeRec jnl.SourceRecord
	if req.ResumeOffset > 0 {
		rec, err := p.handler.OnJournalResume(ctx, p, serial, req.ResumeOffset)
		if err != nil {
			return fmt.Errorf("journal resume %q at %d: %w", serial, req.ResumeOffset, err)
		}
		if rec == nil {
			return fmt.Errorf("journal resume %q: record not found", serial)
		}
		if rec.Offset() > rec.PayloadLength() {
			return fmt.Errorf("journal resume %q: offset %d beyond payload length %d", serial, rec.Offset(), rec.PayloadLength())
		}
		resumeRec = rec
	}

	p.mu.Lock()
	p.subscribed = true
	p.resumeRec = resumeRec
	p.lastSerial = serial
	p.mu.Unlock()

	p.log.Info().
		Str(xlog.FieldEvent, "session.subscribed").
		Str(xlog.FieldSerialID, serial).
		Int64(xlog.FieldOffset, req.ResumeOffset).
		Msg("subscriber attached")
	return nil
}

// Stream sends every available record through send and returns how many
// were sent. It stops when NextRecord reports none, on the first error, or
// when the session ends.
func (p *PublisherSession) Stream(ctx context.Context, send SendFunc) (int, error) {
	p.mu.Lock()
	subscribed := p.subscribed
	p.mu.Unlock()
	if !subscribed {
		return 0, fmt.Errorf("%w: stream before subscribe", jnl.ErrSessionFault)
	}

	ctx, cancel := p.bind(ctx)
	defer cancel()

	count := 0
	for {
		if !p.IsOK() {
			return count, jnl.ErrSessionClosed
		}
		if err := ctx.Err(); err != nil {
			return count, err
		}

		rec, err := p.next(ctx)
		if err != nil {
			return count, err
		}
		if rec == nil {
			return count, nil
		}
		if err := p.sendRecord(ctx, rec, send); err != nil {
			return count, err
		}
		count++
	}
}

func (p *PublisherSession) next(ctx context.Context) (jnl.SourceRecord, error) {
	p.mu.Lock()
	rec := p.resumeRec
	p.resumeRec = nil
	last := p.lastSerial
	p.mu.Unlock()
	if rec != nil {
		return rec, nil
	}
	rec, err := p.handler.NextRecord(ctx, p, last)
	if err != nil {
		return nil, fmt.Errorf("next record after %q: %w", last, err)
	}
	return rec, nil
}

func (p *PublisherSession) sendRecord(ctx context.Context, rec jnl.SourceRecord, send SendFunc) error {
	serial := rec.SerialID()
	info := jnl.RecordInfo{
		SerialID:      serial,
		Nonce:         rec.Nonce(),
		SysMetaLength: rec.SysMetaLength(),
		AppMetaLength: rec.AppMetaLength(),
		PayloadLength: rec.PayloadLength() - rec.Offset(),
	}
	info.Nonce = info.Key()
	if err := jnl.CheckNonce(info.Nonce); err != nil {
		return fmt.Errorf("record %q: %w", serial, err)
	}

	h, err := jnl.NewHash(p.DigestMethod())
	if err != nil {
		return err
	}

	done := make(chan struct{})
	p.mu.Lock()
	p.inflight[info.Nonce] = done
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.inflight, info.Nonce)
		p.mu.Unlock()
		close(done)
	}()

	sys, err := openSection(rec.OpenSysMetadata)
	if err != nil {
		return fmt.Errorf("open system metadata of %q: %w", serial, err)
	}
	defer sys.Close()
	app, err := openSection(rec.OpenAppMetadata)
	if err != nil {
		return fmt.Errorf("open application metadata of %q: %w", serial, err)
	}
	defer app.Close()
	payload, err := openSection(rec.OpenPayload)
	if err != nil {
		return fmt.Errorf("open payload of %q: %w", serial, err)
	}
	defer payload.Close()

	sysTee := io.TeeReader(p.guard(ctx, sys), h)
	appTee := io.TeeReader(p.guard(ctx, app), h)
	payloadSrc := p.guard(ctx, payload)

	// The skipped prefix belongs after both metadata sections in the digest,
	// so it is hashed lazily once the sender reaches the payload.
	payloadTee := &resumeReader{
		prefix: rec.Offset(),
		before: []io.Reader{sysTee, appTee},
		src:    payloadSrc,
		h:      h,
	}

	if err := send(ctx, info, rec.Offset(), sysTee, appTee, payloadTee); err != nil {
		return fmt.Errorf("send record %q: %w", serial, err)
	}
	for _, r := range []io.Reader{sysTee, appTee, payloadTee} {
		if _, err := io.Copy(io.Discard, r); err != nil {
			return fmt.Errorf("digest record %q: %w", serial, err)
		}
	}

	sum := h.Sum(nil)
	p.mu.Lock()
	p.local[info.Nonce] = sent{serialID: serial, digest: hex.EncodeToString(sum)}
	p.lastSerial = serial
	p.mu.Unlock()

	p.handler.NotifyDigest(ctx, p, serial, sum)
	if err := p.handler.OnRecordComplete(ctx, p, serial, rec); err != nil {
		return fmt.Errorf("complete record %q: %w", serial, err)
	}
	return nil
}

// HandleDigest compares the subscriber's digests with the ones computed
// while sending and returns the digest-response.
func (p *PublisherSession) HandleDigest(ctx context.Context, msg jnl.Message) (jnl.Message, error) {
	if !p.IsOK() {
		return jnl.Message{}, jnl.ErrSessionClosed
	}
	if msg.Kind != jnl.MessageDigest {
		p.SetErrored()
		return jnl.Message{}, fmt.Errorf("%w: expected %s, got %q", jnl.ErrSessionFault, jnl.MessageDigest, msg.Kind)
	}
	peer, err := wire.DecodeDigestBatch(msg)
	if err != nil {
		p.SetErrored()
		return jnl.Message{}, fmt.Errorf("%w: %v", jnl.ErrSessionFault, err)
	}

	// A binding may deliver the digest before the send of its record returns.
	p.mu.Lock()
	var waits []chan struct{}
	for nonce := range peer {
		if ch, ok := p.inflight[nonce]; ok {
			waits = append(waits, ch)
		}
	}
	p.mu.Unlock()
	for _, ch := range waits {
		select {
		case <-ch:
		case <-p.Done():
			return jnl.Message{}, jnl.ErrSessionClosed
		case <-ctx.Done():
			return jnl.Message{}, ctx.Err()
		}
	}

	statuses := make(map[string]jnl.DigestStatus, len(peer))
	pairs := make(map[string]jnl.DigestPair, len(peer))

	p.mu.Lock()
	for nonce, peerDigest := range peer {
		local, ok := p.local[nonce]
		delete(p.local, nonce)
		pair := jnl.DigestPair{SerialID: nonce, PeerDigest: peerDigest}
		switch {
		case !ok:
			pair.Status = jnl.DigestUnknown
		case strings.EqualFold(local.digest, peerDigest):
			pair.SerialID, pair.LocalDigest, pair.Status = local.serialID, local.digest, jnl.DigestConfirmed
		default:
			pair.SerialID, pair.LocalDigest, pair.Status = local.serialID, local.digest, jnl.DigestInvalid
		}
		statuses[nonce] = pair.Status
		pairs[nonce] = pair
	}
	p.mu.Unlock()

	for nonce, pair := range pairs {
		if pair.Status != jnl.DigestConfirmed {
			p.log.Warn().
				Str(xlog.FieldEvent, "digest.mismatch").
				Str(xlog.FieldNonce, nonce).
				Str(xlog.FieldStatus, pair.Status.String()).
				Msg("subscriber digest not confirmed")
		}
	}

	p.handler.NotifyPeerDigest(ctx, p, pairs)
	return wire.EncodeDigestResponse(p.SessionID(), statuses)
}

// Unreconciled returns how many sent records still await the subscriber's digest.
func (p *PublisherSession) Unreconciled() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.local)
}

// Close ends the session. Records sent but never reconciled are forgotten.
func (p *PublisherSession) Close() error {
	p.markClosed()
	return nil
}

var _ jnl.Session = (*PublisherSession)(nil)

func openSection(open func() (io.ReadCloser, error)) (io.ReadCloser, error) {
	rc, err := open()
	if err != nil {
		return nil, err
	}
	if rc == nil {
		return io.NopCloser(strings.NewReader("")), nil
	}
	return rc, nil
}

// resumeReader digests the first prefix bytes of src without returning
// them. Before doing so it drains the metadata readers so the hash sees
// the sections in record order.
type resumeReader struct {
	prefix  int64
	before  []io.Reader
	src     io.Reader
	h       io.Writer
	skipped bool
}

func (r *resumeReader) Read(b []byte) (int, error) {
	if !r.skipped {
		r.skipped = true
		for _, br := range r.before {
			if _, err := io.Copy(io.Discard, br); err != nil {
				return 0, err
			}
		}
		if r.prefix > 0 {
			n, err := io.CopyN(r.h, r.src, r.prefix)
			if err != nil {
				return 0, fmt.Errorf("skip %d resumed bytes after %d: %w", r.prefix, n, err)
			}
		}
	}
	n, err := r.src.Read(b)
	if n > 0 {
		_, _ = r.h.Write(b[:n])
	}
	return n, err
}

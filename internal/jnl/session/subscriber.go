// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/ManuGH/jalop/internal/jnl"
	"github.com/ManuGH/jalop/internal/jnl/digest"
	xlog "github.com/ManuGH/jalop/internal/log"
)

// Checkpoint is the newest record the publisher confirmed. Offset is the
// number of payload bytes received for it (journal sessions only).
type Checkpoint struct {
	SerialID string
	Offset   int64
}

type received struct {
	serialID string
	payload  int64
}

// SubscriberSession receives records, digests them and reconciles the
// digests with the publisher.
type SubscriberSession struct {
	*base
	handler jnl.Subscriber

	acc   *digest.Accumulator
	corr  *digest.Correlator
	sched *digest.Scheduler

	runMu   sync.Mutex
	started bool
	done    chan struct{}
	runErr  error

	mu            sync.Mutex
	inflight      map[string]received
	lastConfirmed Checkpoint
	resume        jnl.SubscribeRequest
}

// NewSubscriberSession validates cfg and wires the digest pipeline. The
// scheduler does not run until Start.
func NewSubscriberSession(cfg Config, handler jnl.Subscriber, tr jnl.Transport, opts ...Option) (*SubscriberSession, error) {
	if handler == nil {
		return nil, jnl.NewConfigError("subscriber", "is required")
	}
	if tr == nil {
		return nil, jnl.NewConfigError("transport", "is required")
	}
	o := buildOptions(opts)
	b, err := newBase(cfg, jnl.RoleSubscriber, o.log)
	if err != nil {
		return nil, err
	}

	s := &SubscriberSession{
		base:     b,
		handler:  handler,
		inflight: make(map[string]received),
	}
	s.acc = digest.NewAccumulator(s.PendingDigestMax)
	s.corr = digest.NewCorrelator(s.notifyResponse,
		digest.WithConfirmHook(s.confirmed),
		digest.WithCorrelatorLogger(s.log),
	)
	schedOpts := []digest.Option{digest.WithLogger(s.log)}
	if o.clock != nil {
		schedOpts = append(schedOpts, digest.WithClock(o.clock))
	}
	if o.observer != nil {
		schedOpts = append(schedOpts, digest.WithStateObserver(o.observer))
	}
	s.sched = digest.NewScheduler(s, s.acc, s.corr, tr, schedOpts...)
	return s, nil
}

// Start launches the flush scheduler. It runs until ctx is cancelled, the
// session is closed or a digest send fails.
func (s *SubscriberSession) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.started {
		return nil
	}
	if !s.IsOK() {
		return jnl.ErrSessionClosed
	}
	s.started = true
	s.done = make(chan struct{})

	runCtx, cancel := s.bind(ctx)
	go func() {
		defer close(s.done)
		defer cancel()
		err := s.sched.Run(runCtx)
		s.runMu.Lock()
		s.runErr = err
		s.runMu.Unlock()
	}()
	return nil
}

// Wait blocks until the scheduler started by Start has returned and
// reports its error.
func (s *SubscriberSession) Wait() error {
	s.runMu.Lock()
	done := s.done
	s.runMu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.runErr
}

// Close stops the scheduler, abandons outstanding nonces and makes further
// ingest fail with jnl.ErrSessionClosed. Pending digests that were never
// flushed are dropped.
func (s *SubscriberSession) Close() error {
	first := s.markClosed()
	_ = s.Wait()
	if !first {
		return nil
	}

	if dropped := s.corr.Abandon(); len(dropped) > 0 {
		s.log.Info().
			Str(xlog.FieldEvent, "session.abandoned").
			Int(xlog.FieldCount, len(dropped)).
			Msg("outstanding digests abandoned on close")
	}

	s.mu.Lock()
	stream := s.resume.ResumeStream
	s.resume.ResumeStream = nil
	s.mu.Unlock()
	if stream != nil {
		_ = stream.Close()
	}
	return nil
}

// SubscribeRequest asks the subscriber callback where to start and keeps
// the resume stream for the resumed record. The session owns the stream.
func (s *SubscriberSession) SubscribeRequest(ctx context.Context) (jnl.SubscribeRequest, error) {
	if !s.IsOK() {
		return jnl.SubscribeRequest{}, jnl.ErrSessionClosed
	}
	req, err := s.handler.SubscribeRequest(ctx, s)
	if err != nil {
		return jnl.SubscribeRequest{}, fmt.Errorf("build subscribe request: %w", err)
	}
	req.SerialID = strings.TrimSpace(req.SerialID)
	if req.SerialID == "" {
		req.SerialID = jnl.Epoch
	}
	if req.ResumeOffset < 0 {
		return jnl.SubscribeRequest{}, jnl.NewConfigError("resumeOffset", "must not be negative")
	}
	if req.ResumeOffset > 0 && s.RecordType() != jnl.RecordTypeJournal {
		return jnl.SubscribeRequest{}, jnl.NewConfigError("resumeOffset", "only journal sessions resume mid-record")
	}

	s.mu.Lock()
	s.resume = req
	s.mu.Unlock()

	s.log.Info().
		Str(xlog.FieldEvent, "session.subscribe").
		Str(xlog.FieldSerialID, req.SerialID).
		Int64(xlog.FieldOffset, req.ResumeOffset).
		Msg("subscribe request built")
	return req, nil
}

// ReceiveRecord hands one record to the subscriber callback and queues its
// digest. Sections are read in order: system metadata, application
// metadata, payload. Nil readers stand for empty sections.
func (s *SubscriberSession) ReceiveRecord(ctx context.Context, info jnl.RecordInfo, sysMeta, appMeta, payload io.Reader) error {
	if !s.IsOK() {
		return jnl.ErrSessionClosed
	}
	ctx, cancel := s.bind(ctx)
	defer cancel()
	// Blocked reads only return once their source is closed.
	unblock := context.AfterFunc(ctx, func() { closeAll(sysMeta, appMeta, payload) })
	defer unblock()

	info.SerialID = strings.TrimSpace(info.SerialID)
	info.Nonce = info.Key()
	if err := jnl.CheckNonce(info.Nonce); err != nil {
		return err
	}
	h, err := jnl.NewHash(s.DigestMethod())
	if err != nil {
		return err
	}

	if err := s.section(ctx, sysMeta, h, func(r io.Reader) error {
		return s.handler.NotifySysMetadata(ctx, s, info, r)
	}); err != nil {
		return s.ingestErr("system metadata", err)
	}
	if err := s.section(ctx, appMeta, h, func(r io.Reader) error {
		return s.handler.NotifyAppMetadata(ctx, s, info, r)
	}); err != nil {
		return s.ingestErr("application metadata", err)
	}

	prefix, offset := s.takeResume(info.SerialID)
	if prefix != nil {
		n, err := io.Copy(h, s.guard(ctx, prefix))
		_ = prefix.Close()
		if err != nil {
			return s.ingestErr("resume stream", err)
		}
		if n != offset {
			s.log.Warn().
				Str(xlog.FieldEvent, "session.resume_short").
				Str(xlog.FieldSerialID, info.SerialID).
				Int64(xlog.FieldOffset, offset).
				Int64(xlog.FieldCount, n).
				Msg("resume stream length differs from offset")
		}
		offset = n
	}
	counter := &countingReader{r: emptyIfNil(payload)}
	if err := s.section(ctx, counter, h, func(r io.Reader) error {
		return s.handler.NotifyPayload(ctx, s, info, r)
	}); err != nil {
		return s.ingestErr("payload", err)
	}

	sum := h.Sum(nil)
	s.mu.Lock()
	s.inflight[info.Nonce] = received{serialID: info.SerialID, payload: offset + counter.n}
	s.mu.Unlock()

	if err := s.handler.NotifyDigest(ctx, s, info, sum); err != nil {
		return s.ingestErr("digest", err)
	}
	if !s.IsOK() {
		return jnl.ErrSessionClosed
	}
	s.acc.Add(info.Nonce, hex.EncodeToString(sum))
	return nil
}

// section streams r through the hash into fn and digests whatever fn left unread.
func (s *SubscriberSession) section(ctx context.Context, r io.Reader, h io.Writer, fn func(io.Reader) error) error {
	tee := io.TeeReader(s.guard(ctx, emptyIfNil(r)), h)
	if err := fn(tee); err != nil {
		return err
	}
	_, err := io.Copy(io.Discard, tee)
	return err
}

func (s *SubscriberSession) ingestErr(section string, err error) error {
	if errors.Is(err, jnl.ErrSessionClosed) || !s.IsOK() {
		return fmt.Errorf("%s: %w", section, jnl.ErrSessionClosed)
	}
	return fmt.Errorf("%s: %w", section, err)
}

func (s *SubscriberSession) takeResume(serialID string) (io.ReadCloser, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resume.ResumeStream == nil || s.resume.SerialID != serialID {
		return nil, 0
	}
	stream, offset := s.resume.ResumeStream, s.resume.ResumeOffset
	s.resume.ResumeStream = nil
	return stream, offset
}

// AddDigest queues a digest computed outside ReceiveRecord.
func (s *SubscriberSession) AddDigest(nonce, digestValue string) error {
	if !s.IsOK() {
		return jnl.ErrSessionClosed
	}
	if err := jnl.CheckNonce(nonce); err != nil {
		return err
	}
	s.acc.Add(nonce, digestValue)
	return nil
}

// AddAllDigests queues several digests atomically.
func (s *SubscriberSession) AddAllDigests(batch map[string]string) error {
	if !s.IsOK() {
		return jnl.ErrSessionClosed
	}
	s.acc.AddAll(batch)
	return nil
}

// HandleDigestResponse is the inbound path for bindings that deliver the
// digest-response asynchronously.
func (s *SubscriberSession) HandleDigestResponse(ctx context.Context, msg jnl.Message) error {
	return digest.HandleResponse(ctx, s, s.corr, msg)
}

func (s *SubscriberSession) notifyResponse(ctx context.Context, statuses map[string]jnl.DigestStatus) error {
	s.mu.Lock()
	for nonce, st := range statuses {
		if st != jnl.DigestConfirmed {
			delete(s.inflight, nonce)
		}
	}
	s.mu.Unlock()

	for nonce, st := range statuses {
		if st != jnl.DigestConfirmed {
			s.log.Warn().
				Str(xlog.FieldEvent, "digest.rejected").
				Str(xlog.FieldNonce, nonce).
				Str(xlog.FieldStatus, st.String()).
				Msg("publisher did not confirm digest")
		}
	}
	return s.handler.NotifyDigestResponse(ctx, s, statuses)
}

func (s *SubscriberSession) confirmed(nonce string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.inflight[nonce]
	delete(s.inflight, nonce)
	if !ok {
		rec = received{serialID: nonce}
	}
	cp := Checkpoint{SerialID: rec.serialID}
	if s.RecordType() == jnl.RecordTypeJournal {
		cp.Offset = rec.payload
	}
	s.lastConfirmed = cp
}

// LastConfirmed returns the newest confirmed record.
func (s *SubscriberSession) LastConfirmed() Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastConfirmed
}

// PendingDigests returns the digests not yet flushed.
func (s *SubscriberSession) PendingDigests() map[string]string {
	return s.acc.Snapshot()
}

// Outstanding returns nonces sent to the peer and still awaiting a verdict.
func (s *SubscriberSession) Outstanding() []string {
	return s.corr.Outstanding()
}

// SchedulerState returns the flush loop state.
func (s *SubscriberSession) SchedulerState() digest.State {
	return s.sched.State()
}

var _ jnl.Session = (*SubscriberSession)(nil)

func emptyIfNil(r io.Reader) io.Reader {
	if r == nil {
		return strings.NewReader("")
	}
	return r
}

func closeAll(readers ...io.Reader) {
	for _, r := range readers {
		if c, ok := r.(io.Closer); ok {
			_ = c.Close()
		}
	}
}

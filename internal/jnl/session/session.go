// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package session implements the publisher and subscriber ends of a JALoP
// transfer session.
package session

import (
	"context"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/jalop/internal/jnl"
	"github.com/ManuGH/jalop/internal/jnl/digest"
	xlog "github.com/ManuGH/jalop/internal/log"
	"github.com/ManuGH/jalop/internal/metrics"
)

// Config is the negotiated configuration of one session.
type Config struct {
	PublisherID          string
	SessionID            string
	RecordType           jnl.RecordType
	Mode                 jnl.Mode
	DigestMethod         string
	XMLEncoding          string
	DigestTimeoutSeconds int
	PendingDigestMax     int
}

// Option configures a session.
type Option func(*options)

type options struct {
	log      zerolog.Logger
	clock    digest.Clock
	observer func(digest.State)
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithClock replaces the flush scheduler's clock.
func WithClock(c digest.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithSchedulerObserver sees every flush scheduler state transition.
func WithSchedulerObserver(fn func(digest.State)) Option {
	return func(o *options) { o.observer = fn }
}

func buildOptions(opts []Option) options {
	o := options{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// base carries what publisher and subscriber sessions share.
type base struct {
	publisherID  string
	sessionID    string
	recordType   jnl.RecordType
	role         jnl.Role
	mode         jnl.Mode
	digestMethod string
	xmlEncoding  string

	timeoutSeconds atomic.Int64
	pendingMax     atomic.Int64
	errored        atomic.Bool
	closed         atomic.Bool

	// lifetime is cancelled on Close and on SetErrored.
	lifetime context.Context
	end      context.CancelFunc

	log zerolog.Logger
}

// Validate checks cfg the way session construction does and returns the
// trimmed copy.
func Validate(cfg Config) (Config, error) {
	cfg.PublisherID = strings.TrimSpace(cfg.PublisherID)
	cfg.SessionID = strings.TrimSpace(cfg.SessionID)
	cfg.DigestMethod = strings.TrimSpace(cfg.DigestMethod)
	cfg.XMLEncoding = strings.TrimSpace(cfg.XMLEncoding)

	switch {
	case cfg.RecordType < jnl.RecordTypeJournal || cfg.RecordType > jnl.RecordTypeLog:
		return cfg, jnl.NewConfigError("recordType", "is required")
	case cfg.DigestMethod == "":
		return cfg, jnl.NewConfigError("digestMethod", "is required")
	case cfg.XMLEncoding == "":
		return cfg, jnl.NewConfigError("xmlEncoding", "is required")
	case cfg.PublisherID == "":
		return cfg, jnl.NewConfigError("publisherId", "is required")
	case cfg.SessionID == "":
		return cfg, jnl.NewConfigError("sessionId", "is required")
	case cfg.DigestTimeoutSeconds <= 0:
		return cfg, jnl.NewConfigError("pendingDigestTimeoutSeconds", "must be a positive integer")
	case cfg.PendingDigestMax <= 0:
		return cfg, jnl.NewConfigError("pendingDigestMax", "must be a positive integer")
	}
	if _, err := jnl.NewHash(cfg.DigestMethod); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func newBase(cfg Config, role jnl.Role, log zerolog.Logger) (*base, error) {
	cfg, err := Validate(cfg)
	if err != nil {
		return nil, err
	}
	b := &base{
		publisherID:  cfg.PublisherID,
		sessionID:    cfg.SessionID,
		recordType:   cfg.RecordType,
		role:         role,
		mode:         cfg.Mode,
		digestMethod: cfg.DigestMethod,
		xmlEncoding:  cfg.XMLEncoding,
	}
	b.timeoutSeconds.Store(int64(cfg.DigestTimeoutSeconds))
	b.pendingMax.Store(int64(cfg.PendingDigestMax))
	b.lifetime, b.end = context.WithCancel(context.Background())
	b.log = log.With().
		Str(xlog.FieldSessionID, b.sessionID).
		Str(xlog.FieldPublisherID, b.publisherID).
		Str(xlog.FieldRecordType, b.recordType.String()).
		Str(xlog.FieldRole, role.String()).
		Logger()
	return b, nil
}

func (b *base) PublisherID() string        { return b.publisherID }
func (b *base) SessionID() string          { return b.sessionID }
func (b *base) RecordType() jnl.RecordType { return b.recordType }
func (b *base) Role() jnl.Role             { return b.role }
func (b *base) Mode() jnl.Mode             { return b.mode }
func (b *base) DigestMethod() string       { return b.digestMethod }
func (b *base) XMLEncoding() string        { return b.xmlEncoding }

// DigestTimeoutSeconds is the configured flush interval in whole seconds.
func (b *base) DigestTimeoutSeconds() int { return int(b.timeoutSeconds.Load()) }

func (b *base) DigestTimeout() time.Duration {
	return time.Duration(b.timeoutSeconds.Load()) * time.Second
}

func (b *base) PendingDigestMax() int { return int(b.pendingMax.Load()) }

// SetDigestTimeout changes the flush interval for the next wait.
func (b *base) SetDigestTimeout(seconds int) error {
	if seconds <= 0 {
		return jnl.NewConfigError("pendingDigestTimeoutSeconds", "must be a positive integer")
	}
	b.timeoutSeconds.Store(int64(seconds))
	return nil
}

// SetPendingDigestMax changes the batch threshold for the next insert or wait.
func (b *base) SetPendingDigestMax(n int) error {
	if n <= 0 {
		return jnl.NewConfigError("pendingDigestMax", "must be a positive integer")
	}
	b.pendingMax.Store(int64(n))
	return nil
}

// IsOK reports whether the session is neither errored nor closed.
func (b *base) IsOK() bool {
	return !b.errored.Load() && !b.closed.Load()
}

// Errored reports whether the session faulted, as opposed to being closed.
func (b *base) Errored() bool {
	return b.errored.Load()
}

// SetErrored marks the session as permanently faulted. Repeated calls are no-ops.
func (b *base) SetErrored() {
	if !b.errored.CompareAndSwap(false, true) {
		return
	}
	b.end()
	metrics.IncSessionFault(b.recordType.String())
	b.log.Warn().Str(xlog.FieldEvent, "session.errored").Msg("session errored")
}

func (b *base) markClosed() bool {
	if !b.closed.CompareAndSwap(false, true) {
		return false
	}
	b.end()
	return true
}

// Done is closed once the session is closed or errored.
func (b *base) Done() <-chan struct{} {
	return b.lifetime.Done()
}

// bind derives a context that is also cancelled when the session ends.
func (b *base) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(b.lifetime, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// guard fails reads with jnl.ErrSessionClosed once the session ended.
func (b *base) guard(ctx context.Context, r io.Reader) io.Reader {
	return &guardedReader{ctx: ctx, life: b.lifetime, r: r}
}

type guardedReader struct {
	ctx  context.Context
	life context.Context
	r    io.Reader
}

func (g *guardedReader) Read(p []byte) (int, error) {
	if g.life.Err() != nil {
		return 0, jnl.ErrSessionClosed
	}
	if err := g.ctx.Err(); err != nil {
		return 0, err
	}
	return g.r.Read(p)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

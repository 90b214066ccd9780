// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package digest

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ManuGH/jalop/internal/jnl"
	"github.com/ManuGH/jalop/internal/jnl/wire"
	xlog "github.com/ManuGH/jalop/internal/log"
	"github.com/ManuGH/jalop/internal/metrics"
	"github.com/ManuGH/jalop/internal/telemetry"
)

// State is the flush loop position.
type State int32

const (
	StateIdle State = iota
	StateWaiting
	StateDraining
	StateSending
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaiting:
		return "waiting"
	case StateDraining:
		return "draining"
	case StateSending:
		return "sending"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Scheduler flushes an Accumulator to the peer. One Scheduler runs per
// subscriber session.
type Scheduler struct {
	sess      jnl.Session
	acc       *Accumulator
	corr      *Correlator
	transport jnl.Transport

	clock    Clock
	log      zerolog.Logger
	tracer   trace.Tracer
	observer func(State)

	state atomic.Int32
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

func WithTracer(t trace.Tracer) Option {
	return func(s *Scheduler) { s.tracer = t }
}

// WithStateObserver is called synchronously on every state transition.
func WithStateObserver(fn func(State)) Option {
	return func(s *Scheduler) { s.observer = fn }
}

func NewScheduler(sess jnl.Session, acc *Accumulator, corr *Correlator, tr jnl.Transport, opts ...Option) *Scheduler {
	s := &Scheduler{
		sess:      sess,
		acc:       acc,
		corr:      corr,
		transport: tr,
		clock:     realClock{},
		log:       zerolog.Nop(),
		tracer:    telemetry.Tracer(telemetry.InstrumentationName),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current loop state.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

func (s *Scheduler) setState(st State) {
	s.state.Store(int32(st))
	if s.observer != nil {
		s.observer(st)
	}
}

// Run loops until ctx is cancelled, the session stops being OK, or a send
// fails. A failed send marks the session errored and returns an error
// wrapping jnl.ErrSessionFault; the drained batch is not re-queued.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.setState(StateStopped)

	for {
		if !s.sess.IsOK() || ctx.Err() != nil {
			return nil
		}

		s.setState(StateWaiting)
		if !s.acc.Full() {
			timer := s.clock.NewTimer(s.sess.DigestTimeout())
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-s.acc.Ready():
				timer.Stop()
			case <-timer.C():
			}
		}
		if !s.sess.IsOK() {
			return nil
		}

		s.setState(StateDraining)
		batch := s.acc.DrainAll()
		if len(batch) == 0 {
			s.setState(StateIdle)
			continue
		}

		s.setState(StateSending)
		if err := s.send(ctx, batch); err != nil {
			return err
		}
		s.setState(StateIdle)
	}
}

func (s *Scheduler) send(ctx context.Context, batch map[string]string) error {
	recordType := s.sess.RecordType().String()
	ctx, span := s.tracer.Start(ctx, "digest.flush", trace.WithAttributes(
		append(
			telemetry.SessionAttributes(s.sess.SessionID(), s.sess.PublisherID(), recordType, s.sess.Role().String()),
			telemetry.DigestAttributes(s.sess.DigestMethod(), len(batch))...,
		)...,
	))
	defer span.End()

	s.corr.Track(batch)
	msg := wire.EncodeDigestBatch(s.sess.SessionID(), batch)

	if err := s.transport.Send(ctx, msg, s.onReply); err != nil {
		nonces := make([]string, 0, len(batch))
		for n := range batch {
			nonces = append(nonces, n)
		}
		s.corr.Abandon(nonces...)
		s.sess.SetErrored()

		metrics.ObserveDigestBatch(recordType, "failed", len(batch))
		span.RecordError(err)
		span.SetStatus(codes.Error, "digest send failed")
		s.log.Error().Err(err).
			Str(xlog.FieldEvent, "digest.send_failed").
			Int(xlog.FieldCount, len(batch)).
			Msg("digest batch could not be sent, session errored")
		return fmt.Errorf("%w: send digest batch: %v", jnl.ErrSessionFault, err)
	}

	metrics.ObserveDigestBatch(recordType, "sent", len(batch))
	s.log.Debug().
		Str(xlog.FieldEvent, "digest.flush").
		Int(xlog.FieldCount, len(batch)).
		Msg("digest batch sent")
	return nil
}

// onReply feeds a digest-response into the correlator. A reply that cannot
// be decoded is a protocol violation and errors the session.
func (s *Scheduler) onReply(ctx context.Context, reply jnl.Message) {
	if err := HandleResponse(ctx, s.sess, s.corr, reply); err != nil {
		s.log.Warn().Err(err).Str(xlog.FieldEvent, "digest.response").Msg("digest response processed with errors")
	}
}

// HandleResponse decodes a digest-response and resolves it. Malformed or
// unexpected replies error the session; per-nonce anomalies do not.
func HandleResponse(ctx context.Context, sess jnl.Session, corr *Correlator, reply jnl.Message) error {
	if reply.Kind != jnl.MessageDigestResponse {
		sess.SetErrored()
		return fmt.Errorf("%w: expected %s, got %q", jnl.ErrSessionFault, jnl.MessageDigestResponse, reply.Kind)
	}
	statuses, err := wire.DecodeDigestResponse(reply)
	if err != nil {
		sess.SetErrored()
		return fmt.Errorf("%w: %v", jnl.ErrSessionFault, err)
	}
	return corr.Resolve(ctx, statuses)
}

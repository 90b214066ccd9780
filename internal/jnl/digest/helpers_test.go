// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package digest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ManuGH/jalop/internal/jnl"
)

type fakeSession struct {
	timeout time.Duration
	max     atomic.Int64
	errored atomic.Bool
}

func newFakeSession(timeout time.Duration, max int) *fakeSession {
	s := &fakeSession{timeout: timeout}
	s.max.Store(int64(max))
	return s
}

func (s *fakeSession) PublisherID() string          { return "pub-1" }
func (s *fakeSession) SessionID() string            { return "sess-1" }
func (s *fakeSession) RecordType() jnl.RecordType   { return jnl.RecordTypeJournal }
func (s *fakeSession) Role() jnl.Role               { return jnl.RoleSubscriber }
func (s *fakeSession) Mode() jnl.Mode               { return jnl.ModeLive }
func (s *fakeSession) DigestMethod() string         { return "sha256" }
func (s *fakeSession) XMLEncoding() string          { return "none" }
func (s *fakeSession) DigestTimeout() time.Duration { return s.timeout }
func (s *fakeSession) PendingDigestMax() int        { return int(s.max.Load()) }
func (s *fakeSession) IsOK() bool                   { return !s.errored.Load() }
func (s *fakeSession) SetErrored()                  { s.errored.Store(true) }

// manualClock hands out timers that only fire when the test says so.
type manualClock struct {
	mu     sync.Mutex
	timers []*manualTimer
	made   chan struct{}
}

func newManualClock() *manualClock {
	return &manualClock{made: make(chan struct{}, 64)}
}

func (c *manualClock) Now() time.Time { return time.Unix(0, 0) }

func (c *manualClock) NewTimer(time.Duration) Timer {
	t := &manualTimer{ch: make(chan time.Time, 1)}
	c.mu.Lock()
	c.timers = append(c.timers, t)
	c.mu.Unlock()
	select {
	case c.made <- struct{}{}:
	default:
	}
	return t
}

// FireLatest expires the most recently created timer.
func (c *manualClock) FireLatest() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.timers) == 0 {
		return
	}
	t := c.timers[len(c.timers)-1]
	select {
	case t.ch <- time.Unix(0, 0):
	default:
	}
}

type manualTimer struct {
	ch      chan time.Time
	stopped atomic.Bool
}

func (t *manualTimer) C() <-chan time.Time { return t.ch }
func (t *manualTimer) Stop() bool          { return !t.stopped.Swap(true) }

// recordingTransport captures every sent message.
type recordingTransport struct {
	mu    sync.Mutex
	sent  []jnl.Message
	calls chan jnl.Message
	err   error
	reply func(msg jnl.Message) (jnl.Message, bool)
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{calls: make(chan jnl.Message, 16)}
}

func (r *recordingTransport) Send(ctx context.Context, msg jnl.Message, onReply jnl.ReplyFunc) error {
	r.mu.Lock()
	r.sent = append(r.sent, msg)
	err := r.err
	reply := r.reply
	r.mu.Unlock()

	r.calls <- msg
	if err != nil {
		return err
	}
	if reply != nil && onReply != nil {
		if resp, ok := reply(msg); ok {
			onReply(ctx, resp)
		}
	}
	return nil
}

func (r *recordingTransport) Sent() []jnl.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]jnl.Message(nil), r.sent...)
}

var errBrokenPipe = errors.New("broken pipe")

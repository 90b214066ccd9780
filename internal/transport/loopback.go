// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package transport holds in-process jnl.Transport implementations.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ManuGH/jalop/internal/jnl"
	"github.com/ManuGH/jalop/internal/metrics"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("transport: closed")

// Loopback delivers every message synchronously to a peer handler in the
// same process. Taps observe delivered messages best-effort: a full tap
// drops the message instead of blocking the sender.
type Loopback struct {
	mu     sync.RWMutex
	peer   jnl.InboundHandler
	fail   []error
	taps   map[int]chan jnl.Message
	nextID int
	closed bool
}

func NewLoopback(peer jnl.InboundHandler) *Loopback {
	return &Loopback{peer: peer, taps: make(map[int]chan jnl.Message)}
}

// SetPeer replaces the handler messages are delivered to.
func (l *Loopback) SetPeer(peer jnl.InboundHandler) {
	l.mu.Lock()
	l.peer = peer
	l.mu.Unlock()
}

// FailNext makes the next len(errs) sends fail with errs in order.
func (l *Loopback) FailNext(errs ...error) {
	l.mu.Lock()
	l.fail = append(l.fail, errs...)
	l.mu.Unlock()
}

// Send implements jnl.Transport. A reply without a kind is not forwarded.
func (l *Loopback) Send(ctx context.Context, msg jnl.Message, onReply jnl.ReplyFunc) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	var injected error
	if len(l.fail) > 0 {
		injected, l.fail = l.fail[0], l.fail[1:]
	}
	peer := l.peer
	l.mu.Unlock()

	if injected != nil {
		metrics.IncTransportDrop(string(msg.Kind), "injected")
		return injected
	}
	if peer == nil {
		metrics.IncTransportDrop(string(msg.Kind), "no_peer")
		return fmt.Errorf("transport: no peer for %s", msg.Kind)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	reply, err := peer(ctx, msg)
	if err != nil {
		metrics.IncTransportDrop(string(msg.Kind), "peer_error")
		return fmt.Errorf("transport: deliver %s: %w", msg.Kind, err)
	}
	l.publish(msg)
	if reply.Kind != "" {
		l.publish(reply)
		if onReply != nil {
			onReply(ctx, reply)
		}
	}
	return nil
}

// Tap returns a channel receiving every delivered message and reply until
// cancel is called.
func (l *Loopback) Tap(buffer int) (<-chan jnl.Message, func()) {
	ch := make(chan jnl.Message, buffer)
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.taps[id] = ch
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			if _, ok := l.taps[id]; ok {
				delete(l.taps, id)
				close(ch)
			}
			l.mu.Unlock()
		})
	}
}

func (l *Loopback) publish(msg jnl.Message) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, ch := range l.taps {
		select {
		case ch <- msg:
		default:
			metrics.IncTransportDrop(string(msg.Kind), "backpressure")
		}
	}
}

// Close fails further sends and closes every tap.
func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	for id, ch := range l.taps {
		delete(l.taps, id)
		close(ch)
	}
	return nil
}

var _ jnl.Transport = (*Loopback)(nil)

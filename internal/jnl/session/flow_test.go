// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/jalop/internal/jnl"
	"github.com/ManuGH/jalop/internal/jnl/digest"
	"github.com/ManuGH/jalop/internal/jnl/wire"
)

func newPair(t *testing.T, cfg Config, sub *memSubscriber, pub *memPublisher) (*SubscriberSession, *PublisherSession, *peerTransport) {
	t.Helper()
	p, err := NewPublisherSession(cfg, pub)
	require.NoError(t, err)
	tr := &peerTransport{pub: p}
	s, err := NewSubscriberSession(cfg, sub, tr)
	require.NoError(t, err)
	return s, p, tr
}

func TestRecordsReconcileEndToEnd(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sub := newMemSubscriber()
	pub := newMemPublisher(
		&memRecord{serial: "1", sys: []byte("<sys/>"), payload: []byte("first")},
		&memRecord{serial: "2", sys: []byte("<sys/>"), app: []byte("<app/>"), payload: []byte("second")},
	)
	s, p, _ := newPair(t, validConfig(), sub, pub)

	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	req, err := s.SubscribeRequest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, jnl.Epoch, req.SerialID)
	require.NoError(t, p.Subscribe(context.Background(), req))

	n, err := p.Stream(context.Background(), direct(s))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"1", "2"}, pub.completed)

	require.Eventually(t, func() bool {
		return sub.response("1") == jnl.DigestConfirmed && sub.response("2") == jnl.DigestConfirmed
	}, 3*time.Second, 10*time.Millisecond)

	assert.Empty(t, s.PendingDigests())
	assert.Empty(t, s.Outstanding())
	assert.Zero(t, p.Unreconciled())
	assert.Equal(t, Checkpoint{SerialID: "2", Offset: 6}, s.LastConfirmed())

	want := sha256.Sum256([]byte("<sys/><app/>second"))
	assert.Equal(t, want[:], sub.digests["2"])
	assert.Equal(t, jnl.DigestConfirmed, pub.peer["2"].Status)
	assert.Equal(t, hex.EncodeToString(want[:]), pub.peer["2"].LocalDigest)
}

func TestJournalResumeDigestsWholePayload(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sub := newMemSubscriber()
	sub.req = jnl.SubscribeRequest{
		SerialID:     "7",
		ResumeOffset: 5,
		ResumeStream: io.NopCloser(strings.NewReader("hello")),
	}
	pub := newMemPublisher(&memRecord{serial: "7", sys: []byte("<s/>"), payload: []byte("hello world")})

	cfg := validConfig()
	cfg.PendingDigestMax = 1
	s, p, _ := newPair(t, cfg, sub, pub)
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	req, err := s.SubscribeRequest(context.Background())
	require.NoError(t, err)
	require.NoError(t, p.Subscribe(context.Background(), req))

	var offsets []int64
	var lengths []int64
	n, err := p.Stream(context.Background(), func(ctx context.Context, info jnl.RecordInfo, off int64, sys, app, payload io.Reader) error {
		offsets = append(offsets, off)
		lengths = append(lengths, info.PayloadLength)
		return s.ReceiveRecord(ctx, info, sys, app, payload)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []int64{5}, offsets)
	assert.Equal(t, []int64{6}, lengths)
	assert.Equal(t, " world", string(sub.payloads["7"]))

	require.Eventually(t, func() bool {
		return sub.response("7") == jnl.DigestConfirmed
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, Checkpoint{SerialID: "7", Offset: 11}, s.LastConfirmed())
}

func TestResumeOffsetRejectedForNonJournal(t *testing.T) {
	sub := newMemSubscriber()
	sub.req = jnl.SubscribeRequest{SerialID: "3", ResumeOffset: 10}
	cfg := validConfig()
	cfg.RecordType = jnl.RecordTypeLog

	s, p, _ := newPair(t, cfg, sub, newMemPublisher())
	_, err := s.SubscribeRequest(context.Background())
	assert.ErrorIs(t, err, jnl.ErrConfiguration)

	err = p.Subscribe(context.Background(), jnl.SubscribeRequest{SerialID: "3", ResumeOffset: 10})
	assert.ErrorIs(t, err, jnl.ErrSessionFault)
	assert.False(t, p.IsOK())
}

func TestInvalidDigestIsReported(t *testing.T) {
	sub := newMemSubscriber()
	pub := newMemPublisher(&memRecord{serial: "1", payload: []byte("x")})
	s, p, _ := newPair(t, validConfig(), sub, pub)

	require.NoError(t, p.Subscribe(context.Background(), jnl.SubscribeRequest{SerialID: jnl.Epoch}))
	_, err := p.Stream(context.Background(), func(context.Context, jnl.RecordInfo, int64, io.Reader, io.Reader, io.Reader) error {
		return nil
	})
	require.NoError(t, err)

	// The subscriber never saw the record; a forged digest must not confirm.
	require.NoError(t, s.AddDigest("1", "deadbeef"))
	require.NoError(t, s.AddDigest("ghost", "00"))
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	require.Eventually(t, func() bool {
		return sub.response("1") == jnl.DigestInvalid && sub.response("ghost") == jnl.DigestUnknown
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, jnl.DigestInvalid, pub.peer["1"].Status)
	assert.Equal(t, Checkpoint{}, s.LastConfirmed())
	assert.True(t, s.IsOK())
}

func TestSendFailureFaultsSubscriberSession(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s, _, tr := newPair(t, validConfig(), newMemSubscriber(), newMemPublisher())
	tr.err = errors.New("connection reset")

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.AddAllDigests(map[string]string{"n1": "a", "n2": "b"}))

	err := s.Wait()
	assert.ErrorIs(t, err, jnl.ErrSessionFault)
	assert.False(t, s.IsOK())
	assert.True(t, s.Errored())
	assert.Equal(t, digest.StateStopped, s.SchedulerState())

	assert.ErrorIs(t, s.AddDigest("n3", "c"), jnl.ErrSessionClosed)
	require.NoError(t, s.Close())
}

func TestCloseFailsInFlightIngest(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	sub := newMemSubscriber()
	reading := make(chan struct{})
	sub.onPayload = func(r io.Reader) error {
		close(reading)
		_, err := io.ReadAll(r)
		return err
	}
	s, _, _ := newPair(t, validConfig(), sub, newMemPublisher())

	pr, pw := io.Pipe()
	defer pw.Close()

	done := make(chan error, 1)
	go func() {
		done <- s.ReceiveRecord(context.Background(), jnl.RecordInfo{SerialID: "1"}, nil, nil, pr)
	}()

	<-reading
	require.NoError(t, s.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, jnl.ErrSessionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("ingest hung after close")
	}

	err := s.ReceiveRecord(context.Background(), jnl.RecordInfo{SerialID: "2"}, nil, nil, strings.NewReader("x"))
	assert.ErrorIs(t, err, jnl.ErrSessionClosed)
}

func TestCloseWakesScheduler(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	cfg := validConfig()
	cfg.DigestTimeoutSeconds = 3600
	states := make(chan digest.State, 32)
	p, err := NewPublisherSession(cfg, newMemPublisher())
	require.NoError(t, err)
	s, err := NewSubscriberSession(cfg, newMemSubscriber(), &peerTransport{pub: p},
		WithSchedulerObserver(func(st digest.State) {
			select {
			case states <- st:
			default:
			}
		}))
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	require.Equal(t, digest.StateWaiting, <-states)

	closed := make(chan struct{})
	go func() {
		_ = s.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on a waiting scheduler")
	}
	assert.Equal(t, digest.StateStopped, s.SchedulerState())
	assert.False(t, s.Errored())
}

func TestStreamBeforeSubscribeFails(t *testing.T) {
	p, err := NewPublisherSession(validConfig(), newMemPublisher())
	require.NoError(t, err)
	_, err = p.Stream(context.Background(), nil)
	assert.ErrorIs(t, err, jnl.ErrSessionFault)
}

func TestHandleDigestRejectsGarbage(t *testing.T) {
	p, err := NewPublisherSession(validConfig(), newMemPublisher())
	require.NoError(t, err)

	_, err = p.HandleDigest(context.Background(), jnl.Message{Kind: jnl.MessageDigest, Body: []byte("nonsense")})
	assert.ErrorIs(t, err, jnl.ErrSessionFault)
	assert.False(t, p.IsOK())
}

func TestDigestArrivingDuringSendWaitsForLocalDigest(t *testing.T) {
	pub := newMemPublisher(&memRecord{serial: "1", sys: []byte("<s/>"), payload: []byte("body")})
	p, err := NewPublisherSession(validConfig(), pub)
	require.NoError(t, err)
	require.NoError(t, p.Subscribe(context.Background(), jnl.SubscribeRequest{SerialID: jnl.Epoch}))

	want := sha256.Sum256([]byte("<s/>body"))
	replies := make(chan jnl.Message, 1)
	_, err = p.Stream(context.Background(), func(ctx context.Context, _ jnl.RecordInfo, _ int64, sys, app, payload io.Reader) error {
		for _, r := range []io.Reader{sys, app, payload} {
			if _, err := io.Copy(io.Discard, r); err != nil {
				return err
			}
		}
		go func() {
			reply, err := p.HandleDigest(ctx, wire.EncodeDigestBatch(p.SessionID(), map[string]string{"1": hex.EncodeToString(want[:])}))
			if err == nil {
				replies <- reply
			}
		}()
		// Give the digest a chance to overtake the end of the send.
		time.Sleep(20 * time.Millisecond)
		return nil
	})
	require.NoError(t, err)

	select {
	case reply := <-replies:
		statuses, err := wire.DecodeDigestResponse(reply)
		require.NoError(t, err)
		assert.Equal(t, jnl.DigestConfirmed, statuses["1"])
	case <-time.After(2 * time.Second):
		t.Fatal("digest response never produced")
	}
}

func TestNonceThatBreaksDigestLinesIsRejected(t *testing.T) {
	sub := newMemSubscriber()
	pub := newMemPublisher(&memRecord{serial: "1", nonce: "rec=7", sys: []byte("<s/>"), payload: []byte("body")})
	s, p, _ := newPair(t, validConfig(), sub, pub)
	defer s.Close()
	require.NoError(t, p.Subscribe(context.Background(), jnl.SubscribeRequest{SerialID: jnl.Epoch}))

	n, err := p.Stream(context.Background(), direct(s))
	assert.ErrorIs(t, err, jnl.ErrRecordAnomaly)
	assert.Zero(t, n)

	err = s.ReceiveRecord(context.Background(), jnl.RecordInfo{SerialID: "2", Nonce: "a\r\nb"},
		strings.NewReader("<s/>"), strings.NewReader(""), strings.NewReader("body"))
	assert.ErrorIs(t, err, jnl.ErrRecordAnomaly)
	assert.ErrorIs(t, s.AddDigest("x=y", "abcd"), jnl.ErrRecordAnomaly)
	assert.Empty(t, s.PendingDigests())
	assert.True(t, s.IsOK())
}

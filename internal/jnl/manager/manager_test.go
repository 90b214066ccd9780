// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package manager

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/jalop/internal/jnl"
)

type nopSubscriber struct{}

func (nopSubscriber) SubscribeRequest(context.Context, jnl.Session) (jnl.SubscribeRequest, error) {
	return jnl.SubscribeRequest{}, nil
}
func (nopSubscriber) NotifySysMetadata(context.Context, jnl.Session, jnl.RecordInfo, io.Reader) error {
	return nil
}
func (nopSubscriber) NotifyAppMetadata(context.Context, jnl.Session, jnl.RecordInfo, io.Reader) error {
	return nil
}
func (nopSubscriber) NotifyPayload(context.Context, jnl.Session, jnl.RecordInfo, io.Reader) error {
	return nil
}
func (nopSubscriber) NotifyDigest(context.Context, jnl.Session, jnl.RecordInfo, []byte) error {
	return nil
}
func (nopSubscriber) NotifyDigestResponse(context.Context, jnl.Session, map[string]jnl.DigestStatus) error {
	return nil
}

type nopPublisher struct{}

func (nopPublisher) NextRecord(context.Context, jnl.Session, string) (jnl.SourceRecord, error) {
	return nil, nil
}
func (nopPublisher) OnSubscribe(context.Context, jnl.Session, string) error { return nil }
func (nopPublisher) OnJournalResume(context.Context, jnl.Session, string, int64) (jnl.SourceRecord, error) {
	return nil, nil
}
func (nopPublisher) OnRecordComplete(context.Context, jnl.Session, string, jnl.SourceRecord) error {
	return nil
}
func (nopPublisher) NotifyDigest(context.Context, jnl.Session, string, []byte)                {}
func (nopPublisher) NotifyPeerDigest(context.Context, jnl.Session, map[string]jnl.DigestPair) {}

type recordingHandler struct {
	mu     sync.Mutex
	veto   error
	closed []string
}

func (h *recordingHandler) ConnectionRequest(context.Context, jnl.Role, SessionRequest) error {
	return h.veto
}

func (h *recordingHandler) SessionClosed(s jnl.Session) {
	h.mu.Lock()
	h.closed = append(h.closed, s.SessionID())
	h.mu.Unlock()
}

func (h *recordingHandler) closedIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.closed...)
}

type nopTransport struct{}

func (nopTransport) Send(context.Context, jnl.Message, jnl.ReplyFunc) error { return nil }

func baseConfig() Config {
	return Config{
		Publisher:            nopPublisher{},
		Subscriber:           nopSubscriber{},
		DigestTimeoutSeconds: 1,
		PendingDigestMax:     10,
	}
}

func request(id string) SessionRequest {
	return SessionRequest{
		SessionID:    id,
		PublisherID:  "pub-1",
		RecordType:   jnl.RecordTypeLog,
		Mode:         jnl.ModeLive,
		DigestMethod: "sha256",
		XMLEncoding:  "none",
	}
}

func connected(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, m.Connect())
	require.NoError(t, m.Connected(true))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestNewAcceptsEitherHandler(t *testing.T) {
	cfg := baseConfig()
	cfg.Subscriber = nil
	m, err := New(cfg)
	require.NoError(t, err)
	assert.NotNil(t, m.Publisher())
	assert.Nil(t, m.Subscriber())
	assert.Nil(t, m.ConnectionHandler())

	cfg = baseConfig()
	cfg.Publisher = nil
	m, err = New(cfg)
	require.NoError(t, err)
	assert.Nil(t, m.Publisher())
	assert.NotNil(t, m.Subscriber())
}

func TestNewRequiresARoleHandler(t *testing.T) {
	cfg := baseConfig()
	cfg.Publisher, cfg.Subscriber = nil, nil
	_, err := New(cfg)
	assert.ErrorIs(t, err, jnl.ErrConfiguration)
}

func TestNewRejectsNonPositiveDefaults(t *testing.T) {
	for _, v := range []int{0, -1} {
		cfg := baseConfig()
		cfg.DigestTimeoutSeconds = v
		_, err := New(cfg)
		assert.ErrorIs(t, err, jnl.ErrConfiguration, "timeout %d", v)

		cfg = baseConfig()
		cfg.PendingDigestMax = v
		_, err = New(cfg)
		assert.ErrorIs(t, err, jnl.ErrConfiguration, "max %d", v)
	}
}

func TestAllowListsFallBackToDefaults(t *testing.T) {
	for _, lists := range [][]string{nil, {}, {" ", ""}} {
		cfg := baseConfig()
		cfg.AllowedDigests = lists
		cfg.AllowedEncodings = lists
		m, err := New(cfg)
		require.NoError(t, err)
		assert.Equal(t, []string{"sha256"}, m.AllowedDigests())
		assert.Equal(t, []string{"none"}, m.AllowedEncodings())
	}
}

func TestAllowListsKeepOrderAndDedupe(t *testing.T) {
	cfg := baseConfig()
	cfg.AllowedDigests = []string{"sha512", "http://www.w3.org/2001/04/xmlenc#sha256", "sha512"}
	cfg.AllowedEncodings = []string{"exi-1.0", "none"}
	cfg.TLSRequired = true
	m, err := New(cfg)
	require.NoError(t, err)

	assert.Equal(t, []string{"sha512", "sha256"}, m.AllowedDigests())
	assert.Equal(t, []string{"exi-1.0", "none"}, m.AllowedEncodings())
	assert.True(t, m.TLSRequired())
	assert.Equal(t, 1, m.DefaultDigestTimeout())
	assert.Equal(t, 10, m.DefaultPendingDigestMax())

	got, err := m.NegotiateDigest([]string{"md5", "sha256"})
	require.NoError(t, err)
	assert.Equal(t, "sha256", got)

	got, err = m.NegotiateDigest(nil)
	require.NoError(t, err)
	assert.Equal(t, "sha512", got)

	_, err = m.NegotiateEncoding([]string{"deflate"})
	assert.ErrorIs(t, err, jnl.ErrConfiguration)
}

func TestInitialStateIsDisconnected(t *testing.T) {
	m, err := New(baseConfig())
	require.NoError(t, err)
	assert.Equal(t, StateDisconnected, m.State())
	assert.Empty(t, m.Sessions())

	_, err = m.NewPublisherSession(context.Background(), request("p"))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConnectionStateMachine(t *testing.T) {
	m, err := New(baseConfig())
	require.NoError(t, err)

	assert.ErrorIs(t, m.Connected(true), ErrInvalidTransition)
	require.NoError(t, m.Connect())
	assert.ErrorIs(t, m.Connect(), ErrInvalidTransition)
	require.NoError(t, m.Connected(false))
	assert.Equal(t, StateConnected, m.State())

	m.Fail(errors.New("peer reset"))
	assert.Equal(t, StateErrored, m.State())
	require.NoError(t, m.Disconnect())
	assert.Equal(t, StateDisconnected, m.State())
	assert.ErrorIs(t, m.Disconnect(), ErrInvalidTransition)
}

func TestInsecureHandshakeFailsWhenTLSRequired(t *testing.T) {
	cfg := baseConfig()
	cfg.TLSRequired = true
	m, err := New(cfg)
	require.NoError(t, err)

	require.NoError(t, m.Connect())
	assert.ErrorIs(t, m.Connected(false), ErrTLSRequired)
	assert.Equal(t, StateErrored, m.State())
}

func TestSessionsAreRegisteredAndRemoved(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	h := &recordingHandler{}
	cfg := baseConfig()
	cfg.ConnectionHandler = h
	m := connected(t, cfg)

	sub, err := m.NewSubscriberSession(context.Background(), request("s-1"), nopTransport{})
	require.NoError(t, err)
	pub, err := m.NewPublisherSession(context.Background(), request(""))
	require.NoError(t, err)
	assert.NotEmpty(t, pub.SessionID())
	assert.Equal(t, 10, sub.PendingDigestMax())

	assert.Len(t, m.Sessions(), 2)
	got, ok := m.SubscriberSession("s-1")
	require.True(t, ok)
	assert.Same(t, sub, got)
	_, ok = m.PublisherSession("s-1")
	assert.False(t, ok)

	_, err = m.NewPublisherSession(context.Background(), request("s-1"))
	assert.ErrorIs(t, err, ErrDuplicateSession)

	require.NoError(t, m.RemoveSession("s-1"))
	assert.ErrorIs(t, m.RemoveSession("s-1"), ErrSessionNotFound)
	assert.False(t, sub.IsOK())
	assert.Equal(t, []string{"s-1"}, h.closedIDs())

	require.NoError(t, m.Close())
	assert.Empty(t, m.Sessions())
	assert.Equal(t, StateDisconnected, m.State())
}

func TestErroredSessionIsReaped(t *testing.T) {
	m := connected(t, baseConfig())

	pub, err := m.NewPublisherSession(context.Background(), request("p-1"))
	require.NoError(t, err)
	pub.SetErrored()

	require.Eventually(t, func() bool {
		_, ok := m.Session("p-1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSessionAdmission(t *testing.T) {
	h := &recordingHandler{}
	cfg := baseConfig()
	cfg.ConnectionHandler = h
	m := connected(t, cfg)

	req := request("x")
	req.DigestMethod = "sha512"
	_, err := m.NewPublisherSession(context.Background(), req)
	assert.ErrorIs(t, err, jnl.ErrConfiguration)

	req = request("x")
	req.XMLEncoding = "exi-1.0"
	_, err = m.NewPublisherSession(context.Background(), req)
	assert.ErrorIs(t, err, jnl.ErrConfiguration)

	h.veto = errors.New("not today")
	_, err = m.NewPublisherSession(context.Background(), request("x"))
	assert.ErrorIs(t, err, ErrRejected)
	assert.Empty(t, m.Sessions())
}

func TestMissingRoleHandlerRejectsSession(t *testing.T) {
	cfg := baseConfig()
	cfg.Subscriber = nil
	m := connected(t, cfg)

	_, err := m.NewSubscriberSession(context.Background(), request("s"), nopTransport{})
	assert.ErrorIs(t, err, jnl.ErrConfiguration)
}

func TestApplyDigestDefaultsUpdatesLiveSubscribers(t *testing.T) {
	m := connected(t, baseConfig())
	sub, err := m.NewSubscriberSession(context.Background(), request("s-1"), nopTransport{})
	require.NoError(t, err)

	assert.ErrorIs(t, m.ApplyDigestDefaults(0, 5), jnl.ErrConfiguration)
	require.NoError(t, m.ApplyDigestDefaults(30, 5))

	assert.Equal(t, 30, m.DefaultDigestTimeout())
	assert.Equal(t, 30*time.Second, sub.DigestTimeout())
	assert.Equal(t, 5, sub.PendingDigestMax())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "errored", StateErrored.String())
	assert.Equal(t, "unknown", ConnectionState(42).String())
}

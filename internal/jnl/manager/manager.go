// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package manager owns the connection state and the live sessions of one
// JALoP peer.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ManuGH/jalop/internal/jnl"
	"github.com/ManuGH/jalop/internal/jnl/session"
	xlog "github.com/ManuGH/jalop/internal/log"
	"github.com/ManuGH/jalop/internal/metrics"
)

var (
	ErrInvalidTransition = errors.New("manager: invalid connection state transition")
	ErrTLSRequired       = errors.New("manager: secure handshake required")
	ErrNotConnected      = errors.New("manager: not connected")
	ErrDuplicateSession  = errors.New("manager: session id already in use")
	ErrSessionNotFound   = errors.New("manager: session not found")
	ErrRejected          = errors.New("manager: session rejected by connection handler")
)

// ConnectionState of the peer connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateErrored
)

var stateNames = []string{"disconnected", "connecting", "connected", "errored"}

func (s ConnectionState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// SessionRequest is what the peer asked for during the handshake.
type SessionRequest struct {
	SessionID    string
	PublisherID  string
	RecordType   jnl.RecordType
	Mode         jnl.Mode
	DigestMethod string
	XMLEncoding  string
	RemoteAddr   string
}

// ConnectionHandler is an optional observer of session setup and teardown.
type ConnectionHandler interface {
	// ConnectionRequest may veto a session before it is created.
	ConnectionRequest(ctx context.Context, role jnl.Role, req SessionRequest) error
	SessionClosed(sess jnl.Session)
}

// Config is the connection-level configuration.
type Config struct {
	Publisher         jnl.Publisher
	Subscriber        jnl.Subscriber
	ConnectionHandler ConnectionHandler

	DigestTimeoutSeconds int
	PendingDigestMax     int
	TLSRequired          bool

	// Nil or empty lists fall back to {"sha256"} and {"none"}.
	AllowedDigests   []string
	AllowedEncodings []string
}

// Option configures a Manager.
type Option func(*Manager)

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithSessionOptions are passed to every session the manager creates.
func WithSessionOptions(opts ...session.Option) Option {
	return func(m *Manager) { m.sessionOpts = append(m.sessionOpts, opts...) }
}

type liveSession interface {
	jnl.Session
	Done() <-chan struct{}
	Close() error
}

// Manager is safe for concurrent use.
type Manager struct {
	publisher  jnl.Publisher
	subscriber jnl.Subscriber
	handler    ConnectionHandler
	tls        bool
	digests    []string
	encodings  []string

	log         zerolog.Logger
	sessionOpts []session.Option

	mu             sync.RWMutex
	state          ConnectionState
	timeoutSeconds int
	pendingMax     int
	sessions       map[string]liveSession

	removals singleflight.Group
	reapers  sync.WaitGroup
}

// New validates cfg. At least one role handler is required and the digest
// defaults must be positive.
func New(cfg Config, opts ...Option) (*Manager, error) {
	if cfg.Publisher == nil && cfg.Subscriber == nil {
		return nil, jnl.NewConfigError("roleHandler", "a publisher or subscriber is required")
	}
	if cfg.DigestTimeoutSeconds <= 0 {
		return nil, jnl.NewConfigError("defaultDigestTimeout", "must be a positive integer")
	}
	if cfg.PendingDigestMax <= 0 {
		return nil, jnl.NewConfigError("defaultPendingDigestMax", "must be a positive integer")
	}

	m := &Manager{
		publisher:      cfg.Publisher,
		subscriber:     cfg.Subscriber,
		handler:        cfg.ConnectionHandler,
		tls:            cfg.TLSRequired,
		digests:        allowList(cfg.AllowedDigests, jnl.DefaultDigestMethod, jnl.CanonicalDigestMethod),
		encodings:      allowList(cfg.AllowedEncodings, jnl.DefaultXMLEncoding, strings.TrimSpace),
		log:            zerolog.Nop(),
		timeoutSeconds: cfg.DigestTimeoutSeconds,
		pendingMax:     cfg.PendingDigestMax,
		sessions:       make(map[string]liveSession),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.With().Str(xlog.FieldComponent, "manager").Logger()
	metrics.SetConnectionState(m.state.String(), stateNames)
	return m, nil
}

func allowList(in []string, def string, norm func(string) string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = norm(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	if len(out) == 0 {
		return []string{def}
	}
	return out
}

func (m *Manager) Publisher() jnl.Publisher             { return m.publisher }
func (m *Manager) Subscriber() jnl.Subscriber           { return m.subscriber }
func (m *Manager) ConnectionHandler() ConnectionHandler { return m.handler }
func (m *Manager) TLSRequired() bool                    { return m.tls }

// AllowedDigests returns the digest allow-list in configured order.
func (m *Manager) AllowedDigests() []string { return append([]string(nil), m.digests...) }

// AllowedEncodings returns the XML encoding allow-list in configured order.
func (m *Manager) AllowedEncodings() []string { return append([]string(nil), m.encodings...) }

func (m *Manager) DefaultDigestTimeout() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.timeoutSeconds
}

func (m *Manager) DefaultPendingDigestMax() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pendingMax
}

// NegotiateDigest picks the first method of offered that is allowed.
// An empty offer selects the first allowed method.
func (m *Manager) NegotiateDigest(offered []string) (string, error) {
	return negotiate("digestMethod", m.digests, offered, jnl.CanonicalDigestMethod)
}

// NegotiateEncoding picks the first encoding of offered that is allowed.
func (m *Manager) NegotiateEncoding(offered []string) (string, error) {
	return negotiate("xmlEncoding", m.encodings, offered, strings.TrimSpace)
}

func negotiate(field string, allowed, offered []string, norm func(string) string) (string, error) {
	if len(offered) == 0 {
		return allowed[0], nil
	}
	for _, o := range offered {
		o = norm(o)
		for _, a := range allowed {
			if o == a {
				return a, nil
			}
		}
	}
	return "", jnl.NewConfigError(field, fmt.Sprintf("none of %v is allowed", offered))
}

// State returns the connection state.
func (m *Manager) State() ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) transition(from []ConnectionState, to ConnectionState) error {
	m.mu.Lock()
	old := m.state
	ok := false
	for _, f := range from {
		if f == old {
			ok = true
			break
		}
	}
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, old, to)
	}
	m.state = to
	m.mu.Unlock()

	metrics.SetConnectionState(to.String(), stateNames)
	m.log.Info().
		Str(xlog.FieldEvent, "connection.state").
		Str(xlog.FieldOldState, old.String()).
		Str(xlog.FieldNewState, to.String()).
		Msg("connection state changed")
	return nil
}

// Connect starts a handshake.
func (m *Manager) Connect() error {
	return m.transition([]ConnectionState{StateDisconnected}, StateConnecting)
}

// Connected completes the handshake. With TLS required, an insecure
// handshake moves the connection to Errored.
func (m *Manager) Connected(secure bool) error {
	if m.tls && !secure {
		if err := m.transition([]ConnectionState{StateConnecting}, StateErrored); err != nil {
			return err
		}
		return ErrTLSRequired
	}
	return m.transition([]ConnectionState{StateConnecting}, StateConnected)
}

// Disconnect closes every session and returns to Disconnected.
func (m *Manager) Disconnect() error {
	if err := m.transition([]ConnectionState{StateConnecting, StateConnected, StateErrored}, StateDisconnected); err != nil {
		return err
	}
	m.closeAll()
	return nil
}

// Fail moves the connection to Errored and faults every live session.
func (m *Manager) Fail(cause error) {
	if err := m.transition([]ConnectionState{StateConnecting, StateConnected}, StateErrored); err != nil {
		return
	}
	m.log.Error().Err(cause).Str(xlog.FieldEvent, "connection.failed").Msg("connection failed")
	for _, s := range m.Sessions() {
		s.SetErrored()
	}
}

// NewSubscriberSession creates, registers and starts a subscriber session.
func (m *Manager) NewSubscriberSession(ctx context.Context, req SessionRequest, tr jnl.Transport) (*session.SubscriberSession, error) {
	if m.subscriber == nil {
		return nil, jnl.NewConfigError("subscriber", "no subscriber handler configured")
	}
	cfg, err := m.admit(ctx, jnl.RoleSubscriber, req)
	if err != nil {
		return nil, err
	}
	s, err := session.NewSubscriberSession(cfg, m.subscriber, tr, m.sessionOpts...)
	if err != nil {
		return nil, err
	}
	if err := m.register(s, jnl.RoleSubscriber); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := s.Start(context.WithoutCancel(ctx)); err != nil {
		_ = m.RemoveSession(s.SessionID())
		return nil, err
	}
	return s, nil
}

// NewPublisherSession creates and registers a publisher session.
func (m *Manager) NewPublisherSession(ctx context.Context, req SessionRequest) (*session.PublisherSession, error) {
	if m.publisher == nil {
		return nil, jnl.NewConfigError("publisher", "no publisher handler configured")
	}
	cfg, err := m.admit(ctx, jnl.RolePublisher, req)
	if err != nil {
		return nil, err
	}
	p, err := session.NewPublisherSession(cfg, m.publisher, m.sessionOpts...)
	if err != nil {
		return nil, err
	}
	if err := m.register(p, jnl.RolePublisher); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

func (m *Manager) admit(ctx context.Context, role jnl.Role, req SessionRequest) (session.Config, error) {
	if st := m.State(); st != StateConnected {
		return session.Config{}, fmt.Errorf("%w: state is %s", ErrNotConnected, st)
	}

	method := jnl.CanonicalDigestMethod(req.DigestMethod)
	if !contains(m.digests, method) {
		return session.Config{}, jnl.NewConfigError("digestMethod", fmt.Sprintf("%q is not allowed", req.DigestMethod))
	}
	encoding := strings.TrimSpace(req.XMLEncoding)
	if !contains(m.encodings, encoding) {
		return session.Config{}, jnl.NewConfigError("xmlEncoding", fmt.Sprintf("%q is not allowed", req.XMLEncoding))
	}

	if m.handler != nil {
		if err := m.handler.ConnectionRequest(ctx, role, req); err != nil {
			return session.Config{}, fmt.Errorf("%w: %v", ErrRejected, err)
		}
	}

	id := strings.TrimSpace(req.SessionID)
	if id == "" {
		id = uuid.NewString()
	}
	m.mu.RLock()
	timeout, max := m.timeoutSeconds, m.pendingMax
	m.mu.RUnlock()

	return session.Config{
		PublisherID:          req.PublisherID,
		SessionID:            id,
		RecordType:           req.RecordType,
		Mode:                 req.Mode,
		DigestMethod:         method,
		XMLEncoding:          encoding,
		DigestTimeoutSeconds: timeout,
		PendingDigestMax:     max,
	}, nil
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func (m *Manager) register(s liveSession, role jnl.Role) error {
	m.mu.Lock()
	if _, dup := m.sessions[s.SessionID()]; dup {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateSession, s.SessionID())
	}
	m.sessions[s.SessionID()] = s
	m.reapers.Add(1)
	m.mu.Unlock()

	metrics.AddSessionsActive(role.String(), 1)
	m.log.Info().
		Str(xlog.FieldEvent, "session.added").
		Str(xlog.FieldSessionID, s.SessionID()).
		Str(xlog.FieldRole, role.String()).
		Str(xlog.FieldRecordType, s.RecordType().String()).
		Msg("session added")

	// A session that faults on its own is removed once it ends.
	go func() {
		defer m.reapers.Done()
		<-s.Done()
		_ = m.RemoveSession(s.SessionID())
	}()
	return nil
}

// Session looks up a live session.
func (m *Manager) Session(id string) (jnl.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// SubscriberSession looks up a live subscriber session.
func (m *Manager) SubscriberSession(id string) (*session.SubscriberSession, bool) {
	s, ok := m.Session(id)
	if !ok {
		return nil, false
	}
	sub, ok := s.(*session.SubscriberSession)
	return sub, ok
}

// PublisherSession looks up a live publisher session.
func (m *Manager) PublisherSession(id string) (*session.PublisherSession, bool) {
	s, ok := m.Session(id)
	if !ok {
		return nil, false
	}
	pub, ok := s.(*session.PublisherSession)
	return pub, ok
}

// Sessions returns the live sessions ordered by id.
func (m *Manager) Sessions() []jnl.Session {
	m.mu.RLock()
	out := make([]jnl.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID() < out[j].SessionID() })
	return out
}

// RemoveSession closes and forgets a session. Concurrent removals of the
// same id share one close.
func (m *Manager) RemoveSession(id string) error {
	_, err, _ := m.removals.Do(id, func() (any, error) {
		m.mu.Lock()
		s, ok := m.sessions[id]
		delete(m.sessions, id)
		m.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}

		err := s.Close()
		metrics.AddSessionsActive(s.Role().String(), -1)
		if m.handler != nil {
			m.handler.SessionClosed(s)
		}
		m.log.Info().
			Str(xlog.FieldEvent, "session.removed").
			Str(xlog.FieldSessionID, id).
			Bool("errored", !s.IsOK()).
			Msg("session removed")
		return nil, err
	})
	return err
}

// ApplyDigestDefaults changes the defaults for new sessions and pushes them
// into live subscriber sessions.
func (m *Manager) ApplyDigestDefaults(timeoutSeconds, max int) error {
	if timeoutSeconds <= 0 {
		return jnl.NewConfigError("defaultDigestTimeout", "must be a positive integer")
	}
	if max <= 0 {
		return jnl.NewConfigError("defaultPendingDigestMax", "must be a positive integer")
	}
	m.mu.Lock()
	m.timeoutSeconds, m.pendingMax = timeoutSeconds, max
	m.mu.Unlock()

	var errs []error
	for _, s := range m.Sessions() {
		sub, ok := s.(*session.SubscriberSession)
		if !ok {
			continue
		}
		errs = append(errs, sub.SetDigestTimeout(timeoutSeconds), sub.SetPendingDigestMax(max))
	}
	return errors.Join(errs...)
}

func (m *Manager) closeAll() {
	for _, s := range m.Sessions() {
		if err := m.RemoveSession(s.SessionID()); err != nil && !errors.Is(err, ErrSessionNotFound) {
			m.log.Warn().Err(err).Str(xlog.FieldSessionID, s.SessionID()).Msg("session close failed")
		}
	}
}

// Close closes every session, waits for their teardown and returns to
// Disconnected.
func (m *Manager) Close() error {
	m.closeAll()
	m.reapers.Wait()

	m.mu.Lock()
	old := m.state
	m.state = StateDisconnected
	m.mu.Unlock()
	if old != StateDisconnected {
		metrics.SetConnectionState(StateDisconnected.String(), stateNames)
	}
	return nil
}

// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package httpbind

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/ManuGH/jalop/internal/jnl"
	"github.com/ManuGH/jalop/internal/jnl/manager"
	"github.com/ManuGH/jalop/internal/jnl/wire"
	xlog "github.com/ManuGH/jalop/internal/log"
)

const maxMessageBody = 16 << 20

// TransportFactory builds the transport a new subscriber session sends its
// digests through. endpoint is the publisher's digest URL.
type TransportFactory func(endpoint string) jnl.Transport

// Server exposes a manager's sessions over HTTP.
type Server struct {
	mgr          *manager.Manager
	log          zerolog.Logger
	rate         RateLimitConfig
	service      string
	newTransport TransportFactory
	callbacks    []string
	router       chi.Router
}

type ServerOption func(*Server)

func WithServerLogger(l zerolog.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

func WithRateLimit(cfg RateLimitConfig) ServerOption {
	return func(s *Server) { s.rate = cfg }
}

// WithTracing names the service on request spans. Empty disables tracing.
func WithTracing(service string) ServerOption {
	return func(s *Server) { s.service = service }
}

func WithTransportFactory(f TransportFactory) ServerOption {
	return func(s *Server) { s.newTransport = f }
}

// WithCallbackHosts restricts the publisher callback URLs the server sends
// digests to. Entries match a URL's host or host:port, case-insensitively.
func WithCallbackHosts(hosts ...string) ServerOption {
	return func(s *Server) {
		for _, h := range hosts {
			if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
				s.callbacks = append(s.callbacks, h)
			}
		}
	}
}

func NewServer(mgr *manager.Manager, opts ...ServerOption) *Server {
	s := &Server{mgr: mgr, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	if s.newTransport == nil {
		log := s.log
		s.newTransport = func(endpoint string) jnl.Transport {
			return NewClient(endpoint, WithClientLogger(log))
		}
	}
	s.log = s.log.With().Str(xlog.FieldComponent, "httpbind").Logger()

	r := chi.NewRouter()
	r.Use(recoverer(s.log))
	r.Use(requestID)
	if s.service != "" {
		r.Use(tracing(s.service))
	}
	r.Use(accessLog(s.log))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	r.Group(func(r chi.Router) {
		r.Use(rateLimit(s.rate))
		r.Post(SubscriberPath, s.handleSubscriber)
		r.Post(PublisherPath, s.handlePublisher)
	})
	s.router = r
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleSubscriber(w http.ResponseWriter, r *http.Request) {
	msg := messageFrom(r.Header)
	switch msg.Kind {
	case jnl.MessageInitialize:
		s.initialize(w, r, msg)
	case jnl.MessageRecord:
		s.record(w, r, msg)
	case jnl.MessageDigestResponse:
		s.digestResponse(w, r, msg)
	case jnl.MessageCloseSession:
		s.closeSession(w, msg)
	default:
		writeError(w, http.StatusBadRequest, "unsupported_message", fmt.Sprintf("unexpected %s %q", wire.HeaderMessage, msg.Headers[wire.HeaderMessage]))
	}
}

func (s *Server) initialize(w http.ResponseWriter, r *http.Request, msg jnl.Message) {
	ctx := r.Context()
	nack := func(reason string, unsupportedDigest bool) {
		s.log.Warn().
			Str(xlog.FieldEvent, "session.refused").
			Str(xlog.FieldRemoteAddr, r.RemoteAddr).
			Msg(reason)
		writeMessage(w, http.StatusOK, wire.EncodeInitializeNack(reason, unsupportedDigest))
	}

	in, err := wire.DecodeInitialize(msg)
	if err != nil {
		nack(err.Error(), false)
		return
	}
	digest, err := s.mgr.NegotiateDigest(in.AcceptDigests)
	if err != nil {
		nack(err.Error(), true)
		return
	}
	encoding, err := s.mgr.NegotiateEncoding(in.AcceptEncodings)
	if err != nil {
		nack(err.Error(), false)
		return
	}
	callback, err := s.checkCallback(msg.Headers[HeaderCallback])
	if err != nil {
		nack(err.Error(), false)
		return
	}

	sess, err := s.mgr.NewSubscriberSession(ctx, manager.SessionRequest{
		PublisherID:  in.PublisherID,
		RecordType:   in.RecordType,
		Mode:         in.Mode,
		DigestMethod: digest,
		XMLEncoding:  encoding,
		RemoteAddr:   r.RemoteAddr,
	}, s.newTransport(callback+PublisherPath))
	if err != nil {
		nack(err.Error(), false)
		return
	}
	sub, err := sess.SubscribeRequest(ctx)
	if err != nil {
		_ = s.mgr.RemoveSession(sess.SessionID())
		nack(err.Error(), false)
		return
	}

	writeMessage(w, http.StatusOK, wire.EncodeInitializeAck(wire.InitializeAck{
		SessionID:    sess.SessionID(),
		DigestMethod: digest,
		XMLEncoding:  encoding,
		Subscribe:    sub,
	}))
}

func (s *Server) record(w http.ResponseWriter, r *http.Request, msg jnl.Message) {
	sess, ok := s.mgr.SubscriberSession(msg.SessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_session", msg.SessionID)
		return
	}
	info, _, err := wire.DecodeRecordInfo(msg, sess.RecordType())
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_record", err.Error())
		return
	}

	err = sess.ReceiveRecord(r.Context(), info,
		exactly(r.Body, info.SysMetaLength),
		exactly(r.Body, info.AppMetaLength),
		exactly(r.Body, info.PayloadLength),
	)
	if err != nil {
		writeError(w, statusFor(err), "record_failed", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) digestResponse(w http.ResponseWriter, r *http.Request, msg jnl.Message) {
	sess, ok := s.mgr.SubscriberSession(msg.SessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_session", msg.SessionID)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", err.Error())
		return
	}
	msg.Body = body
	if err := sess.HandleDigestResponse(r.Context(), msg); err != nil {
		writeError(w, statusFor(err), "digest_response_failed", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) closeSession(w http.ResponseWriter, msg jnl.Message) {
	if err := s.mgr.RemoveSession(msg.SessionID); err != nil {
		writeError(w, statusFor(err), "close_failed", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePublisher(w http.ResponseWriter, r *http.Request) {
	msg := messageFrom(r.Header)
	switch msg.Kind {
	case jnl.MessageDigest:
	case jnl.MessageCloseSession:
		s.closeSession(w, msg)
		return
	default:
		writeError(w, http.StatusBadRequest, "unsupported_message", fmt.Sprintf("unexpected %s %q", wire.HeaderMessage, msg.Headers[wire.HeaderMessage]))
		return
	}

	pub, ok := s.mgr.PublisherSession(msg.SessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_session", msg.SessionID)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", err.Error())
		return
	}
	msg.Body = body

	reply, err := pub.HandleDigest(r.Context(), msg)
	if err != nil {
		writeError(w, statusFor(err), "digest_failed", err.Error())
		return
	}
	writeMessage(w, http.StatusOK, reply)
}

func writeMessage(w http.ResponseWriter, status int, msg jnl.Message) {
	setHeaders(w.Header(), msg)
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	if len(msg.Body) > 0 {
		_, _ = w.Write(msg.Body)
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, manager.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, jnl.ErrSessionClosed):
		return http.StatusGone
	case errors.Is(err, jnl.ErrConfiguration), errors.Is(err, wire.ErrMalformed):
		return http.StatusBadRequest
	case errors.Is(err, jnl.ErrSessionFault):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// exactly reads n bytes of r and fails with io.ErrUnexpectedEOF if r ends
// early.
func exactly(r io.Reader, n int64) io.Reader {
	return &exactReader{r: io.LimitReader(r, n), left: n}
}

type exactReader struct {
	r    io.Reader
	left int64
}

func (e *exactReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	e.left -= int64(n)
	if err == io.EOF && e.left > 0 {
		return n, io.ErrUnexpectedEOF
	}
	return n, err
}

// checkCallback validates a peer-supplied callback URL and returns it without
// a trailing slash.
func (s *Server) checkCallback(raw string) (string, error) {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	if raw == "" {
		return "", fmt.Errorf("missing %s", HeaderCallback)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("bad %s: %v", HeaderCallback, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("bad %s: scheme must be http or https", HeaderCallback)
	}
	if u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", fmt.Errorf("bad %s: want scheme://host[:port][/path]", HeaderCallback)
	}
	if len(s.callbacks) == 0 {
		return raw, nil
	}
	host, hostname := strings.ToLower(u.Host), strings.ToLower(u.Hostname())
	for _, allowed := range s.callbacks {
		if allowed == host || allowed == hostname {
			return raw, nil
		}
	}
	return "", fmt.Errorf("%s host %q is not allowed", HeaderCallback, u.Host)
}

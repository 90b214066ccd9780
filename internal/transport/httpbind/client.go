// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package httpbind

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ManuGH/jalop/internal/jnl"
	"github.com/ManuGH/jalop/internal/jnl/session"
	"github.com/ManuGH/jalop/internal/jnl/wire"
	xlog "github.com/ManuGH/jalop/internal/log"
	"github.com/ManuGH/jalop/internal/metrics"
)

// ErrRejected is returned by Initialize when the subscriber answers with
// initialize-nack.
var ErrRejected = errors.New("httpbind: initialize rejected")

const maxReplyBody = 16 << 20

var expectedReply = map[jnl.MessageKind]jnl.MessageKind{
	jnl.MessageDigest: jnl.MessageDigestResponse,
}

// Client posts messages to one endpoint URL.
type Client struct {
	endpoint string
	hc       *http.Client
	log      zerolog.Logger
}

type ClientOption func(*Client)

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.hc = hc }
}

func WithClientLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

// NewClient targets endpoint, a full URL such as
// "https://archive:8443/jalop/subscriber".
func NewClient(endpoint string, opts ...ClientOption) *Client {
	c := &Client{
		endpoint: endpoint,
		hc:       &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint returns the target URL.
func (c *Client) Endpoint() string { return c.endpoint }

// Send implements jnl.Transport. Non-2xx answers and replies of the wrong
// kind are send failures.
func (c *Client) Send(ctx context.Context, msg jnl.Message, onReply jnl.ReplyFunc) error {
	reply, err := c.roundTrip(ctx, msg, bytes.NewReader(msg.Body), int64(len(msg.Body)))
	if err != nil {
		metrics.IncTransportDrop(string(msg.Kind), "http")
		return err
	}
	if want, ok := expectedReply[msg.Kind]; ok && reply.Kind != want {
		metrics.IncTransportDrop(string(msg.Kind), "reply_mismatch")
		return fmt.Errorf("httpbind: %s answered with %q, want %q", msg.Kind, reply.Kind, want)
	}
	if reply.Kind != "" && onReply != nil {
		onReply(ctx, reply)
	}
	return nil
}

// Initialize opens a session. callback is the base URL of the publisher's
// own binding server, where digests for the session will be posted.
func (c *Client) Initialize(ctx context.Context, in wire.Initialize, callback string) (wire.InitializeAck, error) {
	msg := wire.EncodeInitialize(in)
	msg.Headers[HeaderCallback] = callback
	reply, err := c.roundTrip(ctx, msg, http.NoBody, 0)
	if err != nil {
		return wire.InitializeAck{}, err
	}
	switch reply.Kind {
	case jnl.MessageInitializeAck:
		return wire.DecodeInitializeAck(reply)
	case jnl.MessageInitializeNack:
		reason := reply.Header(wire.HeaderErrorMessage)
		if reply.Header(wire.HeaderUnsupportedDigest) != "" {
			reason += " (unsupported digest)"
		}
		return wire.InitializeAck{}, fmt.Errorf("%w: %s", ErrRejected, reason)
	default:
		return wire.InitializeAck{}, fmt.Errorf("httpbind: initialize answered with %q", reply.Kind)
	}
}

// RecordSender returns a session.SendFunc posting each record as one
// request whose body is the three sections back to back.
func (c *Client) RecordSender(sessionID string, t jnl.RecordType) session.SendFunc {
	return func(ctx context.Context, info jnl.RecordInfo, offset int64, sysMeta, appMeta, payload io.Reader) error {
		msg := jnl.Message{
			Kind:      jnl.MessageRecord,
			SessionID: sessionID,
			Headers:   wire.RecordHeaders(sessionID, t, info, offset),
		}
		body := io.MultiReader(
			io.LimitReader(sysMeta, info.SysMetaLength),
			io.LimitReader(appMeta, info.AppMetaLength),
			io.LimitReader(payload, info.PayloadLength),
		)
		size := info.SysMetaLength + info.AppMetaLength + info.PayloadLength
		_, err := c.roundTrip(ctx, msg, body, size)
		return err
	}
}

// Close ends a session on the peer.
func (c *Client) Close(ctx context.Context, sessionID string) error {
	_, err := c.roundTrip(ctx, wire.EncodeClose(sessionID), http.NoBody, 0)
	return err
}

func (c *Client) roundTrip(ctx context.Context, msg jnl.Message, body io.Reader, size int64) (jnl.Message, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return jnl.Message{}, fmt.Errorf("httpbind: build request: %w", err)
	}
	req.ContentLength = size
	if size == 0 {
		req.Body = http.NoBody
	}
	req.Header.Set("Content-Type", contentType)
	setHeaders(req.Header, msg)
	if id := xlog.RequestIDFromContext(ctx); id != "" {
		req.Header.Set(headerRequestID, id)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return jnl.Message{}, fmt.Errorf("httpbind: post %s: %w", msg.Kind, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBody))
	if err != nil {
		return jnl.Message{}, fmt.Errorf("httpbind: read %s reply: %w", msg.Kind, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := resp.Header.Get(wire.HeaderErrorMessage)
		if detail == "" {
			detail = strings.TrimSpace(string(raw[:min(len(raw), 256)]))
		}
		c.log.Warn().
			Str(xlog.FieldEvent, "httpbind.rejected").
			Str(xlog.FieldURL, c.endpoint).
			Int(xlog.FieldStatus, resp.StatusCode).
			Str("kind", string(msg.Kind)).
			Msg(detail)
		return jnl.Message{}, fmt.Errorf("httpbind: %s: %s: %s", msg.Kind, resp.Status, detail)
	}

	reply := messageFrom(resp.Header)
	reply.Body = raw
	return reply, nil
}

var _ jnl.Transport = (*Client)(nil)

// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package httpbind carries JALoP messages over HTTP POST. Every message is
// one request: JAL-* headers plus the wire body. Replies come back in the
// response.
package httpbind

import (
	"net/http"

	"github.com/ManuGH/jalop/internal/jnl"
	"github.com/ManuGH/jalop/internal/jnl/wire"
)

// Endpoint paths.
const (
	SubscriberPath = "/jalop/subscriber"
	PublisherPath  = "/jalop/publisher"
)

// HeaderCallback is the base URL where a publisher accepts digest messages
// for the session it is initializing.
const HeaderCallback = "JAL-Callback-URL"

const contentType = "application/octet-stream"

var wireHeaders = []string{
	wire.HeaderMessage,
	wire.HeaderSessionID,
	wire.HeaderPublisherID,
	wire.HeaderRecordType,
	wire.HeaderMode,
	wire.HeaderVersion,
	wire.HeaderID,
	wire.HeaderSysMetaLength,
	wire.HeaderAppMetaLength,
	wire.HeaderJournalLength,
	wire.HeaderAuditLength,
	wire.HeaderLogLength,
	wire.HeaderAcceptDigest,
	wire.HeaderAcceptEncoding,
	wire.HeaderDigest,
	wire.HeaderXMLCompression,
	wire.HeaderSerialID,
	wire.HeaderJournalOffset,
	wire.HeaderCount,
	wire.HeaderErrorMessage,
	wire.HeaderUnsupportedDigest,
	HeaderCallback,
}

// setHeaders copies msg headers onto h. Kind and session id win over
// whatever msg.Headers says.
func setHeaders(h http.Header, msg jnl.Message) {
	for k, v := range msg.Headers {
		if v != "" {
			h.Set(k, v)
		}
	}
	if h.Get(wire.HeaderMessage) == "" && msg.Kind != "" {
		h.Set(wire.HeaderMessage, string(msg.Kind))
	}
	if msg.SessionID != "" {
		h.Set(wire.HeaderSessionID, msg.SessionID)
	}
}

// messageFrom rebuilds the header half of a message. The body is left to
// the caller.
func messageFrom(h http.Header) jnl.Message {
	msg := jnl.Message{Headers: make(map[string]string)}
	for _, k := range wireHeaders {
		if v := h.Get(k); v != "" {
			msg.Headers[k] = v
		}
	}
	msg.Kind = wire.KindOf(msg.Headers[wire.HeaderMessage])
	msg.SessionID = msg.Headers[wire.HeaderSessionID]
	return msg
}

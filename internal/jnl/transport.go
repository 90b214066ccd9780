// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package jnl

import "context"

// MessageKind names the protocol message a Message carries.
type MessageKind string

const (
	MessageInitialize     MessageKind = "initialize"
	MessageInitializeAck  MessageKind = "initialize-ack"
	MessageInitializeNack MessageKind = "initialize-nack"
	MessageSubscribe      MessageKind = "subscribe"
	MessageRecord         MessageKind = "record"
	MessageDigest         MessageKind = "digest"
	MessageDigestResponse MessageKind = "digest-response"
	MessageCloseSession   MessageKind = "close-session"
	MessageSessionFailure MessageKind = "session-failure"
)

// Message is the binding-neutral envelope exchanged through a Transport.
// Headers and Body encodings are owned by the wire package.
type Message struct {
	Kind      MessageKind
	SessionID string
	Headers   map[string]string
	Body      []byte
}

// Header returns a header value or "".
func (m Message) Header(key string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[key]
}

// ReplyFunc receives the peer's answer to a sent message. Bindings with a
// synchronous request/response call it before Send returns; asynchronous
// bindings call it from their receive loop.
type ReplyFunc func(ctx context.Context, reply Message)

// Transport delivers messages to the peer of a session. A non-nil error
// means the message was not delivered.
type Transport interface {
	Send(ctx context.Context, msg Message, onReply ReplyFunc) error
}

// InboundHandler is the delivery callback a binding invokes for every
// message it receives. The returned message, if any, is the reply.
type InboundHandler func(ctx context.Context, msg Message) (Message, error)

// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package wire

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ManuGH/jalop/internal/jnl"
)

// Initialize opens a session from the publisher side.
type Initialize struct {
	PublisherID     string
	RecordType      jnl.RecordType
	Mode            jnl.Mode
	AcceptDigests   []string
	AcceptEncodings []string
}

// InitializeAck is the subscriber's acceptance together with its subscribe request.
type InitializeAck struct {
	SessionID    string
	DigestMethod string
	XMLEncoding  string
	Subscribe    jnl.SubscribeRequest
}

func EncodeInitialize(in Initialize) jnl.Message {
	return jnl.Message{
		Kind: jnl.MessageInitialize,
		Headers: map[string]string{
			HeaderMessage:        string(jnl.MessageInitialize),
			HeaderVersion:        ProtocolVersion,
			HeaderPublisherID:    in.PublisherID,
			HeaderRecordType:     in.RecordType.String(),
			HeaderMode:           in.Mode.String(),
			HeaderAcceptDigest:   strings.Join(in.AcceptDigests, ","),
			HeaderAcceptEncoding: strings.Join(in.AcceptEncodings, ","),
		},
	}
}

// DecodeInitialize rejects unknown record types, modes and versions.
func DecodeInitialize(msg jnl.Message) (Initialize, error) {
	if v := strings.TrimSpace(msg.Header(HeaderVersion)); v != "" && v != ProtocolVersion {
		return Initialize{}, fmt.Errorf("%w: unsupported %s %q", ErrMalformed, HeaderVersion, v)
	}
	rt, err := jnl.ParseRecordType(msg.Header(HeaderRecordType))
	if err != nil {
		return Initialize{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	mode := jnl.ModeLive
	if raw := strings.TrimSpace(msg.Header(HeaderMode)); raw != "" {
		if mode, err = jnl.ParseMode(raw); err != nil {
			return Initialize{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	return Initialize{
		PublisherID:     strings.TrimSpace(msg.Header(HeaderPublisherID)),
		RecordType:      rt,
		Mode:            mode,
		AcceptDigests:   splitList(msg.Header(HeaderAcceptDigest)),
		AcceptEncodings: splitList(msg.Header(HeaderAcceptEncoding)),
	}, nil
}

func EncodeInitializeAck(ack InitializeAck) jnl.Message {
	msg := EncodeSubscribe(ack.SessionID, ack.Subscribe)
	msg.Kind = jnl.MessageInitializeAck
	msg.Headers[HeaderMessage] = string(jnl.MessageInitializeAck)
	msg.Headers[HeaderDigest] = ack.DigestMethod
	msg.Headers[HeaderXMLCompression] = ack.XMLEncoding
	return msg
}

func DecodeInitializeAck(msg jnl.Message) (InitializeAck, error) {
	id := strings.TrimSpace(msg.Header(HeaderSessionID))
	if id == "" {
		return InitializeAck{}, fmt.Errorf("%w: missing %s", ErrMalformed, HeaderSessionID)
	}
	sub, err := DecodeSubscribe(msg)
	if err != nil {
		return InitializeAck{}, err
	}
	return InitializeAck{
		SessionID:    id,
		DigestMethod: strings.TrimSpace(msg.Header(HeaderDigest)),
		XMLEncoding:  strings.TrimSpace(msg.Header(HeaderXMLCompression)),
		Subscribe:    sub,
	}, nil
}

// EncodeInitializeNack reports why a session was refused. unsupportedDigest
// is set when digest negotiation failed.
func EncodeInitializeNack(reason string, unsupportedDigest bool) jnl.Message {
	h := map[string]string{
		HeaderMessage:      string(jnl.MessageInitializeNack),
		HeaderErrorMessage: reason,
	}
	if unsupportedDigest {
		h[HeaderUnsupportedDigest] = "true"
	}
	return jnl.Message{Kind: jnl.MessageInitializeNack, Headers: h}
}

// EncodeClose builds a close-session message.
func EncodeClose(sessionID string) jnl.Message {
	return jnl.Message{
		Kind:      jnl.MessageCloseSession,
		SessionID: sessionID,
		Headers: map[string]string{
			HeaderMessage:   string(jnl.MessageCloseSession),
			HeaderSessionID: sessionID,
		},
	}
}

// RecordHeaders are the headers announcing one record. The body that
// follows is system metadata, application metadata and payload back to back.
func RecordHeaders(sessionID string, t jnl.RecordType, info jnl.RecordInfo, offset int64) map[string]string {
	h := map[string]string{
		HeaderMessage:          RecordMessageName(t),
		HeaderSessionID:        sessionID,
		HeaderID:               info.Key(),
		HeaderSerialID:         info.SerialID,
		HeaderSysMetaLength:    strconv.FormatInt(info.SysMetaLength, 10),
		HeaderAppMetaLength:    strconv.FormatInt(info.AppMetaLength, 10),
		PayloadLengthHeader(t): strconv.FormatInt(info.PayloadLength, 10),
	}
	if offset > 0 {
		h[HeaderJournalOffset] = strconv.FormatInt(offset, 10)
	}
	return h
}

// DecodeRecordInfo reads the record headers of msg for a session of type t.
func DecodeRecordInfo(msg jnl.Message, t jnl.RecordType) (jnl.RecordInfo, int64, error) {
	if got := msg.Header(HeaderMessage); got != RecordMessageName(t) {
		return jnl.RecordInfo{}, 0, fmt.Errorf("%w: %q on a %s session", ErrMalformed, got, t)
	}
	info := jnl.RecordInfo{
		SerialID: strings.TrimSpace(msg.Header(HeaderSerialID)),
		Nonce:    strings.TrimSpace(msg.Header(HeaderID)),
	}
	if info.SerialID == "" {
		info.SerialID = info.Nonce
	}
	if info.SerialID == "" {
		return jnl.RecordInfo{}, 0, fmt.Errorf("%w: record without %s", ErrMalformed, HeaderID)
	}
	var err error
	if info.SysMetaLength, err = ParseLength(msg, HeaderSysMetaLength); err != nil {
		return jnl.RecordInfo{}, 0, err
	}
	if info.AppMetaLength, err = ParseLength(msg, HeaderAppMetaLength); err != nil {
		return jnl.RecordInfo{}, 0, err
	}
	if info.PayloadLength, err = ParseLength(msg, PayloadLengthHeader(t)); err != nil {
		return jnl.RecordInfo{}, 0, err
	}
	offset, err := ParseLength(msg, HeaderJournalOffset)
	if err != nil {
		return jnl.RecordInfo{}, 0, err
	}
	return info, offset, nil
}

// KindOf maps a JAL-Message value to a message kind. Record names of every
// type map to jnl.MessageRecord.
func KindOf(name string) jnl.MessageKind {
	name = strings.TrimSpace(name)
	if strings.HasSuffix(name, "-record") {
		return jnl.MessageRecord
	}
	return jnl.MessageKind(name)
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

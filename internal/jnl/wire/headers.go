// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package wire encodes protocol messages into header/body form.
package wire

import "github.com/ManuGH/jalop/internal/jnl"

// JAL-* header names.
const (
	HeaderMessage           = "JAL-Message"
	HeaderSessionID         = "JAL-Session-Id"
	HeaderPublisherID       = "JAL-Publisher-Id"
	HeaderRecordType        = "JAL-Record-Type"
	HeaderMode              = "JAL-Mode"
	HeaderVersion           = "JAL-Version"
	HeaderID                = "JAL-Id"
	HeaderSysMetaLength     = "JAL-System-Metadata-Length"
	HeaderAppMetaLength     = "JAL-Application-Metadata-Length"
	HeaderJournalLength     = "JAL-Journal-Length"
	HeaderAuditLength       = "JAL-Audit-Length"
	HeaderLogLength         = "JAL-Log-Length"
	HeaderAcceptDigest      = "JAL-Accept-Digest"
	HeaderAcceptEncoding    = "JAL-Accept-XML-Compression"
	HeaderDigest            = "JAL-Digest"
	HeaderXMLCompression    = "JAL-XML-Compression"
	HeaderSerialID          = "JAL-Serial-Id"
	HeaderJournalOffset     = "JAL-Journal-Offset"
	HeaderCount             = "JAL-Count"
	HeaderErrorMessage      = "JAL-Error-Message"
	HeaderUnsupportedDigest = "JAL-Unsupported-Digest"
)

// ProtocolVersion is sent in JAL-Version on initialize.
const ProtocolVersion = "2.0.0.0"

// PayloadLengthHeader returns the record-type specific payload length header.
func PayloadLengthHeader(t jnl.RecordType) string {
	switch t {
	case jnl.RecordTypeAudit:
		return HeaderAuditLength
	case jnl.RecordTypeLog:
		return HeaderLogLength
	default:
		return HeaderJournalLength
	}
}

// RecordMessageName is the JAL-Message value of a record post ("journal-record", ...).
func RecordMessageName(t jnl.RecordType) string {
	return t.String() + "-record"
}

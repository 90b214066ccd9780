// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the engine.
const (
	// HTTP attributes
	HTTPMethodKey     = "http.method"
	HTTPStatusCodeKey = "http.status_code"
	HTTPRouteKey      = "http.route"

	// Session attributes
	SessionIDKey   = "jalop.session_id"
	PublisherIDKey = "jalop.publisher_id"
	RecordTypeKey  = "jalop.record_type"
	RoleKey        = "jalop.role"

	// Digest attributes
	DigestBatchSizeKey = "jalop.digest.batch_size"
	DigestMethodKey    = "jalop.digest.method"

	// Record attributes
	SerialIDKey = "jalop.serial_id"
	OffsetKey   = "jalop.offset"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// HTTPAttributes creates common HTTP span attributes.
func HTTPAttributes(method, route string, statusCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(HTTPMethodKey, method),
		attribute.String(HTTPRouteKey, route),
		attribute.Int(HTTPStatusCodeKey, statusCode),
	}
}

// SessionAttributes describes the session a span belongs to. Blank values are omitted.
func SessionAttributes(sessionID, publisherID, recordType, role string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 4)
	if sessionID != "" {
		attrs = append(attrs, attribute.String(SessionIDKey, sessionID))
	}
	if publisherID != "" {
		attrs = append(attrs, attribute.String(PublisherIDKey, publisherID))
	}
	if recordType != "" {
		attrs = append(attrs, attribute.String(RecordTypeKey, recordType))
	}
	if role != "" {
		attrs = append(attrs, attribute.String(RoleKey, role))
	}
	return attrs
}

// DigestAttributes creates flush span attributes.
func DigestAttributes(method string, batchSize int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(DigestMethodKey, method),
		attribute.Int(DigestBatchSizeKey, batchSize),
	}
}

// RecordAttributes creates per-record span attributes.
func RecordAttributes(serialID string, offset int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(SerialIDKey, serialID),
		attribute.Int64(OffsetKey, offset),
	}
}

// ErrorAttributes creates error-related span attributes.
func ErrorAttributes(_ error, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}

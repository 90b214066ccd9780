// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID     = "session_id"
	FieldPublisherID   = "publisher_id"
	FieldRequestID     = "request_id"
	FieldCorrelationID = "correlation_id"
	FieldRemoteAddr    = "remote_addr"

	// Record fields
	FieldRecordType = "record_type"
	FieldRole       = "role"
	FieldNonce      = "nonce"
	FieldSerialID   = "serial_id"
	FieldOffset     = "offset"
	FieldStatus     = "status"
	FieldCount      = "count"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldBackend   = "backend"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Path / URL fields
	FieldPath = "path"
	FieldURL  = "url"
)

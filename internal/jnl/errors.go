// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package jnl

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration classifies invalid construction or setter input.
	// Use errors.Is(err, ErrConfiguration); never retried.
	ErrConfiguration = errors.New("jnl: configuration error")

	// ErrSessionFault marks an unrecoverable transport or protocol failure.
	// The session that produced it reports IsOK() == false afterwards.
	ErrSessionFault = errors.New("jnl: session fault")

	// ErrRecordAnomaly marks a per-record problem (unknown nonce, missing or
	// corrupt status). It never faults the session.
	ErrRecordAnomaly = errors.New("jnl: record anomaly")

	// ErrSessionClosed is returned by ingest calls on a closed or errored session.
	ErrSessionClosed = errors.New("jnl: session closed")
)

// ConfigError names the offending field of a rejected configuration.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("jnl: invalid %s: %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrConfiguration) match every ConfigError.
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfiguration
}

// NewConfigError is a small helper for validators.
func NewConfigError(field, reason string) error {
	return &ConfigError{Field: field, Reason: reason}
}

// AnomalyError wraps ErrRecordAnomaly with the nonce it concerns.
type AnomalyError struct {
	Nonce  string
	Reason string
}

func (e *AnomalyError) Error() string {
	return fmt.Sprintf("jnl: record anomaly for %q: %s", e.Nonce, e.Reason)
}

func (e *AnomalyError) Is(target error) bool {
	return target == ErrRecordAnomaly
}

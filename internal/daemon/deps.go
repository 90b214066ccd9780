// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Deps contains dependencies required by the daemon Manager.
type Deps struct {
	Logger zerolog.Logger

	// Handler serves the JALoP HTTP binding.
	Handler    http.Handler
	ListenAddr string
	TLSCert    string
	TLSKey     string

	// MetricsHandler is served on MetricsAddr; either being empty disables it.
	MetricsHandler http.Handler
	MetricsAddr    string

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration

	// OnServerError runs before shutdown when a listener cannot be bound or
	// a server stops serving.
	OnServerError func(error)
}

// Validate checks if the dependencies are valid.
func (d *Deps) Validate() error {
	if d.Logger.GetLevel() == zerolog.Disabled {
		return ErrMissingLogger
	}
	if d.Handler == nil {
		return ErrMissingHandler
	}
	return nil
}

func (d *Deps) applyDefaults() {
	if d.ReadHeaderTimeout <= 0 {
		d.ReadHeaderTimeout = 10 * time.Second
	}
	if d.IdleTimeout <= 0 {
		d.IdleTimeout = 120 * time.Second
	}
	if d.ShutdownTimeout <= 0 {
		d.ShutdownTimeout = 15 * time.Second
	}
}

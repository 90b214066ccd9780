// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/jalop/internal/app/publisher"
	"github.com/ManuGH/jalop/internal/jnl"
	jnlmanager "github.com/ManuGH/jalop/internal/jnl/manager"
	"github.com/ManuGH/jalop/internal/jnl/wire"
	xlog "github.com/ManuGH/jalop/internal/log"
	"github.com/ManuGH/jalop/internal/transport/httpbind"
)

// PublishConfig describes one push of a record directory to a subscriber.
type PublishConfig struct {
	// Subscriber is the base URL of the subscriber daemon.
	Subscriber  string
	Root        string
	RecordType  jnl.RecordType
	PublisherID string
	Mode        jnl.Mode
	Digests     []string
	Encodings   []string

	// CallbackListen is where digests from the subscriber are received;
	// CallbackURL overrides the advertised URL.
	CallbackListen string
	CallbackURL    string

	DigestTimeoutSeconds int
	PendingDigestMax     int
	// Wait bounds the time spent waiting for digest verdicts after the last
	// record was sent.
	Wait time.Duration

	Logger zerolog.Logger
}

// PublishResult summarizes a push.
type PublishResult struct {
	SessionID string
	Sent      int
}

// Publish opens a publisher session, streams every available record, waits
// until each digest is reconciled and closes the session.
func Publish(ctx context.Context, cfg PublishConfig) (PublishResult, error) {
	if cfg.Subscriber == "" {
		return PublishResult{}, jnl.NewConfigError("subscriber", "is required")
	}
	if cfg.CallbackListen == "" {
		cfg.CallbackListen = "127.0.0.1:0"
	}
	if cfg.DigestTimeoutSeconds <= 0 {
		cfg.DigestTimeoutSeconds = 1
	}
	if cfg.PendingDigestMax <= 0 {
		cfg.PendingDigestMax = 1
	}
	if cfg.Wait <= 0 {
		cfg.Wait = time.Minute
	}
	if cfg.Mode == jnl.ModeUnset {
		cfg.Mode = jnl.ModeLive
	}
	log := cfg.Logger.With().Str(xlog.FieldComponent, "publish").Logger()

	source, err := publisher.New(publisher.Config{Root: cfg.Root, RecordType: cfg.RecordType, Logger: cfg.Logger})
	if err != nil {
		return PublishResult{}, err
	}
	mgr, err := jnlmanager.New(jnlmanager.Config{
		Publisher:            source,
		DigestTimeoutSeconds: cfg.DigestTimeoutSeconds,
		PendingDigestMax:     cfg.PendingDigestMax,
		AllowedDigests:       cfg.Digests,
		AllowedEncodings:     cfg.Encodings,
	}, jnlmanager.WithLogger(cfg.Logger))
	if err != nil {
		return PublishResult{}, err
	}
	defer func() { _ = mgr.Close() }()
	if err := mgr.Connect(); err != nil {
		return PublishResult{}, err
	}
	if err := mgr.Connected(strings.HasPrefix(cfg.Subscriber, "https://")); err != nil {
		return PublishResult{}, err
	}

	ln, err := net.Listen("tcp", cfg.CallbackListen)
	if err != nil {
		return PublishResult{}, fmt.Errorf("callback listener: %w", err)
	}
	callback := cfg.CallbackURL
	if callback == "" {
		callback = "http://" + ln.Addr().String()
	}
	srv := &http.Server{
		Handler:           httpbind.NewServer(mgr, httpbind.WithServerLogger(cfg.Logger)).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-serveErr
	}()

	client := httpbind.NewClient(strings.TrimRight(cfg.Subscriber, "/")+httpbind.SubscriberPath, httpbind.WithClientLogger(cfg.Logger))
	digests := cfg.Digests
	if len(digests) == 0 {
		digests = []string{jnl.DefaultDigestMethod}
	}
	encodings := cfg.Encodings
	if len(encodings) == 0 {
		encodings = []string{jnl.DefaultXMLEncoding}
	}
	pub, err := httpbind.OpenPublisherSession(ctx, mgr, client, wire.Initialize{
		PublisherID:     cfg.PublisherID,
		RecordType:      cfg.RecordType,
		Mode:            cfg.Mode,
		AcceptDigests:   digests,
		AcceptEncodings: encodings,
	}, callback)
	if err != nil {
		return PublishResult{}, err
	}
	res := PublishResult{SessionID: pub.SessionID()}
	log.Info().
		Str(xlog.FieldEvent, "publish.session_opened").
		Str(xlog.FieldSessionID, res.SessionID).
		Str("callback", callback).
		Msg("publisher session opened")

	res.Sent, err = pub.Stream(ctx, client.RecordSender(res.SessionID, cfg.RecordType))
	if err != nil {
		_ = client.Close(context.WithoutCancel(ctx), res.SessionID)
		return res, fmt.Errorf("stream records: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, cfg.Wait)
	defer cancel()
	waitErr := httpbind.AwaitReconciled(waitCtx, pub, 0)
	closeErr := client.Close(context.WithoutCancel(ctx), res.SessionID)

	select {
	case err := <-serveErr:
		if err != nil {
			return res, fmt.Errorf("callback server: %w", err)
		}
	default:
	}
	if waitErr != nil {
		return res, fmt.Errorf("await digests: %w", waitErr)
	}
	if closeErr != nil {
		return res, fmt.Errorf("close session: %w", closeErr)
	}
	log.Info().
		Str(xlog.FieldEvent, "publish.done").
		Str(xlog.FieldSessionID, res.SessionID).
		Int("records", res.Sent).
		Msg("records published and reconciled")
	return res, nil
}

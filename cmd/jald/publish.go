// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ManuGH/jalop/internal/daemon"
	"github.com/ManuGH/jalop/internal/jnl"
	xlog "github.com/ManuGH/jalop/internal/log"
	"github.com/ManuGH/jalop/internal/version"
)

type publishFlags struct {
	subscriber     string
	root           string
	recordType     string
	publisherID    string
	mode           string
	digests        []string
	encodings      []string
	callbackListen string
	callbackURL    string
	digestTimeout  int
	digestMax      int
	wait           time.Duration
	logLevel       string
}

func newPublishCmd() *cobra.Command {
	var f publishFlags
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Send the records of a local directory to a subscriber",
		Long: `Opens a publisher session against a subscriber daemon, streams every
record under <root>/<type>/ and waits until each digest is reconciled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.config()
			if err != nil {
				return err
			}
			xlog.Configure(xlog.Config{Level: f.logLevel, Output: os.Stderr, Service: daemon.ServiceName, Version: version.Version})
			cfg.Logger = xlog.Base()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			res, err := daemon.Publish(ctx, cfg)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "session %s: %d records published\n", res.SessionID, res.Sent)
			return err
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.subscriber, "subscriber", "", "subscriber base URL, e.g. http://collector:8444")
	fl.StringVar(&f.root, "root", "", "directory holding one subdirectory per record type")
	fl.StringVar(&f.recordType, "type", "log", "record type: journal, audit or log")
	fl.StringVar(&f.publisherID, "publisher-id", "", "identifier announced to the subscriber (defaults to the hostname)")
	fl.StringVar(&f.mode, "mode", "live", "transfer mode: live or archive")
	fl.StringSliceVar(&f.digests, "digest", nil, "accepted digest methods, most preferred first")
	fl.StringSliceVar(&f.encodings, "encoding", nil, "accepted XML encodings, most preferred first")
	fl.StringVar(&f.callbackListen, "callback-listen", "127.0.0.1:0", "address receiving digest messages from the subscriber")
	fl.StringVar(&f.callbackURL, "callback-url", "", "URL advertised to the subscriber for digest messages")
	fl.IntVar(&f.digestTimeout, "digest-timeout", 5, "seconds between digest flushes")
	fl.IntVar(&f.digestMax, "digest-max", 128, "records per digest batch")
	fl.DurationVar(&f.wait, "wait", time.Minute, "how long to wait for digest verdicts after the last record")
	fl.StringVar(&f.logLevel, "log-level", "info", "log level")
	return cmd
}

func (f publishFlags) config() (daemon.PublishConfig, error) {
	if f.subscriber == "" {
		return daemon.PublishConfig{}, usagef("--subscriber is required")
	}
	if f.root == "" {
		return daemon.PublishConfig{}, usagef("--root is required")
	}
	rt, err := jnl.ParseRecordType(f.recordType)
	if err != nil {
		return daemon.PublishConfig{}, usagef("--type: %v", err)
	}
	mode, err := jnl.ParseMode(f.mode)
	if err != nil {
		return daemon.PublishConfig{}, usagef("--mode: %v", err)
	}
	id := f.publisherID
	if id == "" {
		if id, err = os.Hostname(); err != nil {
			return daemon.PublishConfig{}, fmt.Errorf("publisher id: %w", err)
		}
	}
	return daemon.PublishConfig{
		Subscriber:           f.subscriber,
		Root:                 f.root,
		RecordType:           rt,
		PublisherID:          id,
		Mode:                 mode,
		Digests:              f.digests,
		Encodings:            f.encodings,
		CallbackListen:       f.callbackListen,
		CallbackURL:          f.callbackURL,
		DigestTimeoutSeconds: f.digestTimeout,
		PendingDigestMax:     f.digestMax,
		Wait:                 f.wait,
	}, nil
}

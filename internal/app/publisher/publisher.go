// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package publisher is a file-backed jnl.Publisher serving records from
// <root>/<type>/<serial>/, where serial is a ten digit directory name.
package publisher

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ManuGH/jalop/internal/jnl"
	"github.com/ManuGH/jalop/internal/jnl/status"
	xlog "github.com/ManuGH/jalop/internal/log"
)

// Section file names, shared with the reference subscriber layout.
const (
	SysMetaFile = "sys_metadata.xml"
	AppMetaFile = "app_metadata.xml"
	PayloadFile = "payload"
)

type Config struct {
	Root       string
	RecordType jnl.RecordType
	Logger     zerolog.Logger
}

// FilePublisher is safe for concurrent use.
type FilePublisher struct {
	dir   string
	t     jnl.RecordType
	store *status.FileStore
	log   zerolog.Logger

	// mu serializes read-modify-write of status documents.
	mu sync.Mutex
}

// New requires <root>/<type> to exist.
func New(cfg Config) (*FilePublisher, error) {
	dir := filepath.Join(cfg.Root, cfg.RecordType.String())
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		return nil, jnl.NewConfigError("root", fmt.Sprintf("no record directory %s", dir))
	}
	store, err := status.NewFileStore(dir)
	if err != nil {
		return nil, err
	}
	return &FilePublisher{
		dir:   dir,
		t:     cfg.RecordType,
		store: store,
		log:   cfg.Logger.With().Str(xlog.FieldComponent, "file_publisher").Str(xlog.FieldRecordType, cfg.RecordType.String()).Logger(),
	}, nil
}

// Dir returns the directory holding the record directories.
func (p *FilePublisher) Dir() string { return p.dir }

// Status returns the status document of a serial id.
func (p *FilePublisher) Status(ctx context.Context, serialID string) (status.Record, error) {
	id, err := formatSerial(serialID)
	if err != nil {
		return status.Record{}, err
	}
	return p.store.Get(ctx, id)
}

// NextRecord returns the record with the serial id after lastSerialID, or
// nil when its directory does not exist.
func (p *FilePublisher) NextRecord(_ context.Context, _ jnl.Session, lastSerialID string) (jnl.SourceRecord, error) {
	n, err := parseSerial(lastSerialID)
	if err != nil {
		return nil, err
	}
	next := strconv.FormatInt(n+1, 10)
	rec, err := p.open(next, 0)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return rec, err
}

// OnSubscribe accepts any non-negative numeric serial id.
func (p *FilePublisher) OnSubscribe(_ context.Context, sess jnl.Session, serialID string) error {
	if _, err := parseSerial(serialID); err != nil {
		return err
	}
	p.log.Info().
		Str(xlog.FieldEvent, "publisher.subscribe").
		Str(xlog.FieldSessionID, sess.SessionID()).
		Str(xlog.FieldSerialID, serialID).
		Msg("subscriber attached")
	return nil
}

func (p *FilePublisher) OnJournalResume(_ context.Context, _ jnl.Session, serialID string, offset int64) (jnl.SourceRecord, error) {
	return p.open(serialID, offset)
}

func (p *FilePublisher) OnRecordComplete(ctx context.Context, _ jnl.Session, serialID string, _ jnl.SourceRecord) error {
	return p.update(ctx, serialID, func(rec *status.Record) { rec.RecordComplete = true })
}

func (p *FilePublisher) NotifyDigest(ctx context.Context, _ jnl.Session, serialID string, sum []byte) {
	d := hex.EncodeToString(sum)
	p.log.Info().
		Str(xlog.FieldEvent, "record.digest").
		Str(xlog.FieldSerialID, serialID).
		Str("digest", d).
		Msg("calculated digest")
	if err := p.update(ctx, serialID, func(rec *status.Record) { rec.LocalDigest = d }); err != nil {
		p.log.Error().Err(err).Str(xlog.FieldSerialID, serialID).Msg("store local digest")
	}
}

// NotifyPeerDigest stores the subscriber's digest. A confirmed record is
// marked synced.
func (p *FilePublisher) NotifyPeerDigest(ctx context.Context, _ jnl.Session, pairs map[string]jnl.DigestPair) {
	for nonce, pair := range pairs {
		l := p.log.Info()
		if pair.Status != jnl.DigestConfirmed {
			l = p.log.Warn()
		}
		l.Str(xlog.FieldEvent, "record.peer_digest").
			Str(xlog.FieldSerialID, pair.SerialID).
			Str(xlog.FieldNonce, nonce).
			Str(xlog.FieldStatus, pair.Status.String()).
			Msg("digest status")

		if pair.Status == jnl.DigestUnknown {
			continue
		}
		err := p.update(ctx, pair.SerialID, func(rec *status.Record) {
			rec.PeerDigest = pair.PeerDigest
			rec.DigestConf = pair.Status.String()
			rec.Synced = pair.Status == jnl.DigestConfirmed
		})
		if err != nil {
			p.log.Error().Err(err).Str(xlog.FieldSerialID, pair.SerialID).Msg("store peer digest")
		}
	}
}

func (p *FilePublisher) update(ctx context.Context, serialID string, fn func(*status.Record)) error {
	id, err := formatSerial(serialID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, err := p.store.Get(ctx, id)
	if err != nil && !errors.Is(err, status.ErrNotFound) {
		// An unreadable document is replaced.
		p.log.Warn().Err(err).Str(xlog.FieldSerialID, serialID).Msg("status unreadable, rewriting")
		rec = status.Record{}
	}
	fn(&rec)
	return p.store.Put(ctx, id, rec)
}

func (p *FilePublisher) open(serialID string, offset int64) (*fileRecord, error) {
	id, err := formatSerial(serialID)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(p.dir, id)
	sys, err := os.Stat(filepath.Join(dir, SysMetaFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if _, dirErr := os.Stat(dir); dirErr == nil {
				return nil, fmt.Errorf("record %s: missing %s", serialID, SysMetaFile)
			}
		}
		return nil, err
	}
	r := &fileRecord{
		serial:  serialID,
		nonce:   uuid.NewString(),
		t:       p.t,
		offset:  offset,
		dir:     dir,
		sysSize: sys.Size(),
	}
	if fi, err := os.Stat(filepath.Join(dir, AppMetaFile)); err == nil {
		r.appSize, r.hasApp = fi.Size(), true
	}
	fi, err := os.Stat(filepath.Join(dir, PayloadFile))
	switch {
	case err == nil:
		r.payloadSize, r.hasPayload = fi.Size(), true
	case offset > 0:
		return nil, fmt.Errorf("journal resume %s: %w", serialID, err)
	}
	return r, nil
}

type fileRecord struct {
	serial string
	nonce  string
	t      jnl.RecordType
	offset int64
	dir    string

	sysSize     int64
	appSize     int64
	payloadSize int64
	hasApp      bool
	hasPayload  bool
}

func (r *fileRecord) SerialID() string           { return r.serial }
func (r *fileRecord) Nonce() string              { return r.nonce }
func (r *fileRecord) RecordType() jnl.RecordType { return r.t }
func (r *fileRecord) Offset() int64              { return r.offset }
func (r *fileRecord) SysMetaLength() int64       { return r.sysSize }
func (r *fileRecord) AppMetaLength() int64       { return r.appSize }
func (r *fileRecord) PayloadLength() int64       { return r.payloadSize }

func (r *fileRecord) OpenSysMetadata() (io.ReadCloser, error) {
	return os.Open(filepath.Join(r.dir, SysMetaFile))
}

func (r *fileRecord) OpenAppMetadata() (io.ReadCloser, error) {
	if !r.hasApp {
		return nil, nil
	}
	return os.Open(filepath.Join(r.dir, AppMetaFile))
}

func (r *fileRecord) OpenPayload() (io.ReadCloser, error) {
	if !r.hasPayload {
		return nil, nil
	}
	return os.Open(filepath.Join(r.dir, PayloadFile))
}

func parseSerial(s string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("serial id %q is not a non-negative number", s)
	}
	return n, nil
}

func formatSerial(s string) (string, error) {
	n, err := parseSerial(s)
	if err != nil {
		return "", err
	}
	return status.FormatID(n), nil
}

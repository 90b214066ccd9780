// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package subscriber is a file-backed jnl.Subscriber. Every received record
// gets its own directory under <root>/<peer>/<type>/ holding the three
// sections and a status document.
package subscriber

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ManuGH/jalop/internal/jnl"
	"github.com/ManuGH/jalop/internal/jnl/resume"
	"github.com/ManuGH/jalop/internal/jnl/status"
	xlog "github.com/ManuGH/jalop/internal/log"
)

// Section file names inside a record directory.
const (
	SysMetaFile = "sys_metadata.xml"
	AppMetaFile = "app_metadata.xml"
	PayloadFile = "payload"
)

type Config struct {
	Root string
	// Peer names the per-publisher subdirectory, usually the remote host.
	Peer       string
	RecordType jnl.RecordType
	// Store defaults to a status.FileStore over the record directories.
	Store  status.Store
	Logger zerolog.Logger
}

type local struct {
	id  string
	rec status.Record
	// resumed records append to a payload that already holds a prefix.
	resumed bool
	offset  int64
}

// FileSubscriber is safe for concurrent use.
type FileSubscriber struct {
	dir     string
	t       jnl.RecordType
	store   status.Store
	tracker *resume.Tracker
	log     zerolog.Logger

	mu      sync.Mutex
	next    int64
	byNonce map[string]*local
	resume  *resume.Result
}

// New creates the record directory for cfg and nothing else; the history is
// reconciled on the first SubscribeRequest.
func New(cfg Config) (*FileSubscriber, error) {
	if cfg.Root == "" {
		return nil, jnl.NewConfigError("root", "is required")
	}
	dir := recordDir(cfg.Root, strings.TrimSpace(cfg.Peer), cfg.RecordType)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("subscriber: create %s: %w", dir, err)
	}

	store := cfg.Store
	if store == nil {
		fs, err := status.NewFileStore(dir)
		if err != nil {
			return nil, err
		}
		store = fs
	}

	f := &FileSubscriber{
		dir:     dir,
		t:       cfg.RecordType,
		store:   store,
		log:     cfg.Logger.With().Str(xlog.FieldComponent, "file_subscriber").Str(xlog.FieldRecordType, cfg.RecordType.String()).Logger(),
		byNonce: make(map[string]*local),
	}
	f.tracker = &resume.Tracker{
		Store:       store,
		RecordType:  cfg.RecordType,
		Remover:     f,
		OpenPayload: f.openPayload,
		Logger:      f.log,
	}
	return f, nil
}

// Dir returns the directory holding the record directories.
func (f *FileSubscriber) Dir() string { return f.dir }

// Close closes the status store.
func (f *FileSubscriber) Close() error { return f.store.Close() }

// SubscribeRequest reconciles the local history and asks for everything
// after the newest confirmed record. Records from an earlier session that
// never got a verdict are discarded.
func (f *FileSubscriber) SubscribeRequest(ctx context.Context, _ jnl.Session) (jnl.SubscribeRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.byNonce = make(map[string]*local)
	req, plan, err := f.tracker.Prepare(ctx)
	if err != nil {
		return jnl.SubscribeRequest{}, err
	}
	entries, err := f.store.List(ctx)
	if err != nil {
		return jnl.SubscribeRequest{}, err
	}
	next, err := status.ParseID(status.NextID(entries))
	if err != nil {
		return jnl.SubscribeRequest{}, err
	}
	f.next = next
	f.resume = nil
	if plan.Resuming() {
		f.resume = &plan
	}
	return req, nil
}

func (f *FileSubscriber) NotifySysMetadata(ctx context.Context, _ jnl.Session, info jnl.RecordInfo, r io.Reader) error {
	l, err := f.begin(ctx, info)
	if err != nil {
		return err
	}
	return f.writeSection(ctx, l, SysMetaFile, r, info.SysMetaLength, func(rec *status.Record, n int64) {
		rec.SysMetaProgress = n
	})
}

func (f *FileSubscriber) NotifyAppMetadata(ctx context.Context, _ jnl.Session, info jnl.RecordInfo, r io.Reader) error {
	if info.AppMetaLength == 0 {
		return nil
	}
	l, err := f.lookup(info.Key())
	if err != nil {
		return err
	}
	return f.writeSection(ctx, l, AppMetaFile, r, info.AppMetaLength, func(rec *status.Record, n int64) {
		rec.AppMetaProgress = n
	})
}

func (f *FileSubscriber) NotifyPayload(ctx context.Context, _ jnl.Session, info jnl.RecordInfo, r io.Reader) error {
	l, err := f.lookup(info.Key())
	if err != nil {
		return err
	}
	if info.PayloadLength == 0 && !l.resumed {
		return nil
	}
	return f.writeSection(ctx, l, PayloadFile, r, info.PayloadLength, func(rec *status.Record, n int64) {
		rec.PayloadProgress = l.offset + n
	})
}

func (f *FileSubscriber) NotifyDigest(ctx context.Context, _ jnl.Session, info jnl.RecordInfo, sum []byte) error {
	d := hex.EncodeToString(sum)
	f.log.Info().
		Str(xlog.FieldEvent, "record.digest").
		Str(xlog.FieldSerialID, info.SerialID).
		Str("digest", d).
		Msg("calculated digest")

	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.byNonce[info.Key()]
	if !ok {
		return &jnl.AnomalyError{Nonce: info.Key(), Reason: "no local status"}
	}
	l.rec.Digest = d
	return f.store.Put(ctx, l.id, l.rec)
}

// NotifyDigestResponse records the publisher's verdicts. Unknown nonces are
// reported as record anomalies after every known one has been stored.
func (f *FileSubscriber) NotifyDigestResponse(ctx context.Context, _ jnl.Session, statuses map[string]jnl.DigestStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errs []error
	for nonce, st := range statuses {
		l, ok := f.byNonce[nonce]
		delete(f.byNonce, nonce)
		if !ok {
			errs = append(errs, &jnl.AnomalyError{Nonce: nonce, Reason: "no local status"})
			continue
		}
		l.rec.DigestConf = st.String()
		l.rec.Synced = st == jnl.DigestConfirmed
		if err := f.store.Put(ctx, l.id, l.rec); err != nil {
			errs = append(errs, fmt.Errorf("store status of %s: %w", l.id, err))
		}
	}
	return errors.Join(errs...)
}

// RemoveRecord deletes a record directory.
func (f *FileSubscriber) RemoveRecord(_ context.Context, id string) error {
	return os.RemoveAll(filepath.Join(f.dir, id))
}

// RemoveMetadata deletes the metadata sections of a record kept for resume.
func (f *FileSubscriber) RemoveMetadata(_ context.Context, id string) error {
	for _, name := range []string{SysMetaFile, AppMetaFile} {
		if err := os.Remove(filepath.Join(f.dir, id, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (f *FileSubscriber) openPayload(id string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(f.dir, id, PayloadFile))
}

// begin allocates the local record for an announced record, or picks up
// the record being resumed.
func (f *FileSubscriber) begin(ctx context.Context, info jnl.RecordInfo) (*local, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	nonce := info.Key()
	if _, dup := f.byNonce[nonce]; dup {
		return nil, &jnl.AnomalyError{Nonce: nonce, Reason: "record already in progress"}
	}

	var l *local
	if f.resume != nil && f.resume.StartSerialID == info.SerialID {
		rec, err := f.store.Get(ctx, f.resume.ResumeID)
		if err != nil {
			return nil, fmt.Errorf("reload resumed record %s: %w", f.resume.ResumeID, err)
		}
		rec.Nonce = nonce
		rec.SysMetaSize, rec.AppMetaSize = info.SysMetaLength, info.AppMetaLength
		l = &local{id: f.resume.ResumeID, rec: rec, resumed: true, offset: f.resume.ResumeOffset}
		f.resume = nil
	} else {
		if f.next == 0 {
			f.next = 1
		}
		l = &local{
			id: status.FormatID(f.next),
			rec: status.Record{
				SysMetaSize:    info.SysMetaLength,
				AppMetaSize:    info.AppMetaLength,
				PayloadSize:    info.PayloadLength,
				RemoteSerialID: info.SerialID,
				Nonce:          nonce,
			},
		}
		f.next++
	}
	if err := f.store.Put(ctx, l.id, l.rec); err != nil {
		return nil, err
	}
	f.byNonce[nonce] = l
	return l, nil
}

func (f *FileSubscriber) lookup(nonce string) (*local, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.byNonce[nonce]
	if !ok {
		return nil, &jnl.AnomalyError{Nonce: nonce, Reason: "no local status"}
	}
	return l, nil
}

// writeSection copies r into the section file and records the progress,
// also when the copy fails part way.
func (f *FileSubscriber) writeSection(ctx context.Context, l *local, name string, r io.Reader, want int64, progress func(*status.Record, int64)) error {
	dir := filepath.Join(f.dir, l.id)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if name == PayloadFile && l.resumed {
		// Bytes past the recorded progress were never digested.
		if err := os.Truncate(filepath.Join(dir, name), l.offset); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("trim %s of %s: %w", name, l.id, err)
		}
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	out, err := os.OpenFile(filepath.Join(dir, name), flags, 0o640)
	if err != nil {
		return fmt.Errorf("open %s of %s: %w", name, l.id, err)
	}
	n, copyErr := io.Copy(out, r)
	if err := out.Close(); err != nil && copyErr == nil {
		copyErr = err
	}

	f.mu.Lock()
	progress(&l.rec, n)
	putErr := f.store.Put(ctx, l.id, l.rec)
	f.mu.Unlock()

	if copyErr != nil {
		return fmt.Errorf("write %s of %s: %w", name, l.id, copyErr)
	}
	if putErr != nil {
		return putErr
	}
	if n != want {
		return fmt.Errorf("%s of %s: received %d of %d bytes", name, l.id, n, want)
	}
	return nil
}

func recordDir(root, peer string, t jnl.RecordType) string {
	return filepath.Join(root, sanitizePeer(peer), t.String())
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':':
			return '_'
		}
		return r
	}, s)
}

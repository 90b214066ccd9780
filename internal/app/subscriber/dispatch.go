// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package subscriber

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ManuGH/jalop/internal/jnl"
	"github.com/ManuGH/jalop/internal/jnl/manager"
	"github.com/ManuGH/jalop/internal/jnl/status"
	xlog "github.com/ManuGH/jalop/internal/log"
)

// ErrBusy rejects a second session for a publisher and record type that
// already has one.
var ErrBusy = errors.New("a session for this publisher and record type is already active")

// StoreFactory opens the status store of one record directory.
type StoreFactory func(dir, peer string, t jnl.RecordType) (status.Store, error)

type DispatcherConfig struct {
	Root string
	// RecordTypes limits what publishers may send. Empty allows all three.
	RecordTypes []jnl.RecordType
	// Stores defaults to a status.FileStore per record directory.
	Stores StoreFactory
	Logger zerolog.Logger
}

type dispatchKey struct {
	peer string
	t    jnl.RecordType
}

// Dispatcher is a jnl.Subscriber that hands every session to the
// FileSubscriber of its publisher and record type. It also acts as the
// manager's ConnectionHandler so that each pair has at most one session.
type Dispatcher struct {
	root   string
	types  map[jnl.RecordType]bool
	stores StoreFactory
	log    zerolog.Logger

	mu     sync.Mutex
	subs   map[dispatchKey]*FileSubscriber
	active map[dispatchKey]string
}

var (
	_ jnl.Subscriber            = (*Dispatcher)(nil)
	_ manager.ConnectionHandler = (*Dispatcher)(nil)
)

func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Root == "" {
		return nil, jnl.NewConfigError("root", "is required")
	}
	types := make(map[jnl.RecordType]bool)
	for _, t := range cfg.RecordTypes {
		types[t] = true
	}
	if len(types) == 0 {
		types[jnl.RecordTypeJournal] = true
		types[jnl.RecordTypeAudit] = true
		types[jnl.RecordTypeLog] = true
	}
	return &Dispatcher{
		root:   cfg.Root,
		types:  types,
		stores: cfg.Stores,
		log:    cfg.Logger.With().Str(xlog.FieldComponent, "dispatcher").Logger(),
		subs:   make(map[dispatchKey]*FileSubscriber),
		active: make(map[dispatchKey]string),
	}, nil
}

func keyOf(publisherID string, t jnl.RecordType) dispatchKey {
	return dispatchKey{peer: sanitizePeer(publisherID), t: t}
}

func sanitizePeer(p string) string {
	if p == "" {
		return "default"
	}
	return sanitize(p)
}

// ConnectionRequest refuses record types that are not served and pairs that
// already have a session.
func (d *Dispatcher) ConnectionRequest(_ context.Context, role jnl.Role, req manager.SessionRequest) error {
	if role != jnl.RoleSubscriber {
		return fmt.Errorf("role %s is not served", role)
	}
	if !d.types[req.RecordType] {
		return fmt.Errorf("record type %s is not accepted", req.RecordType)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if id, busy := d.active[keyOf(req.PublisherID, req.RecordType)]; busy {
		return fmt.Errorf("%w: %s", ErrBusy, id)
	}
	return nil
}

// SessionClosed releases the pair held by sess.
func (d *Dispatcher) SessionClosed(sess jnl.Session) {
	k := keyOf(sess.PublisherID(), sess.RecordType())
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active[k] == sess.SessionID() {
		delete(d.active, k)
	}
}

// Close closes every FileSubscriber.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs []error
	for k, f := range d.subs {
		errs = append(errs, f.Close())
		delete(d.subs, k)
	}
	return errors.Join(errs...)
}

// For returns the FileSubscriber of a publisher and record type, creating it
// on first use.
func (d *Dispatcher) For(publisherID string, t jnl.RecordType) (*FileSubscriber, error) {
	k := keyOf(publisherID, t)
	d.mu.Lock()
	defer d.mu.Unlock()
	if f, ok := d.subs[k]; ok {
		return f, nil
	}
	cfg := Config{Root: d.root, Peer: k.peer, RecordType: t, Logger: d.log}
	if d.stores != nil {
		store, err := d.stores(recordDir(d.root, k.peer, t), k.peer, t)
		if err != nil {
			return nil, fmt.Errorf("open status store for %s/%s: %w", k.peer, t, err)
		}
		cfg.Store = store
	}
	f, err := New(cfg)
	if err != nil {
		if cfg.Store != nil {
			_ = cfg.Store.Close()
		}
		return nil, err
	}
	d.subs[k] = f
	return f, nil
}

func (d *Dispatcher) route(sess jnl.Session) (*FileSubscriber, error) {
	if sess == nil {
		return nil, errors.New("dispatcher: no session")
	}
	return d.For(sess.PublisherID(), sess.RecordType())
}

func (d *Dispatcher) SubscribeRequest(ctx context.Context, sess jnl.Session) (jnl.SubscribeRequest, error) {
	f, err := d.route(sess)
	if err != nil {
		return jnl.SubscribeRequest{}, err
	}
	k := keyOf(sess.PublisherID(), sess.RecordType())
	d.mu.Lock()
	if id, busy := d.active[k]; busy && id != sess.SessionID() {
		d.mu.Unlock()
		return jnl.SubscribeRequest{}, fmt.Errorf("%w: %s", ErrBusy, id)
	}
	d.active[k] = sess.SessionID()
	d.mu.Unlock()
	return f.SubscribeRequest(ctx, sess)
}

func (d *Dispatcher) NotifySysMetadata(ctx context.Context, sess jnl.Session, info jnl.RecordInfo, r io.Reader) error {
	f, err := d.route(sess)
	if err != nil {
		return err
	}
	return f.NotifySysMetadata(ctx, sess, info, r)
}

func (d *Dispatcher) NotifyAppMetadata(ctx context.Context, sess jnl.Session, info jnl.RecordInfo, r io.Reader) error {
	f, err := d.route(sess)
	if err != nil {
		return err
	}
	return f.NotifyAppMetadata(ctx, sess, info, r)
}

func (d *Dispatcher) NotifyPayload(ctx context.Context, sess jnl.Session, info jnl.RecordInfo, r io.Reader) error {
	f, err := d.route(sess)
	if err != nil {
		return err
	}
	return f.NotifyPayload(ctx, sess, info, r)
}

func (d *Dispatcher) NotifyDigest(ctx context.Context, sess jnl.Session, info jnl.RecordInfo, sum []byte) error {
	f, err := d.route(sess)
	if err != nil {
		return err
	}
	return f.NotifyDigest(ctx, sess, info, sum)
}

func (d *Dispatcher) NotifyDigestResponse(ctx context.Context, sess jnl.Session, statuses map[string]jnl.DigestStatus) error {
	f, err := d.route(sess)
	if err != nil {
		return err
	}
	return f.NotifyDigestResponse(ctx, sess, statuses)
}

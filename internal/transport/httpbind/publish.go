// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package httpbind

import (
	"context"
	"fmt"
	"time"

	"github.com/ManuGH/jalop/internal/jnl"
	"github.com/ManuGH/jalop/internal/jnl/manager"
	"github.com/ManuGH/jalop/internal/jnl/session"
	"github.com/ManuGH/jalop/internal/jnl/wire"
)

// OpenPublisherSession initializes a session on the subscriber behind c and
// registers the matching publisher session on mgr under the same id. The
// returned session is already subscribed; stream it with c.RecordSender.
// callback is the base URL of the Server that serves mgr.
func OpenPublisherSession(ctx context.Context, mgr *manager.Manager, c *Client, in wire.Initialize, callback string) (*session.PublisherSession, error) {
	ack, err := c.Initialize(ctx, in, callback)
	if err != nil {
		return nil, err
	}
	pub, err := mgr.NewPublisherSession(ctx, manager.SessionRequest{
		SessionID:    ack.SessionID,
		PublisherID:  in.PublisherID,
		RecordType:   in.RecordType,
		Mode:         in.Mode,
		DigestMethod: ack.DigestMethod,
		XMLEncoding:  ack.XMLEncoding,
		RemoteAddr:   c.Endpoint(),
	})
	if err != nil {
		_ = c.Close(ctx, ack.SessionID)
		return nil, err
	}
	if err := pub.Subscribe(ctx, ack.Subscribe); err != nil {
		_ = c.Close(ctx, ack.SessionID)
		_ = mgr.RemoveSession(ack.SessionID)
		return nil, err
	}
	return pub, nil
}

// AwaitReconciled polls until every record sent on pub has a digest verdict
// or ctx ends.
func AwaitReconciled(ctx context.Context, pub *session.PublisherSession, poll time.Duration) error {
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	t := time.NewTicker(poll)
	defer t.Stop()
	for {
		if pub.Unreconciled() == 0 {
			return nil
		}
		if !pub.IsOK() {
			return fmt.Errorf("%w: %d records unreconciled", jnl.ErrSessionClosed, pub.Unreconciled())
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("await digests: %d unreconciled: %w", pub.Unreconciled(), ctx.Err())
		case <-t.C:
		}
	}
}

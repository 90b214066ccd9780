// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package resume

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/ManuGH/jalop/internal/jnl"
	"github.com/ManuGH/jalop/internal/jnl/status"
	xlog "github.com/ManuGH/jalop/internal/log"
	"github.com/ManuGH/jalop/internal/metrics"
)

// Remover deletes on-disk artifacts kept outside the status store.
type Remover interface {
	RemoveRecord(ctx context.Context, id string) error
	RemoveMetadata(ctx context.Context, id string) error
}

// PayloadOpener opens the partially stored payload of a local record.
type PayloadOpener func(id string) (io.ReadCloser, error)

// Tracker applies a Plan to a status store.
type Tracker struct {
	Store       status.Store
	RecordType  jnl.RecordType
	Remover     Remover
	OpenPayload PayloadOpener
	Logger      zerolog.Logger
}

// Prepare loads the history, removes what the plan discards and returns the
// subscribe request. The caller owns the returned ResumeStream.
func (t *Tracker) Prepare(ctx context.Context) (jnl.SubscribeRequest, Result, error) {
	entries, err := t.Store.List(ctx)
	if err != nil {
		return jnl.SubscribeRequest{}, Result{}, fmt.Errorf("resume: list status: %w", err)
	}
	for _, e := range entries {
		if e.Err != nil {
			metrics.IncRecordAnomaly("corrupt_status")
			t.Logger.Warn().Err(e.Err).
				Str(xlog.FieldEvent, "resume.corrupt_status").
				Str(xlog.FieldPath, e.ID).
				Msg("status entry could not be loaded")
		}
	}

	plan, err := Plan(t.RecordType, entries)
	if err != nil {
		return jnl.SubscribeRequest{}, Result{}, err
	}

	for _, id := range plan.Delete {
		if err := t.Store.Delete(ctx, id); err != nil {
			return jnl.SubscribeRequest{}, plan, fmt.Errorf("resume: delete %s: %w", id, err)
		}
		if t.Remover != nil {
			if err := t.Remover.RemoveRecord(ctx, id); err != nil {
				return jnl.SubscribeRequest{}, plan, fmt.Errorf("resume: remove %s: %w", id, err)
			}
		}
		t.Logger.Info().
			Str(xlog.FieldEvent, "resume.discarded").
			Str(xlog.FieldPath, id).
			Msg("removed unsynced record")
	}

	req := jnl.SubscribeRequest{SerialID: plan.StartSerialID}
	if !plan.Resuming() {
		t.Logger.Info().
			Str(xlog.FieldEvent, "resume.planned").
			Str(xlog.FieldSerialID, plan.StartSerialID).
			Int(xlog.FieldCount, len(plan.Delete)).
			Msg("subscribing after last confirmed record")
		return req, plan, nil
	}

	// Only the payload is completed on resume; metadata arrives again.
	rec, err := t.Store.Get(ctx, plan.ResumeID)
	if err != nil {
		return jnl.SubscribeRequest{}, plan, fmt.Errorf("resume: reload %s: %w", plan.ResumeID, err)
	}
	rec.SysMetaProgress, rec.AppMetaProgress = 0, 0
	if err := t.Store.Put(ctx, plan.ResumeID, rec); err != nil {
		return jnl.SubscribeRequest{}, plan, fmt.Errorf("resume: update %s: %w", plan.ResumeID, err)
	}
	if t.Remover != nil {
		if err := t.Remover.RemoveMetadata(ctx, plan.ResumeID); err != nil {
			return jnl.SubscribeRequest{}, plan, fmt.Errorf("resume: remove metadata of %s: %w", plan.ResumeID, err)
		}
	}

	req.ResumeOffset = plan.ResumeOffset
	if t.OpenPayload != nil {
		stream, err := t.OpenPayload(plan.ResumeID)
		if err != nil {
			return jnl.SubscribeRequest{}, plan, fmt.Errorf("resume: open payload of %s: %w", plan.ResumeID, err)
		}
		req.ResumeStream = stream
	}

	t.Logger.Info().
		Str(xlog.FieldEvent, "resume.planned").
		Str(xlog.FieldSerialID, plan.StartSerialID).
		Int64(xlog.FieldOffset, plan.ResumeOffset).
		Str(xlog.FieldPath, plan.ResumeID).
		Msg("resuming partially transferred journal record")
	return req, plan, nil
}

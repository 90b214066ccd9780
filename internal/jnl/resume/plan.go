// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package resume decides where a subscriber restarts after an interruption.
package resume

import (
	"errors"
	"fmt"
	"slices"

	"github.com/ManuGH/jalop/internal/jnl"
	"github.com/ManuGH/jalop/internal/jnl/status"
)

// ErrAmbiguousResume rejects journal histories with more than one
// unconfirmed record holding partial payload after the last confirmed one.
var ErrAmbiguousResume = errors.New("resume: more than one partially transferred journal record")

// Result is where the next subscribe starts and what to clean up first.
type Result struct {
	// StartSerialID is the remote serial id to subscribe from. For a journal
	// resume it names the partially transferred record itself.
	StartSerialID string
	ResumeOffset  int64
	// ResumeID is the local id of the record being resumed, empty otherwise.
	ResumeID    string
	ResumeNonce string
	// Delete lists local ids, oldest first, to remove before subscribing.
	Delete []string
}

// Resuming reports whether a journal payload continues at ResumeOffset.
func (r Result) Resuming() bool { return r.ResumeID != "" }

// Plan scans entries (oldest first) backward to the newest confirmed record.
//
// Entries newer than it that could not be loaded are deleted. For journal
// records, if the oldest unconfirmed entry after it holds payload bytes, that
// entry becomes the resume point. Every other unconfirmed entry is deleted
// and will be transferred again. Without a confirmed record the subscription
// starts at the epoch.
func Plan(recordType jnl.RecordType, entries []status.Entry) (Result, error) {
	res := Result{StartSerialID: jnl.Epoch}

	confirmed := -1
	for i := len(entries) - 1; i >= 0; i-- {
		if rec := entries[i].Record; entries[i].Err == nil && rec != nil && rec.Confirmed() {
			confirmed = i
			break
		}
	}

	var dangling []status.Entry
	for _, e := range entries[confirmed+1:] {
		if e.Err != nil || e.Record == nil {
			res.Delete = append(res.Delete, e.ID)
			continue
		}
		dangling = append(dangling, e)
	}
	if confirmed < 0 {
		for _, e := range dangling {
			res.Delete = append(res.Delete, e.ID)
		}
		slices.Sort(res.Delete)
		return res, nil
	}

	last := entries[confirmed].Record
	res.StartSerialID = last.RemoteSerialID
	if res.StartSerialID == "" {
		return Result{}, fmt.Errorf("resume: confirmed record %s has no remote serial id", entries[confirmed].ID)
	}

	if recordType == jnl.RecordTypeJournal {
		partial := 0
		for _, e := range dangling {
			if e.Record.PayloadProgress > 0 {
				partial++
			}
		}
		if partial > 1 {
			return Result{}, fmt.Errorf("%w: %d records after %s", ErrAmbiguousResume, partial, entries[confirmed].ID)
		}
		if len(dangling) > 0 && dangling[0].Record.PayloadProgress > 0 && dangling[0].Record.RemoteSerialID != "" {
			first := dangling[0]
			res.StartSerialID = first.Record.RemoteSerialID
			res.ResumeOffset = first.Record.PayloadProgress
			res.ResumeID = first.ID
			res.ResumeNonce = first.Record.Nonce
			dangling = dangling[1:]
		}
	}

	for _, e := range dangling {
		res.Delete = append(res.Delete, e.ID)
	}
	slices.Sort(res.Delete)
	return res, nil
}

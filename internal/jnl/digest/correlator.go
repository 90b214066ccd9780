// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package digest

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ManuGH/jalop/internal/jnl"
	xlog "github.com/ManuGH/jalop/internal/log"
	"github.com/ManuGH/jalop/internal/metrics"
)

// NotifyFunc hands the verdicts for known nonces to the role callback.
type NotifyFunc func(ctx context.Context, statuses map[string]jnl.DigestStatus) error

// Correlator tracks nonces sent in digest batches until the peer answers.
type Correlator struct {
	mu          sync.Mutex
	outstanding map[string]string

	notify    NotifyFunc
	onConfirm func(nonce string)
	log       zerolog.Logger
}

// CorrelatorOption configures a Correlator.
type CorrelatorOption func(*Correlator)

// WithConfirmHook is called for every nonce the peer confirmed, after notify.
func WithConfirmHook(fn func(nonce string)) CorrelatorOption {
	return func(c *Correlator) { c.onConfirm = fn }
}

// WithCorrelatorLogger sets the logger. The default discards.
func WithCorrelatorLogger(l zerolog.Logger) CorrelatorOption {
	return func(c *Correlator) { c.log = l }
}

func NewCorrelator(notify NotifyFunc, opts ...CorrelatorOption) *Correlator {
	c := &Correlator{
		outstanding: make(map[string]string),
		notify:      notify,
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Track registers every nonce of a batch that is about to be sent.
func (c *Correlator) Track(batch map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for nonce, d := range batch {
		c.outstanding[nonce] = d
	}
}

// Resolve applies the peer's verdicts. Every nonce in statuses is removed
// from tracking whatever its outcome. Unknown nonces are reported as
// jnl.ErrRecordAnomaly entries in the joined error while the remaining
// entries are still processed and passed to notify.
func (c *Correlator) Resolve(ctx context.Context, statuses map[string]jnl.DigestStatus) error {
	type anomaly struct{ nonce, code, reason string }
	known := make(map[string]jnl.DigestStatus, len(statuses))
	var anomalies []anomaly

	c.mu.Lock()
	for _, nonce := range sortedKeys(statuses) {
		st := statuses[nonce]
		_, ok := c.outstanding[nonce]
		delete(c.outstanding, nonce)
		switch {
		case !ok:
			anomalies = append(anomalies, anomaly{nonce, "unknown_nonce", "response for unknown nonce"})
		case st == jnl.DigestPending:
			anomalies = append(anomalies, anomaly{nonce, "no_verdict", "response without verdict"})
		default:
			known[nonce] = st
		}
	}
	c.mu.Unlock()

	errs := make([]error, 0, len(anomalies)+1)
	for _, a := range anomalies {
		metrics.IncRecordAnomaly(a.code)
		c.log.Warn().
			Str(xlog.FieldEvent, "digest.anomaly").
			Str(xlog.FieldNonce, a.nonce).
			Msg(a.reason)
		errs = append(errs, &jnl.AnomalyError{Nonce: a.nonce, Reason: a.reason})
	}

	if len(known) > 0 {
		for _, st := range known {
			metrics.IncDigestResponse(st.String())
		}
		if c.notify != nil {
			if err := c.notify(ctx, known); err != nil {
				errs = append(errs, err)
			}
		}
		if c.onConfirm != nil {
			for _, nonce := range sortedKeys(known) {
				if known[nonce] == jnl.DigestConfirmed {
					c.onConfirm(nonce)
				}
			}
		}
	}
	return errors.Join(errs...)
}

// Abandon drops the given nonces, or every outstanding nonce when none are
// named, and returns what was dropped.
func (c *Correlator) Abandon(nonces ...string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var dropped []string
	if len(nonces) == 0 {
		for n := range c.outstanding {
			dropped = append(dropped, n)
		}
		c.outstanding = make(map[string]string)
	} else {
		for _, n := range nonces {
			if _, ok := c.outstanding[n]; ok {
				delete(c.outstanding, n)
				dropped = append(dropped, n)
			}
		}
	}
	sort.Strings(dropped)
	return dropped
}

// Outstanding returns the nonces awaiting a verdict, sorted.
func (c *Correlator) Outstanding() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.outstanding))
	for n := range c.outstanding {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/jalop/internal/metrics"
)

func newHolder(t *testing.T, body string) (*ConfigHolder, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jald.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	l := NewLoader(path, "test")
	cfg, err := l.Load()
	require.NoError(t, err)
	return NewConfigHolder(cfg, l), path
}

func TestConfigHolderReloadNotifiesListeners(t *testing.T) {
	h, path := newHolder(t, "digest:\n  max: 5\n")
	assert.Equal(t, 5, h.Get().DigestMax)

	ch := make(chan Config, 1)
	h.RegisterListener(ch)

	require.NoError(t, os.WriteFile(path, []byte("digest:\n  max: 9\n  timeout: 3s\n"), 0o600))
	before := testutil.ToFloat64(metrics.ConfigReloadsTotal.WithLabelValues("success"))
	require.NoError(t, h.Reload(context.Background()))

	assert.Equal(t, 9, h.Get().DigestMax)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ConfigReloadsTotal.WithLabelValues("success")))
	select {
	case got := <-ch:
		assert.Equal(t, 3*time.Second, got.DigestTimeout)
	default:
		t.Fatal("listener was not notified")
	}
}

func TestConfigHolderKeepsOldConfigOnInvalidReload(t *testing.T) {
	h, path := newHolder(t, "digest:\n  max: 5\n")
	require.NoError(t, os.WriteFile(path, []byte("digest:\n  max: -1\n"), 0o600))

	before := testutil.ToFloat64(metrics.ConfigReloadsTotal.WithLabelValues("invalid"))
	require.Error(t, h.Reload(context.Background()))
	assert.Equal(t, 5, h.Get().DigestMax)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ConfigReloadsTotal.WithLabelValues("invalid")))

	require.NoError(t, os.WriteFile(path, []byte("nope: 1\n"), 0o600))
	require.Error(t, h.Reload(context.Background()))
	assert.Equal(t, 5, h.Get().DigestMax)
}

func TestConfigHolderListenerSkippedWhenFull(t *testing.T) {
	h, _ := newHolder(t, "")
	ch := make(chan Config)
	h.RegisterListener(ch)
	// An unbuffered channel nobody reads must not block the reload.
	require.NoError(t, h.Reload(context.Background()))
}

func TestConfigHolderWatcherReloadsOnWrite(t *testing.T) {
	h, path := newHolder(t, "digest:\n  max: 5\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := make(chan Config, 4)
	h.RegisterListener(ch)
	require.NoError(t, h.StartWatcher(ctx))

	require.NoError(t, os.WriteFile(path, []byte("digest:\n  max: 11\n"), 0o600))

	select {
	case got := <-ch:
		assert.Equal(t, 11, got.DigestMax)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload the config")
	}
}

func TestStartWatcherWithoutFileIsNoop(t *testing.T) {
	h := NewConfigHolder(Defaults(), NewLoader("", ""))
	assert.NoError(t, h.StartWatcher(context.Background()))
}

// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func testDeps() Deps {
	return Deps{
		Logger:          zerolog.New(io.Discard),
		Handler:         http.NotFoundHandler(),
		ListenAddr:      "127.0.0.1:0",
		ShutdownTimeout: 2 * time.Second,
	}
}

func TestDepsValidate(t *testing.T) {
	d := testDeps()
	d.Logger = zerolog.Nop()
	assert.ErrorIs(t, d.Validate(), ErrMissingLogger)

	d = testDeps()
	d.Handler = nil
	assert.ErrorIs(t, d.Validate(), ErrMissingHandler)

	_, err := NewManager(d)
	assert.ErrorIs(t, err, ErrMissingHandler)
}

func TestManagerShutdownBeforeStart(t *testing.T) {
	m, err := NewManager(testDeps())
	require.NoError(t, err)
	assert.ErrorIs(t, m.Shutdown(context.Background()), ErrManagerNotStarted)
}

func TestManagerRunsHooksInReverseOrder(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	m, err := NewManager(testDeps())
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		order []string
	)
	for _, name := range []string{"first", "second", "third"} {
		m.RegisterShutdownHook(name, func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()

	select {
	case <-m.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("manager never became ready")
	}
	assert.NotEmpty(t, m.Addr())
	assert.Empty(t, m.MetricsAddr())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not stop")
	}
	assert.Equal(t, []string{"third", "second", "first"}, order)
}

func TestManagerHookErrorsAreJoined(t *testing.T) {
	m, err := NewManager(testDeps())
	require.NoError(t, err)
	boom := errors.New("boom")
	m.RegisterShutdownHook("bad", func(context.Context) error { return boom })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()
	<-m.Ready()
	cancel()

	err = <-done
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestManagerFailsOnBusyPort(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	d := testDeps()
	d.ListenAddr = busy.Addr().String()
	var reported error
	d.OnServerError = func(err error) { reported = err }
	m, err := NewManager(d)
	require.NoError(t, err)

	hookRan := false
	m.RegisterShutdownHook("cleanup", func(context.Context) error {
		assert.Error(t, reported, "server error is reported before hooks run")
		hookRan = true
		return nil
	})

	err = m.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServerStartFailed)
	assert.ErrorIs(t, reported, ErrServerStartFailed)
	assert.True(t, hookRan, "hooks must run when start fails")
}

func TestManagerServesMetrics(t *testing.T) {
	d := testDeps()
	d.MetricsAddr = "127.0.0.1:0"
	d.MetricsHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok_metric 1\n")
	})
	m, err := NewManager(d)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()
	<-m.Ready()

	resp, err := http.Get("http://" + m.MetricsAddr())
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "ok_metric 1\n", string(body))

	cancel()
	require.NoError(t, <-done)
}

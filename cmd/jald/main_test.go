// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/jalop/internal/config"
	"github.com/ManuGH/jalop/internal/jnl/status"
	"github.com/ManuGH/jalop/internal/version"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv(config.EnvConfigFile, "")
	t.Setenv(config.EnvDataDir, t.TempDir())

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, version.Version)
	assert.Contains(t, out, version.Commit)
}

func TestConfigInitThenValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jald.yaml")

	out, err := run(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, "wrote "+path)

	out, err = run(t, "config", "validate", "-f", path)
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")

	_, err = run(t, "config", "init", path)
	require.Error(t, err)
	assert.Equal(t, 2, exitCode(err))

	_, err = run(t, "config", "init", "--force", path)
	require.NoError(t, err)
}

func TestConfigValidateNeedsFile(t *testing.T) {
	_, err := run(t, "config", "validate")
	require.Error(t, err)
	assert.Equal(t, 2, exitCode(err))
}

func TestConfigDumpRedactsPassword(t *testing.T) {
	t.Setenv(config.EnvRedisPassword, "s3cret")
	out, err := run(t, "config", "dump")
	require.NoError(t, err)
	assert.NotContains(t, out, "s3cret")
	assert.Contains(t, out, "***")
	assert.Contains(t, out, "8444")
}

func TestResumePlan(t *testing.T) {
	dir := t.TempDir()
	store, err := status.NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "0000000001", status.Record{RemoteSerialID: "41", DigestConf: status.DigestConfirmed}))
	require.NoError(t, store.Put(ctx, "0000000002", status.Record{RemoteSerialID: "42", PayloadSize: 100, PayloadProgress: 60, Nonce: "42"}))

	out, err := run(t, "resume", "--dir", dir, "--type", "journal")
	require.NoError(t, err)

	var report resumeReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "42", report.StartSerialID)
	assert.True(t, report.Resuming)
	assert.Equal(t, "0000000002", report.ResumeID)
	assert.Equal(t, int64(60), report.ResumeOffset)
	assert.Empty(t, report.Delete)

	out, err = run(t, "resume", "--dir", dir, "--type", "log")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "41", report.StartSerialID)
	assert.False(t, report.Resuming)
	assert.Equal(t, []string{"0000000002"}, report.Delete)
}

func TestResumeRejectsBadType(t *testing.T) {
	_, err := run(t, "resume", "--dir", t.TempDir(), "--type", "metrics")
	require.Error(t, err)
	assert.Equal(t, 2, exitCode(err))
}

func TestStoreVerify(t *testing.T) {
	dataDir := t.TempDir()
	dbDir := filepath.Join(dataDir, "records", "edge", "log")
	store, err := status.Open(status.BackendSqlite, dbDir, status.Options{})
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), "0000000001", status.Record{Nonce: "1"}))
	require.NoError(t, store.Close())

	out, err := run(t, "store", "verify", "--data-dir", dataDir)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "OK "), out)
	assert.Contains(t, out, filepath.Join(dbDir, sqliteStatusFile))

	_, err = run(t, "store", "verify", "--data-dir", t.TempDir())
	require.Error(t, err)

	_, err = run(t, "store", "verify", "--path", "x", "--mode", "deep")
	require.Error(t, err)
	assert.Equal(t, 2, exitCode(err))
}

func TestPublishFlagValidation(t *testing.T) {
	_, err := run(t, "publish", "--root", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, 2, exitCode(err))

	_, err = run(t, "publish", "--subscriber", "http://127.0.0.1:1", "--root", t.TempDir(), "--mode", "bulk")
	require.Error(t, err)
	assert.Equal(t, 2, exitCode(err))
}

// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package sqlite

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyIntegrityDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "corruptible.sqlite")

	db, err := Open(dbPath, DefaultConfig())
	require.NoError(t, err)
	_, err = db.Exec("CREATE TABLE test (id INTEGER PRIMARY KEY, data TEXT);")
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		_, _ = db.Exec("INSERT INTO test (data) VALUES (hex(randomblob(100)));")
	}
	_, _ = db.Exec("PRAGMA wal_checkpoint(TRUNCATE);")
	require.NoError(t, db.Close())

	issues, err := VerifyIntegrity(ctx, dbPath, VerifyQuick)
	require.NoError(t, err)
	require.Nil(t, issues)

	// Overwrite 100 bytes at offset 4096, usually the second page.
	f, err := os.OpenFile(dbPath, os.O_RDWR, 0o644)
	require.NoError(t, err)
	junk := make([]byte, 100)
	_, _ = rand.Read(junk)
	_, err = f.WriteAt(junk, 4096)
	require.NoError(t, f.Close())
	require.NoError(t, err)

	issues, err = VerifyIntegrity(ctx, dbPath, VerifyFull)
	require.NoError(t, err)
	assert.NotEmpty(t, issues)
}

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db, err := Open(filepath.Join(t.TempDir(), "m.sqlite"), DefaultConfig())
	require.NoError(t, err)
	defer db.Close()

	schema := `CREATE TABLE t (id TEXT PRIMARY KEY);`
	require.NoError(t, Migrate(ctx, db, 1, schema))
	// A second run would fail on CREATE TABLE if it were applied again.
	require.NoError(t, Migrate(ctx, db, 1, schema))

	var v int
	require.NoError(t, db.QueryRow("PRAGMA user_version").Scan(&v))
	assert.Equal(t, 1, v)
}

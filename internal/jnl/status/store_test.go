// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package status

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		BackendMemory: func(t *testing.T) Store { return NewMemoryStore() },
		BackendFile: func(t *testing.T) Store {
			s, err := Open(BackendFile, t.TempDir(), Options{})
			require.NoError(t, err)
			return s
		},
		BackendSqlite: func(t *testing.T) Store {
			s, err := Open(BackendSqlite, t.TempDir(), Options{})
			require.NoError(t, err)
			return s
		},
		BackendBadger: func(t *testing.T) Store {
			s, err := Open(BackendBadger, "", Options{})
			require.NoError(t, err)
			return s
		},
		BackendRedis: func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			s, err := Open(BackendRedis, "", Options{Redis: RedisConfig{Addr: mr.Addr()}, Logger: zerolog.Nop()})
			require.NoError(t, err)
			return s
		},
	}
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close()

			_, err := s.Get(ctx, FormatID(1))
			assert.ErrorIs(t, err, ErrNotFound)

			first := Record{SysMetaSize: 10, PayloadSize: 100, PayloadProgress: 40, RemoteSerialID: "r1", Nonce: "r1"}
			second := Record{RemoteSerialID: "r2", Digest: "abcd", DigestConf: DigestConfirmed, Synced: true}
			require.NoError(t, s.Put(ctx, FormatID(2), second))
			require.NoError(t, s.Put(ctx, FormatID(1), first))

			got, err := s.Get(ctx, FormatID(1))
			require.NoError(t, err)
			assert.Empty(t, cmp.Diff(first, got))

			entries, err := s.List(ctx)
			require.NoError(t, err)
			require.Len(t, entries, 2)
			assert.Equal(t, FormatID(1), entries[0].ID)
			assert.Equal(t, FormatID(2), entries[1].ID)
			require.NotNil(t, entries[1].Record)
			assert.True(t, entries[1].Record.Confirmed())

			second.Synced = false
			require.NoError(t, s.Put(ctx, FormatID(2), second))
			got, err = s.Get(ctx, FormatID(2))
			require.NoError(t, err)
			assert.False(t, got.Synced)

			require.NoError(t, s.Delete(ctx, FormatID(1)))
			entries, err = s.List(ctx)
			require.NoError(t, err)
			assert.Len(t, entries, 1)
		})
	}
}

func TestRecordJSONKeys(t *testing.T) {
	raw, err := json.Marshal(Record{
		SysMetaSize: 1, AppMetaSize: 2, PayloadSize: 3,
		SysMetaProgress: 1, AppMetaProgress: 2, PayloadProgress: 3,
		RemoteSerialID: "9", Nonce: "9", Digest: "ff", DigestConf: "invalid", Synced: true,
	})
	require.NoError(t, err)

	var keys map[string]any
	require.NoError(t, json.Unmarshal(raw, &keys))
	for _, k := range []string{
		"sys_meta_sz", "app_meta_sz", "payload_sz",
		"sys_meta_progress", "app_meta_progress", "payload_progress",
		"remote_sid", "nonce", "digest", "digest_conf", "synced",
	} {
		assert.Contains(t, keys, k)
	}
	assert.NotContains(t, keys, "local_digest")
}

func TestDamagedEntriesAreListedWithError(t *testing.T) {
	ctx := context.Background()

	mem := NewMemoryStore()
	mem.PutRaw(FormatID(1), []byte("{not json"))
	require.NoError(t, mem.Put(ctx, FormatID(2), Record{}))
	entries, err := mem.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Error(t, entries[0].Err)
	assert.Nil(t, entries[0].Record)
}

func TestFileStoreSkipsForeignDirectories(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	fs, err := NewFileStore(root)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "lost+found"), 0o750))
	require.NoError(t, os.MkdirAll(fs.Dir(FormatID(1)), 0o750))
	require.NoError(t, os.MkdirAll(fs.Dir(FormatID(2)), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(fs.Dir(FormatID(2)), FileName), []byte("garbage"), 0o640))
	require.NoError(t, fs.Put(ctx, FormatID(3), Record{Nonce: "n3"}))

	entries, err := fs.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Error(t, entries[0].Err, "missing status document")
	assert.Error(t, entries[1].Err, "corrupt status document")
	require.NoError(t, entries[2].Err)
	assert.Equal(t, "n3", entries[2].Record.Nonce)

	assert.Error(t, fs.Put(ctx, "../escape", Record{}))
	require.NoError(t, fs.Delete(ctx, FormatID(3)))
	_, err = os.Stat(fs.Dir(FormatID(3)))
	assert.True(t, os.IsNotExist(err))
}

func TestIDs(t *testing.T) {
	assert.Equal(t, "0000000042", FormatID(42))
	n, err := ParseID("0000000042")
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)

	_, err = ParseID("42")
	assert.Error(t, err)

	assert.Equal(t, FormatID(1), NextID(nil))
	assert.Equal(t, FormatID(8), NextID([]Entry{{ID: FormatID(7)}, {ID: "junk"}, {ID: FormatID(3)}}))
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	_, err := Open("bolt", t.TempDir(), Options{})
	assert.Error(t, err)

	_, err = Open(BackendFile, "", Options{})
	assert.Error(t, err)

	s, err := Open("", "", Options{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)
}

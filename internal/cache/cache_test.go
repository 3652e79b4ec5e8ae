// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cache

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *SQLite {
	t.Helper()
	c, err := OpenSQLite(filepath.Join(t.TempDir(), "cache", "build.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSQLite_PutGet(t *testing.T) {
	c := openTest(t)
	ctx := context.Background()

	_, err := c.Get(ctx, "k1", "aes-256-gcm")
	assert.ErrorIs(t, err, ErrMiss)

	want := Entry{
		CacheKey:    "k1",
		Strategy:    "aes-256-gcm",
		ContentHash: "abc",
		Artifact:    []byte{0, 1, 2, 255},
		Integrity:   "sha256-x",
		Signature:   "sig",
		KeyID:       "kid",
	}
	require.NoError(t, c.Put(ctx, want))

	got, err := c.Get(ctx, "k1", "aes-256-gcm")
	require.NoError(t, err)
	assert.Equal(t, want.Artifact, got.Artifact)
	assert.Equal(t, want.Integrity, got.Integrity)
	assert.Equal(t, want.Signature, got.Signature)
	assert.Equal(t, want.KeyID, got.KeyID)
	assert.False(t, got.CreatedAt.IsZero())

	// Same key, different strategy is a separate entry
	_, err = c.Get(ctx, "k1", "passthrough")
	assert.ErrorIs(t, err, ErrMiss)

	// Replace
	want.Integrity = "sha256-y"
	require.NoError(t, c.Put(ctx, want))
	got, err = c.Get(ctx, "k1", "aes-256-gcm")
	require.NoError(t, err)
	assert.Equal(t, "sha256-y", got.Integrity)
}

func TestSQLite_PutRequiresKey(t *testing.T) {
	c := openTest(t)
	assert.Error(t, c.Put(context.Background(), Entry{Strategy: "passthrough"}))
}

func TestSQLite_PruneAndStats(t *testing.T) {
	c := openTest(t)
	ctx := context.Background()
	now := time.Now()
	c.now = func() time.Time { return now }

	require.NoError(t, c.Put(ctx, Entry{CacheKey: "old", Strategy: "s", Artifact: []byte("aaaa"), CreatedAt: now.Add(-48 * time.Hour)}))
	require.NoError(t, c.Put(ctx, Entry{CacheKey: "new", Strategy: "s", Artifact: []byte("bb")}))

	s, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.Entries)
	assert.Equal(t, int64(6), s.Bytes)
	assert.True(t, s.Oldest.Before(s.Newest))

	n, err := c.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = c.Get(ctx, "old", "s")
	assert.ErrorIs(t, err, ErrMiss)
	_, err = c.Get(ctx, "new", "s")
	assert.NoError(t, err)
}

func TestSQLite_EmptyStats(t *testing.T) {
	s, err := openTest(t).Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{}, s)
}

func TestSQLite_ConcurrentPut(t *testing.T) {
	c := openTest(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := string(rune('a' + i))
			assert.NoError(t, c.Put(ctx, Entry{CacheKey: key, Strategy: "s", Artifact: []byte(key)}))
		}(i)
	}
	wg.Wait()
	s, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(20), s.Entries)
}

func TestSQLite_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "build.db")
	c, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, c.Put(context.Background(), Entry{CacheKey: "k", Strategy: "s", Artifact: []byte("x")}))
	require.NoError(t, c.Close())

	c2, err := OpenSQLite(path)
	require.NoError(t, err)
	defer c2.Close()
	got, err := c2.Get(context.Background(), "k", "s")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got.Artifact)
}

func TestOpen_EmptyPathIsNop(t *testing.T) {
	c, err := Open("")
	require.NoError(t, err)
	assert.IsType(t, Nop{}, c)

	ctx := context.Background()
	require.NoError(t, c.Put(ctx, Entry{CacheKey: "k", Strategy: "s"}))
	_, err = c.Get(ctx, "k", "s")
	assert.ErrorIs(t, err, ErrMiss)
	require.NoError(t, c.Close())
}

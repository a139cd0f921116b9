package store

import (
	"context"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBoltWriteRead(t *testing.T) {
	b := newTestBolt(t)

	ctx := context.Background()
	key := "collection/members"
	data := []byte(`{"members":[]}`)

	err := b.Write(ctx, key, data)
	require.NoError(t, err)

	got, err := b.Read(ctx, key)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestBoltReadNotFound(t *testing.T) {
	b := newTestBolt(t)

	_, err := b.Read(context.Background(), "nonexistent")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBoltDelete(t *testing.T) {
	b := newTestBolt(t)

	ctx := context.Background()
	key := "collection/events"

	err := b.Write(ctx, key, []byte("data"))
	require.NoError(t, err)

	err = b.Delete(ctx, key)
	require.NoError(t, err)

	_, err = b.Read(ctx, key)
	require.ErrorIs(t, err, ErrNotFound)

	// Delete nonexistent should not error (idempotent)
	err = b.Delete(ctx, "nonexistent")
	require.NoError(t, err)
}

func TestBoltKeys(t *testing.T) {
	b := newTestBolt(t)

	ctx := context.Background()
	keys := []string{
		"collection/members",
		"collection/events",
		"collection/places",
	}

	for _, key := range keys {
		err := b.Write(ctx, key, []byte("data"))
		require.NoError(t, err)
	}

	got, err := b.Keys(ctx)
	require.NoError(t, err)
	sort.Strings(got)
	sort.Strings(keys)
	require.Equal(t, keys, got)
}

func TestBoltOverwrite(t *testing.T) {
	b := newTestBolt(t)

	ctx := context.Background()
	key := "collection/places"

	err := b.Write(ctx, key, []byte("initial"))
	require.NoError(t, err)

	newData := []byte("replacement")
	err = b.Write(ctx, key, newData)
	require.NoError(t, err)

	got, err := b.Read(ctx, key)
	require.NoError(t, err)
	require.Equal(t, newData, got)
}

func TestBoltReadCopiesOutOfTransaction(t *testing.T) {
	b := newTestBolt(t)

	ctx := context.Background()
	err := b.Write(ctx, "k", []byte("original"))
	require.NoError(t, err)

	got, err := b.Read(ctx, "k")
	require.NoError(t, err)

	// Mutating the returned slice must not corrupt a later read.
	got[0] = 'X'

	again, err := b.Read(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("original"), again)
}

func TestBoltReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entries.db")

	b, err := NewBolt(path)
	require.NoError(t, err)

	ctx := context.Background()
	err = b.Write(ctx, "collection/members", []byte("persisted"))
	require.NoError(t, err)
	require.NoError(t, b.Close())

	reopened, err := NewBolt(path)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	got, err := reopened.Read(ctx, "collection/members")
	require.NoError(t, err)
	require.Equal(t, []byte("persisted"), got)
}

// Helper functions

func newTestBolt(t *testing.T) *Bolt {
	t.Helper()
	b, err := NewBolt(filepath.Join(t.TempDir(), "test.db"), WithNoSync(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sentryview/sentryview/internal/database/testutil"
)

func TestDatabaseStoreRoundTrip(t *testing.T) {
	store := NewDatabaseStore(testutil.MustOpenTestDB(t, testutil.WithAutoMigrate()))
	ctx := context.Background()

	_, found, err := store.Get(ctx, "recovery:res-1")
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, store.Set(ctx, "recovery:res-1", []byte(`{"a":1}`), time.Hour))
	value, found, err := store.Get(ctx, "recovery:res-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte(`{"a":1}`), value)

	// Set on an existing key overwrites; checkpoint writes rely on this.
	require.NoError(t, store.Set(ctx, "recovery:res-1", []byte(`{"a":2}`), time.Hour))
	value, found, err = store.Get(ctx, "recovery:res-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte(`{"a":2}`), value)

	require.NoError(t, store.Delete(ctx, "recovery:res-1"))
	_, found, err = store.Get(ctx, "recovery:res-1")
	require.NoError(t, err)
	require.False(t, found)
}

func TestDatabaseStoreExpiry(t *testing.T) {
	store := NewDatabaseStore(testutil.MustOpenTestDB(t, testutil.WithAutoMigrate()))
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "short", []byte("x"), time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	_, found, err := store.Get(ctx, "short")
	require.NoError(t, err)
	require.False(t, found, "expired entries read as missing")
}

func TestDatabaseStoreDeleteMany(t *testing.T) {
	store := NewDatabaseStore(testutil.MustOpenTestDB(t, testutil.WithAutoMigrate()))
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, store.Set(ctx, "b", []byte("2"), 0))
	require.NoError(t, store.Delete(ctx, "a", "b", "missing"))

	_, found, err := store.Get(ctx, "a")
	require.NoError(t, err)
	require.False(t, found)
}

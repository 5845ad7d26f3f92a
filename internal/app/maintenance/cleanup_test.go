package maintenance

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sentryview/sentryview/internal/database/testutil"
	"github.com/sentryview/sentryview/internal/models"
	"github.com/sentryview/sentryview/internal/storage"
	appErrors "github.com/sentryview/sentryview/pkg/errors"
)

func TestSweepExpiresOverdueSessions(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)

	sessions := storage.NewSessionStore(testutil.MustOpenTestDB(t, testutil.WithAutoMigrate()))
	artifacts, err := storage.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)

	startedAt := now.Add(-100 * time.Hour)
	path, _, err := artifacts.PutVideo(ctx, "sess-old", startedAt, []byte("footage"))
	require.NoError(t, err)

	overdue := &models.RecordedSession{
		ResourceID: "res-1",
		Status:     models.SessionStatusSecure,
		StartedAt:  startedAt,
		VideoPath:  path,
	}
	overdue.ID = "sess-old"
	deadline := now.Add(-time.Hour)
	overdue.ExpiresAt = &deadline
	require.NoError(t, sessions.SaveCompleted(ctx, overdue, nil))

	cleaner := NewCleaner(sessions, artifacts, 72*time.Hour, WithNow(func() time.Time { return now }))
	require.NoError(t, cleaner.Sweep(ctx))

	stored, err := sessions.Get(ctx, "sess-old")
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusExpired, stored.Status)
	require.Empty(t, stored.VideoPath)

	_, _, err = artifacts.OpenVideo(ctx, path)
	require.ErrorIs(t, err, appErrors.ErrNotFound, "artifact purged with the flip")
}

func TestSweepDropsStaleRecoveryMirrors(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	sessions := storage.NewSessionStore(testutil.MustOpenTestDB(t, testutil.WithAutoMigrate()))
	root := t.TempDir()
	artifacts, err := storage.NewFilesystemStore(root)
	require.NoError(t, err)

	require.NoError(t, artifacts.PutRecoveryChunks(ctx, "sess-stale", [][]byte{{0x01}}))
	require.NoError(t, artifacts.PutRecoveryChunks(ctx, "sess-fresh", [][]byte{{0x02}}))

	staleDir := filepath.Join(root, "recovery", "sess-stale")
	old := now.Add(-96 * time.Hour)
	require.NoError(t, os.Chtimes(staleDir, old, old))

	cleaner := NewCleaner(sessions, artifacts, 72*time.Hour, WithNow(func() time.Time { return now }))
	require.NoError(t, cleaner.Sweep(ctx))

	_, err = artifacts.GetRecoveryChunks(ctx, "sess-stale")
	require.ErrorIs(t, err, appErrors.ErrRecoveryUnavailable)
	chunks, err := artifacts.GetRecoveryChunks(ctx, "sess-fresh")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
}

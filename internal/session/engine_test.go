package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sentryview/sentryview/internal/cache"
	"github.com/sentryview/sentryview/internal/classify"
	"github.com/sentryview/sentryview/internal/database/testutil"
	"github.com/sentryview/sentryview/internal/media"
	"github.com/sentryview/sentryview/internal/models"
	"github.com/sentryview/sentryview/internal/storage"
	"github.com/sentryview/sentryview/internal/vision"
	appErrors "github.com/sentryview/sentryview/pkg/errors"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{t: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type memoryCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: map[string][]byte{}}
}

func (c *memoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = append([]byte(nil), value...)
	return nil
}

func (c *memoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.entries[key]
	return value, ok, nil
}

func (c *memoryCache) Delete(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.entries, key)
	}
	return nil
}

var _ cache.Store = (*memoryCache)(nil)

type fixedClassifier struct{}

func (fixedClassifier) Classify(ctx context.Context, sample classify.Sample) (classify.Result, error) {
	return classify.Result{Summary: "working", Category: "work", RiskLevel: models.RiskLow}, nil
}

type engineHarness struct {
	engine    *Engine
	clock     *fakeClock
	source    *media.SyntheticSource
	artifacts *storage.FilesystemStore
	sessions  *storage.SessionStore
	cache     *memoryCache
	completed []*models.RecordedSession
}

func newHarness(t *testing.T, opts ...Option) *engineHarness {
	t.Helper()

	clock := newFakeClock(time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC))
	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	artifacts, err := storage.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)

	h := &engineHarness{
		clock:     clock,
		source:    media.NewSyntheticSource(media.WithClock(clock.Now)),
		artifacts: artifacts,
		sessions:  storage.NewSessionStore(db),
		cache:     newMemoryCache(),
	}

	base := []Option{
		WithNow(clock.Now),
		WithOnComplete(func(session *models.RecordedSession) {
			h.completed = append(h.completed, session)
		}),
	}
	h.engine = NewEngine(
		h.source,
		func() vision.Segmenter { return vision.NewEllipseSegmenter() },
		fixedClassifier{},
		artifacts,
		h.sessions,
		storage.NewBackgroundStore(db),
		h.cache,
		append(base, opts...)...,
	)
	return h
}

func TestLifecycleDurationAccounting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.engine.Start(ctx, "res-1")
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Equal(t, StateRecording, h.engine.Snapshot().State)

	// Pause at t=20, resume at t=50, stop at t=80: only the recording
	// segments count, so the stored duration is 50 seconds.
	h.clock.Advance(20 * time.Second)
	require.NoError(t, h.engine.Pause(ctx))
	require.EqualValues(t, 20, h.engine.Snapshot().ElapsedSeconds)

	h.clock.Advance(30 * time.Second)
	require.EqualValues(t, 20, h.engine.Snapshot().ElapsedSeconds, "paused time does not count")
	require.NoError(t, h.engine.Resume(ctx))

	h.clock.Advance(30 * time.Second)
	session, err := h.engine.Stop(ctx)
	require.NoError(t, err)
	require.Equal(t, id, session.ID, "session id is stable across pause and resume")
	require.EqualValues(t, 50, session.DurationSeconds)
	require.Equal(t, models.SessionStatusSecure, session.Status)
	require.Equal(t, StateIdle, h.engine.Snapshot().State)

	stored, err := h.sessions.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusSecure, stored.Status)
	require.NotNil(t, stored.ExpiresAt)
}

func TestInvalidTransitionsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.ErrorIs(t, h.engine.Pause(ctx), appErrors.ErrSessionState)
	require.ErrorIs(t, h.engine.Resume(ctx), appErrors.ErrSessionState)
	_, err := h.engine.Stop(ctx)
	require.ErrorIs(t, err, appErrors.ErrSessionState)

	_, err = h.engine.Start(ctx, "res-1")
	require.NoError(t, err)
	_, err = h.engine.Start(ctx, "res-1")
	require.ErrorIs(t, err, appErrors.ErrSessionState, "no concurrent sessions")
	require.ErrorIs(t, h.engine.Resume(ctx), appErrors.ErrSessionState)

	_, err = h.engine.Stop(ctx)
	require.NoError(t, err)
}

func TestStartFailureReleasesNothing(t *testing.T) {
	h := newHarness(t)
	h.source = media.NewSyntheticSource(
		media.WithClock(h.clock.Now),
		media.WithCameraError(errors.New("permission denied")),
	)
	h.engine.source = h.source

	_, err := h.engine.Start(context.Background(), "res-1")
	require.Error(t, err)
	var appErr *appErrors.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, appErrors.ErrMediaUnavailable.Code, appErr.Code)
	require.Equal(t, StateIdle, h.engine.Snapshot().State)
}

func TestOnCompleteFiresExactlyOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.Start(ctx, "res-1")
	require.NoError(t, err)
	h.clock.Advance(5 * time.Second)
	_, err = h.engine.Stop(ctx)
	require.NoError(t, err)
	_, err = h.engine.Stop(ctx)
	require.ErrorIs(t, err, appErrors.ErrSessionState)

	require.Len(t, h.completed, 1)
}

func TestDeviceLossEndsSessionThroughStopPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.engine.Start(ctx, "res-1")
	require.NoError(t, err)
	h.clock.Advance(10 * time.Second)

	h.source.RevokeScreen("user ended share")

	require.Eventually(t, func() bool {
		return h.engine.Snapshot().State == StateIdle
	}, 2*time.Second, 10*time.Millisecond)

	stored, err := h.sessions.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusSecure, stored.Status, "footage preserved on device loss")
	require.Len(t, h.completed, 1)
}

func TestCheckpointAndRecoverAfterCrash(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.engine.Start(ctx, "res-1")
	require.NoError(t, err)
	h.clock.Advance(40 * time.Second)

	// Simulate the recorder's chunk mirror plus the snapshot write, then
	// a crash: a second engine over the same stores takes over.
	chunks := [][]byte{{0xaa}, {0xbb}, {0xcc}}
	require.NoError(t, h.artifacts.PutRecoveryChunks(ctx, id, chunks))
	h.engine.WriteCheckpoint(ctx)

	fresh := newHarness(t)
	fresh.artifacts = h.artifacts
	fresh.cache = h.cache
	fresh.engine = NewEngine(
		fresh.source,
		func() vision.Segmenter { return vision.NewEllipseSegmenter() },
		fixedClassifier{},
		h.artifacts,
		fresh.sessions,
		fresh.engine.backgrounds,
		h.cache,
		WithNow(h.clock.Now),
	)

	offer, err := fresh.engine.Offer(ctx, "res-1")
	require.NoError(t, err)
	require.Equal(t, id, offer.SessionID)
	require.EqualValues(t, 40, offer.ElapsedSeconds)

	// Offering again is idempotent.
	again, err := fresh.engine.Offer(ctx, "res-1")
	require.NoError(t, err)
	require.Equal(t, offer.SessionID, again.SessionID)

	recoveredID, err := fresh.engine.Recover(ctx, "res-1")
	require.NoError(t, err)
	require.Equal(t, id, recoveredID, "recovery keeps the original session id")

	h.clock.Advance(10 * time.Second)
	session, err := fresh.engine.Stop(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 50, session.DurationSeconds, "restored elapsed plus new footage")

	// Recovery state is cleared by the clean stop.
	_, err = fresh.engine.Offer(ctx, "res-1")
	require.ErrorIs(t, err, appErrors.ErrRecoveryUnavailable)
	_, err = h.artifacts.GetRecoveryChunks(ctx, id)
	require.ErrorIs(t, err, appErrors.ErrRecoveryUnavailable)
}

func TestStaleSnapshotRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	snapshot := RecoverySnapshot{
		SessionID:  "sess-old",
		ResourceID: "res-1",
		StartedAt:  h.clock.Now().Add(-100 * time.Hour),
		SavedAt:    h.clock.Now().Add(-96 * time.Hour),
	}
	payload, err := json.Marshal(snapshot)
	require.NoError(t, err)
	require.NoError(t, h.cache.Set(ctx, recoveryKey("res-1"), payload, 0))
	require.NoError(t, h.artifacts.PutRecoveryChunks(ctx, "sess-old", [][]byte{{0x01}}))

	_, err = h.engine.Offer(ctx, "res-1")
	require.ErrorIs(t, err, appErrors.ErrRecoveryUnavailable, "a 4 day old snapshot is past the window")

	// The stale snapshot and its chunks are gone.
	_, found, err := h.cache.Get(ctx, recoveryKey("res-1"))
	require.NoError(t, err)
	require.False(t, found)
	_, err = h.artifacts.GetRecoveryChunks(ctx, "sess-old")
	require.ErrorIs(t, err, appErrors.ErrRecoveryUnavailable)
}

func TestSnapshotWithoutChunksRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	snapshot := RecoverySnapshot{
		SessionID:  "sess-1",
		ResourceID: "res-1",
		SavedAt:    h.clock.Now(),
	}
	payload, err := json.Marshal(snapshot)
	require.NoError(t, err)
	require.NoError(t, h.cache.Set(ctx, recoveryKey("res-1"), payload, 0))

	_, err = h.engine.Offer(ctx, "res-1")
	require.ErrorIs(t, err, appErrors.ErrRecoveryUnavailable, "snapshot and chunk mirror must agree")
}

func TestDiscardIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.engine.Discard(ctx, "res-1"), "discard with nothing present")

	snapshot := RecoverySnapshot{SessionID: "sess-1", ResourceID: "res-1", SavedAt: h.clock.Now()}
	payload, err := json.Marshal(snapshot)
	require.NoError(t, err)
	require.NoError(t, h.cache.Set(ctx, recoveryKey("res-1"), payload, 0))
	require.NoError(t, h.artifacts.PutRecoveryChunks(ctx, "sess-1", [][]byte{{0x01}}))

	require.NoError(t, h.engine.Discard(ctx, "res-1"))
	_, err = h.engine.Offer(ctx, "res-1")
	require.ErrorIs(t, err, appErrors.ErrRecoveryUnavailable)
	require.NoError(t, h.engine.Discard(ctx, "res-1"))
}

func TestSnapshotStripsThumbnails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.Start(ctx, "res-1")
	require.NoError(t, err)
	h.engine.appendLog(models.SessionLog{
		Timestamp:  h.clock.Now(),
		Type:       models.LogTypeActivity,
		Message:    "typing",
		Confidence: models.RiskLow,
		Thumbnail:  "aGVhdnkgcGF5bG9hZA==",
	})

	h.engine.WriteCheckpoint(ctx)

	payload, found, err := h.cache.Get(ctx, recoveryKey("res-1"))
	require.NoError(t, err)
	require.True(t, found)

	var snapshot RecoverySnapshot
	require.NoError(t, json.Unmarshal(payload, &snapshot))
	require.Len(t, snapshot.Logs, 1)
	require.Empty(t, snapshot.Logs[0].Thumbnail)
	require.Equal(t, "typing", snapshot.Logs[0].Message)
}

func TestLogsDroppedWhilePaused(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.Start(ctx, "res-1")
	require.NoError(t, err)
	require.NoError(t, h.engine.Pause(ctx))

	h.engine.appendLog(models.SessionLog{Timestamp: h.clock.Now(), Type: models.LogTypeActivity})
	require.Zero(t, h.engine.Snapshot().LogCount)

	require.NoError(t, h.engine.Resume(ctx))
	h.engine.appendLog(models.SessionLog{Timestamp: h.clock.Now(), Type: models.LogTypeActivity})
	require.Equal(t, 1, h.engine.Snapshot().LogCount)

	_, err = h.engine.Stop(ctx)
	require.NoError(t, err)
}

type failingVideoStore struct {
	storage.ArtifactStore
	err error
}

func (s *failingVideoStore) PutVideo(ctx context.Context, sessionID string, startedAt time.Time, blob []byte) (string, int64, error) {
	return "", 0, s.err
}

func TestStopKeepsResultsWhenPersistenceFails(t *testing.T) {
	h := newHarness(t)
	h.engine.artifacts = &failingVideoStore{ArtifactStore: h.artifacts, err: errors.New("disk full")}
	ctx := context.Background()

	id, err := h.engine.Start(ctx, "res-1")
	require.NoError(t, err)
	h.clock.Advance(30 * time.Second)

	session, err := h.engine.Stop(ctx)
	require.NoError(t, err, "a persistence gap does not abort the stop")
	require.Equal(t, id, session.ID)
	require.EqualValues(t, 30, session.DurationSeconds)
	require.Equal(t, models.SessionStatusProcessing, session.Status, "not marked secure without a stored video")
	require.Empty(t, session.VideoPath)

	require.Len(t, h.completed, 1, "completion still fires with the in-memory record")
	require.Equal(t, id, h.completed[0].ID)
	require.Equal(t, StateIdle, h.engine.Snapshot().State)
}

type trackingSource struct {
	media.Source
	cameras []*media.Stream
}

func (s *trackingSource) AcquireCamera(ctx context.Context) (*media.Stream, error) {
	stream, err := s.Source.AcquireCamera(ctx)
	if stream != nil {
		s.cameras = append(s.cameras, stream)
	}
	return stream, err
}

func TestScreenFailureReleasesCamera(t *testing.T) {
	h := newHarness(t)
	source := &trackingSource{Source: media.NewSyntheticSource(
		media.WithClock(h.clock.Now),
		media.WithScreenError(errors.New("display capture denied")),
	)}
	h.engine.source = source

	_, err := h.engine.Start(context.Background(), "res-1")
	require.Error(t, err)
	var appErr *appErrors.AppError
	require.ErrorAs(t, err, &appErr)
	require.Equal(t, appErrors.ErrMediaUnavailable.Code, appErr.Code)
	require.Equal(t, StateIdle, h.engine.Snapshot().State)

	require.Len(t, source.cameras, 1)
	require.False(t, source.cameras[0].Live(), "camera released after the screen failed")
}

func TestResumeReacquiresAfterStreamLoss(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.engine.Start(ctx, "res-1")
	require.NoError(t, err)
	h.clock.Advance(10 * time.Second)
	require.NoError(t, h.engine.Pause(ctx))

	h.engine.run.recorder.LoadChunks([][]byte{{0xaa, 0xbb}})
	buffered := h.engine.run.recorder.ChunkCount()
	oldCamera := h.engine.run.camera

	// Both streams die while paused, without an OS revocation event.
	h.engine.run.camera.Stop()
	h.engine.run.screen.Stop()

	require.NoError(t, h.engine.Resume(ctx))

	snap := h.engine.Snapshot()
	require.Equal(t, StateRecording, snap.State)
	require.Equal(t, id, snap.SessionID, "fallback re-acquisition keeps the session id")
	require.NotSame(t, oldCamera, h.engine.run.camera)
	require.True(t, h.engine.run.camera.Live())
	require.GreaterOrEqual(t, h.engine.run.recorder.ChunkCount(), buffered,
		"buffered chunks survive the re-acquisition")

	h.clock.Advance(10 * time.Second)
	session, err := h.engine.Stop(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 20, session.DurationSeconds)
}

func TestSnapshotCarriesTimelineAndLatestResult(t *testing.T) {
	var mu sync.Mutex
	var streamed []models.SessionLog
	h := newHarness(t, WithLogListener(func(entry models.SessionLog) {
		mu.Lock()
		streamed = append(streamed, entry)
		mu.Unlock()
	}))
	ctx := context.Background()

	_, err := h.engine.Start(ctx, "res-1")
	require.NoError(t, err)
	h.clock.Advance(5 * time.Second)

	h.engine.appendSample(models.SessionLog{
		Timestamp:  h.clock.Now(),
		Type:       models.LogTypeActivity,
		Category:   "work",
		Message:    "typing",
		Confidence: models.RiskLow,
		Thumbnail:  "dGh1bWI=",
	})
	h.engine.appendLog(models.SessionLog{
		Timestamp:  h.clock.Now().Add(-2 * time.Second),
		Type:       models.LogTypeActivity,
		Category:   "presence",
		Message:    "earlier",
		Confidence: models.RiskLow,
	})

	snap := h.engine.Snapshot()
	require.Len(t, snap.Logs, 2)
	require.Equal(t, "earlier", snap.Logs[0].Message, "timeline ordered by timestamp")
	require.Empty(t, snap.Logs[1].Thumbnail, "timeline entries carry no thumbnails")
	require.NotNil(t, snap.LatestLog)
	require.Equal(t, "typing", snap.LatestLog.Message)
	require.Equal(t, "dGh1bWI=", snap.LatestLog.Thumbnail)

	mu.Lock()
	require.Len(t, streamed, 2, "each appended entry is pushed to the log stream")
	mu.Unlock()

	_, err = h.engine.Stop(ctx)
	require.NoError(t, err)
	require.Empty(t, h.engine.Snapshot().Logs, "timeline cleared once idle")
	require.Nil(t, h.engine.Snapshot().LatestLog)
}

func TestStoredTimelineOrderedByTimestamp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id, err := h.engine.Start(ctx, "res-1")
	require.NoError(t, err)

	h.clock.Advance(30 * time.Second)
	h.engine.appendLog(models.SessionLog{Timestamp: h.clock.Now(), Type: models.LogTypeActivity, Message: "later", Confidence: models.RiskLow})
	h.engine.appendLog(models.SessionLog{Timestamp: h.clock.Now().Add(-20 * time.Second), Type: models.LogTypeActivity, Message: "earlier", Confidence: models.RiskLow})

	_, err = h.engine.Stop(ctx)
	require.NoError(t, err)

	stored, err := h.sessions.Get(ctx, id)
	require.NoError(t, err)
	require.Len(t, stored.Logs, 2)
	require.Equal(t, "earlier", stored.Logs[0].Message)
	require.Equal(t, "later", stored.Logs[1].Message)
}

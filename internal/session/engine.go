// Package session owns the capture lifecycle: one engine per monitored
// resource drives acquisition, processing, recording, sampling and the
// write-ahead recovery track.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sentryview/sentryview/internal/cache"
	"github.com/sentryview/sentryview/internal/classify"
	"github.com/sentryview/sentryview/internal/compositor"
	"github.com/sentryview/sentryview/internal/idle"
	"github.com/sentryview/sentryview/internal/media"
	"github.com/sentryview/sentryview/internal/models"
	"github.com/sentryview/sentryview/internal/recorder"
	"github.com/sentryview/sentryview/internal/sampler"
	"github.com/sentryview/sentryview/internal/storage"
	"github.com/sentryview/sentryview/internal/vision"
	appErrors "github.com/sentryview/sentryview/pkg/errors"
	"github.com/sentryview/sentryview/pkg/logger"
	"github.com/sentryview/sentryview/pkg/metrics"
)

const (
	defaultRetention          = 72 * time.Hour
	defaultCheckpointInterval = 10 * time.Second
	broadcastInterval         = time.Second
)

// SegmenterFactory builds a fresh segmenter per run; segmenters are closed
// when their run's pipeline tears down.
type SegmenterFactory func() vision.Segmenter

// Listener receives a state snapshot after every visible change and once per
// second while a session is active.
type Listener func(snapshot StateSnapshot)

// LogListener receives each timeline entry as it is appended, for the live
// log stream.
type LogListener func(entry models.SessionLog)

// CompleteFunc fires exactly once per session when it finishes, carrying the
// in-memory record even if persistence could not complete.
type CompleteFunc func(session *models.RecordedSession)

// Engine is the capture state machine. All lifecycle calls are serialised on
// an internal mutex; background loops (recorder, sampler, idle, checkpoint)
// run between them.
type Engine struct {
	source      media.Source
	segmenters  SegmenterFactory
	classifier  classify.Classifier
	artifacts   storage.ArtifactStore
	sessions    *storage.SessionStore
	backgrounds *storage.BackgroundStore
	cacheStore  cache.Store
	imageLoader vision.ImageLoader
	listener    Listener
	logListener LogListener
	onComplete  CompleteFunc
	now         func() time.Time
	log         *zap.Logger

	retention     time.Duration
	checkpointIvl time.Duration
	idleOpts      []idle.Option
	samplerOpts   []sampler.Option

	mu          sync.Mutex
	state       string
	resourceID  string
	sessionID   string
	startedAt   time.Time
	accumulated time.Duration
	segmentFrom time.Time
	logs        []models.SessionLog
	latest      *models.SessionLog
	run         *runResources
}

// runResources are the per-session moving parts, rebuilt on every start or
// recovery and torn down on stop.
type runResources struct {
	camera     *media.Stream
	screen     *media.Stream
	pipeline   *vision.Pipeline
	compositor *compositor.Compositor
	recorder   *recorder.Recorder
	sampler    *sampler.Sampler
	idle       *idle.Detector
	ctx        context.Context
	cancel     context.CancelFunc
	complete   sync.Once
}

// Option customises an Engine.
type Option func(*Engine)

// WithNow overrides the engine clock, primarily for tests.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithRetention sets how long finished recordings and recovery state are kept.
func WithRetention(retention time.Duration) Option {
	return func(e *Engine) {
		if retention > 0 {
			e.retention = retention
		}
	}
}

// WithCheckpointInterval sets the write-ahead snapshot cadence.
func WithCheckpointInterval(interval time.Duration) Option {
	return func(e *Engine) {
		if interval > 0 {
			e.checkpointIvl = interval
		}
	}
}

// WithListener installs the state broadcast sink.
func WithListener(listener Listener) Option {
	return func(e *Engine) { e.listener = listener }
}

// WithLogListener installs the per-entry timeline broadcast sink.
func WithLogListener(listener LogListener) Option {
	return func(e *Engine) { e.logListener = listener }
}

// WithOnComplete installs the session completion callback.
func WithOnComplete(fn CompleteFunc) Option {
	return func(e *Engine) { e.onComplete = fn }
}

// WithImageLoader installs the background image resolver for the pipeline.
func WithImageLoader(loader vision.ImageLoader) Option {
	return func(e *Engine) {
		if loader != nil {
			e.imageLoader = loader
		}
	}
}

// WithIdleOptions forwards options to the per-run idle detector.
func WithIdleOptions(opts ...idle.Option) Option {
	return func(e *Engine) { e.idleOpts = append(e.idleOpts, opts...) }
}

// WithSamplerOptions forwards options to the per-run analysis sampler.
func WithSamplerOptions(opts ...sampler.Option) Option {
	return func(e *Engine) { e.samplerOpts = append(e.samplerOpts, opts...) }
}

// NewEngine wires the capture engine to its capabilities.
func NewEngine(
	source media.Source,
	segmenters SegmenterFactory,
	classifier classify.Classifier,
	artifacts storage.ArtifactStore,
	sessions *storage.SessionStore,
	backgrounds *storage.BackgroundStore,
	cacheStore cache.Store,
	opts ...Option,
) *Engine {
	e := &Engine{
		source:        source,
		segmenters:    segmenters,
		classifier:    classifier,
		artifacts:     artifacts,
		sessions:      sessions,
		backgrounds:   backgrounds,
		cacheStore:    cacheStore,
		imageLoader:   func(string) (media.Frame, bool) { return media.Frame{}, false },
		now:           time.Now,
		log:           logger.WithModule("session"),
		retention:     defaultRetention,
		checkpointIvl: defaultCheckpointInterval,
		state:         StateIdle,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Start acquires media and begins a new recording session. The session id is
// minted here and never changes for the life of the recording.
func (e *Engine) Start(ctx context.Context, resourceID string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateIdle {
		return "", appErrors.ErrSessionState
	}

	camera, err := e.source.AcquireCamera(ctx)
	if err != nil {
		return "", appErrors.ErrMediaUnavailable.WithInternal(err)
	}
	screen, err := e.source.AcquireScreen(ctx)
	if err != nil {
		// Partial release: the camera must not stay held after a failed start.
		camera.Stop()
		return "", appErrors.ErrMediaUnavailable.WithInternal(err)
	}

	now := e.now()
	e.sessionID = uuid.NewString()
	e.resourceID = resourceID
	e.startedAt = now
	e.accumulated = 0
	e.segmentFrom = now
	e.logs = nil
	e.latest = nil

	e.startRunLocked(ctx, camera, screen, nil)
	e.setStateLocked(StateRecording)
	metrics.CaptureSessions.WithLabelValues("started").Inc()
	e.log.Info("session started",
		zap.String("session_id", e.sessionID),
		zap.String("resource_id", resourceID),
	)
	return e.sessionID, nil
}

// Pause suspends recording and duration accounting without releasing any
// device.
func (e *Engine) Pause(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateRecording {
		return appErrors.ErrSessionState
	}

	e.accumulated += e.now().Sub(e.segmentFrom)
	e.run.recorder.Pause()
	e.run.sampler.Pause()
	e.setStateLocked(StatePaused)
	e.log.Info("session paused", zap.String("session_id", e.sessionID))
	return nil
}

// Resume continues a paused session under the same session id. When a stream
// died while paused, media is re-acquired and the recorder keeps its buffered
// chunks; the restarted footage simply appends to them.
func (e *Engine) Resume(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StatePaused {
		return appErrors.ErrSessionState
	}

	run := e.run
	if !run.camera.Live() || !run.screen.Live() {
		if err := e.reacquireLocked(ctx, run); err != nil {
			return err
		}
	}

	e.segmentFrom = e.now()
	run.recorder.Resume()
	run.sampler.Resume()
	e.setStateLocked(StateRecording)
	e.log.Info("session resumed", zap.String("session_id", e.sessionID))
	return nil
}

// reacquireLocked replaces a run's dead media graph under the same session
// id. The recorder instance survives so its chunk buffer carries over.
func (e *Engine) reacquireLocked(ctx context.Context, run *runResources) error {
	camera, err := e.source.AcquireCamera(ctx)
	if err != nil {
		return appErrors.ErrMediaUnavailable.WithInternal(err)
	}
	screen, err := e.source.AcquireScreen(ctx)
	if err != nil {
		camera.Stop()
		return appErrors.ErrMediaUnavailable.WithInternal(err)
	}

	// Consumers of the dead tracks go first, then the tracks themselves.
	run.sampler.Stop()
	run.compositor.Stop()
	run.pipeline.Stop()
	run.camera.Stop()
	run.screen.Stop()

	e.attachMediaLocked(run, camera, screen)
	run.recorder.ReplaceTrack(run.compositor.Output())

	run.pipeline.Start(run.ctx)
	run.compositor.Start(run.ctx)
	run.sampler.Start(run.ctx)
	run.sampler.Pause() // caller lifts the pause once state flips

	e.log.Info("media re-acquired on resume",
		zap.String("session_id", e.sessionID),
		zap.Int("buffered_chunks", run.recorder.ChunkCount()),
	)
	return nil
}

// Stop finalises the session: loops halt, the recorder flushes, the blob and
// log timeline are durably stored, recovery state is cleared and the engine
// returns to idle. The completion callback fires exactly once per session,
// with the in-memory record even when persistence could not complete.
func (e *Engine) Stop(ctx context.Context) (*models.RecordedSession, error) {
	e.mu.Lock()

	if e.state != StateRecording && e.state != StatePaused {
		e.mu.Unlock()
		return nil, appErrors.ErrSessionState
	}

	if e.state == StateRecording {
		e.accumulated += e.now().Sub(e.segmentFrom)
	}
	e.setStateLocked(StateUploading)

	run := e.run
	sessionID := e.sessionID
	resourceID := e.resourceID
	startedAt := e.startedAt
	duration := e.accumulated
	logs := append([]models.SessionLog(nil), e.logs...)
	e.mu.Unlock()

	session := e.finalise(ctx, run, sessionID, resourceID, startedAt, duration, logs)

	e.mu.Lock()
	e.run = nil
	e.logs = nil
	e.latest = nil
	e.setStateLocked(StateIdle)
	e.mu.Unlock()

	run.complete.Do(func() {
		metrics.CaptureSessions.WithLabelValues("completed").Inc()
		if e.onComplete != nil {
			e.onComplete(session)
		}
	})
	e.log.Info("session stored",
		zap.String("session_id", session.ID),
		zap.String("status", session.Status),
		zap.Int64("duration_seconds", session.DurationSeconds),
		zap.Int64("file_size_bytes", session.FileSizeBytes),
	)
	return session, nil
}

// Interaction records a user input event for idle tracking.
func (e *Engine) Interaction() {
	e.mu.Lock()
	run := e.run
	e.mu.Unlock()
	if run != nil {
		run.idle.Touch()
	}
}

// Snapshot returns the current read-only engine view.
func (e *Engine) Snapshot() StateSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() StateSnapshot {
	snapshot := StateSnapshot{
		State:      e.state,
		SessionID:  e.sessionID,
		ResourceID: e.resourceID,
		StartedAt:  e.startedAt,
		LogCount:   len(e.logs),
	}
	switch e.state {
	case StateRecording:
		snapshot.ElapsedSeconds = int64((e.accumulated + e.now().Sub(e.segmentFrom)).Seconds())
	case StatePaused, StateUploading:
		snapshot.ElapsedSeconds = int64(e.accumulated.Seconds())
	}
	if e.run != nil {
		snapshot.CameraOn = e.run.camera.Live()
		snapshot.Idle = e.run.idle.Idle()
	}
	if e.latest != nil {
		latest := *e.latest
		snapshot.LatestLog = &latest
	}
	if len(e.logs) > 0 {
		timeline := make([]models.SessionLog, 0, len(e.logs))
		for _, entry := range e.logs {
			timeline = append(timeline, entry.WithoutThumbnail())
		}
		sort.SliceStable(timeline, func(i, j int) bool {
			return timeline[i].Timestamp.Before(timeline[j].Timestamp)
		})
		snapshot.Logs = timeline
	}
	return snapshot
}

// startRunLocked builds the per-run processing graph. restoredChunks seeds
// the recorder when resuming from a crash snapshot.
func (e *Engine) startRunLocked(ctx context.Context, camera, screen *media.Stream, restoredChunks [][]byte) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	run := &runResources{ctx: runCtx, cancel: cancel}
	run.idle = idle.New(e.idleTransition, append([]idle.Option{idle.WithNow(e.now)}, e.idleOpts...)...)

	e.attachMediaLocked(run, camera, screen)

	sessionID := e.sessionID
	checkpoint := func(cctx context.Context, chunks [][]byte) error {
		return e.artifacts.PutRecoveryChunks(cctx, sessionID, chunks)
	}
	run.recorder = recorder.New(run.compositor.Output(), checkpoint,
		recorder.WithCheckpointInterval(e.checkpointIvl))
	if len(restoredChunks) > 0 {
		run.recorder.LoadChunks(restoredChunks)
	}

	run.pipeline.Start(runCtx)
	run.compositor.Start(runCtx)
	run.recorder.Start(runCtx)
	run.idle.Start(runCtx)
	run.sampler.Start(runCtx)

	go e.watchLost(runCtx)
	go e.checkpointLoop(runCtx)
	go e.broadcastLoop(runCtx)

	e.run = run
}

// attachMediaLocked points the run's processing graph at a camera and screen
// pair: background pipeline over the camera, compositor over both, sampler
// over the screen stills plus camera liveness and microphone.
func (e *Engine) attachMediaLocked(run *runResources, camera, screen *media.Stream) {
	run.camera = camera
	run.screen = screen

	resourceID := e.resourceID
	configProvider := func() models.BackgroundConfig {
		cfg, err := e.backgrounds.GetOrDefault(run.ctx, resourceID)
		if err != nil {
			return models.BackgroundConfig{Mode: models.BackgroundModeNone}
		}
		return cfg
	}

	run.pipeline = vision.NewPipeline(camera.Video, e.segmenters(), configProvider,
		vision.WithImageLoader(e.imageLoader))
	run.compositor = compositor.New(screen.Video, run.pipeline.Output(), compositor.WithNow(e.now))
	run.sampler = sampler.New(screen.Video, camera.Video, camera.Audio, e.classifier, run.idle.Idle, e.appendSample,
		append([]sampler.Option{sampler.WithNow(e.now)}, e.samplerOpts...)...)
}

// finalise tears down the run and stores its output. Persistence failures do
// not abort the stop: the in-memory record is returned so the session's
// results stay visible, the gap is logged and recovery state is kept so the
// footage can still be salvaged.
func (e *Engine) finalise(ctx context.Context, run *runResources, sessionID, resourceID string, startedAt time.Time, duration time.Duration, logs []models.SessionLog) *models.RecordedSession {
	run.cancel()
	run.sampler.Stop()
	run.idle.Stop()
	run.compositor.Stop()
	run.pipeline.Stop()

	blob, err := run.recorder.Stop(ctx)

	// Devices are released only here, after every consumer has stopped.
	run.camera.Stop()
	run.screen.Stop()

	if err != nil {
		e.log.Warn("recorder flush reported an error", zap.Error(err))
	}

	sort.SliceStable(logs, func(i, j int) bool { return logs[i].Timestamp.Before(logs[j].Timestamp) })

	expiresAt := e.now().Add(e.retention)
	session := &models.RecordedSession{
		ResourceID:      resourceID,
		Status:          models.SessionStatusProcessing,
		StartedAt:       startedAt,
		DurationSeconds: int64(duration.Seconds()),
		ExpiresAt:       &expiresAt,
	}
	session.ID = sessionID

	var persistErr error
	path, size, err := e.artifacts.PutVideo(ctx, sessionID, startedAt, blob)
	if err != nil {
		persistErr = multierr.Append(persistErr, err)
	} else {
		session.VideoPath = path
		session.FileSizeBytes = size
	}

	if err := e.sessions.SaveCompleted(ctx, session, logs); err != nil {
		persistErr = multierr.Append(persistErr, err)
	} else if err := e.sessions.MarkSecure(ctx, sessionID); err != nil {
		persistErr = multierr.Append(persistErr, err)
	} else {
		session.Status = models.SessionStatusSecure
	}
	session.Logs = logs

	if persistErr != nil {
		metrics.CaptureSessions.WithLabelValues("persistence_failed").Inc()
		e.log.Warn("session persistence incomplete, keeping recovery state",
			zap.String("session_id", sessionID),
			zap.Error(persistErr),
		)
		return session
	}

	e.clearRecovery(ctx, resourceID, sessionID)
	return session
}

// appendLog records a timeline entry for the active session and pushes it to
// the live log stream.
func (e *Engine) appendLog(entry models.SessionLog) {
	e.appendEntry(entry, false)
}

// appendSample records a sampler-produced entry, which additionally becomes
// the latest classification result on the live surface.
func (e *Engine) appendSample(entry models.SessionLog) {
	e.appendEntry(entry, true)
}

func (e *Engine) appendEntry(entry models.SessionLog, isSample bool) {
	e.mu.Lock()
	if e.state != StateRecording {
		e.mu.Unlock()
		return
	}
	entry.SessionID = e.sessionID
	entry.ResourceID = e.resourceID
	e.logs = append(e.logs, entry)
	if isSample {
		latest := entry
		e.latest = &latest
	}
	listener := e.logListener
	e.mu.Unlock()

	if listener != nil {
		listener(entry)
	}
}

// idleTransition emits one activity log per idle state flip.
func (e *Engine) idleTransition(isIdle bool, at time.Time) {
	message := "User became active"
	if isIdle {
		message = "User went idle"
	}
	e.appendLog(models.SessionLog{
		Timestamp:  at,
		Type:       models.LogTypeActivity,
		Category:   "presence",
		Message:    message,
		Confidence: models.RiskLow,
	})
}

// watchLost reacts to device revocation: losing any device ends the session
// through the full stop path so footage captured so far is preserved.
func (e *Engine) watchLost(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case event, ok := <-e.source.Lost():
		if !ok {
			return
		}
		e.log.Warn("capture device lost, stopping session",
			zap.String("kind", event.Kind),
			zap.String("reason", event.Reason),
		)
		if _, err := e.Stop(context.Background()); err != nil {
			e.log.Error("stop after device loss failed", zap.Error(err))
		}
	}
}

func (e *Engine) broadcastLoop(ctx context.Context) {
	if e.listener == nil {
		return
	}
	ticker := time.NewTicker(broadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.listener(e.Snapshot())
		}
	}
}

func (e *Engine) setStateLocked(state string) {
	e.state = state
	metrics.ActiveCaptureState.Set(stateGauge(state))
	if e.listener != nil {
		e.listener(e.snapshotLocked())
	}
}

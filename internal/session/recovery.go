package session

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/sentryview/sentryview/internal/models"
	appErrors "github.com/sentryview/sentryview/pkg/errors"
	"github.com/sentryview/sentryview/pkg/metrics"
)

const recoveryKeyPrefix = "recovery:"

// RecoverySnapshot is the write-ahead record of an in-flight session. It is
// small by construction: log thumbnails are stripped and the footage itself
// lives in the chunk mirror, not here.
type RecoverySnapshot struct {
	SessionID      string              `json:"session_id"`
	ResourceID     string              `json:"resource_id"`
	StartedAt      time.Time           `json:"started_at"`
	ElapsedSeconds int64               `json:"elapsed_seconds"`
	SavedAt        time.Time           `json:"saved_at"`
	Logs           []models.SessionLog `json:"logs"`
}

func recoveryKey(resourceID string) string {
	return recoveryKeyPrefix + resourceID
}

// checkpointLoop mirrors the session state to the cache on the checkpoint
// cadence while a run is active.
func (e *Engine) checkpointLoop(ctx context.Context) {
	ticker := time.NewTicker(e.checkpointIvl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.WriteCheckpoint(ctx)
		}
	}
}

// WriteCheckpoint persists the current snapshot. Safe to call at any time;
// outside an active session it does nothing. Exposed so tests can drive the
// recovery track without the timer loop.
func (e *Engine) WriteCheckpoint(ctx context.Context) {
	e.mu.Lock()
	if e.state != StateRecording && e.state != StatePaused {
		e.mu.Unlock()
		return
	}

	elapsed := e.accumulated
	if e.state == StateRecording {
		elapsed += e.now().Sub(e.segmentFrom)
	}
	snapshot := RecoverySnapshot{
		SessionID:      e.sessionID,
		ResourceID:     e.resourceID,
		StartedAt:      e.startedAt,
		ElapsedSeconds: int64(elapsed.Seconds()),
		SavedAt:        e.now(),
		Logs:           make([]models.SessionLog, 0, len(e.logs)),
	}
	for _, entry := range e.logs {
		snapshot.Logs = append(snapshot.Logs, entry.WithoutThumbnail())
	}
	e.mu.Unlock()

	payload, err := json.Marshal(snapshot)
	if err != nil {
		metrics.CheckpointWrites.WithLabelValues("error").Inc()
		e.log.Error("checkpoint encode failed", zap.Error(err))
		return
	}
	if err := e.cacheStore.Set(ctx, recoveryKey(snapshot.ResourceID), payload, e.retention); err != nil {
		metrics.CheckpointWrites.WithLabelValues("error").Inc()
		e.log.Warn("checkpoint write failed", zap.Error(err))
		return
	}
	metrics.CheckpointWrites.WithLabelValues("ok").Inc()
}

// Offer returns the resource's recovery snapshot when one exists, is within
// the staleness window and has a matching chunk mirror. Inspecting the offer
// never mutates it, so repeated calls are safe; snapshots that fail the
// checks are discarded so they are not offered again.
func (e *Engine) Offer(ctx context.Context, resourceID string) (*RecoverySnapshot, error) {
	snapshot, err := e.loadSnapshot(ctx, resourceID)
	if err != nil {
		return nil, err
	}

	if e.now().Sub(snapshot.SavedAt) > e.retention {
		e.log.Info("discarding stale recovery snapshot",
			zap.String("session_id", snapshot.SessionID),
			zap.Time("saved_at", snapshot.SavedAt),
		)
		e.clearRecovery(ctx, resourceID, snapshot.SessionID)
		return nil, appErrors.ErrRecoveryUnavailable
	}

	// Snapshot and chunk mirror must agree; a snapshot without footage is
	// unrecoverable and vice versa is invisible anyway.
	if _, err := e.artifacts.GetRecoveryChunks(ctx, snapshot.SessionID); err != nil {
		e.log.Warn("recovery snapshot has no chunk mirror, discarding",
			zap.String("session_id", snapshot.SessionID),
		)
		e.clearRecovery(ctx, resourceID, snapshot.SessionID)
		return nil, appErrors.ErrRecoveryUnavailable
	}

	return snapshot, nil
}

// Recover resumes the snapshotted session: media is re-acquired, the chunk
// mirror seeds the recorder and recording continues under the original
// session id with the elapsed time and log timeline restored.
func (e *Engine) Recover(ctx context.Context, resourceID string) (string, error) {
	snapshot, err := e.Offer(ctx, resourceID)
	if err != nil {
		return "", err
	}

	chunks, err := e.artifacts.GetRecoveryChunks(ctx, snapshot.SessionID)
	if err != nil {
		return "", appErrors.ErrRecoveryUnavailable
	}

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
		camera.Stop()
		return "", appErrors.ErrMediaUnavailable.WithInternal(err)
	}

	now := e.now()
	e.sessionID = snapshot.SessionID
	e.resourceID = snapshot.ResourceID
	e.startedAt = snapshot.StartedAt
	e.accumulated = time.Duration(snapshot.ElapsedSeconds) * time.Second
	e.segmentFrom = now
	e.logs = append([]models.SessionLog(nil), snapshot.Logs...)
	e.latest = nil

	e.startRunLocked(ctx, camera, screen, chunks)
	e.setStateLocked(StateRecording)
	metrics.CaptureSessions.WithLabelValues("recovered").Inc()
	e.log.Info("session recovered",
		zap.String("session_id", e.sessionID),
		zap.Int64("elapsed_seconds", snapshot.ElapsedSeconds),
		zap.Int("restored_chunks", len(chunks)),
	)
	return e.sessionID, nil
}

// Discard drops the resource's recovery state without resuming it.
// Idempotent: discarding when nothing exists is not an error.
func (e *Engine) Discard(ctx context.Context, resourceID string) error {
	snapshot, err := e.loadSnapshot(ctx, resourceID)
	if err != nil {
		return nil
	}
	e.clearRecovery(ctx, resourceID, snapshot.SessionID)
	metrics.CaptureSessions.WithLabelValues("discarded").Inc()
	e.log.Info("recovery snapshot discarded", zap.String("session_id", snapshot.SessionID))
	return nil
}

func (e *Engine) loadSnapshot(ctx context.Context, resourceID string) (*RecoverySnapshot, error) {
	payload, found, err := e.cacheStore.Get(ctx, recoveryKey(resourceID))
	if err != nil {
		return nil, appErrors.Wrap(err, "failed to read recovery snapshot")
	}
	if !found {
		return nil, appErrors.ErrRecoveryUnavailable
	}

	var snapshot RecoverySnapshot
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		e.log.Warn("corrupt recovery snapshot, discarding", zap.Error(err))
		e.clearRecovery(ctx, resourceID, "")
		return nil, appErrors.ErrRecoveryUnavailable
	}
	return &snapshot, nil
}

// clearRecovery removes both halves of the recovery state. Errors are logged
// and swallowed; stale leftovers are caught by the maintenance sweep.
func (e *Engine) clearRecovery(ctx context.Context, resourceID, sessionID string) {
	if err := e.cacheStore.Delete(ctx, recoveryKey(resourceID)); err != nil {
		e.log.Warn("failed to delete recovery snapshot", zap.Error(err))
	}
	if sessionID != "" {
		if err := e.artifacts.ClearRecoveryChunks(ctx, sessionID); err != nil {
			e.log.Warn("failed to clear recovery chunks", zap.Error(err))
		}
	}
}

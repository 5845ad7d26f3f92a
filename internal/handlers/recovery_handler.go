package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/sentryview/sentryview/internal/session"
	appErrors "github.com/sentryview/sentryview/pkg/errors"
	"github.com/sentryview/sentryview/pkg/response"
)

// RecoveryHandler exposes the crash recovery offer/resume/discard flow.
type RecoveryHandler struct {
	engine *session.Engine
}

// NewRecoveryHandler constructs the handler.
func NewRecoveryHandler(engine *session.Engine) *RecoveryHandler {
	return &RecoveryHandler{engine: engine}
}

func resourceIDParam(c *gin.Context) (string, bool) {
	resourceID := strings.TrimSpace(c.Query("resource_id"))
	if resourceID == "" {
		response.Error(c, appErrors.NewBadRequest("resource_id is required"))
		return "", false
	}
	return resourceID, true
}

// Offer reports whether a recoverable snapshot exists for the resource.
// Calling it repeatedly is safe; the offer is read-only.
func (h *RecoveryHandler) Offer(c *gin.Context) {
	resourceID, ok := resourceIDParam(c)
	if !ok {
		return
	}

	snapshot, err := h.engine.Offer(c.Request.Context(), resourceID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{
		"session_id":      snapshot.SessionID,
		"started_at":      snapshot.StartedAt,
		"elapsed_seconds": snapshot.ElapsedSeconds,
		"saved_at":        snapshot.SavedAt,
		"log_count":       len(snapshot.Logs),
	})
}

type recoverRequest struct {
	ResourceID string `json:"resource_id"`
}

// Resume recovers the snapshotted session and continues recording.
func (h *RecoveryHandler) Resume(c *gin.Context) {
	var req recoverRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.ResourceID) == "" {
		response.Error(c, appErrors.NewBadRequest("resource_id is required"))
		return
	}

	sessionID, err := h.engine.Recover(c.Request.Context(), strings.TrimSpace(req.ResourceID))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"session_id": sessionID})
}

// Discard drops the resource's recovery state.
func (h *RecoveryHandler) Discard(c *gin.Context) {
	var req recoverRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.ResourceID) == "" {
		response.Error(c, appErrors.NewBadRequest("resource_id is required"))
		return
	}

	if err := h.engine.Discard(c.Request.Context(), strings.TrimSpace(req.ResourceID)); err != nil {
		response.Error(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

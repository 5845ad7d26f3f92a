// Package handlers exposes the capture engine and vault over the HTTP API.
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/sentryview/sentryview/internal/session"
	appErrors "github.com/sentryview/sentryview/pkg/errors"
	"github.com/sentryview/sentryview/pkg/response"
	"github.com/sentryview/sentryview/pkg/validator"
)

// CaptureHandler drives the session lifecycle endpoints.
type CaptureHandler struct {
	engine *session.Engine
}

// NewCaptureHandler constructs the handler.
func NewCaptureHandler(engine *session.Engine) *CaptureHandler {
	return &CaptureHandler{engine: engine}
}

type startRequest struct {
	ResourceID string `json:"resource_id" validate:"required,min=1,max=128"`
}

// Start begins a new capture session for a resource.
func (h *CaptureHandler) Start(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.NewBadRequest("invalid request payload"))
		return
	}
	req.ResourceID = strings.TrimSpace(req.ResourceID)
	if err := validator.ValidateStruct(&req); err != nil {
		response.Error(c, appErrors.NewBadRequest(err.Error()))
		return
	}

	sessionID, err := h.engine.Start(c.Request.Context(), req.ResourceID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusCreated, gin.H{"session_id": sessionID})
}

// Pause suspends the active session.
func (h *CaptureHandler) Pause(c *gin.Context) {
	if err := h.engine.Pause(c.Request.Context()); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, h.engine.Snapshot())
}

// Resume continues a paused session.
func (h *CaptureHandler) Resume(c *gin.Context) {
	if err := h.engine.Resume(c.Request.Context()); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, h.engine.Snapshot())
}

// Stop finalises the active session and returns the stored record.
func (h *CaptureHandler) Stop(c *gin.Context) {
	record, err := h.engine.Stop(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, record)
}

// State returns the live engine snapshot.
func (h *CaptureHandler) State(c *gin.Context) {
	response.Success(c, http.StatusOK, h.engine.Snapshot())
}

// Interaction records a user input ping for idle tracking.
func (h *CaptureHandler) Interaction(c *gin.Context) {
	h.engine.Interaction()
	c.Status(http.StatusNoContent)
}

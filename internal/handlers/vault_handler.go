package handlers

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/sentryview/sentryview/internal/storage"
	appErrors "github.com/sentryview/sentryview/pkg/errors"
	"github.com/sentryview/sentryview/pkg/response"
	"github.com/sentryview/sentryview/pkg/validator"
)

// VaultHandler serves stored sessions, their timelines and their videos.
type VaultHandler struct {
	sessions  *storage.SessionStore
	artifacts storage.ArtifactStore
}

// NewVaultHandler constructs the handler.
func NewVaultHandler(sessions *storage.SessionStore, artifacts storage.ArtifactStore) *VaultHandler {
	return &VaultHandler{sessions: sessions, artifacts: artifacts}
}

// List returns stored sessions, newest first.
func (h *VaultHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	status := c.Query("status")
	if status != "" {
		if err := validator.ValidateVar("status", status, validator.TagSessionStatus); err != nil {
			response.Error(c, appErrors.NewBadRequest(err.Error()))
			return
		}
	}

	sessions, total, err := h.sessions.List(c.Request.Context(), storage.SessionFilter{
		ResourceID: c.Query("resource_id"),
		Status:     status,
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.SuccessWithMeta(c, http.StatusOK, sessions, &response.Meta{Total: int(total)})
}

// Get returns one session with its full log timeline.
func (h *VaultHandler) Get(c *gin.Context) {
	record, err := h.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, record)
}

// Video streams the stored recording blob.
func (h *VaultHandler) Video(c *gin.Context) {
	record, err := h.sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}

	reader, size, err := h.artifacts.OpenVideo(c.Request.Context(), record.VideoPath)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer reader.Close()

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", record.ID+".svv"))
	c.DataFromReader(http.StatusOK, size, "application/octet-stream", reader, nil)
}

// Delete removes a session, its logs and its video artifact.
func (h *VaultHandler) Delete(c *gin.Context) {
	id := c.Param("id")

	record, err := h.sessions.Get(c.Request.Context(), id)
	if err != nil {
		response.Error(c, err)
		return
	}

	if record.VideoPath != "" {
		if err := h.artifacts.DeleteVideo(c.Request.Context(), record.VideoPath); err != nil {
			response.Error(c, err)
			return
		}
	}
	if err := h.sessions.Delete(c.Request.Context(), id); err != nil {
		response.Error(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

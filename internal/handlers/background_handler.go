package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/sentryview/sentryview/internal/models"
	"github.com/sentryview/sentryview/internal/storage"
	appErrors "github.com/sentryview/sentryview/pkg/errors"
	"github.com/sentryview/sentryview/pkg/response"
	"github.com/sentryview/sentryview/pkg/validator"
)

// BackgroundHandler serves virtual background preferences. Changes apply to
// the live pipeline on its next render tick.
type BackgroundHandler struct {
	backgrounds *storage.BackgroundStore
}

// NewBackgroundHandler constructs the handler.
func NewBackgroundHandler(backgrounds *storage.BackgroundStore) *BackgroundHandler {
	return &BackgroundHandler{backgrounds: backgrounds}
}

// Get returns the resource's background preference.
func (h *BackgroundHandler) Get(c *gin.Context) {
	resourceID, ok := resourceIDParam(c)
	if !ok {
		return
	}

	config, err := h.backgrounds.GetOrDefault(c.Request.Context(), resourceID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, config)
}

type backgroundRequest struct {
	ResourceID string `json:"resource_id" validate:"required,min=1,max=128"`
	Mode       string `json:"mode" validate:"required,oneof=image blur none"`
	BlurRadius int    `json:"blur_radius" validate:"omitempty,min=1,max=64"`
	SourceType string `json:"source_type" validate:"omitempty,oneof=default custom"`
	ImagePath  string `json:"image_path"`
}

// Update saves the resource's background preference.
func (h *BackgroundHandler) Update(c *gin.Context) {
	var req backgroundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.NewBadRequest("invalid request payload"))
		return
	}
	req.ResourceID = strings.TrimSpace(req.ResourceID)
	if err := validator.ValidateStruct(&req); err != nil {
		response.Error(c, appErrors.NewBadRequest(err.Error()))
		return
	}

	config, err := h.backgrounds.Update(c.Request.Context(), models.BackgroundConfig{
		ResourceID: req.ResourceID,
		Mode:       req.Mode,
		BlurRadius: req.BlurRadius,
		SourceType: req.SourceType,
		ImagePath:  strings.TrimSpace(req.ImagePath),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, config)
}

// Package api assembles the HTTP surface.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sentryview/sentryview/internal/handlers"
	"github.com/sentryview/sentryview/internal/middleware"
	"github.com/sentryview/sentryview/internal/realtime"
	"github.com/sentryview/sentryview/internal/session"
	"github.com/sentryview/sentryview/internal/storage"
	"github.com/sentryview/sentryview/pkg/response"
)

// Dependencies carries everything the router needs.
type Dependencies struct {
	Engine      *session.Engine
	Sessions    *storage.SessionStore
	Backgrounds *storage.BackgroundStore
	Artifacts   storage.ArtifactStore
	Hub         *realtime.Hub
}

// NewRouter builds the gin engine with all routes and middleware attached.
func NewRouter(deps Dependencies) *gin.Engine {
	router := gin.New()
	router.Use(middleware.Recovery(), middleware.Logger(), middleware.Metrics())
	router.NoRoute(middleware.NotFoundHandler)

	router.GET("/healthz", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	capture := handlers.NewCaptureHandler(deps.Engine)
	recovery := handlers.NewRecoveryHandler(deps.Engine)
	vault := handlers.NewVaultHandler(deps.Sessions, deps.Artifacts)
	background := handlers.NewBackgroundHandler(deps.Backgrounds)

	v1 := router.Group("/api/v1")
	{
		captureGroup := v1.Group("/capture")
		{
			captureGroup.POST("/start", capture.Start)
			captureGroup.POST("/pause", capture.Pause)
			captureGroup.POST("/resume", capture.Resume)
			captureGroup.POST("/stop", capture.Stop)
			captureGroup.GET("/state", capture.State)
			captureGroup.POST("/interaction", capture.Interaction)
		}

		recoveryGroup := v1.Group("/recovery")
		{
			recoveryGroup.GET("/offer", recovery.Offer)
			recoveryGroup.POST("/resume", recovery.Resume)
			recoveryGroup.POST("/discard", recovery.Discard)
		}

		sessionsGroup := v1.Group("/sessions")
		{
			sessionsGroup.GET("", vault.List)
			sessionsGroup.GET("/:id", vault.Get)
			sessionsGroup.GET("/:id/video", vault.Video)
			sessionsGroup.DELETE("/:id", vault.Delete)
		}

		backgroundGroup := v1.Group("/background")
		{
			backgroundGroup.GET("", background.Get)
			backgroundGroup.PUT("", background.Update)
		}
	}

	if deps.Hub != nil {
		router.GET("/ws", func(c *gin.Context) {
			deps.Hub.Serve(c.QueryArray("stream"), c.Writer, c.Request)
		})
	}

	return router
}

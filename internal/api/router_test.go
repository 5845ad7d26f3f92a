package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/sentryview/sentryview/internal/classify"
	"github.com/sentryview/sentryview/internal/database/testutil"
	"github.com/sentryview/sentryview/internal/media"
	"github.com/sentryview/sentryview/internal/models"
	"github.com/sentryview/sentryview/internal/session"
	"github.com/sentryview/sentryview/internal/storage"
	"github.com/sentryview/sentryview/internal/vision"
)

type apiCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

func (c *apiCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = append([]byte(nil), value...)
	return nil
}

func (c *apiCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.entries[key]
	return value, ok, nil
}

func (c *apiCache) Delete(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.entries, key)
	}
	return nil
}

type apiClassifier struct{}

func (apiClassifier) Classify(ctx context.Context, sample classify.Sample) (classify.Result, error) {
	return classify.Result{Summary: "working", Category: "work", RiskLevel: models.RiskLow}, nil
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.MustOpenTestDB(t, testutil.WithAutoMigrate())
	artifacts, err := storage.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)

	sessions := storage.NewSessionStore(db)
	backgrounds := storage.NewBackgroundStore(db)
	engine := session.NewEngine(
		media.NewSyntheticSource(),
		func() vision.Segmenter { return vision.NewEllipseSegmenter() },
		apiClassifier{},
		artifacts,
		sessions,
		backgrounds,
		&apiCache{entries: map[string][]byte{}},
	)

	return NewRouter(Dependencies{
		Engine:      engine,
		Sessions:    sessions,
		Backgrounds: backgrounds,
		Artifacts:   artifacts,
	})
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	router := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCaptureLifecycleOverHTTP(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/capture/start", gin.H{"resource_id": "res-1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var started struct {
		Data struct {
			SessionID string `json:"session_id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	require.NotEmpty(t, started.Data.SessionID)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/capture/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"state":"recording"`)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/capture/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, router, http.MethodPost, "/api/v1/capture/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/capture/interaction", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/capture/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), started.Data.SessionID)

	// The stored session is now visible in the vault with its video.
	rec = doJSON(t, router, http.MethodGet, "/api/v1/sessions?resource_id=res-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"secure"`)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/sessions/"+started.Data.SessionID+"/video", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodDelete, "/api/v1/sessions/"+started.Data.SessionID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = doJSON(t, router, http.MethodGet, "/api/v1/sessions/"+started.Data.SessionID, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLifecycleConflictsSurfaceAs409(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/capture/pause", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), "capture.invalid_state")

	rec = doJSON(t, router, http.MethodPost, "/api/v1/capture/start", gin.H{"resource_id": "res-1"})
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = doJSON(t, router, http.MethodPost, "/api/v1/capture/start", gin.H{"resource_id": "res-1"})
	require.Equal(t, http.StatusConflict, rec.Code)

	doJSON(t, router, http.MethodPost, "/api/v1/capture/stop", nil)
}

func TestStartValidation(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodPost, "/api/v1/capture/start", gin.H{})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/capture/start", gin.H{"resource_id": "   "})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecoveryOfferWithoutSnapshot(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/recovery/offer?resource_id=res-1", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "capture.no_recovery")

	rec = doJSON(t, router, http.MethodGet, "/api/v1/recovery/offer", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodPost, "/api/v1/recovery/discard", gin.H{"resource_id": "res-1"})
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestBackgroundConfigRoundTrip(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/background?resource_id=res-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"mode":"none"`)

	rec = doJSON(t, router, http.MethodPut, "/api/v1/background", gin.H{
		"resource_id": "res-1",
		"mode":        "blur",
		"blur_radius": 12,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/background?resource_id=res-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"mode":"blur"`)
	require.Contains(t, rec.Body.String(), `"blur_radius":12`)

	rec = doJSON(t, router, http.MethodPut, "/api/v1/background", gin.H{
		"resource_id": "res-1",
		"mode":        "image",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code, "image mode needs a path")

	rec = doJSON(t, router, http.MethodPut, "/api/v1/background", gin.H{
		"resource_id": "res-1",
		"mode":        "hologram",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVaultListRejectsUnknownStatus(t *testing.T) {
	router := newTestRouter(t)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/sessions?status=archived", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/sessions?status=secure", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestUnknownRouteReturnsJSON404(t *testing.T) {
	router := newTestRouter(t)
	rec := doJSON(t, router, http.MethodGet, "/api/v1/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "NOT_FOUND")
}

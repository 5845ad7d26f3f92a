// Package classify turns periodic capture samples into activity judgements
// via an external vision-language service.
package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sentryview/sentryview/internal/models"
)

// A remote inference round trip is slow; the timeout bounds how long one
// sampler tick can stall.
const defaultRequestTimeout = 20 * time.Second

// Sample carries one sampler tick worth of evidence.
type Sample struct {
	ImageBase64 string
	AudioPCM    []byte
	CameraOn    bool
}

// Result is the service's judgement of what the sample shows.
type Result struct {
	Summary   string
	Category  string
	RiskLevel string
}

// Classifier judges capture samples. Implementations must be safe for
// sequential reuse; the sampler issues at most one call at a time.
type Classifier interface {
	Classify(ctx context.Context, sample Sample) (Result, error)
}

// HTTPClassifier calls a JSON inference endpoint.
type HTTPClassifier struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

// HTTPOption customises an HTTPClassifier.
type HTTPOption func(*HTTPClassifier)

// WithHTTPClient swaps the underlying HTTP client, primarily for tests.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(c *HTTPClassifier) {
		if client != nil {
			c.client = client
		}
	}
}

// WithModel selects the remote model identifier.
func WithModel(model string) HTTPOption {
	return func(c *HTTPClassifier) {
		if model != "" {
			c.model = model
		}
	}
}

// WithRequestTimeout bounds each classification round trip.
func WithRequestTimeout(timeout time.Duration) HTTPOption {
	return func(c *HTTPClassifier) {
		if timeout > 0 {
			c.client.Timeout = timeout
		}
	}
}

// NewHTTPClassifier constructs a classifier against the given endpoint.
func NewHTTPClassifier(endpoint, apiKey string, opts ...HTTPOption) *HTTPClassifier {
	c := &HTTPClassifier{
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		model:    "activity-classifier-v1",
		client:   &http.Client{Timeout: defaultRequestTimeout},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

type classifyRequest struct {
	Model       string `json:"model"`
	ImageBase64 string `json:"image_base64"`
	AudioPCM    []byte `json:"audio_pcm,omitempty"`
	CameraOn    bool   `json:"camera_on"`
}

type classifyResponse struct {
	Summary   string `json:"summary"`
	Category  string `json:"category"`
	RiskLevel string `json:"risk_level"`
}

// Classify posts the sample to the inference endpoint and normalises the
// response.
func (c *HTTPClassifier) Classify(ctx context.Context, sample Sample) (Result, error) {
	if c == nil || c.endpoint == "" {
		return Result{}, fmt.Errorf("classifier: endpoint not configured")
	}

	body, err := json.Marshal(classifyRequest{
		Model:       c.model,
		ImageBase64: sample.ImageBase64,
		AudioPCM:    sample.AudioPCM,
		CameraOn:    sample.CameraOn,
	})
	if err != nil {
		return Result{}, fmt.Errorf("classifier: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/classify", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("classifier: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("classifier: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Result{}, fmt.Errorf("classifier: unexpected status %d", resp.StatusCode)
	}

	var decoded classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Result{}, fmt.Errorf("classifier: decode response: %w", err)
	}

	result := Result{
		Summary:   strings.TrimSpace(decoded.Summary),
		Category:  strings.TrimSpace(strings.ToLower(decoded.Category)),
		RiskLevel: normaliseRisk(decoded.RiskLevel),
	}
	if result.Summary == "" {
		return Result{}, fmt.Errorf("classifier: empty summary in response")
	}
	if result.Category == "" {
		result.Category = "general"
	}
	return result, nil
}

func normaliseRisk(level string) string {
	switch strings.TrimSpace(strings.ToLower(level)) {
	case models.RiskHigh:
		return models.RiskHigh
	case models.RiskMedium:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}

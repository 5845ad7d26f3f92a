package classify

import (
	"context"

	"go.uber.org/zap"

	"github.com/sentryview/sentryview/internal/models"
	"github.com/sentryview/sentryview/pkg/logger"
	"github.com/sentryview/sentryview/pkg/metrics"
)

// fallbackResult is recorded when the upstream classifier is unreachable or
// misbehaves. The session log still gets exactly one entry for the tick.
var fallbackResult = Result{
	Summary:   "Activity captured; automatic analysis unavailable",
	Category:  "general",
	RiskLevel: models.RiskLow,
}

// FallbackClassifier wraps another classifier and never returns an error:
// any upstream failure is absorbed into a low-risk placeholder result.
type FallbackClassifier struct {
	inner Classifier
	log   *zap.Logger
}

// WithFallback wraps a classifier with the never-failing decorator.
func WithFallback(inner Classifier) *FallbackClassifier {
	return &FallbackClassifier{
		inner: inner,
		log:   logger.WithModule("classify"),
	}
}

// Classify delegates to the wrapped classifier, substituting the placeholder
// result on failure.
func (c *FallbackClassifier) Classify(ctx context.Context, sample Sample) (Result, error) {
	if c == nil || c.inner == nil {
		metrics.ClassificationCalls.WithLabelValues("fallback").Inc()
		return fallbackResult, nil
	}

	result, err := c.inner.Classify(ctx, sample)
	if err != nil {
		c.log.Warn("classification failed, recording fallback entry", zap.Error(err))
		metrics.ClassificationCalls.WithLabelValues("fallback").Inc()
		return fallbackResult, nil
	}

	metrics.ClassificationCalls.WithLabelValues("ok").Inc()
	return result, nil
}

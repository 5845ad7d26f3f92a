package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CaptureSessions records session lifecycle events (started|completed|recovered|discarded).
	CaptureSessions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentryview_capture_sessions_total",
			Help: "Total number of capture session lifecycle events",
		},
		[]string{"event"},
	)

	// ActiveCaptureState tracks the engine state as a gauge (0 idle, 1 recording, 2 paused, 3 uploading).
	ActiveCaptureState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sentryview_capture_state",
			Help: "Current capture engine state",
		},
	)

	// RecorderChunks counts encoded recorder chunks by disposition (buffered|checkpointed|flushed).
	RecorderChunks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentryview_recorder_chunks_total",
			Help: "Total number of recorder chunks processed",
		},
		[]string{"disposition"},
	)

	// ClassificationCalls counts analysis sampler classification calls by result (ok|fallback).
	ClassificationCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentryview_classification_calls_total",
			Help: "Total number of classification calls issued by the analysis sampler",
		},
		[]string{"result"},
	)

	// SegmentationFailures counts swallowed per-frame segmentation errors.
	SegmentationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sentryview_segmentation_failures_total",
			Help: "Total number of per-frame segmentation failures absorbed by the background pipeline",
		},
	)

	// CheckpointWrites counts write-ahead snapshot attempts by result (ok|error).
	CheckpointWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sentryview_checkpoint_writes_total",
			Help: "Total number of recovery checkpoint writes",
		},
		[]string{"result"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sentryview_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

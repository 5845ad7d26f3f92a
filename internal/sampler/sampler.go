// Package sampler periodically captures stills and audio snippets from the
// live session and turns them into activity log entries.
package sampler

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sentryview/sentryview/internal/classify"
	"github.com/sentryview/sentryview/internal/media"
	"github.com/sentryview/sentryview/internal/models"
	"github.com/sentryview/sentryview/internal/vision"
	"github.com/sentryview/sentryview/pkg/logger"
)

const (
	defaultActiveInterval = 15 * time.Second
	defaultIdleInterval   = 60 * time.Second

	audioSnippetDuration = 2 * time.Second

	// Screen still sent for classification, downscaled from the full
	// capture before JPEG compression.
	stillWidth       = 640
	stillHeight      = 360
	stillJPEGQuality = 70

	// Thumbnail attached to the log entry.
	thumbnailWidth       = 160
	thumbnailHeight      = 90
	thumbnailJPEGQuality = 50
)

// EmitFunc receives exactly one log entry per completed sampler tick.
type EmitFunc func(entry models.SessionLog)

// IdleFunc reports whether the user is currently idle, read once per tick to
// pick the next interval.
type IdleFunc func() bool

// Sampler drives the analysis cadence: on each tick it grabs a still from the
// screen feed, a short audio snippet when the microphone is live, classifies
// the pair and emits a single log entry. The camera track contributes only
// its liveness flag. The cadence stretches while the user is idle.
type Sampler struct {
	screen     media.VideoTrack
	camera     media.VideoTrack
	audio      media.AudioTrack
	classifier classify.Classifier
	emit       EmitFunc
	isIdle     IdleFunc
	now        func() time.Time
	activeIvl  time.Duration
	idleIvl    time.Duration
	log        *zap.Logger

	mu     sync.Mutex
	paused bool

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option customises a Sampler.
type Option func(*Sampler)

// WithIntervals overrides the active and idle cadences, primarily for tests.
func WithIntervals(active, idle time.Duration) Option {
	return func(s *Sampler) {
		if active > 0 {
			s.activeIvl = active
		}
		if idle > 0 {
			s.idleIvl = idle
		}
	}
}

// WithNow overrides the log timestamp clock.
func WithNow(now func() time.Time) Option {
	return func(s *Sampler) {
		if now != nil {
			s.now = now
		}
	}
}

// New constructs a sampler. The camera and audio tracks may be nil; ticks
// then classify on the screen still alone.
func New(screen, camera media.VideoTrack, audio media.AudioTrack, classifier classify.Classifier, isIdle IdleFunc, emit EmitFunc, opts ...Option) *Sampler {
	s := &Sampler{
		screen:     screen,
		camera:     camera,
		audio:      audio,
		classifier: classifier,
		emit:       emit,
		isIdle:     isIdle,
		now:        time.Now,
		activeIvl:  defaultActiveInterval,
		idleIvl:    defaultIdleInterval,
		log:        logger.WithModule("sampler"),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Interval returns the cadence implied by the current idle state.
func (s *Sampler) Interval() time.Duration {
	if s.isIdle != nil && s.isIdle() {
		return s.idleIvl
	}
	return s.activeIvl
}

// Pause suspends sampling: no stills, no audio capture and no classifier
// calls until Resume.
func (s *Sampler) Pause() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume lifts a pause.
func (s *Sampler) Resume() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
}

// Start launches the sampling loop. Subsequent calls are no-ops.
func (s *Sampler) Start(ctx context.Context) {
	if s == nil {
		return
	}
	s.startOnce.Do(func() {
		loopCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		go s.run(loopCtx)
	})
}

// Stop halts the sampling loop.
func (s *Sampler) Stop() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
			<-s.done
		}
	})
}

// SampleOnce executes a single tick synchronously. Exposed so tests can
// drive the sampler without the timer loop.
func (s *Sampler) SampleOnce(ctx context.Context) {
	s.sampleTick(ctx)
}

func (s *Sampler) run(ctx context.Context) {
	defer close(s.done)

	// A timer rather than a ticker: the interval is re-read after every
	// tick so idle transitions take effect on the next sample.
	timer := time.NewTimer(s.Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.sampleTick(ctx)
			timer.Reset(s.Interval())
		}
	}
}

func (s *Sampler) sampleTick(ctx context.Context) {
	if s.classifier == nil || s.emit == nil {
		return
	}
	s.mu.Lock()
	paused := s.paused
	s.mu.Unlock()
	if paused {
		return
	}

	cameraOn := s.camera != nil && s.camera.Live()

	var frame media.Frame
	var hasFrame bool
	if s.screen != nil && s.screen.Live() {
		frame, hasFrame = s.screen.Latest()
	}

	sample := classify.Sample{CameraOn: cameraOn}
	var thumbnail string
	if hasFrame {
		still := vision.ScaleFrame(frame, stillWidth, stillHeight)
		if encoded, err := still.EncodeJPEG(stillJPEGQuality); err != nil {
			s.log.Warn("still encode failed", zap.Error(err))
		} else {
			sample.ImageBase64 = base64.StdEncoding.EncodeToString(encoded)
		}
		thumb := vision.ScaleFrame(frame, thumbnailWidth, thumbnailHeight)
		if encoded, err := thumb.EncodeJPEG(thumbnailJPEGQuality); err == nil {
			thumbnail = base64.StdEncoding.EncodeToString(encoded)
		}
	}

	if s.audio != nil && s.audio.Live() {
		snippet, err := s.audio.Snippet(ctx, audioSnippetDuration)
		if err != nil {
			s.log.Debug("audio snippet unavailable", zap.Error(err))
		} else {
			sample.AudioPCM = snippet
		}
	}

	result, err := s.classifier.Classify(ctx, sample)
	if err != nil {
		// Only bare classifiers can fail; the fallback wrapper absorbs
		// errors. Either way the tick must not emit twice, so give up.
		s.log.Warn("classification error", zap.Error(err))
		return
	}

	s.emit(models.SessionLog{
		Timestamp:  s.now(),
		Type:       logTypeFor(result),
		Category:   result.Category,
		IsCameraOn: cameraOn,
		Message:    result.Summary,
		Confidence: result.RiskLevel,
		Thumbnail:  thumbnail,
	})
}

// logTypeFor buckets a classification into the log taxonomy: elevated risk is
// a compliance entry, meetings keep their own type, everything else is
// routine activity.
func logTypeFor(result classify.Result) string {
	if result.RiskLevel != models.RiskLow {
		return models.LogTypeCompliance
	}
	if result.Category == "meeting" {
		return models.LogTypeMeeting
	}
	return models.LogTypeActivity
}

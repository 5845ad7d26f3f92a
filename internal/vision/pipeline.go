package vision

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sentryview/sentryview/internal/media"
	"github.com/sentryview/sentryview/internal/models"
	"github.com/sentryview/sentryview/pkg/logger"
	"github.com/sentryview/sentryview/pkg/metrics"
)

const (
	// ~30 fps render cadence.
	defaultRenderInterval = 33 * time.Millisecond

	// Small window after the render loop exits before the segmenter is
	// closed, so a straggling inference call can finish first.
	closeGraceDelay = 50 * time.Millisecond

	featherRadius = 3
)

// ConfigProvider returns the background preference in force for the current
// render tick. The pipeline snapshots it once per tick so a mid-session
// settings change takes effect on the next frame.
type ConfigProvider func() models.BackgroundConfig

// ImageLoader resolves a configured background image path to a decoded frame.
type ImageLoader func(path string) (media.Frame, bool)

// Pipeline renders the processed camera feed: it pulls raw frames from the
// camera track, applies the fixed subject zoom, segments the subject and
// composites it over the configured background. Mode "none" bypasses
// segmentation entirely and passes raw frames through at full cadence.
type Pipeline struct {
	raw       media.VideoTrack
	segmenter Segmenter
	config    ConfigProvider
	loadImage ImageLoader
	interval  time.Duration
	log       *zap.Logger

	mu      sync.Mutex
	current media.Frame
	has     bool

	imageMu    sync.Mutex
	imagePath  string
	imageFrame media.Frame
	imageOK    bool

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// PipelineOption customises a Pipeline.
type PipelineOption func(*Pipeline)

// WithRenderInterval overrides the render cadence, primarily for tests.
func WithRenderInterval(interval time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if interval > 0 {
			p.interval = interval
		}
	}
}

// WithImageLoader installs the background image resolver.
func WithImageLoader(load ImageLoader) PipelineOption {
	return func(p *Pipeline) {
		if load != nil {
			p.loadImage = load
		}
	}
}

// NewPipeline constructs a background pipeline over the supplied raw camera
// track. The provider must not be nil; a nil segmenter forces pass-through.
func NewPipeline(raw media.VideoTrack, segmenter Segmenter, config ConfigProvider, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		raw:       raw,
		segmenter: segmenter,
		config:    config,
		loadImage: func(string) (media.Frame, bool) { return media.Frame{}, false },
		interval:  defaultRenderInterval,
		log:       logger.WithModule("vision"),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start launches the render loop. Subsequent calls are no-ops.
func (p *Pipeline) Start(ctx context.Context) {
	if p == nil {
		return
	}
	p.startOnce.Do(func() {
		loopCtx, cancel := context.WithCancel(ctx)
		p.cancel = cancel
		go p.run(loopCtx)
	})
}

// Stop halts the render loop, waits for any in-flight inference to complete
// and then closes the segmenter. The raw track is left untouched; only the
// session owns device teardown.
func (p *Pipeline) Stop() {
	if p == nil {
		return
	}
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
			<-p.done
		}
		time.Sleep(closeGraceDelay)
		if p.segmenter != nil {
			if err := p.segmenter.Close(); err != nil {
				p.log.Warn("segmenter close failed", zap.Error(err))
			}
		}
	})
}

// Output exposes the processed feed as a video track. Stopping the returned
// track is a no-op; lifecycle stays with the pipeline owner.
func (p *Pipeline) Output() media.VideoTrack {
	return pipelineTrack{pipeline: p}
}

// Latest returns the most recently rendered frame.
func (p *Pipeline) Latest() (media.Frame, bool) {
	if p == nil {
		return media.Frame{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.has {
		return media.Frame{}, false
	}
	return p.current, true
}

// RenderOnce executes a single render tick synchronously. Exposed so tests
// can drive the pipeline without the timer loop.
func (p *Pipeline) RenderOnce(ctx context.Context) {
	p.renderTick(ctx)
}

func (p *Pipeline) run(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.renderTick(ctx)
		}
	}
}

func (p *Pipeline) renderTick(ctx context.Context) {
	frame, ok := p.raw.Latest()
	if !ok {
		return
	}

	cfg := p.config()
	if cfg.Mode == models.BackgroundModeNone || p.segmenter == nil {
		p.publish(frame)
		return
	}

	subject := ZoomFrame(frame)

	mask, err := p.segmenter.Segment(ctx, frame)
	if err != nil {
		// A single bad frame must not tear the feed down. Publish the
		// zoomed frame unprocessed and count the failure.
		metrics.SegmentationFailures.Inc()
		p.log.Debug("segmentation failed, passing frame through", zap.Error(err))
		p.publish(subject)
		return
	}

	mask = FeatherMask(ZoomMask(mask), featherRadius)

	var background media.Frame
	switch cfg.Mode {
	case models.BackgroundModeBlur:
		background = BlurFrame(subject, cfg.BlurRadius)
	case models.BackgroundModeImage:
		if img, ok := p.backgroundImage(cfg.ImagePath); ok {
			background = img
		} else {
			background = BlurFrame(subject, cfg.BlurRadius)
		}
	default:
		p.publish(subject)
		return
	}

	p.publish(BlendWithMask(subject, background, mask))
}

// backgroundImage returns the decoded background still, loading and caching
// it the first time a path is seen.
func (p *Pipeline) backgroundImage(path string) (media.Frame, bool) {
	if path == "" {
		return media.Frame{}, false
	}
	p.imageMu.Lock()
	defer p.imageMu.Unlock()
	if p.imagePath != path {
		p.imageFrame, p.imageOK = p.loadImage(path)
		p.imagePath = path
		if !p.imageOK {
			p.log.Warn("background image unavailable", zap.String("path", path))
		}
	}
	return p.imageFrame, p.imageOK
}

func (p *Pipeline) publish(frame media.Frame) {
	p.mu.Lock()
	p.current = frame
	p.has = true
	p.mu.Unlock()
}

// pipelineTrack adapts the pipeline output to the video track contract used
// by downstream consumers. Stop is deliberately inert; shared tracks are only
// released through the owning session's teardown.
type pipelineTrack struct {
	pipeline *Pipeline
}

func (t pipelineTrack) Latest() (media.Frame, bool) { return t.pipeline.Latest() }

func (t pipelineTrack) Live() bool { return t.pipeline.raw != nil && t.pipeline.raw.Live() }

func (t pipelineTrack) Stop() {}

// Package compositor merges the screen and processed camera feeds into the
// single canvas the recorder encodes.
package compositor

import (
	"context"
	"sync"
	"time"

	"github.com/sentryview/sentryview/internal/media"
	"github.com/sentryview/sentryview/pkg/logger"
	"go.uber.org/zap"
)

// Canvas geometry is fixed; source feeds are scaled to fit.
const (
	CanvasWidth  = 1280
	CanvasHeight = 720

	defaultFrameInterval = 33 * time.Millisecond

	// Camera picture-in-picture inset, anchored bottom-right.
	insetWidth   = 256
	insetHeight  = 192
	insetMargin  = 16
	insetBorder  = 2
	borderR      = 0xe8
	borderG      = 0xe8
	borderB      = 0xe8
	placeholderR = 0x1c
	placeholderG = 0x1c
	placeholderB = 0x22
)

// Compositor renders the recording canvas at a steady cadence: the screen
// feed fills the frame and the camera feed is drawn as a bottom-right inset.
// Until the screen delivers its first frame a solid placeholder is painted so
// the recorder never starves.
type Compositor struct {
	screen   media.VideoTrack
	camera   media.VideoTrack
	interval time.Duration
	now      func() time.Time
	log      *zap.Logger

	mu            sync.Mutex
	current       media.Frame
	has           bool
	cameraOverlay bool

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option customises a Compositor.
type Option func(*Compositor)

// WithFrameInterval overrides the render cadence, primarily for tests.
func WithFrameInterval(interval time.Duration) Option {
	return func(c *Compositor) {
		if interval > 0 {
			c.interval = interval
		}
	}
}

// WithNow overrides the frame timestamp clock.
func WithNow(now func() time.Time) Option {
	return func(c *Compositor) {
		if now != nil {
			c.now = now
		}
	}
}

// New constructs a compositor over the supplied feeds. The camera track may
// be the processed pipeline output; either track may go dead mid-session and
// the compositor keeps painting with what remains.
func New(screen media.VideoTrack, camera media.VideoTrack, opts ...Option) *Compositor {
	c := &Compositor{
		screen:        screen,
		camera:        camera,
		interval:      defaultFrameInterval,
		now:           time.Now,
		log:           logger.WithModule("compositor"),
		cameraOverlay: true,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Start launches the render loop. Subsequent calls are no-ops.
func (c *Compositor) Start(ctx context.Context) {
	if c == nil {
		return
	}
	c.startOnce.Do(func() {
		loopCtx, cancel := context.WithCancel(ctx)
		c.cancel = cancel
		go c.run(loopCtx)
	})
}

// Stop halts the render loop. Source tracks are left untouched.
func (c *Compositor) Stop() {
	if c == nil {
		return
	}
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
			<-c.done
		}
	})
}

// SetCameraOverlay toggles whether the camera inset is drawn. Takes effect on
// the next rendered frame.
func (c *Compositor) SetCameraOverlay(enabled bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.cameraOverlay = enabled
	c.mu.Unlock()
}

// Output exposes the composited canvas as a video track. Stopping the
// returned track is a no-op.
func (c *Compositor) Output() media.VideoTrack {
	return compositorTrack{compositor: c}
}

// Latest returns the most recently composited frame.
func (c *Compositor) Latest() (media.Frame, bool) {
	if c == nil {
		return media.Frame{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.has {
		return media.Frame{}, false
	}
	return c.current, true
}

// RenderOnce executes a single composite tick synchronously, for tests.
func (c *Compositor) RenderOnce() {
	c.renderTick()
}

func (c *Compositor) run(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.renderTick()
		}
	}
}

func (c *Compositor) renderTick() {
	canvas := c.baseLayer()

	c.mu.Lock()
	overlay := c.cameraOverlay
	c.mu.Unlock()

	if overlay && c.camera != nil {
		if frame, ok := c.camera.Latest(); ok {
			drawInset(canvas, frame)
		}
	}

	c.mu.Lock()
	c.current = canvas
	c.has = true
	c.mu.Unlock()
}

// baseLayer returns the screen feed scaled to the canvas, or the placeholder
// fill while the screen has produced nothing.
func (c *Compositor) baseLayer() media.Frame {
	if c.screen != nil {
		if frame, ok := c.screen.Latest(); ok {
			return scaleToCanvas(frame, c.now())
		}
	}
	return media.NewFilledFrame(CanvasWidth, CanvasHeight, placeholderR, placeholderG, placeholderB, c.now())
}

func scaleToCanvas(frame media.Frame, at time.Time) media.Frame {
	if frame.Width == CanvasWidth && frame.Height == CanvasHeight {
		out := frame.Clone()
		out.CapturedAt = at
		return out
	}
	out := media.Frame{Width: CanvasWidth, Height: CanvasHeight, RGBA: make([]byte, CanvasWidth*CanvasHeight*4), CapturedAt: at}
	for y := 0; y < CanvasHeight; y++ {
		srcY := y * frame.Height / CanvasHeight
		for x := 0; x < CanvasWidth; x++ {
			srcX := x * frame.Width / CanvasWidth
			src := (srcY*frame.Width + srcX) * 4
			dst := (y*CanvasWidth + x) * 4
			copy(out.RGBA[dst:dst+4], frame.RGBA[src:src+4])
		}
	}
	return out
}

// drawInset paints the camera frame into the bottom-right corner with a thin
// border, scaling with nearest-neighbour sampling.
func drawInset(canvas media.Frame, camera media.Frame) {
	if camera.Empty() {
		return
	}

	left := CanvasWidth - insetWidth - insetMargin
	top := CanvasHeight - insetHeight - insetMargin

	for y := -insetBorder; y < insetHeight+insetBorder; y++ {
		for x := -insetBorder; x < insetWidth+insetBorder; x++ {
			cy := top + y
			cx := left + x
			if cy < 0 || cy >= CanvasHeight || cx < 0 || cx >= CanvasWidth {
				continue
			}
			dst := (cy*CanvasWidth + cx) * 4
			if y < 0 || y >= insetHeight || x < 0 || x >= insetWidth {
				canvas.RGBA[dst] = borderR
				canvas.RGBA[dst+1] = borderG
				canvas.RGBA[dst+2] = borderB
				canvas.RGBA[dst+3] = 0xff
				continue
			}
			srcY := y * camera.Height / insetHeight
			srcX := x * camera.Width / insetWidth
			src := (srcY*camera.Width + srcX) * 4
			copy(canvas.RGBA[dst:dst+4], camera.RGBA[src:src+4])
		}
	}
}

type compositorTrack struct {
	compositor *Compositor
}

func (t compositorTrack) Latest() (media.Frame, bool) { return t.compositor.Latest() }

func (t compositorTrack) Live() bool {
	select {
	case <-t.compositor.done:
		return false
	default:
		return true
	}
}

func (t compositorTrack) Stop() {}

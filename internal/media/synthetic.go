package media

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

const (
	syntheticCameraWidth  = 640
	syntheticCameraHeight = 480
	syntheticScreenWidth  = 1280
	syntheticScreenHeight = 720

	// 16 kHz mono 16-bit PCM for synthetic microphone snippets.
	syntheticSampleRate = 16000
)

// SyntheticSource generates camera and screen streams in software. It is the
// default Source in deployments without a platform capture backend and the
// building block for test fakes.
type SyntheticSource struct {
	mu         sync.Mutex
	lost       chan LostEvent
	cameraErr  error
	screenErr  error
	noScreen   bool
	now        func() time.Time
	acquired   []*Stream
}

// SyntheticOption customises a SyntheticSource.
type SyntheticOption func(*SyntheticSource)

// WithCameraError forces camera acquisition to fail, simulating a denied
// permission or missing device.
func WithCameraError(err error) SyntheticOption {
	return func(s *SyntheticSource) { s.cameraErr = err }
}

// WithScreenError forces screen acquisition to fail outright, unlike
// WithScreenUnavailable which degrades to the placeholder stream.
func WithScreenError(err error) SyntheticOption {
	return func(s *SyntheticSource) { s.screenErr = err }
}

// WithScreenUnavailable makes screen acquisition fall back to the placeholder
// stream, mirroring platforms where display capture is not permitted.
func WithScreenUnavailable() SyntheticOption {
	return func(s *SyntheticSource) { s.noScreen = true }
}

// WithClock overrides the frame timestamp clock, primarily for tests.
func WithClock(now func() time.Time) SyntheticOption {
	return func(s *SyntheticSource) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSyntheticSource constructs a software media source.
func NewSyntheticSource(opts ...SyntheticOption) *SyntheticSource {
	s := &SyntheticSource{
		lost: make(chan LostEvent, 4),
		now:  time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// AcquireCamera returns a synthetic camera stream with a microphone track.
func (s *SyntheticSource) AcquireCamera(ctx context.Context) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cameraErr != nil {
		return nil, s.cameraErr
	}

	stream := &Stream{
		Video: newSyntheticTrack(syntheticCameraWidth, syntheticCameraHeight, 0x30, 0x60, 0x90, s.now),
		Audio: newSyntheticAudioTrack(s.now),
	}
	s.acquired = append(s.acquired, stream)
	return stream, nil
}

// AcquireScreen returns a synthetic screen stream, or the grey placeholder
// stream when screen capture is unavailable.
func (s *SyntheticSource) AcquireScreen(ctx context.Context) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.screenErr != nil {
		return nil, s.screenErr
	}

	var stream *Stream
	if s.noScreen {
		stream = NewPlaceholderScreenStream(s.now)
	} else {
		stream = &Stream{Video: newSyntheticTrack(syntheticScreenWidth, syntheticScreenHeight, 0x10, 0x10, 0x18, s.now)}
	}
	s.acquired = append(s.acquired, stream)
	return stream, nil
}

// Lost exposes the device-revoked event channel.
func (s *SyntheticSource) Lost() <-chan LostEvent {
	return s.lost
}

// RevokeScreen simulates the user ending screen share at the OS level. It
// stops the screen tracks and emits a lost event.
func (s *SyntheticSource) RevokeScreen(reason string) {
	s.mu.Lock()
	for _, stream := range s.acquired {
		if track, ok := stream.Video.(*syntheticTrack); ok && track.width == syntheticScreenWidth {
			track.Stop()
		}
	}
	s.mu.Unlock()

	select {
	case s.lost <- LostEvent{Kind: KindScreen, Reason: reason}:
	default:
	}
}

// NewPlaceholderScreenStream builds the solid-fill stand-in stream used when
// screen capture cannot be acquired.
func NewPlaceholderScreenStream(now func() time.Time) *Stream {
	if now == nil {
		now = time.Now
	}
	return &Stream{Video: newSyntheticTrack(syntheticScreenWidth, syntheticScreenHeight, 0x22, 0x22, 0x22, now)}
}

type syntheticTrack struct {
	width, height int
	r, g, b       uint8
	now           func() time.Time
	live          atomic.Bool
	tick          atomic.Int64
}

func newSyntheticTrack(width, height int, r, g, b uint8, now func() time.Time) *syntheticTrack {
	t := &syntheticTrack{width: width, height: height, r: r, g: g, b: b, now: now}
	t.live.Store(true)
	return t
}

// Latest paints a fresh frame on demand. A thin moving band keeps successive
// frames distinguishable for downstream consumers.
func (t *syntheticTrack) Latest() (Frame, bool) {
	if !t.live.Load() {
		return Frame{}, false
	}
	tick := t.tick.Add(1)
	frame := NewFilledFrame(t.width, t.height, t.r, t.g, t.b, t.now())

	band := int(tick) % t.height
	rowStart := band * t.width * 4
	for x := 0; x < t.width; x++ {
		frame.RGBA[rowStart+x*4] = 0xff
	}
	return frame, true
}

func (t *syntheticTrack) Live() bool { return t.live.Load() }

func (t *syntheticTrack) Stop() { t.live.Store(false) }

type syntheticAudioTrack struct {
	now  func() time.Time
	live atomic.Bool
}

func newSyntheticAudioTrack(now func() time.Time) *syntheticAudioTrack {
	t := &syntheticAudioTrack{now: now}
	t.live.Store(true)
	return t
}

// Snippet returns silence of the requested duration as 16-bit mono PCM.
func (t *syntheticAudioTrack) Snippet(ctx context.Context, duration time.Duration) ([]byte, error) {
	if !t.live.Load() {
		return nil, errors.New("media: audio track stopped")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if duration <= 0 {
		duration = time.Second
	}
	samples := int(duration.Seconds() * syntheticSampleRate)
	return make([]byte, samples*2), nil
}

func (t *syntheticAudioTrack) Live() bool { return t.live.Load() }

func (t *syntheticAudioTrack) Stop() { t.live.Store(false) }

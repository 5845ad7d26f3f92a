// Package recorder buffers the composited canvas into ordered encoded chunks
// and mirrors them to a checkpoint sink for crash recovery.
package recorder

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sentryview/sentryview/internal/media"
	"github.com/sentryview/sentryview/pkg/logger"
	"github.com/sentryview/sentryview/pkg/metrics"
)

const (
	defaultChunkInterval      = time.Second
	defaultCheckpointInterval = 10 * time.Second
)

// CheckpointFunc mirrors the full chunk buffer to durable recovery storage.
// It is called on the checkpoint cadence with every chunk buffered so far, so
// a crash between calls loses at most one cadence worth of footage.
type CheckpointFunc func(ctx context.Context, chunks [][]byte) error

// Recorder pulls the composited track on the chunk cadence, encodes each
// pull into a chunk and keeps the chunks in an ordered in-memory buffer.
// Pausing suspends chunk emission without touching the track; the buffer is
// only finalised by Stop.
type Recorder struct {
	track      media.VideoTrack
	encoder    Encoder
	checkpoint CheckpointFunc
	interval   time.Duration
	mirrorIvl  time.Duration
	log        *zap.Logger

	mu      sync.Mutex
	chunks  [][]byte
	bytes   int64
	paused  bool
	stopped bool

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option customises a Recorder.
type Option func(*Recorder)

// WithChunkInterval overrides the chunk cadence, primarily for tests.
func WithChunkInterval(interval time.Duration) Option {
	return func(r *Recorder) {
		if interval > 0 {
			r.interval = interval
		}
	}
}

// WithCheckpointInterval overrides the recovery mirror cadence.
func WithCheckpointInterval(interval time.Duration) Option {
	return func(r *Recorder) {
		if interval > 0 {
			r.mirrorIvl = interval
		}
	}
}

// WithEncoder swaps the chunk encoder.
func WithEncoder(encoder Encoder) Option {
	return func(r *Recorder) {
		if encoder != nil {
			r.encoder = encoder
		}
	}
}

// New constructs a recorder over the composited track. The checkpoint
// function may be nil when recovery mirroring is disabled.
func New(track media.VideoTrack, checkpoint CheckpointFunc, opts ...Option) *Recorder {
	r := &Recorder{
		track:      track,
		encoder:    NewFrameEncoder(),
		checkpoint: checkpoint,
		interval:   defaultChunkInterval,
		mirrorIvl:  defaultCheckpointInterval,
		log:        logger.WithModule("recorder"),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Start launches the chunk and checkpoint loops. Subsequent calls are no-ops.
func (r *Recorder) Start(ctx context.Context) {
	if r == nil {
		return
	}
	r.startOnce.Do(func() {
		loopCtx, cancel := context.WithCancel(ctx)
		r.cancel = cancel
		go r.run(loopCtx)
	})
}

// Pause suspends chunk emission. The track keeps producing frames; they are
// simply not encoded while paused.
func (r *Recorder) Pause() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
}

// Resume re-enables chunk emission after a pause.
func (r *Recorder) Resume() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.paused = false
	r.mu.Unlock()
}

// ReplaceTrack swaps the source track without disturbing the chunk buffer.
// Used when streams are re-acquired after a device loss.
func (r *Recorder) ReplaceTrack(track media.VideoTrack) {
	if r == nil || track == nil {
		return
	}
	r.mu.Lock()
	r.track = track
	r.mu.Unlock()
}

// LoadChunks seeds the buffer with chunks restored from a recovery
// checkpoint. Must be called before Start.
func (r *Recorder) LoadChunks(chunks [][]byte) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, chunk := range chunks {
		r.chunks = append(r.chunks, chunk)
		r.bytes += int64(len(chunk))
	}
}

// ChunkCount returns the number of buffered chunks.
func (r *Recorder) ChunkCount() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.chunks)
}

// Bytes returns the buffered payload size.
func (r *Recorder) Bytes() int64 {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytes
}

// Chunks returns a copy of the buffered chunk slice in order.
func (r *Recorder) Chunks() [][]byte {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.chunks))
	copy(out, r.chunks)
	return out
}

// CaptureChunk encodes one chunk synchronously. Exposed so tests can drive
// the recorder without the timer loop.
func (r *Recorder) CaptureChunk() {
	r.captureChunk()
}

// CheckpointNow mirrors the buffer synchronously.
func (r *Recorder) CheckpointNow(ctx context.Context) {
	r.mirror(ctx)
}

// Stop halts the loops, flushes the encoder and returns the final recording
// blob: the ordered concatenation of every buffered chunk plus any trailing
// encoder data. The buffer is final only after Stop returns.
func (r *Recorder) Stop(ctx context.Context) ([]byte, error) {
	if r == nil {
		return nil, errors.New("recorder: nil")
	}

	var blob []byte
	var err error
	ran := false
	r.stopOnce.Do(func() {
		ran = true
		if r.cancel != nil {
			r.cancel()
			<-r.done
		}

		tail, flushErr := r.encoder.Flush()
		if flushErr != nil {
			r.log.Warn("encoder flush failed", zap.Error(flushErr))
			err = flushErr
		}

		r.mu.Lock()
		r.stopped = true
		if len(tail) > 0 {
			r.chunks = append(r.chunks, tail)
			r.bytes += int64(len(tail))
		}
		var buf bytes.Buffer
		buf.Grow(int(r.bytes))
		for _, chunk := range r.chunks {
			buf.Write(chunk)
		}
		blob = buf.Bytes()
		r.mu.Unlock()

		metrics.RecorderChunks.WithLabelValues("flushed").Add(float64(r.ChunkCount()))
	})
	if !ran {
		return nil, errors.New("recorder: already stopped")
	}
	return blob, err
}

func (r *Recorder) run(ctx context.Context) {
	defer close(r.done)

	chunkTicker := time.NewTicker(r.interval)
	defer chunkTicker.Stop()
	mirrorTicker := time.NewTicker(r.mirrorIvl)
	defer mirrorTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-chunkTicker.C:
			r.captureChunk()
		case <-mirrorTicker.C:
			r.mirror(ctx)
		}
	}
}

func (r *Recorder) captureChunk() {
	r.mu.Lock()
	track := r.track
	skip := r.paused || r.stopped
	r.mu.Unlock()
	if skip || track == nil {
		return
	}

	frame, ok := track.Latest()
	if !ok {
		return
	}

	chunk, err := r.encoder.Encode(frame)
	if err != nil {
		r.log.Warn("chunk encode failed", zap.Error(err))
		return
	}

	r.mu.Lock()
	r.chunks = append(r.chunks, chunk)
	r.bytes += int64(len(chunk))
	r.mu.Unlock()

	metrics.RecorderChunks.WithLabelValues("buffered").Inc()
}

func (r *Recorder) mirror(ctx context.Context) {
	if r.checkpoint == nil {
		return
	}
	chunks := r.Chunks()
	if len(chunks) == 0 {
		return
	}
	if err := r.checkpoint(ctx, chunks); err != nil {
		r.log.Warn("chunk checkpoint failed", zap.Error(err))
		return
	}
	metrics.RecorderChunks.WithLabelValues("checkpointed").Add(float64(len(chunks)))
}

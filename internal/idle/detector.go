// Package idle tracks user interaction recency and flags idle/active
// transitions for the analysis sampler.
package idle

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sentryview/sentryview/pkg/logger"
)

const (
	defaultPollInterval  = 5 * time.Second
	defaultIdleThreshold = 5 * time.Minute
)

// TransitionFunc is invoked once per state flip with the new idle state and
// the instant the flip was detected.
type TransitionFunc func(idle bool, at time.Time)

// Detector watches the time since the last interaction and reports
// edge-triggered idle transitions. Staying idle across polls does not
// re-fire the callback.
type Detector struct {
	threshold  time.Duration
	poll       time.Duration
	now        func() time.Time
	transition TransitionFunc
	log        *zap.Logger

	mu        sync.Mutex
	lastTouch time.Time
	idle      bool

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option customises a Detector.
type Option func(*Detector)

// WithThreshold overrides the inactivity window that counts as idle.
func WithThreshold(threshold time.Duration) Option {
	return func(d *Detector) {
		if threshold > 0 {
			d.threshold = threshold
		}
	}
}

// WithPollInterval overrides the poll cadence, primarily for tests.
func WithPollInterval(interval time.Duration) Option {
	return func(d *Detector) {
		if interval > 0 {
			d.poll = interval
		}
	}
}

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(d *Detector) {
		if now != nil {
			d.now = now
		}
	}
}

// New constructs a detector. The transition callback may be nil when only
// Idle() polling is needed.
func New(transition TransitionFunc, opts ...Option) *Detector {
	d := &Detector{
		threshold:  defaultIdleThreshold,
		poll:       defaultPollInterval,
		now:        time.Now,
		transition: transition,
		log:        logger.WithModule("idle"),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	d.lastTouch = d.now()
	return d
}

// Touch records a user interaction. An interaction while idle flips the
// detector back to active immediately.
func (d *Detector) Touch() {
	if d == nil {
		return
	}
	now := d.now()

	d.mu.Lock()
	d.lastTouch = now
	wasIdle := d.idle
	d.idle = false
	d.mu.Unlock()

	if wasIdle {
		d.fire(false, now)
	}
}

// Idle reports the current idle state.
func (d *Detector) Idle() bool {
	if d == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.idle
}

// CheckNow evaluates the idle condition immediately. Exposed so tests can
// drive the detector without the poll loop.
func (d *Detector) CheckNow() {
	now := d.now()

	d.mu.Lock()
	becameIdle := !d.idle && now.Sub(d.lastTouch) >= d.threshold
	if becameIdle {
		d.idle = true
	}
	d.mu.Unlock()

	if becameIdle {
		d.log.Info("user went idle", zap.Duration("threshold", d.threshold))
		d.fire(true, now)
	}
}

// Start launches the poll loop. Subsequent calls are no-ops.
func (d *Detector) Start(ctx context.Context) {
	if d == nil {
		return
	}
	d.startOnce.Do(func() {
		loopCtx, cancel := context.WithCancel(ctx)
		d.cancel = cancel
		go d.run(loopCtx)
	})
}

// Stop halts the poll loop.
func (d *Detector) Stop() {
	if d == nil {
		return
	}
	d.stopOnce.Do(func() {
		if d.cancel != nil {
			d.cancel()
			<-d.done
		}
	})
}

func (d *Detector) run(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.CheckNow()
		}
	}
}

func (d *Detector) fire(idle bool, at time.Time) {
	if d.transition != nil {
		d.transition(idle, at)
	}
}

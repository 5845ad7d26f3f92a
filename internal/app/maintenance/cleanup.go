// Package maintenance runs the scheduled retention sweep: expiring stored
// sessions, purging their artifacts and dropping stale recovery mirrors.
package maintenance

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sentryview/sentryview/internal/storage"
	"github.com/sentryview/sentryview/pkg/logger"
)

const defaultSchedule = "@every 1h"

// Cleaner coordinates the retention sweep over the session store and the
// artifact root.
type Cleaner struct {
	sessions  *storage.SessionStore
	artifacts *storage.FilesystemStore
	retention time.Duration
	cron      *cron.Cron
	schedule  string
	now       func() time.Time
	log       *zap.Logger
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithNow overrides the clock used for retention comparisons.
func WithNow(now func() time.Time) Option {
	return func(cleaner *Cleaner) {
		if now != nil {
			cleaner.now = now
		}
	}
}

// WithSchedule overrides the cron specification for the sweep.
func WithSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.schedule = spec
		}
	}
}

// NewCleaner constructs a Cleaner with sensible defaults.
func NewCleaner(sessions *storage.SessionStore, artifacts *storage.FilesystemStore, retention time.Duration, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		sessions:  sessions,
		artifacts: artifacts,
		retention: retention,
		schedule:  defaultSchedule,
		now:       time.Now,
		log:       logger.WithModule("maintenance"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cleaner)
		}
	}
	if cleaner.cron == nil {
		cleaner.cron = cron.New()
	}
	return cleaner
}

// Start registers the sweep and launches the scheduler.
func (c *Cleaner) Start() error {
	_, err := c.cron.AddFunc(c.schedule, func() {
		if err := c.Sweep(context.Background()); err != nil {
			c.log.Warn("retention sweep reported errors", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}
	c.cron.Start()
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (c *Cleaner) Stop() {
	if c == nil || c.cron == nil {
		return
	}
	<-c.cron.Stop().Done()
}

// Sweep runs one retention pass: overdue sessions lose their video artifact
// and flip to expired, and orphaned recovery mirrors past the retention
// window are dropped.
func (c *Cleaner) Sweep(ctx context.Context) error {
	now := c.now()
	var errs error

	due, err := c.sessions.DueForExpiry(ctx, now)
	if err != nil {
		errs = multierr.Append(errs, err)
	}
	expired := 0
	for _, session := range due {
		if session.VideoPath != "" {
			if err := c.artifacts.DeleteVideo(ctx, session.VideoPath); err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
		}
		if err := c.sessions.MarkExpired(ctx, session.ID); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		expired++
	}

	dropped, err := c.dropStaleMirrors(now)
	if err != nil {
		errs = multierr.Append(errs, err)
	}

	if expired > 0 || dropped > 0 {
		c.log.Info("retention sweep finished",
			zap.Int("sessions_expired", expired),
			zap.Int("mirrors_dropped", dropped),
		)
	}
	return errs
}

// dropStaleMirrors removes recovery chunk directories whose last write is
// older than the retention window. These belong to sessions whose snapshot
// has already lapsed from the cache.
func (c *Cleaner) dropStaleMirrors(now time.Time) (int, error) {
	root := filepath.Join(c.artifacts.Root(), "recovery")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	dropped := 0
	var errs error
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if now.Sub(info.ModTime()) <= c.retention {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, entry.Name())); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		dropped++
	}
	return dropped, errs
}

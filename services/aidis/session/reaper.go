// Copyright (C) 2025 AIDIS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aidisdev/aidis/pkg/logging"
)

// ReaperConfig controls the stale-session sweep.
type ReaperConfig struct {
	// Interval is how often the sweep runs. Default: 1 hour.
	Interval time.Duration

	// MaxIdle is how long a session may go without activity before it is
	// closed. Default: 24 hours.
	MaxIdle time.Duration

	// BatchSize caps sessions closed per cycle. Default: 100.
	BatchSize int
}

func (c ReaperConfig) withDefaults() ReaperConfig {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.MaxIdle <= 0 {
		c.MaxIdle = 24 * time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// sessionEnder is the slice of the gateway the reaper needs.
type sessionEnder interface {
	Exec(ctx context.Context, correlationID, sql string, args ...any) (int64, error)
}

// Reaper closes sessions that were never explicitly ended and have gone
// idle. Closing only sets ended_at; contexts, tasks, and decisions keep
// their session reference for history.
//
// Thread Safety: all methods are safe for concurrent use.
type Reaper struct {
	gw     sessionEnder
	logger *logging.Logger
	cfg    ReaperConfig

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

// NewReaper builds a stopped reaper.
func NewReaper(gw sessionEnder, logger *logging.Logger, cfg ReaperConfig) *Reaper {
	return &Reaper{
		gw:     gw,
		logger: logger,
		cfg:    cfg.withDefaults(),
		done:   make(chan struct{}),
	}
}

// Start launches the sweep loop. One sweep runs immediately.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("session reaper already running")
	}
	r.running = true
	r.done = make(chan struct{})
	r.mu.Unlock()

	r.logger.Info("session reaper starting",
		"interval", r.cfg.Interval.String(), "max_idle", r.cfg.MaxIdle.String())

	go r.loop(ctx)
	return nil
}

// Stop halts the loop. Safe to call repeatedly.
func (r *Reaper) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	close(r.done)
	r.running = false
}

func (r *Reaper) loop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reaper) sweep(ctx context.Context) {
	closed, err := r.RunNow(ctx)
	if err != nil {
		r.logger.Warn("session sweep failed", "error", err.Error())
		return
	}
	if closed > 0 {
		r.logger.Info("closed idle sessions", "count", closed)
	}
}

// RunNow closes up to BatchSize idle sessions and returns how many were
// closed. A session counts as idle when it is open, older than MaxIdle,
// and has no activity inside the MaxIdle window.
func (r *Reaper) RunNow(ctx context.Context) (int64, error) {
	idleSecs := int64(r.cfg.MaxIdle.Seconds())
	return r.gw.Exec(ctx, "session-reaper",
		`UPDATE sessions SET ended_at = now()
		 WHERE id IN (
		   SELECT s.id FROM sessions s
		   WHERE s.ended_at IS NULL
		     AND s.started_at < now() - make_interval(secs => $1)
		     AND NOT EXISTS (
		       SELECT 1 FROM session_activities a
		       WHERE a.session_id = s.id
		         AND a.created_at > now() - make_interval(secs => $1)
		     )
		   LIMIT $2
		 )`,
		idleSecs, r.cfg.BatchSize)
}

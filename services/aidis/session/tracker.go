// Copyright (C) 2025 AIDIS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package session tracks the active session and its project binding.
//
// Two small pieces of process-local state live here: which session is
// "current" for activity attribution, and the session → active-project
// map that supplies default project ids to project-scoped tools. Both are
// shared across request goroutines and guarded accordingly.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aidisdev/aidis/pkg/logging"
	"github.com/aidisdev/aidis/services/aidis/db"
)

// =============================================================================
// Tracker
// =============================================================================

// Tracker resolves the current session and records session activities.
// It satisfies the dispatcher's ActivityRecorder interface.
//
// Activity inserts are strictly best-effort: every failure is logged at
// warn and swallowed. A broken activity pipeline must never fail the tool
// call that triggered it.
type Tracker struct {
	gw     *db.Gateway
	logger *logging.Logger

	mu      sync.RWMutex
	current string
}

// NewTracker builds a tracker over the gateway.
func NewTracker(gw *db.Gateway, logger *logging.Logger) *Tracker {
	return &Tracker{gw: gw, logger: logger}
}

// ActiveSession returns the currently tracked session id, or "".
func (t *Tracker) ActiveSession() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// SetActiveSession binds the tracked session. Called by session-lifecycle
// tools (session_new, session_assign).
func (t *Tracker) SetActiveSession(id string) {
	t.mu.Lock()
	t.current = id
	t.mu.Unlock()
}

// RecordActivity inserts one session_activities row. Failures are logged
// and swallowed.
func (t *Tracker) RecordActivity(ctx context.Context, sessionID, activityType string, metadata map[string]any) {
	if sessionID == "" || activityType == "" {
		return
	}

	meta, err := json.Marshal(metadata)
	if err != nil {
		meta = []byte("{}")
	}

	_, err = t.gw.Exec(ctx, correlationFrom(metadata),
		`INSERT INTO session_activities (id, session_id, activity_type, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		uuid.NewString(), sessionID, activityType, meta, time.Now().UTC())
	if err != nil {
		t.logger.Warn("session activity not recorded",
			"session_id", sessionID,
			"activity_type", activityType,
			"error", err.Error())
	}
}

func correlationFrom(metadata map[string]any) string {
	if id, ok := metadata["request_id"].(string); ok {
		return id
	}
	return "activity"
}

// =============================================================================
// Active Project Store
// =============================================================================

// ActiveProjectStore is the process-local session → project binding.
// Created lazily per entry, lives for the process lifetime.
type ActiveProjectStore struct {
	mu sync.RWMutex
	m  map[string]string
}

// NewActiveProjectStore builds an empty store.
func NewActiveProjectStore() *ActiveProjectStore {
	return &ActiveProjectStore{m: make(map[string]string)}
}

// Get returns the active project for sessionID.
func (s *ActiveProjectStore) Get(sessionID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	projectID, ok := s.m[sessionID]
	return projectID, ok
}

// Set binds sessionID to projectID.
func (s *ActiveProjectStore) Set(sessionID, projectID string) {
	s.mu.Lock()
	s.m[sessionID] = projectID
	s.mu.Unlock()
}

// Clear removes the binding for sessionID.
func (s *ActiveProjectStore) Clear(sessionID string) {
	s.mu.Lock()
	delete(s.m, sessionID)
	s.mu.Unlock()
}

// Len reports the number of tracked sessions.
func (s *ActiveProjectStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

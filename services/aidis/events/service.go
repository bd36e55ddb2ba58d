// Copyright (C) 2025 AIDIS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package events fans database change events out to SSE subscribers.
//
// The Service owns the subscriber table; the HTTP layer owns the actual
// response writers. Each subscriber gets a buffered channel the broadcaster
// pushes framed messages into, and a done channel the service closes on
// removal. A subscriber that cannot keep up (full channel) is removed
// rather than allowed to stall the broadcast.
//
// Ordering: event ids come from one process-lifetime atomic counter, so
// each subscriber observes strictly increasing ids. No cross-subscriber
// ordering is promised.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aidisdev/aidis/pkg/logging"
	"github.com/aidisdev/aidis/services/aidis/datatypes"
	"github.com/aidisdev/aidis/services/aidis/mcp"
)

// DefaultMaxPerUser caps concurrent SSE connections per user.
const DefaultMaxPerUser = 5

// subscriberBuffer is the per-subscriber channel depth. A subscriber this
// far behind is dropped.
const subscriberBuffer = 64

// shutdownNoticeWait is how long DisconnectAll waits per subscriber for
// the shutdown notice to queue. Unlike Broadcast, a full buffer here gets
// a grace period: this is the last message the client will ever see.
const shutdownNoticeWait = 100 * time.Millisecond

// ErrTooManyConnections rejects a subscribe beyond the per-user cap.
// The SSE endpoint surfaces it as 503.
var ErrTooManyConnections = errors.New("too many concurrent event connections for user")

var (
	sseConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aidis_sse_connections",
		Help: "Open SSE connections",
	})

	sseBroadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aidis_sse_broadcasts_total",
		Help: "Broadcast deliveries by outcome",
	}, []string{"outcome"})
)

// =============================================================================
// Messages
// =============================================================================

// Message is one framed SSE record queued to a subscriber.
type Message struct {
	// ID is the monotonic event id. Zero for comment/heartbeat frames.
	ID uint64

	// Event is the SSE event name: an entity name, "connected", or
	// "system".
	Event string

	// Data is the JSON payload.
	Data []byte
}

// Frame renders the message in wire format.
func (m Message) Frame() string {
	var b strings.Builder
	if m.ID > 0 {
		fmt.Fprintf(&b, "id: %d\n", m.ID)
	}
	if m.Event != "" {
		fmt.Fprintf(&b, "event: %s\n", m.Event)
	}
	fmt.Fprintf(&b, "data: %s\n\n", m.Data)
	return b.String()
}

// =============================================================================
// Subscribers
// =============================================================================

// Subscriber is one open SSE connection's server-side state.
type Subscriber struct {
	ID            string
	UserID        string
	ProjectFilter string
	EntityFilter  map[string]bool // nil means all entities
	ConnectedAt   time.Time

	ch       chan Message
	done     chan struct{}
	doneOnce sync.Once
}

// Messages is the channel the HTTP writer loop consumes.
func (s *Subscriber) Messages() <-chan Message { return s.ch }

// Done is closed when the service removes the subscriber.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

func (s *Subscriber) close() {
	s.doneOnce.Do(func() { close(s.done) })
}

// wants applies the entity and project filters.
func (s *Subscriber) wants(e datatypes.ChangeEvent) bool {
	if s.EntityFilter != nil && !s.EntityFilter[e.Entity] {
		return false
	}
	// Events without a project id bypass the project filter.
	if s.ProjectFilter != "" && e.ProjectID != "" && e.ProjectID != s.ProjectFilter {
		return false
	}
	return true
}

// =============================================================================
// Service
// =============================================================================

// Service is the fan-out hub. One per process.
type Service struct {
	logger     *logging.Logger
	maxPerUser int
	started    time.Time

	nextID atomic.Uint64

	mu      sync.RWMutex
	subs    map[string]*Subscriber
	perUser map[string]int
}

// NewService builds the hub. maxPerUser ≤ 0 takes the default cap.
func NewService(logger *logging.Logger, maxPerUser int) *Service {
	if maxPerUser <= 0 {
		maxPerUser = DefaultMaxPerUser
	}
	return &Service{
		logger:     logger,
		maxPerUser: maxPerUser,
		started:    time.Now(),
		subs:       make(map[string]*Subscriber),
		perUser:    make(map[string]int),
	}
}

// Subscribe registers a connection for userID. entities may be empty (all
// entities); unknown entity names are rejected with InvalidInput. The
// per-user cap yields a 503-class error.
//
// The returned subscriber already has the "connected" system event queued.
func (s *Service) Subscribe(userID, projectID string, entities []string) (*Subscriber, error) {
	if userID == "" {
		return nil, mcp.Errf(mcp.CodeInvalidInput, "subscriber requires an authenticated user")
	}

	var filter map[string]bool
	if len(entities) > 0 {
		filter = make(map[string]bool, len(entities))
		for _, name := range entities {
			name = strings.TrimSpace(name)
			if !datatypes.IsKnownEntity(name) {
				return nil, mcp.Errf(mcp.CodeInvalidInput, "unknown entity %q", name)
			}
			filter[name] = true
		}
	}

	sub := &Subscriber{
		ID:            uuid.NewString(),
		UserID:        userID,
		ProjectFilter: projectID,
		EntityFilter:  filter,
		ConnectedAt:   time.Now(),
		ch:            make(chan Message, subscriberBuffer),
		done:          make(chan struct{}),
	}

	s.mu.Lock()
	if s.perUser[userID] >= s.maxPerUser {
		s.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	s.subs[sub.ID] = sub
	s.perUser[userID]++
	s.mu.Unlock()

	sseConnections.Inc()
	s.logger.Info("sse subscriber connected",
		"user_id", userID, "subscriber_id", sub.ID,
		"project_filter", projectID, "entity_filter", entities)

	connected, _ := json.Marshal(map[string]any{
		"message": "connected",
		"userId":  userID,
	})
	sub.ch <- Message{Event: "connected", Data: connected}

	return sub, nil
}

// Unsubscribe removes the connection. Idempotent.
func (s *Service) Unsubscribe(id string) {
	s.mu.Lock()
	sub, ok := s.subs[id]
	if ok {
		delete(s.subs, id)
		s.perUser[sub.UserID]--
		if s.perUser[sub.UserID] <= 0 {
			delete(s.perUser, sub.UserID)
		}
	}
	s.mu.Unlock()

	if ok {
		sub.close()
		sseConnections.Dec()
		s.logger.Info("sse subscriber disconnected",
			"user_id", sub.UserID, "subscriber_id", sub.ID,
			"duration_ms", time.Since(sub.ConnectedAt).Milliseconds())
	}
}

// Broadcast delivers one change event to every matching subscriber. This
// is the listener's sink.
func (s *Service) Broadcast(e datatypes.ChangeEvent) {
	data, err := json.Marshal(e)
	if err != nil {
		s.logger.Error("unserializable change event", "error", err.Error())
		return
	}
	msg := Message{
		ID:    s.nextID.Add(1),
		Event: e.Entity,
		Data:  data,
	}

	// Snapshot so slow-subscriber removal doesn't deadlock the table.
	s.mu.RLock()
	targets := make([]*Subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.wants(e) {
			targets = append(targets, sub)
		}
	}
	s.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.ch <- msg:
			sseBroadcasts.WithLabelValues("delivered").Inc()
		default:
			sseBroadcasts.WithLabelValues("failed_write").Inc()
			s.logger.Warn("failed_write: dropping slow sse subscriber",
				"user_id", sub.UserID, "event", msg.Event)
			s.Unsubscribe(sub.ID)
		}
	}
}

// DisconnectAll queues the shutdown system event to every subscriber and
// clears the table. Used during graceful shutdown.
func (s *Service) DisconnectAll() {
	data, _ := json.Marshal(map[string]string{"message": "server-shutdown"})
	msg := Message{
		ID:    s.nextID.Add(1),
		Event: "system",
		Data:  data,
	}

	s.mu.Lock()
	subs := make([]*Subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[string]*Subscriber)
	s.perUser = make(map[string]int)
	s.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- msg:
		case <-time.After(shutdownNoticeWait):
			sseBroadcasts.WithLabelValues("shutdown_notice_dropped").Inc()
		}
		sub.close()
		sseConnections.Dec()
	}

	s.logger.Info("sse disconnect all", "subscribers", len(subs))
}

// =============================================================================
// Introspection
// =============================================================================

// Stats is the aggregate view for operators.
type Stats struct {
	TotalConnections  int            `json:"totalConnections"`
	ConnectionsByUser map[string]int `json:"connectionsByUser"`
	UptimeSeconds     int64          `json:"uptimeSeconds"`
	NextEventID       uint64         `json:"nextEventId"`
}

// GetStats snapshots the hub state.
func (s *Service) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byUser := make(map[string]int, len(s.perUser))
	for user, n := range s.perUser {
		byUser[user] = n
	}
	return Stats{
		TotalConnections:  len(s.subs),
		ConnectionsByUser: byUser,
		UptimeSeconds:     int64(time.Since(s.started).Seconds()),
		NextEventID:       s.nextID.Load() + 1,
	}
}

// ClientInfo is one redacted subscriber entry.
type ClientInfo struct {
	UserID               string    `json:"userId"`
	ProjectID            string    `json:"projectId,omitempty"`
	Entities             []string  `json:"entities,omitempty"`
	ConnectedAt          time.Time `json:"connectedAt"`
	ConnectionDurationMs int64     `json:"connectionDurationMs"`
}

// GetClients lists connected subscribers without exposing internals.
func (s *Service) GetClients() []ClientInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ClientInfo, 0, len(s.subs))
	for _, sub := range s.subs {
		var entities []string
		for name := range sub.EntityFilter {
			entities = append(entities, name)
		}
		out = append(out, ClientInfo{
			UserID:               sub.UserID,
			ProjectID:            sub.ProjectFilter,
			Entities:             entities,
			ConnectedAt:          sub.ConnectedAt,
			ConnectionDurationMs: time.Since(sub.ConnectedAt).Milliseconds(),
		})
	}
	return out
}

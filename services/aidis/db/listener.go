// Copyright (C) 2025 AIDIS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package db

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aidisdev/aidis/pkg/logging"
	"github.com/aidisdev/aidis/services/aidis/datatypes"
)

// Channel is the NOTIFY channel database triggers publish change events on.
const Channel = "aidis_changes"

var (
	notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aidis_db_notifications_total",
		Help: "NOTIFY payloads received by outcome",
	}, []string{"outcome"})

	listenerReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aidis_db_listener_reconnects_total",
		Help: "Listener connection (re)establishments",
	})
)

// ListenerStatus is the listener's view of its own health, exposed on
// /readyz. ReconnectAttempts counts consecutive failed connects and
// resets to zero once LISTEN succeeds.
type ListenerStatus struct {
	Connected         bool      `json:"connected"`
	ReconnectAttempts int64     `json:"reconnectAttempts"`
	LastEventAt       time.Time `json:"lastEventAt,omitempty"`
	LastError         string    `json:"lastError,omitempty"`
	NextRetryIn       string    `json:"nextRetryIn,omitempty"`
	ChannelName       string    `json:"channel"`
}

// Listener holds one dedicated connection on LISTEN aidis_changes and
// forwards decoded ChangeEvents to a sink, reconnecting with capped
// exponential backoff when the connection drops.
//
// A dropped listener never affects query traffic; the Gateway pool is
// entirely separate.
type Listener struct {
	connString string
	sink       func(datatypes.ChangeEvent)
	logger     *logging.Logger

	// connect is the dial function, replaceable in tests.
	connect func(ctx context.Context) (listenConn, error)

	// baseDelay and maxDelay bound the reconnect backoff.
	baseDelay time.Duration
	maxDelay  time.Duration

	mu        sync.Mutex
	connected bool
	lastEvent time.Time
	attempts  int64
	lastErr   error
	nextRetry time.Duration

	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// listenConn is the slice of pgx.Conn the listener needs. *pgx.Conn
// satisfies it; tests substitute a scripted fake.
type listenConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

var _ listenConn = (*pgx.Conn)(nil)

// NewListener builds a listener. sink receives every valid decoded event;
// it must be fast or buffer internally (the SSE service buffers).
func NewListener(connString string, logger *logging.Logger, sink func(datatypes.ChangeEvent)) *Listener {
	l := &Listener{
		connString: connString,
		sink:       sink,
		logger:     logger,
		done:       make(chan struct{}),
		baseDelay:  2 * time.Second,
		maxDelay:   30 * time.Second,
	}
	l.connect = func(ctx context.Context) (listenConn, error) {
		return pgx.Connect(ctx, l.connString)
	}
	return l
}

// Start launches the listen loop. It returns immediately; the first
// connection attempt happens in the background so a briefly unavailable
// database does not block startup.
func (l *Listener) Start(ctx context.Context) {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return
	}
	l.started = true
	ctx, l.cancel = context.WithCancel(ctx)
	l.mu.Unlock()

	go l.run(ctx)
}

// Stop terminates the loop and waits for it to exit. Safe to call more
// than once.
func (l *Listener) Stop() {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return
	}
	cancel := l.cancel
	l.mu.Unlock()

	cancel()
	<-l.done
}

// Status returns a snapshot for readiness reporting.
func (l *Listener) Status() ListenerStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := ListenerStatus{
		Connected:         l.connected,
		ReconnectAttempts: l.attempts,
		LastEventAt:       l.lastEvent,
		ChannelName:       Channel,
	}
	if l.lastErr != nil {
		st.LastError = l.lastErr.Error()
	}
	if !l.connected && l.nextRetry > 0 {
		st.NextRetryIn = l.nextRetry.String()
	}
	return st
}

// run owns the connect / listen / reconnect cycle until ctx is canceled.
func (l *Listener) run(ctx context.Context) {
	defer close(l.done)

	// 2s, 4s, 8s ... capped at 30s. Reset after any successful LISTEN.
	delay := l.baseDelay

	for {
		if ctx.Err() != nil {
			l.setConnected(false, nil)
			return
		}

		subscribed, err := l.listenOnce(ctx)
		if ctx.Err() != nil {
			l.setConnected(false, nil)
			return
		}
		if subscribed {
			delay = l.baseDelay
		}

		l.setConnected(false, err)
		l.mu.Lock()
		l.nextRetry = delay
		l.mu.Unlock()
		l.logger.Warn("change listener disconnected",
			"error", errString(err), "retry_in", delay.String())

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > l.maxDelay {
			delay = l.maxDelay
		}
	}
}

// listenOnce dials, subscribes, and pumps notifications until an error or
// cancellation. The bool reports whether LISTEN succeeded this cycle, which
// resets the reconnect backoff.
func (l *Listener) listenOnce(ctx context.Context) (bool, error) {
	conn, err := l.connect(ctx)
	if err != nil {
		return false, err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		return false, err
	}

	listenerReconnects.Inc()
	l.setConnected(true, nil)
	l.logger.Info("change listener subscribed", "channel", Channel)

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return true, err
		}
		l.handle(notification.Payload)
	}
}

// handle decodes and forwards one payload. Malformed payloads are logged
// and dropped; they never tear down the connection.
func (l *Listener) handle(payload string) {
	l.mu.Lock()
	l.lastEvent = time.Now().UTC()
	l.mu.Unlock()

	var event datatypes.ChangeEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		notificationsTotal.WithLabelValues("malformed").Inc()
		l.logger.Warn("dropping malformed change notification", "error", err.Error())
		return
	}
	if err := event.Validate(); err != nil {
		notificationsTotal.WithLabelValues("invalid").Inc()
		l.logger.Warn("dropping invalid change notification", "error", err.Error())
		return
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	notificationsTotal.WithLabelValues("delivered").Inc()
	l.sink(event)
}

func (l *Listener) setConnected(up bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if up {
		l.attempts = 0
		l.nextRetry = 0
	} else if err != nil {
		l.attempts++
	}
	l.connected = up
	l.lastErr = err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

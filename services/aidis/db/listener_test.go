// Copyright (C) 2025 AIDIS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package db

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aidisdev/aidis/pkg/logging"
	"github.com/aidisdev/aidis/services/aidis/datatypes"
)

// fakeListenConn feeds scripted payloads, then blocks until closed.
type fakeListenConn struct {
	payloads []string
	idx      int
	closed   chan struct{}
	once     sync.Once
}

func newFakeListenConn(payloads ...string) *fakeListenConn {
	return &fakeListenConn{payloads: payloads, closed: make(chan struct{})}
}

func (c *fakeListenConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("LISTEN"), nil
}

func (c *fakeListenConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	if c.idx < len(c.payloads) {
		p := c.payloads[c.idx]
		c.idx++
		return &pgconn.Notification{Channel: Channel, Payload: p}, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeListenConn) Close(ctx context.Context) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func collectingListener(t *testing.T, conns ...listenConn) (*Listener, *[]datatypes.ChangeEvent, *sync.Mutex) {
	t.Helper()
	var (
		mu     sync.Mutex
		events []datatypes.ChangeEvent
	)
	logger := logging.New(logging.Config{Quiet: true})
	l := NewListener("postgres://unused", logger, func(e datatypes.ChangeEvent) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})
	dials := 0
	l.connect = func(ctx context.Context) (listenConn, error) {
		if dials >= len(conns) {
			return nil, errors.New("database unavailable")
		}
		c := conns[dials]
		dials++
		return c, nil
	}
	l.baseDelay = 5 * time.Millisecond
	l.maxDelay = 20 * time.Millisecond
	return l, &events, &mu
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestListenerDeliversValidEvents(t *testing.T) {
	conn := newFakeListenConn(
		`{"entity":"contexts","action":"insert","id":"c-1","projectId":"p-1","at":"2025-06-01T12:00:00Z"}`,
		`{"entity":"tasks","action":"update","id":"t-9"}`,
	)
	l, events, mu := collectingListener(t, conn)

	l.Start(context.Background())
	defer l.Stop()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*events) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *events, 2)
	assert.Equal(t, "contexts", (*events)[0].Entity)
	assert.Equal(t, "c-1", (*events)[0].ID)
	assert.Equal(t, "tasks", (*events)[1].Entity)
	assert.False(t, (*events)[1].At.IsZero(), "missing timestamp gets filled in")
}

func TestListenerDropsMalformedPayloads(t *testing.T) {
	conn := newFakeListenConn(
		`{not json`,
		`{"entity":"nonsense","action":"insert","id":"x"}`,
		`{"entity":"tasks","action":"insert","id":"t-1"}`,
	)
	l, events, mu := collectingListener(t, conn)

	l.Start(context.Background())
	defer l.Stop()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*events) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "t-1", (*events)[0].ID)
}

func TestListenerReconnectsAfterDrop(t *testing.T) {
	first := newFakeListenConn(`{"entity":"tasks","action":"insert","id":"t-1"}`)
	second := newFakeListenConn(`{"entity":"tasks","action":"insert","id":"t-2"}`)
	l, events, mu := collectingListener(t, first, second)

	l.Start(context.Background())
	defer l.Stop()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*events) == 1
	})
	// Drop the first connection; the loop should dial the second.
	_ = first.Close(context.Background())

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*events) == 2
	})
	// The counter resets once the replacement connection subscribes.
	st := l.Status()
	assert.True(t, st.Connected)
	assert.Equal(t, int64(0), st.ReconnectAttempts)
}

func TestListenerStopIsIdempotent(t *testing.T) {
	conn := newFakeListenConn()
	l, _, _ := collectingListener(t, conn)

	l.Start(context.Background())
	l.Stop()
	l.Stop()

	st := l.Status()
	assert.False(t, st.Connected)
}

func TestListenerStatusWhileDisconnected(t *testing.T) {
	l, _, _ := collectingListener(t) // every dial fails

	l.Start(context.Background())
	defer l.Stop()

	waitFor(t, func() bool {
		st := l.Status()
		return !st.Connected && st.LastError != ""
	})
	st := l.Status()
	assert.Equal(t, Channel, st.ChannelName)
	assert.NotEmpty(t, st.NextRetryIn)
}

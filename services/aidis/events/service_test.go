// Copyright (C) 2025 AIDIS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aidisdev/aidis/pkg/logging"
	"github.com/aidisdev/aidis/services/aidis/datatypes"
	"github.com/aidisdev/aidis/services/aidis/mcp"
)

func testService(t *testing.T) *Service {
	t.Helper()
	return NewService(logging.New(logging.Config{Quiet: true}), 0)
}

// drainConnected consumes the connected event queued on subscribe.
func drainConnected(t *testing.T, sub *Subscriber) {
	t.Helper()
	select {
	case msg := <-sub.Messages():
		require.Equal(t, "connected", msg.Event)
	case <-time.After(time.Second):
		t.Fatal("no connected event")
	}
}

func receive(t *testing.T, sub *Subscriber) Message {
	t.Helper()
	select {
	case msg := <-sub.Messages():
		return msg
	case <-time.After(time.Second):
		t.Fatal("no message received")
		return Message{}
	}
}

func assertNoMessage(t *testing.T, sub *Subscriber) {
	t.Helper()
	select {
	case msg := <-sub.Messages():
		t.Fatalf("unexpected message: %s %s", msg.Event, msg.Data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeSendsConnectedEvent(t *testing.T) {
	s := testService(t)
	sub, err := s.Subscribe("alice", "", nil)
	require.NoError(t, err)

	msg := receive(t, sub)
	assert.Equal(t, "connected", msg.Event)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.Equal(t, "alice", payload["userId"])
}

func TestSubscribeRejectsUnknownEntity(t *testing.T) {
	s := testService(t)
	_, err := s.Subscribe("alice", "", []string{"invalid", "tasks"})
	require.Error(t, err)
	assert.Equal(t, mcp.CodeInvalidInput, mcp.CodeOf(err))
}

func TestPerUserConnectionCap(t *testing.T) {
	s := testService(t)
	for i := 0; i < DefaultMaxPerUser; i++ {
		_, err := s.Subscribe("alice", "", nil)
		require.NoError(t, err)
	}

	_, err := s.Subscribe("alice", "", nil)
	assert.ErrorIs(t, err, ErrTooManyConnections)

	// A different user still connects.
	_, err = s.Subscribe("bob", "", nil)
	assert.NoError(t, err)
}

func TestEntityFiltering(t *testing.T) {
	s := testService(t)
	a, err := s.Subscribe("a", "", []string{"tasks"})
	require.NoError(t, err)
	b, err := s.Subscribe("b", "P1", []string{"contexts"})
	require.NoError(t, err)
	drainConnected(t, a)
	drainConnected(t, b)

	s.Broadcast(datatypes.ChangeEvent{Entity: "tasks", Action: "update", ID: "t1"})
	msg := receive(t, a)
	assert.Equal(t, "tasks", msg.Event)
	assertNoMessage(t, b)

	s.Broadcast(datatypes.ChangeEvent{Entity: "contexts", Action: "insert", ID: "c1", ProjectID: "P1"})
	msg = receive(t, b)
	assert.Equal(t, "contexts", msg.Event)
	assertNoMessage(t, a)

	s.Broadcast(datatypes.ChangeEvent{Entity: "contexts", Action: "insert", ID: "c2", ProjectID: "P2"})
	assertNoMessage(t, a)
	assertNoMessage(t, b)
}

func TestProjectFilterBypassForGlobalEvents(t *testing.T) {
	s := testService(t)
	sub, err := s.Subscribe("a", "P1", nil)
	require.NoError(t, err)
	drainConnected(t, sub)

	// No projectId on the event: the project filter does not apply.
	s.Broadcast(datatypes.ChangeEvent{Entity: "agents", Action: "update", ID: "ag1"})
	msg := receive(t, sub)
	assert.Equal(t, "agents", msg.Event)
}

func TestEventIDsStrictlyIncrease(t *testing.T) {
	s := testService(t)
	sub, err := s.Subscribe("a", "", nil)
	require.NoError(t, err)
	drainConnected(t, sub)

	for i := 0; i < 10; i++ {
		s.Broadcast(datatypes.ChangeEvent{Entity: "tasks", Action: "update", ID: fmt.Sprintf("t%d", i)})
	}

	var last uint64
	for i := 0; i < 10; i++ {
		msg := receive(t, sub)
		assert.Greater(t, msg.ID, last)
		last = msg.ID
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	s := testService(t)
	sub, err := s.Subscribe("a", "", nil)
	require.NoError(t, err)
	// Never drain: the connected event plus broadcasts fill the buffer.

	for i := 0; i <= subscriberBuffer+1; i++ {
		s.Broadcast(datatypes.ChangeEvent{Entity: "tasks", Action: "update", ID: "t"})
	}

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("slow subscriber not removed")
	}
	assert.Equal(t, 0, s.GetStats().TotalConnections)
}

func TestDisconnectAll(t *testing.T) {
	s := testService(t)
	a, _ := s.Subscribe("a", "", nil)
	b, _ := s.Subscribe("b", "", nil)
	drainConnected(t, a)
	drainConnected(t, b)

	s.DisconnectAll()

	for _, sub := range []*Subscriber{a, b} {
		msg := receive(t, sub)
		assert.Equal(t, "system", msg.Event)
		assert.Contains(t, string(msg.Data), "server-shutdown")
		select {
		case <-sub.Done():
		case <-time.After(time.Second):
			t.Fatal("subscriber not ended")
		}
	}
	assert.Equal(t, 0, s.GetStats().TotalConnections)
}

func TestDisconnectAllWaitsForBackloggedSubscriber(t *testing.T) {
	s := testService(t)
	sub, err := s.Subscribe("a", "", nil)
	require.NoError(t, err)

	// Fill the buffer without draining. The connected event occupies one
	// slot already.
	for i := 0; i < subscriberBuffer-1; i++ {
		s.Broadcast(datatypes.ChangeEvent{Entity: "tasks", Action: "update", ID: "t"})
	}

	// A reader that catches up mid-shutdown still gets the notice: the
	// shutdown send blocks briefly instead of dropping outright.
	go func() {
		time.Sleep(20 * time.Millisecond)
		<-sub.Messages()
	}()
	s.DisconnectAll()

	var last Message
	for i := 0; i < subscriberBuffer+1; i++ {
		last = receive(t, sub)
		if last.Event == "system" {
			break
		}
	}
	assert.Equal(t, "system", last.Event)
	assert.Contains(t, string(last.Data), "server-shutdown")
}

func TestDisconnectAllDoesNotHangOnStuckSubscriber(t *testing.T) {
	s := testService(t)
	sub, err := s.Subscribe("a", "", nil)
	require.NoError(t, err)

	for i := 0; i < subscriberBuffer-1; i++ {
		s.Broadcast(datatypes.ChangeEvent{Entity: "tasks", Action: "update", ID: "t"})
	}

	// Nobody ever reads. The notice is dropped after the grace period and
	// shutdown continues.
	start := time.Now()
	s.DisconnectAll()
	assert.Less(t, time.Since(start), time.Second)

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscriber not ended")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	s := testService(t)
	sub, _ := s.Subscribe("a", "", nil)
	s.Unsubscribe(sub.ID)
	s.Unsubscribe(sub.ID)
	assert.Equal(t, 0, s.GetStats().TotalConnections)
}

func TestStatsAndClients(t *testing.T) {
	s := testService(t)
	_, _ = s.Subscribe("a", "P1", []string{"tasks"})
	_, _ = s.Subscribe("a", "", nil)
	_, _ = s.Subscribe("b", "", nil)

	stats := s.GetStats()
	assert.Equal(t, 3, stats.TotalConnections)
	assert.Equal(t, 2, stats.ConnectionsByUser["a"])
	assert.Equal(t, 1, stats.ConnectionsByUser["b"])

	clients := s.GetClients()
	assert.Len(t, clients, 3)
}

func TestConcurrentBroadcastAndSubscribe(t *testing.T) {
	s := testService(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		user := fmt.Sprintf("u%d", i)
		go func() {
			defer wg.Done()
			sub, err := s.Subscribe(user, "", nil)
			if err == nil {
				go func() {
					for {
						select {
						case <-sub.Messages():
						case <-sub.Done():
							return
						}
					}
				}()
			}
		}()
		go func() {
			defer wg.Done()
			s.Broadcast(datatypes.ChangeEvent{Entity: "tasks", Action: "update", ID: "t"})
		}()
	}
	wg.Wait()
	s.DisconnectAll()
}

func TestMessageFrame(t *testing.T) {
	m := Message{ID: 7, Event: "tasks", Data: []byte(`{"id":"t1"}`)}
	assert.Equal(t, "id: 7\nevent: tasks\ndata: {\"id\":\"t1\"}\n\n", m.Frame())

	heartbeat := Message{Data: []byte("ping")}
	assert.Equal(t, "data: ping\n\n", heartbeat.Frame())
}

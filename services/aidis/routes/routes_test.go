// Copyright (C) 2025 AIDIS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aidisdev/aidis/pkg/logging"
	"github.com/aidisdev/aidis/services/aidis/datatypes"
	"github.com/aidisdev/aidis/services/aidis/db"
	"github.com/aidisdev/aidis/services/aidis/events"
	"github.com/aidisdev/aidis/services/aidis/mcp"
)

// =============================================================================
// Fixtures
// =============================================================================

type fakeDB struct {
	healthy bool
	state   gobreaker.State
}

func (f *fakeDB) Healthy(context.Context) bool  { return f.healthy }
func (f *fakeDB) BreakerState() gobreaker.State { return f.state }

type fakeListener struct{ status db.ListenerStatus }

func (f *fakeListener) Status() db.ListenerStatus { return f.status }

func newTestRouter(t *testing.T) (*gin.Engine, *events.Service, *fakeDB) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := logging.New(logging.Config{Quiet: true})

	reg := mcp.NewRegistry(logger, nil, nil)
	reg.Register(&mcp.Tool{
		Name:        "echo",
		Description: "echoes its title argument",
		Schema: &mcp.Schema{Fields: []mcp.FieldSpec{
			{Name: "title", Type: mcp.FieldString, Required: true},
		}},
		Handler: func(_ context.Context, _ *mcp.ExecContext, args mcp.Args) (any, error) {
			return gin.H{"title": args.String("title")}, nil
		},
	})

	hub := events.NewService(logger, 2)
	database := &fakeDB{healthy: true, state: gobreaker.StateClosed}

	router := gin.New()
	SetupRoutes(router, Options{
		Registry:  reg,
		DB:        database,
		Listener:  &fakeListener{status: db.ListenerStatus{Connected: true, ChannelName: db.Channel}},
		Events:    hub,
		Logger:    logger,
		Heartbeat: 20 * time.Millisecond,
	})
	return router, hub, database
}

func doJSON(t *testing.T, router *gin.Engine, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	parsed := map[string]any{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &parsed))
	}
	return w, parsed
}

// =============================================================================
// Health
// =============================================================================

func TestHealthz(t *testing.T) {
	router, _, _ := newTestRouter(t)
	w, body := doJSON(t, router, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["healthy"])
}

func TestReadyzReady(t *testing.T) {
	router, _, _ := newTestRouter(t)
	w, body := doJSON(t, router, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["ready"])
	listener, ok := body["listener"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, listener["connected"])
}

func TestReadyzUnready(t *testing.T) {
	router, _, database := newTestRouter(t)
	database.healthy = false
	database.state = gobreaker.StateOpen

	w, body := doJSON(t, router, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, false, body["ready"])
	dbBody, ok := body["database"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "open", dbBody["breakerState"])
}

// =============================================================================
// Tool Endpoints
// =============================================================================

func TestListToolsEnvelope(t *testing.T) {
	router, _, _ := newTestRouter(t)
	w, body := doJSON(t, router, http.MethodGet, "/mcp/tools", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, SupportedVersions, w.Header().Get("X-Supported-Versions"))
	assert.Equal(t, true, body["success"])
	assert.Equal(t, mcp.Version, body["version"])
	assert.NotEmpty(t, body["requestId"])

	data := body["data"].(map[string]any)
	assert.Equal(t, float64(1), data["count"])
}

func TestV2AliasesV1(t *testing.T) {
	router, _, _ := newTestRouter(t)
	for _, path := range []string{"/mcp/tools/schemas", "/v2/mcp/tools/schemas"} {
		w, body := doJSON(t, router, http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, w.Code, path)
		assert.Equal(t, true, body["success"], path)
	}
}

func TestDispatchSuccess(t *testing.T) {
	router, _, _ := newTestRouter(t)
	w, body := doJSON(t, router, http.MethodPost, "/mcp/tools/echo",
		`{"arguments":{"title":"hi"}}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["success"])
	data := body["data"].(map[string]any)
	assert.Equal(t, "hi", data["title"])
}

func TestDispatchEchoesClientRequestID(t *testing.T) {
	router, _, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/mcp/tools/echo",
		strings.NewReader(`{"arguments":{"title":"hi"}}`))
	req.Header.Set("X-Request-ID", "trace-me")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "trace-me", body["requestId"])
	assert.Equal(t, "trace-me", w.Header().Get("X-Request-ID"))
}

func TestDispatchUnknownTool(t *testing.T) {
	router, _, _ := newTestRouter(t)
	w, body := doJSON(t, router, http.MethodPost, "/mcp/tools/nope", `{"arguments":{}}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, string(mcp.CodeToolNotFound), body["code"])
}

func TestDispatchMalformedBody(t *testing.T) {
	router, _, _ := newTestRouter(t)
	w, body := doJSON(t, router, http.MethodPost, "/mcp/tools/echo", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, string(mcp.CodeInvalidInput), body["code"])
}

func TestDispatchBodyTooLarge(t *testing.T) {
	router, _, _ := newTestRouter(t)
	huge := `{"arguments":{"title":"` + strings.Repeat("x", 2<<20) + `"}}`
	w, _ := doJSON(t, router, http.MethodPost, "/mcp/tools/echo", huge)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	router, _, _ := newTestRouter(t)
	w, body := doJSON(t, router, http.MethodGet, "/mcp/tools/echo", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, string(mcp.CodeMethodNotAllowed), body["code"])
}

func TestUnknownRoute(t *testing.T) {
	router, _, _ := newTestRouter(t)
	w, body := doJSON(t, router, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, false, body["success"])
}

// =============================================================================
// SSE
// =============================================================================

func TestEventsStreamDeliversBroadcasts(t *testing.T) {
	router, hub, _ := newTestRouter(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events?entities=tasks", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readUntil := func(prefix string) string {
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			if strings.HasPrefix(line, prefix) {
				return strings.TrimSpace(line)
			}
		}
	}

	// First frame is the reconnect hint, then the connected event.
	assert.Equal(t, "retry: 5000", readUntil("retry:"))
	assert.Equal(t, "event: connected", readUntil("event:"))

	// Give the subscriber table time to include this connection.
	time.Sleep(50 * time.Millisecond)
	hub.Broadcast(datatypes.ChangeEvent{
		Entity: "tasks", Action: "insert", ID: "t-1", At: time.Now(),
	})

	assert.Equal(t, "event: tasks", readUntil("event:"))
	data := readUntil("data:")
	assert.Contains(t, data, "t-1")
}

func TestEventsRejectsUnknownEntity(t *testing.T) {
	router, _, _ := newTestRouter(t)
	w, _ := doJSON(t, router, http.MethodGet, "/events?entities=bogus", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEventsPerUserCap(t *testing.T) {
	router, _, _ := newTestRouter(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	open := func() *http.Response {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	// Cap is 2 in the test hub.
	first := open()
	defer first.Body.Close()
	second := open()
	defer second.Body.Close()
	require.Equal(t, http.StatusOK, first.StatusCode)
	require.Equal(t, http.StatusOK, second.StatusCode)

	third := open()
	defer third.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, third.StatusCode)
}

func TestEventsStats(t *testing.T) {
	router, _, _ := newTestRouter(t)
	w, body := doJSON(t, router, http.MethodGet, "/events/stats", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), body["totalConnections"])

	w, body = doJSON(t, router, http.MethodGet, "/events/clients", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, body, "clients")
}

// Copyright (C) 2025 AIDIS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aidisdev/aidis/pkg/logging"
)

// =============================================================================
// Test Fixtures
// =============================================================================

type recordedActivity struct {
	SessionID    string
	ActivityType string
	Metadata     map[string]any
}

type fakeRecorder struct {
	mu       sync.Mutex
	active   string
	recorded []recordedActivity
}

func (f *fakeRecorder) ActiveSession() string { return f.active }

func (f *fakeRecorder) RecordActivity(_ context.Context, sessionID, activityType string, metadata map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, recordedActivity{sessionID, activityType, metadata})
}

func (f *fakeRecorder) all() []recordedActivity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedActivity(nil), f.recorded...)
}

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Quiet: true})
}

func echoTool(name string) *Tool {
	return &Tool{
		Name:        name,
		Description: "echoes its title argument",
		Schema: &Schema{Fields: []FieldSpec{
			{Name: "title", Type: FieldString, Required: true},
		}},
		Handler: func(_ context.Context, _ *ExecContext, args Args) (any, error) {
			return map[string]any{"title": args.String("title")}, nil
		},
	}
}

// =============================================================================
// Dispatch
// =============================================================================

func TestDispatchSuccessEnvelope(t *testing.T) {
	reg := NewRegistry(testLogger(), nil, nil)
	reg.Register(echoTool("echo"))

	env := reg.Dispatch(context.Background(), "echo",
		json.RawMessage(`{"title":"hello"}`), &ExecContext{RequestID: "req-42"})

	assert.True(t, env.Success)
	assert.Equal(t, Version, env.Version)
	assert.Equal(t, "req-42", env.RequestID)
	assert.Empty(t, env.Error)
	assert.Empty(t, env.Code)
	assert.GreaterOrEqual(t, env.ProcessingTimeMs, int64(0))
	assert.Equal(t, 200, env.HTTPStatus())

	data, ok := env.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hello", data["title"])
}

func TestDispatchUnknownTool(t *testing.T) {
	reg := NewRegistry(testLogger(), nil, nil)

	env := reg.Dispatch(context.Background(), "nope", nil, &ExecContext{RequestID: "r"})

	assert.False(t, env.Success)
	assert.Equal(t, string(CodeToolNotFound), env.Code)
	assert.Equal(t, 404, env.HTTPStatus())
	assert.Contains(t, env.Error, "nope")
}

func TestDispatchDisabledTool(t *testing.T) {
	reg := NewRegistry(testLogger(), nil, []string{"echo"})
	reg.Register(echoTool("echo"))

	env := reg.Dispatch(context.Background(), "echo",
		json.RawMessage(`{"title":"x"}`), &ExecContext{RequestID: "r"})

	assert.False(t, env.Success)
	assert.Equal(t, string(CodeToolDisabled), env.Code)
	assert.Equal(t, 404, env.HTTPStatus())
	assert.True(t, reg.Disabled("echo"))
}

func TestDispatchValidationFailure(t *testing.T) {
	reg := NewRegistry(testLogger(), nil, nil)
	reg.Register(echoTool("echo"))

	env := reg.Dispatch(context.Background(), "echo",
		json.RawMessage(`{}`), &ExecContext{RequestID: "r"})

	assert.False(t, env.Success)
	assert.Equal(t, string(CodeInvalidInput), env.Code)
	assert.Contains(t, env.Error, "title")
}

func TestDispatchCodedErrorSurfacesMessage(t *testing.T) {
	reg := NewRegistry(testLogger(), nil, nil)
	reg.Register(&Tool{
		Name:        "fail",
		Description: "always fails",
		Schema:      &Schema{},
		Handler: func(_ context.Context, _ *ExecContext, _ Args) (any, error) {
			return nil, Errf(CodeTaskNotFound, "task t-1 not found")
		},
	})

	env := reg.Dispatch(context.Background(), "fail", nil, &ExecContext{RequestID: "r"})

	assert.False(t, env.Success)
	assert.Equal(t, string(CodeTaskNotFound), env.Code)
	assert.Equal(t, "task t-1 not found", env.Error)
}

func TestDispatchMasksInternalDetails(t *testing.T) {
	reg := NewRegistry(testLogger(), nil, nil)
	reg.Register(&Tool{
		Name:        "boom",
		Description: "fails with an uncoded error",
		Schema:      &Schema{},
		Handler: func(_ context.Context, _ *ExecContext, _ Args) (any, error) {
			return nil, assert.AnError
		},
	})

	env := reg.Dispatch(context.Background(), "boom", nil, &ExecContext{RequestID: "r"})

	assert.False(t, env.Success)
	assert.Equal(t, string(CodeInternal), env.Code)
	assert.Equal(t, "internal error", env.Error)
	assert.NotContains(t, env.Error, assert.AnError.Error())
}

func TestDispatchContainsPanics(t *testing.T) {
	reg := NewRegistry(testLogger(), nil, nil)
	reg.Register(&Tool{
		Name:        "panic",
		Description: "panics",
		Schema:      &Schema{},
		Handler: func(_ context.Context, _ *ExecContext, _ Args) (any, error) {
			panic("handler bug")
		},
	})

	env := reg.Dispatch(context.Background(), "panic", nil, &ExecContext{RequestID: "r"})

	assert.False(t, env.Success)
	assert.Equal(t, string(CodeInternal), env.Code)
	assert.Equal(t, "internal error", env.Error)
}

func TestDispatchAppliesTimeout(t *testing.T) {
	reg := NewRegistry(testLogger(), nil, nil)
	reg.timeout = 20 * time.Millisecond
	reg.Register(&Tool{
		Name:        "slow",
		Description: "blocks until the deadline",
		Schema:      &Schema{},
		Handler: func(ctx context.Context, _ *ExecContext, _ Args) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	env := reg.Dispatch(context.Background(), "slow", nil, &ExecContext{RequestID: "r"})

	assert.False(t, env.Success)
	assert.Equal(t, string(CodeTimeout), env.Code)
	assert.Equal(t, 504, env.HTTPStatus())
}

func TestDispatchAttachesWarnings(t *testing.T) {
	reg := NewRegistry(testLogger(), nil, nil)
	reg.Register(&Tool{
		Name:        "warn",
		Description: "succeeds with a warning",
		Schema:      &Schema{},
		Handler: func(_ context.Context, ec *ExecContext, _ Args) (any, error) {
			ec.AddWarning("similar name exists")
			return "ok", nil
		},
	})

	env := reg.Dispatch(context.Background(), "warn", nil, &ExecContext{RequestID: "r"})

	assert.True(t, env.Success)
	assert.Equal(t, []string{"similar name exists"}, env.Warnings)
}

// =============================================================================
// Activity Hook
// =============================================================================

func TestDispatchRecordsActivityOnSuccess(t *testing.T) {
	rec := &fakeRecorder{}
	reg := NewRegistry(testLogger(), rec, nil)
	tool := echoTool("context_store")
	tool.Activity = "context_stored"
	reg.Register(tool)

	env := reg.Dispatch(context.Background(), "context_store",
		json.RawMessage(`{"title":"x"}`),
		&ExecContext{RequestID: "req-7", SessionID: "s-1"})
	require.True(t, env.Success)

	recorded := rec.all()
	require.Len(t, recorded, 1)
	assert.Equal(t, "s-1", recorded[0].SessionID)
	assert.Equal(t, "context_stored", recorded[0].ActivityType)
	assert.Equal(t, "context_store", recorded[0].Metadata["tool"])
	assert.Equal(t, "req-7", recorded[0].Metadata["request_id"])
}

func TestDispatchActivityFallsBackToActiveSession(t *testing.T) {
	rec := &fakeRecorder{active: "s-active"}
	reg := NewRegistry(testLogger(), rec, nil)
	tool := echoTool("task_create")
	tool.Activity = "task_created"
	reg.Register(tool)

	reg.Dispatch(context.Background(), "task_create",
		json.RawMessage(`{"title":"x"}`), &ExecContext{RequestID: "r"})

	recorded := rec.all()
	require.Len(t, recorded, 1)
	assert.Equal(t, "s-active", recorded[0].SessionID)
}

func TestDispatchSkipsActivityOnFailure(t *testing.T) {
	rec := &fakeRecorder{active: "s-1"}
	reg := NewRegistry(testLogger(), rec, nil)
	tool := echoTool("context_store")
	tool.Activity = "context_stored"
	reg.Register(tool)

	// Validation failure: required title missing.
	reg.Dispatch(context.Background(), "context_store",
		json.RawMessage(`{}`), &ExecContext{RequestID: "r"})

	assert.Empty(t, rec.all())
}

func TestDispatchSkipsActivityWithoutSession(t *testing.T) {
	rec := &fakeRecorder{}
	reg := NewRegistry(testLogger(), rec, nil)
	tool := echoTool("context_store")
	tool.Activity = "context_stored"
	reg.Register(tool)

	reg.Dispatch(context.Background(), "context_store",
		json.RawMessage(`{"title":"x"}`), &ExecContext{RequestID: "r"})

	assert.Empty(t, rec.all())
}

// =============================================================================
// Registration and Listings
// =============================================================================

func TestRegisterRejectsDuplicates(t *testing.T) {
	reg := NewRegistry(testLogger(), nil, nil)
	reg.Register(echoTool("echo"))
	assert.Panics(t, func() { reg.Register(echoTool("echo")) })
}

func TestRegisterRejectsIncompleteTools(t *testing.T) {
	reg := NewRegistry(testLogger(), nil, nil)
	assert.Panics(t, func() { reg.Register(&Tool{Name: "no-schema"}) })
	assert.Panics(t, func() {
		reg.Register(&Tool{Schema: &Schema{}, Handler: func(context.Context, *ExecContext, Args) (any, error) {
			return nil, nil
		}})
	})
}

func TestListAndDescriptorsSorted(t *testing.T) {
	reg := NewRegistry(testLogger(), nil, []string{"alpha"})
	reg.Register(echoTool("zulu"))
	reg.Register(echoTool("alpha"))
	reg.Register(echoTool("mike"))

	list := reg.List()
	require.Len(t, list, 3)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, "zulu", list[2].Name)
	assert.Equal(t, 3, reg.Count())

	descs := reg.Descriptors()
	require.Len(t, descs, 3)
	assert.Equal(t, "/mcp/tools/alpha", descs[0].Endpoint)
	assert.True(t, descs[0].Disabled)
	assert.False(t, descs[1].Disabled)
	require.Len(t, descs[0].Fields, 1)
	assert.Contains(t, descs[0].Fields[0], "title")

	schemas := reg.Schemas()
	require.Len(t, schemas, 3)
	assert.Equal(t, "alpha", schemas[0].Name)
	assert.NotNil(t, schemas[0].Schema)
}

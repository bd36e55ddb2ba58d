// Copyright (C) 2025 AIDIS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aidisdev/aidis/pkg/logging"
	"github.com/aidisdev/aidis/services/aidis/embedding"
	"github.com/aidisdev/aidis/services/aidis/mcp"
	"github.com/aidisdev/aidis/services/aidis/session"
)

// testRegistry wires every tool family with no live database. Only paths
// that stop before the gateway (validation, project resolution) run here.
func testRegistry(t *testing.T) (*mcp.Registry, *Deps) {
	t.Helper()
	logger := logging.New(logging.Config{Quiet: true})
	d := &Deps{
		Embedder: embedding.NewLocal(8),
		Projects: session.NewActiveProjectStore(),
		Tracker:  &session.Tracker{},
		Logger:   logger,
	}
	reg := mcp.NewRegistry(logger, nil, nil)
	RegisterAll(reg, d)
	return reg, d
}

func TestAllToolFamiliesRegistered(t *testing.T) {
	reg, _ := testRegistry(t)

	expected := []string{
		"context_store", "context_search", "context_get_recent", "context_stats",
		"project_create", "project_list", "project_switch", "project_current",
		"project_info", "project_insights",
		"naming_register", "naming_check", "naming_suggest", "naming_stats",
		"decision_record", "decision_search", "decision_update", "decision_stats",
		"task_create", "task_list", "task_update", "task_details",
		"agent_register", "agent_list", "agent_join", "agent_leave",
		"agent_sessions", "agent_message", "agent_messages",
		"smart_search", "get_recommendations",
		"session_status", "session_assign", "session_new",
	}
	for _, name := range expected {
		_, ok := reg.Get(name)
		assert.True(t, ok, "tool %s not registered", name)
	}
	assert.Equal(t, len(expected), reg.Count())
}

func TestEveryToolHasSchemaAndDescription(t *testing.T) {
	reg, _ := testRegistry(t)
	for _, tool := range reg.List() {
		assert.NotEmpty(t, tool.Description, "tool %s has no description", tool.Name)
		require.NotNil(t, tool.Schema, "tool %s has no schema", tool.Name)
	}
}

func TestDispatchRejectsInvalidEnumBeforeDatabase(t *testing.T) {
	reg, _ := testRegistry(t)

	env := reg.Dispatch(context.Background(), "context_store",
		json.RawMessage(`{"type":"bogus","content":"x"}`),
		&mcp.ExecContext{RequestID: "req-1"})

	assert.False(t, env.Success)
	assert.Equal(t, string(mcp.CodeInvalidInput), env.Code)
	assert.Contains(t, env.Error, "type")
}

func TestDispatchRejectsUnknownField(t *testing.T) {
	reg, _ := testRegistry(t)

	env := reg.Dispatch(context.Background(), "task_create",
		json.RawMessage(`{"title":"x","bogus":true}`),
		&mcp.ExecContext{RequestID: "req-1"})

	assert.False(t, env.Success)
	assert.Equal(t, string(mcp.CodeInvalidInput), env.Code)
	assert.Contains(t, env.Error, "bogus")
}

func TestProjectScopedToolWithoutActiveProject(t *testing.T) {
	reg, _ := testRegistry(t)

	env := reg.Dispatch(context.Background(), "task_list",
		json.RawMessage(`{}`), &mcp.ExecContext{RequestID: "req-1"})

	assert.False(t, env.Success)
	assert.Equal(t, string(mcp.CodeProjectNotFound), env.Code)
}

func TestResolveProjectPrefersExplicitArgument(t *testing.T) {
	_, d := testRegistry(t)
	d.Projects.Set("s-1", "p-active")

	ec := &mcp.ExecContext{SessionID: "s-1"}
	got, err := d.resolveProject(ec, mcp.Args{"projectId": "p-explicit"})
	require.NoError(t, err)
	assert.Equal(t, "p-explicit", got)

	got, err = d.resolveProject(ec, mcp.Args{})
	require.NoError(t, err)
	assert.Equal(t, "p-active", got)
}

func TestSessionKeyFallsBackToDefault(t *testing.T) {
	_, d := testRegistry(t)
	assert.Equal(t, "default", d.sessionKey(&mcp.ExecContext{}, mcp.Args{}))
	assert.Equal(t, "s-9", d.sessionKey(&mcp.ExecContext{SessionID: "s-9"}, mcp.Args{}))
	assert.Equal(t, "arg", d.sessionKey(&mcp.ExecContext{SessionID: "s-9"}, mcp.Args{"sessionId": "arg"}))
}

// Copyright (C) 2025 AIDIS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers implements the tool handlers behind the dispatch API.
//
// Handlers are grouped by family (contexts, projects, naming, decisions,
// tasks, agents, search, sessions). Each family file declares its tool
// schemas and registers them against the shared registry. All database
// access goes through the gateway; handlers never open connections or
// re-wrap retries.
package handlers

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/jackc/pgx/v5"

	"github.com/aidisdev/aidis/pkg/logging"
	"github.com/aidisdev/aidis/services/aidis/db"
	"github.com/aidisdev/aidis/services/aidis/embedding"
	"github.com/aidisdev/aidis/services/aidis/mcp"
	"github.com/aidisdev/aidis/services/aidis/session"
)

// Deps bundles everything a handler family needs. One instance is built
// at startup and shared.
type Deps struct {
	GW       *db.Gateway
	Embedder embedding.Embedder
	Projects *session.ActiveProjectStore
	Tracker  *session.Tracker
	Logger   *logging.Logger
}

// RegisterAll wires every tool family into the registry.
func RegisterAll(reg *mcp.Registry, d *Deps) {
	registerContextTools(reg, d)
	registerProjectTools(reg, d)
	registerNamingTools(reg, d)
	registerDecisionTools(reg, d)
	registerTaskTools(reg, d)
	registerAgentTools(reg, d)
	registerSearchTools(reg, d)
	registerSessionTools(reg, d)
}

// =============================================================================
// Shared Helpers
// =============================================================================

// sessionKey resolves which session a request acts on behalf of: the
// explicit argument, the execution context, the tracker, then a process
// default so single-agent use works without session plumbing.
func (d *Deps) sessionKey(ec *mcp.ExecContext, args mcp.Args) string {
	if id := args.String("sessionId"); id != "" {
		return id
	}
	if ec.SessionID != "" {
		return ec.SessionID
	}
	if id := d.Tracker.ActiveSession(); id != "" {
		return id
	}
	return "default"
}

// resolveProject returns the project id scoping a tool call: the explicit
// projectId argument, otherwise the session's active project.
func (d *Deps) resolveProject(ec *mcp.ExecContext, args mcp.Args) (string, error) {
	if id := args.String("projectId"); id != "" {
		return id, nil
	}
	if id, ok := d.Projects.Get(d.sessionKey(ec, args)); ok {
		return id, nil
	}
	return "", mcp.Errf(mcp.CodeProjectNotFound,
		"no projectId given and no active project for this session; call project_switch first")
}

// projectExists verifies the referenced project row.
func (d *Deps) projectExists(ctx context.Context, cid, projectID string) error {
	return d.GW.QueryRow(ctx, cid,
		`SELECT id FROM projects WHERE id = $1`,
		[]any{projectID},
		mcp.Errf(mcp.CodeProjectNotFound, "project %s not found", projectID),
		func(rows pgx.Rows) error {
			var id string
			return rows.Scan(&id)
		})
}

// jsonMap decodes a JSONB column into a map. nil/empty input yields nil.
func jsonMap(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

// itoa keeps dynamically numbered SQL placeholders readable.
func itoa(n int) string {
	return strconv.Itoa(n)
}

// mustJSON encodes v for a JSONB parameter; nil maps become {}.
func mustJSON(v any) []byte {
	if v == nil {
		return []byte("{}")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}

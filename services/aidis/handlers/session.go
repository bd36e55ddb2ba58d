// Copyright (C) 2025 AIDIS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/aidisdev/aidis/services/aidis/datatypes"
	"github.com/aidisdev/aidis/services/aidis/mcp"
)

func registerSessionTools(reg *mcp.Registry, d *Deps) {
	reg.Register(&mcp.Tool{
		Name:        "session_status",
		Description: "Current session, its active project, and recent activity count.",
		Idempotent:  true,
		Schema: &mcp.Schema{Fields: []mcp.FieldSpec{
			{Name: "sessionId", Type: mcp.FieldString},
		}},
		Handler: d.sessionStatus,
	})

	reg.Register(&mcp.Tool{
		Name:        "session_assign",
		Description: "Bind the current session to a project. Accepts a project id or name.",
		Examples:    []string{`{"project":"alpha"}`},
		Schema: &mcp.Schema{Fields: []mcp.FieldSpec{
			{Name: "project", Type: mcp.FieldString, Required: true, Tag: "min=1"},
			{Name: "sessionId", Type: mcp.FieldString},
		}},
		Handler: d.sessionAssign,
	})

	reg.Register(&mcp.Tool{
		Name:        "session_new",
		Description: "Open a new session, optionally bound to a project, and make it current.",
		Schema: &mcp.Schema{Fields: []mcp.FieldSpec{
			{Name: "project", Type: mcp.FieldString},
			{Name: "metadata", Type: mcp.FieldObject},
		}},
		Handler: d.sessionNew,
	})
}

// =============================================================================
// Handlers
// =============================================================================

func (d *Deps) sessionStatus(ctx context.Context, ec *mcp.ExecContext, args mcp.Args) (any, error) {
	sessionID := d.sessionKey(ec, args)

	status := map[string]any{
		"sessionId": sessionID,
	}
	if projectID, ok := d.Projects.Get(sessionID); ok {
		status["activeProjectId"] = projectID
	}

	// The "default" key is process-local, not a sessions row.
	if sessionID == "default" {
		return status, nil
	}

	var s datatypes.Session
	err := d.GW.QueryRow(ctx, ec.RequestID,
		`SELECT id, COALESCE(project_id::text, ''), started_at, ended_at, productivity_score
		 FROM sessions WHERE id = $1`,
		[]any{sessionID},
		mcp.Errf(mcp.CodeSessionNotFound, "session %s not found", sessionID),
		func(rows pgx.Rows) error {
			return rows.Scan(&s.ID, &s.ProjectID, &s.StartedAt, &s.EndedAt, &s.ProductivityScore)
		})
	if err != nil {
		return nil, err
	}
	status["session"] = s

	var activities int64
	err = d.GW.Query(ctx, ec.RequestID,
		`SELECT COUNT(*) FROM session_activities
		 WHERE session_id = $1 AND created_at > now() - interval '1 day'`,
		[]any{sessionID},
		func(rows pgx.Rows) error {
			if rows.Next() {
				return rows.Scan(&activities)
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	status["activitiesLast24h"] = activities

	return status, nil
}

func (d *Deps) sessionAssign(ctx context.Context, ec *mcp.ExecContext, args mcp.Args) (any, error) {
	p, err := d.findProject(ctx, ec.RequestID, args.String("project"))
	if err != nil {
		return nil, err
	}

	sessionID := d.sessionKey(ec, args)
	d.Projects.Set(sessionID, p.ID)

	// Persist the binding when the session exists as a row; the process
	// default key has nothing to update.
	if sessionID != "default" {
		if _, err := d.GW.Exec(ctx, ec.RequestID,
			`UPDATE sessions SET project_id = $2 WHERE id = $1`,
			sessionID, p.ID); err != nil {
			return nil, err
		}
	}

	return map[string]any{"sessionId": sessionID, "project": p}, nil
}

func (d *Deps) sessionNew(ctx context.Context, ec *mcp.ExecContext, args mcp.Args) (any, error) {
	s := datatypes.Session{
		ID:        uuid.NewString(),
		StartedAt: time.Now().UTC(),
	}

	var projectParam any
	if ref := args.String("project"); ref != "" {
		p, err := d.findProject(ctx, ec.RequestID, ref)
		if err != nil {
			return nil, err
		}
		s.ProjectID = p.ID
		projectParam = p.ID
	}

	_, err := d.GW.Exec(ctx, ec.RequestID,
		`INSERT INTO sessions (id, project_id, started_at, metadata)
		 VALUES ($1, $2, $3, $4)`,
		s.ID, projectParam, s.StartedAt, mustJSON(args.Object("metadata")))
	if err != nil {
		return nil, err
	}

	d.Tracker.SetActiveSession(s.ID)
	if s.ProjectID != "" {
		d.Projects.Set(s.ID, s.ProjectID)
	}

	return s, nil
}

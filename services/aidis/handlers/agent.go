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

const agentColumns = `id, name, COALESCE(type, ''), COALESCE(capabilities, '{}'), status, last_seen`

func scanAgent(rows pgx.Rows) (datatypes.Agent, error) {
	var a datatypes.Agent
	err := rows.Scan(&a.ID, &a.Name, &a.Type, &a.Capabilities, &a.Status, &a.LastSeen)
	return a, err
}

func registerAgentTools(reg *mcp.Registry, d *Deps) {
	reg.Register(&mcp.Tool{
		Name:        "agent_register",
		Description: "Register an agent or refresh its presence. Upserts by name.",
		Examples:    []string{`{"name":"indexer","type":"analysis","capabilities":["parse"]}`},
		Schema: &mcp.Schema{Fields: []mcp.FieldSpec{
			{Name: "name", Type: mcp.FieldString, Required: true, Tag: "min=1,max=255"},
			{Name: "type", Type: mcp.FieldString, Tag: "max=100"},
			{Name: "capabilities", Type: mcp.FieldStringList},
		}},
		Handler: d.agentRegister,
	})

	reg.Register(&mcp.Tool{
		Name:        "agent_list",
		Description: "List registered agents.",
		Idempotent:  true,
		Schema: &mcp.Schema{Fields: []mcp.FieldSpec{
			{Name: "status", Type: mcp.FieldString, Enum: datatypes.AgentStatuses},
		}},
		Handler: d.agentList,
	})

	reg.Register(&mcp.Tool{
		Name:        "agent_join",
		Description: "Join an agent to a project, opening an agent session.",
		Schema: &mcp.Schema{Fields: []mcp.FieldSpec{
			{Name: "agent", Type: mcp.FieldString, Required: true, Tag: "min=1"},
			{Name: "projectId", Type: mcp.FieldString, Tag: "uuid"},
			{Name: "sessionId", Type: mcp.FieldString},
		}},
		Handler: d.agentJoin,
	})

	reg.Register(&mcp.Tool{
		Name:        "agent_leave",
		Description: "Mark an agent offline and close its open agent sessions.",
		Schema: &mcp.Schema{Fields: []mcp.FieldSpec{
			{Name: "agent", Type: mcp.FieldString, Required: true, Tag: "min=1"},
			{Name: "projectId", Type: mcp.FieldString, Tag: "uuid"},
			{Name: "sessionId", Type: mcp.FieldString},
		}},
		Handler: d.agentLeave,
	})

	reg.Register(&mcp.Tool{
		Name:        "agent_sessions",
		Description: "List open agent sessions for a project.",
		Idempotent:  true,
		Schema: &mcp.Schema{Fields: []mcp.FieldSpec{
			{Name: "projectId", Type: mcp.FieldString, Tag: "uuid"},
			{Name: "sessionId", Type: mcp.FieldString},
		}},
		Handler: d.agentSessions,
	})

	reg.Register(&mcp.Tool{
		Name:        "agent_message",
		Description: "Append a message to the project's agent message log.",
		Schema: &mcp.Schema{Fields: []mcp.FieldSpec{
			{Name: "fromAgent", Type: mcp.FieldString, Required: true, Tag: "min=1,max=255"},
			{Name: "content", Type: mcp.FieldString, Required: true, Tag: "min=1"},
			{Name: "toAgent", Type: mcp.FieldString, Tag: "max=255"},
			{Name: "type", Type: mcp.FieldString, Tag: "max=100"},
			{Name: "title", Type: mcp.FieldString, Tag: "max=500"},
			{Name: "taskRefs", Type: mcp.FieldStringList},
			{Name: "projectId", Type: mcp.FieldString, Tag: "uuid"},
			{Name: "sessionId", Type: mcp.FieldString},
		}},
		Handler: d.agentMessage,
	})

	reg.Register(&mcp.Tool{
		Name:        "agent_messages",
		Description: "Read the project's agent message log, newest first.",
		Idempotent:  true,
		Schema: &mcp.Schema{Fields: []mcp.FieldSpec{
			{Name: "agent", Type: mcp.FieldString},
			{Name: "limit", Type: mcp.FieldInt, Tag: "gte=0,lte=200", FromString: true},
			{Name: "projectId", Type: mcp.FieldString, Tag: "uuid"},
			{Name: "sessionId", Type: mcp.FieldString},
		}},
		Handler: d.agentMessages,
	})
}

// =============================================================================
// Handlers
// =============================================================================

func (d *Deps) agentRegister(ctx context.Context, ec *mcp.ExecContext, args mcp.Args) (any, error) {
	now := time.Now().UTC()
	a := datatypes.Agent{
		ID:           uuid.NewString(),
		Name:         args.String("name"),
		Type:         args.StringOr("type", "general"),
		Capabilities: args.StringList("capabilities"),
		Status:       datatypes.AgentStatusActive,
		LastSeen:     now,
	}

	// Upsert so re-registration refreshes presence instead of failing.
	err := d.GW.QueryRow(ctx, ec.RequestID,
		`INSERT INTO agents (id, name, type, capabilities, status, last_seen)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (name) DO UPDATE
		   SET type = EXCLUDED.type,
		       capabilities = EXCLUDED.capabilities,
		       status = EXCLUDED.status,
		       last_seen = EXCLUDED.last_seen
		 RETURNING `+agentColumns,
		[]any{a.ID, a.Name, a.Type, a.Capabilities, a.Status, a.LastSeen},
		mcp.Errf(mcp.CodeInternal, "agent upsert returned no row"),
		func(rows pgx.Rows) error {
			var scanErr error
			a, scanErr = scanAgent(rows)
			return scanErr
		})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (d *Deps) agentList(ctx context.Context, ec *mcp.ExecContext, args mcp.Args) (any, error) {
	sql := `SELECT ` + agentColumns + ` FROM agents`
	var params []any
	if status := args.String("status"); status != "" {
		params = append(params, status)
		sql += ` WHERE status = $1`
	}
	sql += ` ORDER BY name`

	var agents []datatypes.Agent
	err := d.GW.Query(ctx, ec.RequestID, sql, params, func(rows pgx.Rows) error {
		var scanned []datatypes.Agent
		for rows.Next() {
			a, err := scanAgent(rows)
			if err != nil {
				return err
			}
			scanned = append(scanned, a)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		agents = append(agents, scanned...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if agents == nil {
		agents = []datatypes.Agent{}
	}
	return agents, nil
}

// findAgent resolves a uuid or a name to an agent row.
func (d *Deps) findAgent(ctx context.Context, cid, ref string) (datatypes.Agent, error) {
	sql := `SELECT ` + agentColumns + ` FROM agents WHERE name = $1`
	if _, err := uuid.Parse(ref); err == nil {
		sql = `SELECT ` + agentColumns + ` FROM agents WHERE id = $1`
	}

	var a datatypes.Agent
	err := d.GW.QueryRow(ctx, cid, sql, []any{ref},
		mcp.Errf(mcp.CodeAgentNotFound, "agent %q not found", ref),
		func(rows pgx.Rows) error {
			var scanErr error
			a, scanErr = scanAgent(rows)
			return scanErr
		})
	return a, err
}

func (d *Deps) agentJoin(ctx context.Context, ec *mcp.ExecContext, args mcp.Args) (any, error) {
	projectID, err := d.resolveProject(ec, args)
	if err != nil {
		return nil, err
	}
	a, err := d.findAgent(ctx, ec.RequestID, args.String("agent"))
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	sessionID := uuid.NewString()
	err = d.GW.Tx(ctx, ec.RequestID, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO agent_sessions (id, agent_id, project_id, started_at)
			 VALUES ($1, $2, $3, $4)`,
			sessionID, a.ID, projectID, now); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`UPDATE agents SET status = $2, last_seen = $3 WHERE id = $1`,
			a.ID, datatypes.AgentStatusActive, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"agentSessionId": sessionID,
		"agentId":        a.ID,
		"projectId":      projectID,
		"startedAt":      now,
	}, nil
}

func (d *Deps) agentLeave(ctx context.Context, ec *mcp.ExecContext, args mcp.Args) (any, error) {
	a, err := d.findAgent(ctx, ec.RequestID, args.String("agent"))
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var closed int64
	err = d.GW.Tx(ctx, ec.RequestID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE agent_sessions SET ended_at = $2
			 WHERE agent_id = $1 AND ended_at IS NULL`,
			a.ID, now)
		if err != nil {
			return err
		}
		closed = tag.RowsAffected()
		_, err = tx.Exec(ctx,
			`UPDATE agents SET status = $2, last_seen = $3 WHERE id = $1`,
			a.ID, datatypes.AgentStatusOffline, now)
		return err
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{"agentId": a.ID, "closedSessions": closed}, nil
}

func (d *Deps) agentSessions(ctx context.Context, ec *mcp.ExecContext, args mcp.Args) (any, error) {
	projectID, err := d.resolveProject(ec, args)
	if err != nil {
		return nil, err
	}

	type agentSession struct {
		ID        string    `json:"id"`
		AgentID   string    `json:"agentId"`
		AgentName string    `json:"agentName"`
		ProjectID string    `json:"projectId"`
		StartedAt time.Time `json:"startedAt"`
	}

	sessions := []agentSession{}
	err = d.GW.Query(ctx, ec.RequestID,
		`SELECT s.id, s.agent_id, a.name, s.project_id, s.started_at
		 FROM agent_sessions s JOIN agents a ON a.id = s.agent_id
		 WHERE s.project_id = $1 AND s.ended_at IS NULL
		 ORDER BY s.started_at DESC`,
		[]any{projectID},
		func(rows pgx.Rows) error {
			var scanned []agentSession
			for rows.Next() {
				var s agentSession
				if err := rows.Scan(&s.ID, &s.AgentID, &s.AgentName, &s.ProjectID, &s.StartedAt); err != nil {
					return err
				}
				scanned = append(scanned, s)
			}
			if err := rows.Err(); err != nil {
				return err
			}
			sessions = append(sessions, scanned...)
			return nil
		})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (d *Deps) agentMessage(ctx context.Context, ec *mcp.ExecContext, args mcp.Args) (any, error) {
	projectID, err := d.resolveProject(ec, args)
	if err != nil {
		return nil, err
	}
	from, err := d.findAgent(ctx, ec.RequestID, args.String("fromAgent"))
	if err != nil {
		return nil, err
	}

	var toAgent string
	if to := args.String("toAgent"); to != "" {
		target, err := d.findAgent(ctx, ec.RequestID, to)
		if err != nil {
			return nil, err
		}
		toAgent = target.ID
	}

	m := datatypes.AgentMessage{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		FromAgent: from.ID,
		ToAgent:   toAgent,
		Type:      args.StringOr("type", "info"),
		Title:     args.String("title"),
		Content:   args.String("content"),
		TaskRefs:  args.StringList("taskRefs"),
		CreatedAt: time.Now().UTC(),
	}

	var toParam any
	if m.ToAgent != "" {
		toParam = m.ToAgent
	}
	_, err = d.GW.Exec(ctx, ec.RequestID,
		`INSERT INTO agent_messages
		   (id, project_id, from_agent, to_agent, type, title, content, task_refs, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.ID, m.ProjectID, m.FromAgent, toParam, m.Type, m.Title, m.Content,
		m.TaskRefs, m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (d *Deps) agentMessages(ctx context.Context, ec *mcp.ExecContext, args mcp.Args) (any, error) {
	projectID, err := d.resolveProject(ec, args)
	if err != nil {
		return nil, err
	}
	limit := args.Int("limit", 50)
	if limit == 0 {
		return []datatypes.AgentMessage{}, nil
	}

	sql := `SELECT id, project_id, from_agent, COALESCE(to_agent::text, ''), type,
	          COALESCE(title, ''), content, COALESCE(task_refs, '{}'), created_at
	        FROM agent_messages WHERE project_id = $1`
	params := []any{projectID}
	if ref := args.String("agent"); ref != "" {
		a, err := d.findAgent(ctx, ec.RequestID, ref)
		if err != nil {
			return nil, err
		}
		params = append(params, a.ID)
		n := itoa(len(params))
		sql += ` AND (from_agent = $` + n + ` OR to_agent = $` + n + `)`
	}
	params = append(params, limit)
	sql += ` ORDER BY created_at DESC LIMIT $` + itoa(len(params))

	messages := []datatypes.AgentMessage{}
	err = d.GW.Query(ctx, ec.RequestID, sql, params, func(rows pgx.Rows) error {
		var scanned []datatypes.AgentMessage
		for rows.Next() {
			var m datatypes.AgentMessage
			if err := rows.Scan(&m.ID, &m.ProjectID, &m.FromAgent, &m.ToAgent,
				&m.Type, &m.Title, &m.Content, &m.TaskRefs, &m.CreatedAt); err != nil {
				return err
			}
			scanned = append(scanned, m)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		messages = append(messages, scanned...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

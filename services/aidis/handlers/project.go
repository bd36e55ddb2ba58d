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
	"github.com/aidisdev/aidis/services/aidis/db"
	"github.com/aidisdev/aidis/services/aidis/mcp"
)

const projectColumns = `id, name, COALESCE(description, ''), status, metadata, created_at, updated_at`

func scanProject(rows pgx.Rows) (datatypes.Project, error) {
	var (
		p    datatypes.Project
		meta []byte
	)
	err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Status, &meta, &p.CreatedAt, &p.UpdatedAt)
	p.Metadata = jsonMap(meta)
	return p, err
}

func registerProjectTools(reg *mcp.Registry, d *Deps) {
	reg.Register(&mcp.Tool{
		Name:        "project_create",
		Description: "Create a project. Names are unique.",
		Examples:    []string{`{"name":"alpha"}`},
		Schema: &mcp.Schema{Fields: []mcp.FieldSpec{
			{Name: "name", Type: mcp.FieldString, Required: true, Tag: "min=1,max=255"},
			{Name: "description", Type: mcp.FieldString, Tag: "max=2000"},
			{Name: "metadata", Type: mcp.FieldObject},
		}},
		Handler: d.projectCreate,
	})

	reg.Register(&mcp.Tool{
		Name:        "project_list",
		Description: "List projects, optionally including archived ones.",
		Idempotent:  true,
		Schema: &mcp.Schema{Fields: []mcp.FieldSpec{
			{Name: "includeArchived", Type: mcp.FieldBool},
		}},
		Handler: d.projectList,
	})

	reg.Register(&mcp.Tool{
		Name:        "project_switch",
		Description: "Set the active project for the current session. Accepts a project id or name.",
		Examples:    []string{`{"project":"alpha"}`},
		Schema: &mcp.Schema{Fields: []mcp.FieldSpec{
			{Name: "project", Type: mcp.FieldString, Required: true, Tag: "min=1"},
			{Name: "sessionId", Type: mcp.FieldString},
		}},
		Handler: d.projectSwitch,
	})

	reg.Register(&mcp.Tool{
		Name:        "project_current",
		Description: "Return the session's active project, if any.",
		Idempotent:  true,
		Schema: &mcp.Schema{Fields: []mcp.FieldSpec{
			{Name: "sessionId", Type: mcp.FieldString},
		}},
		Handler: d.projectCurrent,
	})

	reg.Register(&mcp.Tool{
		Name:        "project_info",
		Description: "Project details plus entity counts.",
		Idempotent:  true,
		Schema: &mcp.Schema{Fields: []mcp.FieldSpec{
			{Name: "project", Type: mcp.FieldString, Required: true, Tag: "min=1"},
		}},
		Handler: d.projectInfo,
	})

	reg.Register(&mcp.Tool{
		Name:        "project_insights",
		Description: "Read-only analytics across contexts, tasks, decisions, and naming for a project.",
		Idempotent:  true,
		Schema: &mcp.Schema{Fields: []mcp.FieldSpec{
			{Name: "projectId", Type: mcp.FieldString, Tag: "uuid"},
			{Name: "sessionId", Type: mcp.FieldString},
		}},
		Handler: d.projectInsights,
	})
}

// =============================================================================
// Handlers
// =============================================================================

func (d *Deps) projectCreate(ctx context.Context, ec *mcp.ExecContext, args mcp.Args) (any, error) {
	now := time.Now().UTC()
	p := datatypes.Project{
		ID:        uuid.NewString(),
		Name:      args.String("name"),
		Status:    datatypes.ProjectStatusActive,
		Metadata:  args.Object("metadata"),
		CreatedAt: now,
		UpdatedAt: now,
	}
	p.Description = args.String("description")

	_, err := d.GW.Exec(ctx, ec.RequestID,
		`INSERT INTO projects (id, name, description, status, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.Name, p.Description, p.Status, mustJSON(p.Metadata), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil, mcp.Errf(mcp.CodeAlreadyExists, "project %q already exists", p.Name)
		}
		return nil, err
	}
	return p, nil
}

func (d *Deps) projectList(ctx context.Context, ec *mcp.ExecContext, args mcp.Args) (any, error) {
	sql := `SELECT ` + projectColumns + ` FROM projects`
	if !args.Bool("includeArchived", false) {
		sql += ` WHERE status <> 'archived'`
	}
	sql += ` ORDER BY name`

	var projects []datatypes.Project
	err := d.GW.Query(ctx, ec.RequestID, sql, nil, func(rows pgx.Rows) error {
		var scanned []datatypes.Project
		for rows.Next() {
			p, err := scanProject(rows)
			if err != nil {
				return err
			}
			scanned = append(scanned, p)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		projects = append(projects, scanned...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if projects == nil {
		projects = []datatypes.Project{}
	}
	return projects, nil
}

// findProject resolves a uuid or a name to a project row.
func (d *Deps) findProject(ctx context.Context, cid, ref string) (datatypes.Project, error) {
	sql := `SELECT ` + projectColumns + ` FROM projects WHERE name = $1`
	if _, err := uuid.Parse(ref); err == nil {
		sql = `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`
	}

	var p datatypes.Project
	err := d.GW.QueryRow(ctx, cid, sql, []any{ref},
		mcp.Errf(mcp.CodeProjectNotFound, "project %q not found", ref),
		func(rows pgx.Rows) error {
			var scanErr error
			p, scanErr = scanProject(rows)
			return scanErr
		})
	return p, err
}

func (d *Deps) projectSwitch(ctx context.Context, ec *mcp.ExecContext, args mcp.Args) (any, error) {
	p, err := d.findProject(ctx, ec.RequestID, args.String("project"))
	if err != nil {
		return nil, err
	}

	key := d.sessionKey(ec, args)
	d.Projects.Set(key, p.ID)
	d.Logger.Info("active project switched",
		"session", key, "project_id", p.ID, "project", p.Name)
	return p, nil
}

func (d *Deps) projectCurrent(ctx context.Context, ec *mcp.ExecContext, args mcp.Args) (any, error) {
	projectID, ok := d.Projects.Get(d.sessionKey(ec, args))
	if !ok {
		return map[string]any{"project": nil}, nil
	}
	p, err := d.findProject(ctx, ec.RequestID, projectID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"project": p}, nil
}

func (d *Deps) projectInfo(ctx context.Context, ec *mcp.ExecContext, args mcp.Args) (any, error) {
	p, err := d.findProject(ctx, ec.RequestID, args.String("project"))
	if err != nil {
		return nil, err
	}

	counts := map[string]int64{}
	err = d.GW.Query(ctx, ec.RequestID,
		`SELECT 'contexts', COUNT(*) FROM contexts WHERE project_id = $1
		 UNION ALL SELECT 'tasks', COUNT(*) FROM tasks WHERE project_id = $1
		 UNION ALL SELECT 'decisions', COUNT(*) FROM technical_decisions WHERE project_id = $1
		 UNION ALL SELECT 'namingEntries', COUNT(*) FROM naming_registry WHERE project_id = $1`,
		[]any{p.ID},
		countScanner(counts))
	if err != nil {
		return nil, err
	}

	return map[string]any{"project": p, "counts": counts}, nil
}

func (d *Deps) projectInsights(ctx context.Context, ec *mcp.ExecContext, args mcp.Args) (any, error) {
	projectID, err := d.resolveProject(ec, args)
	if err != nil {
		return nil, err
	}

	contextsByType := map[string]int64{}
	err = d.GW.Query(ctx, ec.RequestID,
		`SELECT context_type, COUNT(*) FROM contexts WHERE project_id = $1 GROUP BY context_type`,
		[]any{projectID}, countScanner(contextsByType))
	if err != nil {
		return nil, err
	}

	tasksByStatus := map[string]int64{}
	err = d.GW.Query(ctx, ec.RequestID,
		`SELECT status, COUNT(*) FROM tasks WHERE project_id = $1 GROUP BY status`,
		[]any{projectID}, countScanner(tasksByStatus))
	if err != nil {
		return nil, err
	}

	decisionsByStatus := map[string]int64{}
	err = d.GW.Query(ctx, ec.RequestID,
		`SELECT status, COUNT(*) FROM technical_decisions WHERE project_id = $1 GROUP BY status`,
		[]any{projectID}, countScanner(decisionsByStatus))
	if err != nil {
		return nil, err
	}

	var deprecatedNames int64
	err = d.GW.Query(ctx, ec.RequestID,
		`SELECT COUNT(*) FROM naming_registry WHERE project_id = $1 AND deprecated`,
		[]any{projectID},
		func(rows pgx.Rows) error {
			if rows.Next() {
				return rows.Scan(&deprecatedNames)
			}
			return nil
		})
	if err != nil {
		return nil, err
	}

	openTasks := tasksByStatus[datatypes.TaskStatusTodo] +
		tasksByStatus[datatypes.TaskStatusInProgress] +
		tasksByStatus[datatypes.TaskStatusBlocked]

	return map[string]any{
		"projectId":         projectID,
		"contextsByType":    contextsByType,
		"tasksByStatus":     tasksByStatus,
		"openTasks":         openTasks,
		"decisionsByStatus": decisionsByStatus,
		"deprecatedNames":   deprecatedNames,
	}, nil
}

// countScanner scans (key, count) rows into dst. Writes land only after a
// clean iteration so a retried attempt starts from scratch.
func countScanner(dst map[string]int64) func(pgx.Rows) error {
	return func(rows pgx.Rows) error {
		scanned := map[string]int64{}
		for rows.Next() {
			var (
				key   string
				count int64
			)
			if err := rows.Scan(&key, &count); err != nil {
				return err
			}
			scanned[key] = count
		}
		if err := rows.Err(); err != nil {
			return err
		}
		for key, count := range scanned {
			dst[key] = count
		}
		return nil
	}
}

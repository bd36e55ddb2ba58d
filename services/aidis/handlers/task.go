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

const taskColumns = `id, project_id, title, COALESCE(description, ''), task_type,
	status, priority, COALESCE(assignee, ''), COALESCE(dependencies, '{}'),
	COALESCE(tags, '{}'), metadata, started_at, completed_at, created_at, updated_at`

func scanTask(rows pgx.Rows) (datatypes.Task, error) {
	var (
		t    datatypes.Task
		meta []byte
	)
	err := rows.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Type,
		&t.Status, &t.Priority, &t.Assignee, &t.Dependencies, &t.Tags, &meta,
		&t.StartedAt, &t.CompletedAt, &t.CreatedAt, &t.UpdatedAt)
	t.Metadata = jsonMap(meta)
	return t, err
}

func registerTaskTools(reg *mcp.Registry, d *Deps) {
	reg.Register(&mcp.Tool{
		Name:        "task_create",
		Description: "Create a task in the active or given project.",
		Activity:    "task_created",
		Examples:    []string{`{"title":"wire the breaker","priority":"high"}`},
		Schema: &mcp.Schema{Fields: []mcp.FieldSpec{
			{Name: "title", Type: mcp.FieldString, Required: true, Tag: "min=1,max=500"},
			{Name: "description", Type: mcp.FieldString},
			{Name: "type", Type: mcp.FieldString, Tag: "max=100"},
			{Name: "priority", Type: mcp.FieldString, Enum: datatypes.TaskPriorities},
			{Name: "assignee", Type: mcp.FieldString, Tag: "max=255"},
			{Name: "dependencies", Type: mcp.FieldStringList},
			{Name: "tags", Type: mcp.FieldStringList},
			{Name: "metadata", Type: mcp.FieldObject},
			{Name: "projectId", Type: mcp.FieldString, Tag: "uuid"},
			{Name: "sessionId", Type: mcp.FieldString},
		}},
		Handler: d.taskCreate,
	})

	reg.Register(&mcp.Tool{
		Name:        "task_list",
		Description: "List tasks filtered by status, priority, or assignee.",
		Idempotent:  true,
		Schema: &mcp.Schema{Fields: []mcp.FieldSpec{
			{Name: "status", Type: mcp.FieldString, Enum: datatypes.TaskStatuses},
			{Name: "priority", Type: mcp.FieldString, Enum: datatypes.TaskPriorities},
			{Name: "assignee", Type: mcp.FieldString},
			{Name: "limit", Type: mcp.FieldInt, Tag: "gte=0,lte=100", FromString: true},
			{Name: "projectId", Type: mcp.FieldString, Tag: "uuid"},
			{Name: "sessionId", Type: mcp.FieldString},
		}},
		Handler: d.taskList,
	})

	reg.Register(&mcp.Tool{
		Name:        "task_update",
		Description: "Update task status or assignment. Repeating the current status is a no-op.",
		Schema: &mcp.Schema{Fields: []mcp.FieldSpec{
			{Name: "taskId", Type: mcp.FieldString, Required: true, Tag: "uuid"},
			{Name: "status", Type: mcp.FieldString, Enum: datatypes.TaskStatuses},
			{Name: "assignee", Type: mcp.FieldString, Tag: "max=255"},
			{Name: "priority", Type: mcp.FieldString, Enum: datatypes.TaskPriorities},
			{Name: "metadata", Type: mcp.FieldObject},
			{Name: "sessionId", Type: mcp.FieldString},
		}},
		Handler: d.taskUpdate,
	})

	reg.Register(&mcp.Tool{
		Name:        "task_details",
		Description: "Fetch one task by id.",
		Idempotent:  true,
		Schema: &mcp.Schema{Fields: []mcp.FieldSpec{
			{Name: "taskId", Type: mcp.FieldString, Required: true, Tag: "uuid"},
		}},
		Handler: d.taskDetails,
	})
}

// =============================================================================
// Handlers
// =============================================================================

func (d *Deps) taskCreate(ctx context.Context, ec *mcp.ExecContext, args mcp.Args) (any, error) {
	projectID, err := d.resolveProject(ec, args)
	if err != nil {
		return nil, err
	}
	if err := d.projectExists(ctx, ec.RequestID, projectID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	t := datatypes.Task{
		ID:           uuid.NewString(),
		ProjectID:    projectID,
		Title:        args.String("title"),
		Description:  args.String("description"),
		Type:         args.StringOr("type", "general"),
		Status:       datatypes.TaskStatusTodo,
		Priority:     args.StringOr("priority", "medium"),
		Assignee:     args.String("assignee"),
		Dependencies: args.StringList("dependencies"),
		Tags:         args.StringList("tags"),
		Metadata:     args.Object("metadata"),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err = d.GW.Exec(ctx, ec.RequestID,
		`INSERT INTO tasks
		   (id, project_id, title, description, task_type, status, priority,
		    assignee, dependencies, tags, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		t.ID, t.ProjectID, t.Title, t.Description, t.Type, t.Status,
		t.Priority, t.Assignee, t.Dependencies, t.Tags, mustJSON(t.Metadata),
		t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (d *Deps) taskList(ctx context.Context, ec *mcp.ExecContext, args mcp.Args) (any, error) {
	projectID, err := d.resolveProject(ec, args)
	if err != nil {
		return nil, err
	}
	limit := args.Int("limit", 50)
	if limit == 0 {
		return []datatypes.Task{}, nil
	}

	sql := `SELECT ` + taskColumns + ` FROM tasks WHERE project_id = $1`
	params := []any{projectID}
	if status := args.String("status"); status != "" {
		params = append(params, status)
		sql += ` AND status = $` + itoa(len(params))
	}
	if priority := args.String("priority"); priority != "" {
		params = append(params, priority)
		sql += ` AND priority = $` + itoa(len(params))
	}
	if assignee := args.String("assignee"); assignee != "" {
		params = append(params, assignee)
		sql += ` AND assignee = $` + itoa(len(params))
	}
	params = append(params, limit)
	sql += ` ORDER BY created_at DESC LIMIT $` + itoa(len(params))

	var tasks []datatypes.Task
	err = d.GW.Query(ctx, ec.RequestID, sql, params, func(rows pgx.Rows) error {
		var scanned []datatypes.Task
		for rows.Next() {
			t, err := scanTask(rows)
			if err != nil {
				return err
			}
			scanned = append(scanned, t)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		tasks = append(tasks, scanned...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []datatypes.Task{}
	}
	return tasks, nil
}

func (d *Deps) taskUpdate(ctx context.Context, ec *mcp.ExecContext, args mcp.Args) (any, error) {
	taskID := args.String("taskId")

	t, err := d.loadTask(ctx, ec.RequestID, taskID)
	if err != nil {
		return nil, err
	}

	newStatus := args.StringOr("status", t.Status)
	newAssignee := args.StringOr("assignee", t.Assignee)
	newPriority := args.StringOr("priority", t.Priority)
	newMetadata := t.Metadata
	if args.Has("metadata") {
		newMetadata = args.Object("metadata")
	}

	// Identical status with no other change is a no-op: timestamps stay put.
	if newStatus == t.Status && newAssignee == t.Assignee &&
		newPriority == t.Priority && !args.Has("metadata") {
		return t, nil
	}

	now := time.Now().UTC()
	if newStatus != t.Status {
		if newStatus == datatypes.TaskStatusInProgress && t.StartedAt == nil {
			t.StartedAt = &now
		}
		if newStatus == datatypes.TaskStatusCompleted {
			t.CompletedAt = &now
		}
	}
	t.Status = newStatus
	t.Assignee = newAssignee
	t.Priority = newPriority
	t.Metadata = newMetadata
	t.UpdatedAt = now

	_, err = d.GW.Exec(ctx, ec.RequestID,
		`UPDATE tasks
		 SET status = $2, assignee = $3, priority = $4, metadata = $5,
		     started_at = $6, completed_at = $7, updated_at = $8
		 WHERE id = $1`,
		t.ID, t.Status, t.Assignee, t.Priority, mustJSON(t.Metadata),
		t.StartedAt, t.CompletedAt, t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (d *Deps) taskDetails(ctx context.Context, ec *mcp.ExecContext, args mcp.Args) (any, error) {
	return d.loadTask(ctx, ec.RequestID, args.String("taskId"))
}

func (d *Deps) loadTask(ctx context.Context, cid, taskID string) (datatypes.Task, error) {
	var t datatypes.Task
	err := d.GW.QueryRow(ctx, cid,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`,
		[]any{taskID},
		mcp.Errf(mcp.CodeTaskNotFound, "task %s not found", taskID),
		func(rows pgx.Rows) error {
			var scanErr error
			t, scanErr = scanTask(rows)
			return scanErr
		})
	return t, err
}

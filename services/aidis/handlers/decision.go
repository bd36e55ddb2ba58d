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
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/aidisdev/aidis/services/aidis/datatypes"
	"github.com/aidisdev/aidis/services/aidis/mcp"
)

const decisionColumns = `id, project_id, title, problem, decision,
	COALESCE(rationale, ''), alternatives, status, impact_level, created_at, updated_at`

func scanDecision(rows pgx.Rows) (datatypes.Decision, error) {
	var (
		dec  datatypes.Decision
		alts []byte
	)
	err := rows.Scan(&dec.ID, &dec.ProjectID, &dec.Title, &dec.Problem,
		&dec.Decision, &dec.Rationale, &alts, &dec.Status, &dec.ImpactLevel,
		&dec.CreatedAt, &dec.UpdatedAt)
	if len(alts) > 0 {
		_ = json.Unmarshal(alts, &dec.Alternatives)
	}
	return dec, err
}

func registerDecisionTools(reg *mcp.Registry, d *Deps) {
	reg.Register(&mcp.Tool{
		Name:        "decision_record",
		Description: "Record a technical decision with its problem, rationale, and alternatives.",
		Activity:    "decision_recorded",
		Examples: []string{
			`{"title":"Use Postgres","problem":"need durable storage","decision":"Postgres with pgvector","impactLevel":"high"}`,
		},
		Schema: &mcp.Schema{Fields: []mcp.FieldSpec{
			{Name: "title", Type: mcp.FieldString, Required: true, Tag: "min=1,max=500"},
			{Name: "problem", Type: mcp.FieldString, Required: true, Tag: "min=1"},
			{Name: "decision", Type: mcp.FieldString, Required: true, Tag: "min=1"},
			{Name: "rationale", Type: mcp.FieldString},
			{Name: "alternatives", Type: mcp.FieldObjectList},
			{Name: "impactLevel", Type: mcp.FieldString, Enum: datatypes.DecisionImpactLevels},
			{Name: "projectId", Type: mcp.FieldString, Tag: "uuid"},
			{Name: "sessionId", Type: mcp.FieldString},
		}},
		Handler: d.decisionRecord,
	})

	reg.Register(&mcp.Tool{
		Name:        "decision_search",
		Description: "Keyword search over recorded decisions.",
		Idempotent:  true,
		Schema: &mcp.Schema{Fields: []mcp.FieldSpec{
			{Name: "query", Type: mcp.FieldString, Tag: "max=500"},
			{Name: "status", Type: mcp.FieldString, Enum: datatypes.DecisionStatuses},
			{Name: "impactLevel", Type: mcp.FieldString, Enum: datatypes.DecisionImpactLevels},
			{Name: "limit", Type: mcp.FieldInt, Tag: "gte=0,lte=100", FromString: true},
			{Name: "projectId", Type: mcp.FieldString, Tag: "uuid"},
			{Name: "sessionId", Type: mcp.FieldString},
		}},
		Handler: d.decisionSearch,
	})

	reg.Register(&mcp.Tool{
		Name:        "decision_update",
		Description: "Update a decision's status or rationale, e.g. to supersede it.",
		Schema: &mcp.Schema{Fields: []mcp.FieldSpec{
			{Name: "decisionId", Type: mcp.FieldString, Required: true, Tag: "uuid"},
			{Name: "status", Type: mcp.FieldString, Enum: datatypes.DecisionStatuses},
			{Name: "rationale", Type: mcp.FieldString},
			{Name: "sessionId", Type: mcp.FieldString},
		}},
		Handler: d.decisionUpdate,
	})

	reg.Register(&mcp.Tool{
		Name:        "decision_stats",
		Description: "Decision counts by status and impact level.",
		Idempotent:  true,
		Schema: &mcp.Schema{Fields: []mcp.FieldSpec{
			{Name: "projectId", Type: mcp.FieldString, Tag: "uuid"},
			{Name: "sessionId", Type: mcp.FieldString},
		}},
		Handler: d.decisionStats,
	})
}

// =============================================================================
// Handlers
// =============================================================================

func (d *Deps) decisionRecord(ctx context.Context, ec *mcp.ExecContext, args mcp.Args) (any, error) {
	projectID, err := d.resolveProject(ec, args)
	if err != nil {
		return nil, err
	}
	if err := d.projectExists(ctx, ec.RequestID, projectID); err != nil {
		return nil, err
	}

	var alternatives []datatypes.DecisionAlternative
	for _, raw := range args.ObjectList("alternatives") {
		alt := datatypes.DecisionAlternative{}
		if name, ok := raw["name"].(string); ok {
			alt.Name = name
		}
		if desc, ok := raw["description"].(string); ok {
			alt.Description = desc
		}
		alt.Pros = stringSlice(raw["pros"])
		alt.Cons = stringSlice(raw["cons"])
		if alt.Name != "" {
			alternatives = append(alternatives, alt)
		}
	}

	now := time.Now().UTC()
	dec := datatypes.Decision{
		ID:           uuid.NewString(),
		ProjectID:    projectID,
		Title:        args.String("title"),
		Problem:      args.String("problem"),
		Decision:     args.String("decision"),
		Rationale:    args.String("rationale"),
		Alternatives: alternatives,
		Status:       datatypes.DecisionStatusActive,
		ImpactLevel:  args.StringOr("impactLevel", "medium"),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err = d.GW.Exec(ctx, ec.RequestID,
		`INSERT INTO technical_decisions
		   (id, project_id, title, problem, decision, rationale, alternatives,
		    status, impact_level, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		dec.ID, dec.ProjectID, dec.Title, dec.Problem, dec.Decision,
		dec.Rationale, mustJSON(dec.Alternatives), dec.Status, dec.ImpactLevel,
		dec.CreatedAt, dec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return dec, nil
}

func (d *Deps) decisionSearch(ctx context.Context, ec *mcp.ExecContext, args mcp.Args) (any, error) {
	projectID, err := d.resolveProject(ec, args)
	if err != nil {
		return nil, err
	}
	limit := args.Int("limit", 20)
	if limit == 0 {
		return []datatypes.Decision{}, nil
	}

	sql := `SELECT ` + decisionColumns + ` FROM technical_decisions WHERE project_id = $1`
	params := []any{projectID}

	if query := args.String("query"); query != "" {
		params = append(params, "%"+query+"%")
		n := itoa(len(params))
		sql += ` AND (title ILIKE $` + n + ` OR problem ILIKE $` + n + ` OR decision ILIKE $` + n + `)`
	}
	if status := args.String("status"); status != "" {
		params = append(params, status)
		sql += ` AND status = $` + itoa(len(params))
	}
	if impact := args.String("impactLevel"); impact != "" {
		params = append(params, impact)
		sql += ` AND impact_level = $` + itoa(len(params))
	}
	params = append(params, limit)
	sql += ` ORDER BY created_at DESC LIMIT $` + itoa(len(params))

	var decisions []datatypes.Decision
	err = d.GW.Query(ctx, ec.RequestID, sql, params, func(rows pgx.Rows) error {
		var scanned []datatypes.Decision
		for rows.Next() {
			dec, err := scanDecision(rows)
			if err != nil {
				return err
			}
			scanned = append(scanned, dec)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		decisions = append(decisions, scanned...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if decisions == nil {
		decisions = []datatypes.Decision{}
	}
	return decisions, nil
}

func (d *Deps) decisionUpdate(ctx context.Context, ec *mcp.ExecContext, args mcp.Args) (any, error) {
	decisionID := args.String("decisionId")

	var dec datatypes.Decision
	err := d.GW.QueryRow(ctx, ec.RequestID,
		`SELECT `+decisionColumns+` FROM technical_decisions WHERE id = $1`,
		[]any{decisionID},
		mcp.Errf(mcp.CodeDecisionNotFound, "decision %s not found", decisionID),
		func(rows pgx.Rows) error {
			var scanErr error
			dec, scanErr = scanDecision(rows)
			return scanErr
		})
	if err != nil {
		return nil, err
	}

	if status := args.String("status"); status != "" {
		dec.Status = status
	}
	if rationale := args.String("rationale"); rationale != "" {
		dec.Rationale = rationale
	}
	dec.UpdatedAt = time.Now().UTC()

	_, err = d.GW.Exec(ctx, ec.RequestID,
		`UPDATE technical_decisions
		 SET status = $2, rationale = $3, updated_at = $4
		 WHERE id = $1`,
		dec.ID, dec.Status, dec.Rationale, dec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return dec, nil
}

func (d *Deps) decisionStats(ctx context.Context, ec *mcp.ExecContext, args mcp.Args) (any, error) {
	projectID, err := d.resolveProject(ec, args)
	if err != nil {
		return nil, err
	}

	byStatus := map[string]int64{}
	byImpact := map[string]int64{}
	var total int64
	err = d.GW.Query(ctx, ec.RequestID,
		`SELECT status, impact_level, COUNT(*)
		 FROM technical_decisions WHERE project_id = $1
		 GROUP BY status, impact_level`,
		[]any{projectID},
		func(rows pgx.Rows) error {
			type bucket struct {
				status, impact string
				count          int64
			}
			var scanned []bucket
			for rows.Next() {
				var b bucket
				if err := rows.Scan(&b.status, &b.impact, &b.count); err != nil {
					return err
				}
				scanned = append(scanned, b)
			}
			if err := rows.Err(); err != nil {
				return err
			}
			for _, b := range scanned {
				byStatus[b.status] += b.count
				byImpact[b.impact] += b.count
				total += b.count
			}
			return nil
		})
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"projectId":      projectID,
		"totalDecisions": total,
		"byStatus":       byStatus,
		"byImpactLevel":  byImpact,
	}, nil
}

// stringSlice converts a decoded JSON array into []string, dropping
// non-string members.
func stringSlice(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

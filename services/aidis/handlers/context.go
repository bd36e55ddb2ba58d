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
	"github.com/aidisdev/aidis/services/aidis/embedding"
	"github.com/aidisdev/aidis/services/aidis/mcp"
)

// contextColumns is the shared select list; scanContext matches it.
const contextColumns = `id, project_id, COALESCE(session_id::text, ''), context_type, content,
	COALESCE(tags, '{}'), relevance_score, metadata, created_at`

func scanContext(rows pgx.Rows) (datatypes.Context, error) {
	var (
		c    datatypes.Context
		meta []byte
	)
	err := rows.Scan(&c.ID, &c.ProjectID, &c.SessionID, &c.Type, &c.Content,
		&c.Tags, &c.RelevanceScore, &meta, &c.CreatedAt)
	c.Metadata = jsonMap(meta)
	return c, err
}

func registerContextTools(reg *mcp.Registry, d *Deps) {
	reg.Register(&mcp.Tool{
		Name:        "context_store",
		Description: "Store a development context with tags and a semantic embedding.",
		Activity:    "context_stored",
		Examples: []string{
			`{"type":"code","content":"use a red-black tree for the interval index","tags":["ds"]}`,
		},
		Schema: &mcp.Schema{Fields: []mcp.FieldSpec{
			{Name: "type", Type: mcp.FieldString, Required: true, Enum: datatypes.ContextTypes},
			{Name: "content", Type: mcp.FieldString, Required: true, Tag: "min=1"},
			{Name: "tags", Type: mcp.FieldStringList},
			{Name: "relevanceScore", Type: mcp.FieldFloat, Tag: "gte=0,lte=10", FromString: true},
			{Name: "metadata", Type: mcp.FieldObject},
			{Name: "projectId", Type: mcp.FieldString, Tag: "uuid"},
			{Name: "sessionId", Type: mcp.FieldString},
		}},
		Handler: d.contextStore,
	})

	reg.Register(&mcp.Tool{
		Name:        "context_search",
		Description: "Semantic search over stored contexts, optionally filtered by type, tags, and project.",
		Idempotent:  true,
		Examples: []string{
			`{"query":"red-black tree","limit":5}`,
		},
		Schema: &mcp.Schema{Fields: []mcp.FieldSpec{
			{Name: "query", Type: mcp.FieldString, Required: true, Tag: "min=1"},
			{Name: "projectId", Type: mcp.FieldString, Tag: "uuid"},
			{Name: "type", Type: mcp.FieldString, Enum: datatypes.ContextTypes},
			{Name: "tags", Type: mcp.FieldStringList},
			{Name: "limit", Type: mcp.FieldInt, Tag: "gte=0,lte=100", FromString: true},
			{Name: "minSimilarity", Type: mcp.FieldFloat, Tag: "gte=0,lte=1", FromString: true},
			{Name: "offset", Type: mcp.FieldInt, Tag: "gte=0", FromString: true},
			{Name: "sessionId", Type: mcp.FieldString},
		}},
		Handler: d.contextSearch,
	})

	reg.Register(&mcp.Tool{
		Name:        "context_get_recent",
		Description: "List the most recently stored contexts for a project.",
		Idempotent:  true,
		Schema: &mcp.Schema{Fields: []mcp.FieldSpec{
			{Name: "projectId", Type: mcp.FieldString, Tag: "uuid"},
			{Name: "limit", Type: mcp.FieldInt, Tag: "gte=1,lte=100", FromString: true},
			{Name: "sessionId", Type: mcp.FieldString},
		}},
		Handler: d.contextGetRecent,
	})

	reg.Register(&mcp.Tool{
		Name:        "context_stats",
		Description: "Aggregate context counts by type for a project.",
		Idempotent:  true,
		Schema: &mcp.Schema{Fields: []mcp.FieldSpec{
			{Name: "projectId", Type: mcp.FieldString, Tag: "uuid"},
			{Name: "sessionId", Type: mcp.FieldString},
		}},
		Handler: d.contextStats,
	})
}

// =============================================================================
// Handlers
// =============================================================================

func (d *Deps) contextStore(ctx context.Context, ec *mcp.ExecContext, args mcp.Args) (any, error) {
	projectID, err := d.resolveProject(ec, args)
	if err != nil {
		return nil, err
	}
	if err := d.projectExists(ctx, ec.RequestID, projectID); err != nil {
		return nil, err
	}

	content := args.String("content")
	emb, err := d.Embedder.Embed(ctx, content)
	if err != nil {
		return nil, err
	}

	c := datatypes.Context{
		ID:             uuid.NewString(),
		ProjectID:      projectID,
		SessionID:      args.String("sessionId"),
		Type:           args.String("type"),
		Content:        content,
		Tags:           args.StringList("tags"),
		RelevanceScore: args.Float("relevanceScore", 5),
		Metadata:       args.Object("metadata"),
		CreatedAt:      time.Now().UTC(),
	}

	var sessionParam any
	if c.SessionID != "" {
		sessionParam = c.SessionID
	}

	_, err = d.GW.Exec(ctx, ec.RequestID,
		`INSERT INTO contexts
		   (id, project_id, session_id, context_type, content, tags,
		    relevance_score, metadata, embedding, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::vector, $10)`,
		c.ID, c.ProjectID, sessionParam, c.Type, c.Content, c.Tags,
		c.RelevanceScore, mustJSON(c.Metadata),
		embedding.VectorLiteral(emb.Vector), c.CreatedAt)
	if err != nil {
		return nil, err
	}

	return c, nil
}

func (d *Deps) contextSearch(ctx context.Context, ec *mcp.ExecContext, args mcp.Args) (any, error) {
	limit := args.Int("limit", 10)
	if limit == 0 {
		return []datatypes.ContextSearchResult{}, nil
	}

	emb, err := d.Embedder.Embed(ctx, args.String("query"))
	if err != nil {
		return nil, err
	}
	vec := embedding.VectorLiteral(emb.Vector)

	sql := `SELECT ` + contextColumns + `,
	          1 - (embedding <=> $1::vector) AS similarity
	        FROM contexts
	        WHERE embedding IS NOT NULL`
	params := []any{vec}

	if projectID := args.String("projectId"); projectID != "" {
		params = append(params, projectID)
		sql += ` AND project_id = $` + itoa(len(params))
	} else if projectID, ok := d.Projects.Get(d.sessionKey(ec, args)); ok {
		params = append(params, projectID)
		sql += ` AND project_id = $` + itoa(len(params))
	}
	if typ := args.String("type"); typ != "" {
		params = append(params, typ)
		sql += ` AND context_type = $` + itoa(len(params))
	}
	if tags := args.StringList("tags"); len(tags) > 0 {
		params = append(params, tags)
		sql += ` AND tags && $` + itoa(len(params))
	}
	if args.Has("minSimilarity") {
		params = append(params, args.Float("minSimilarity", 0))
		sql += ` AND 1 - (embedding <=> $1::vector) >= $` + itoa(len(params))
	}

	params = append(params, limit)
	sql += ` ORDER BY embedding <=> $1::vector LIMIT $` + itoa(len(params))
	params = append(params, args.Int("offset", 0))
	sql += ` OFFSET $` + itoa(len(params))

	var results []datatypes.ContextSearchResult
	err = d.GW.Query(ctx, ec.RequestID, sql, params, func(rows pgx.Rows) error {
		var scanned []datatypes.ContextSearchResult
		for rows.Next() {
			var (
				r    datatypes.ContextSearchResult
				meta []byte
				sim  float64
			)
			if err := rows.Scan(&r.ID, &r.ProjectID, &r.SessionID, &r.Type,
				&r.Content, &r.Tags, &r.RelevanceScore, &meta, &r.CreatedAt, &sim); err != nil {
				return err
			}
			r.Metadata = jsonMap(meta)
			r.Similarity = clampSimilarity(sim * 100)
			scanned = append(scanned, r)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		results = append(results, scanned...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []datatypes.ContextSearchResult{}
	}
	return results, nil
}

func (d *Deps) contextGetRecent(ctx context.Context, ec *mcp.ExecContext, args mcp.Args) (any, error) {
	projectID, err := d.resolveProject(ec, args)
	if err != nil {
		return nil, err
	}
	limit := args.Int("limit", 10)

	var results []datatypes.Context
	err = d.GW.Query(ctx, ec.RequestID,
		`SELECT `+contextColumns+` FROM contexts
		 WHERE project_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		[]any{projectID, limit},
		func(rows pgx.Rows) error {
			var scanned []datatypes.Context
			for rows.Next() {
				c, err := scanContext(rows)
				if err != nil {
					return err
				}
				scanned = append(scanned, c)
			}
			if err := rows.Err(); err != nil {
				return err
			}
			results = append(results, scanned...)
			return nil
		})
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []datatypes.Context{}
	}
	return results, nil
}

func (d *Deps) contextStats(ctx context.Context, ec *mcp.ExecContext, args mcp.Args) (any, error) {
	projectID, err := d.resolveProject(ec, args)
	if err != nil {
		return nil, err
	}

	byType := map[string]int64{}
	var (
		total    int64
		earliest *time.Time
		latest   *time.Time
	)
	err = d.GW.Query(ctx, ec.RequestID,
		`SELECT context_type, COUNT(*), MIN(created_at), MAX(created_at)
		 FROM contexts WHERE project_id = $1
		 GROUP BY context_type`,
		[]any{projectID},
		func(rows pgx.Rows) error {
			type bucket struct {
				typ      string
				count    int64
				min, max time.Time
			}
			var scanned []bucket
			for rows.Next() {
				var b bucket
				if err := rows.Scan(&b.typ, &b.count, &b.min, &b.max); err != nil {
					return err
				}
				scanned = append(scanned, b)
			}
			if err := rows.Err(); err != nil {
				return err
			}
			for i := range scanned {
				b := &scanned[i]
				byType[b.typ] = b.count
				total += b.count
				if earliest == nil || b.min.Before(*earliest) {
					earliest = &b.min
				}
				if latest == nil || b.max.After(*latest) {
					latest = &b.max
				}
			}
			return nil
		})
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"projectId":     projectID,
		"totalContexts": total,
		"byType":        byType,
		"earliest":      earliest,
		"latest":        latest,
	}, nil
}

// clampSimilarity bounds a percentage into [0, 100].
func clampSimilarity(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// Copyright (C) 2025 AIDIS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"sort"

	"github.com/jackc/pgx/v5"

	"github.com/aidisdev/aidis/services/aidis/embedding"
	"github.com/aidisdev/aidis/services/aidis/mcp"
)

// SearchHit is one merged smart_search result. Relevance is normalized
// into [0, 1] across sources.
type SearchHit struct {
	Source    string  `json:"source"` // contexts, decisions, naming, code
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Snippet   string  `json:"snippet,omitempty"`
	Relevance float64 `json:"relevance"`
}

func registerSearchTools(reg *mcp.Registry, d *Deps) {
	reg.Register(&mcp.Tool{
		Name:        "smart_search",
		Description: "Search contexts, decisions, naming, and code components at once, merged by relevance.",
		Idempotent:  true,
		Examples:    []string{`{"query":"connection pooling","limit":10}`},
		Schema: &mcp.Schema{Fields: []mcp.FieldSpec{
			{Name: "query", Type: mcp.FieldString, Required: true, Tag: "min=1,max=500"},
			{Name: "limit", Type: mcp.FieldInt, Tag: "gte=0,lte=100", FromString: true},
			{Name: "projectId", Type: mcp.FieldString, Tag: "uuid"},
			{Name: "sessionId", Type: mcp.FieldString},
		}},
		Handler: d.smartSearch,
	})

	reg.Register(&mcp.Tool{
		Name:        "get_recommendations",
		Description: "Derived read-only suggestions: stale tasks, recurring errors, deprecated names in use.",
		Idempotent:  true,
		Schema: &mcp.Schema{Fields: []mcp.FieldSpec{
			{Name: "limit", Type: mcp.FieldInt, Tag: "gte=1,lte=50", FromString: true},
			{Name: "projectId", Type: mcp.FieldString, Tag: "uuid"},
			{Name: "sessionId", Type: mcp.FieldString},
		}},
		Handler: d.getRecommendations,
	})
}

// =============================================================================
// smart_search
// =============================================================================

func (d *Deps) smartSearch(ctx context.Context, ec *mcp.ExecContext, args mcp.Args) (any, error) {
	projectID, err := d.resolveProject(ec, args)
	if err != nil {
		return nil, err
	}
	limit := args.Int("limit", 10)
	if limit == 0 {
		return []SearchHit{}, nil
	}
	query := args.String("query")

	var hits []SearchHit

	// Contexts: vector similarity. An unavailable embedder degrades to the
	// keyword sources instead of failing the whole search.
	ctxHits, err := d.searchContextsByVector(ctx, ec.RequestID, projectID, query, limit)
	if err != nil {
		if mcp.CodeOf(err) != mcp.CodeEmbeddingUnavailable {
			return nil, err
		}
		ec.AddWarning("embedding unavailable; context results omitted")
	}
	hits = append(hits, ctxHits...)

	decHits, err := d.searchDecisionsByKeyword(ctx, ec.RequestID, projectID, query, limit)
	if err != nil {
		return nil, err
	}
	hits = append(hits, decHits...)

	nameHits, err := d.searchNamingByKeyword(ctx, ec.RequestID, projectID, query, limit)
	if err != nil {
		return nil, err
	}
	hits = append(hits, nameHits...)

	codeHits, err := d.searchCodeByKeyword(ctx, ec.RequestID, projectID, query, limit)
	if err != nil {
		return nil, err
	}
	hits = append(hits, codeHits...)

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Relevance > hits[j].Relevance })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	if hits == nil {
		hits = []SearchHit{}
	}
	return hits, nil
}

func (d *Deps) searchContextsByVector(ctx context.Context, cid, projectID, query string, limit int) ([]SearchHit, error) {
	emb, err := d.Embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	var hits []SearchHit
	err = d.GW.Query(ctx, cid,
		`SELECT id, content, 1 - (embedding <=> $1::vector)
		 FROM contexts
		 WHERE project_id = $2 AND embedding IS NOT NULL
		 ORDER BY embedding <=> $1::vector
		 LIMIT $3`,
		[]any{embedding.VectorLiteral(emb.Vector), projectID, limit},
		func(rows pgx.Rows) error {
			var scanned []SearchHit
			for rows.Next() {
				var (
					id, content string
					sim         float64
				)
				if err := rows.Scan(&id, &content, &sim); err != nil {
					return err
				}
				scanned = append(scanned, SearchHit{
					Source:    "contexts",
					ID:        id,
					Title:     snippet(content, 80),
					Snippet:   snippet(content, 200),
					Relevance: clampUnit(sim),
				})
			}
			if err := rows.Err(); err != nil {
				return err
			}
			hits = append(hits, scanned...)
			return nil
		})
	return hits, err
}

func (d *Deps) searchDecisionsByKeyword(ctx context.Context, cid, projectID, query string, limit int) ([]SearchHit, error) {
	var hits []SearchHit
	err := d.GW.Query(ctx, cid,
		`SELECT id, title, problem FROM technical_decisions
		 WHERE project_id = $1
		   AND (title ILIKE $2 OR problem ILIKE $2 OR decision ILIKE $2)
		 ORDER BY created_at DESC LIMIT $3`,
		[]any{projectID, "%" + query + "%", limit},
		func(rows pgx.Rows) error {
			var scanned []SearchHit
			for rows.Next() {
				var id, title, problem string
				if err := rows.Scan(&id, &title, &problem); err != nil {
					return err
				}
				scanned = append(scanned, SearchHit{
					Source:    "decisions",
					ID:        id,
					Title:     title,
					Snippet:   snippet(problem, 200),
					Relevance: keywordRelevance(title, query),
				})
			}
			if err := rows.Err(); err != nil {
				return err
			}
			hits = append(hits, scanned...)
			return nil
		})
	return hits, err
}

func (d *Deps) searchNamingByKeyword(ctx context.Context, cid, projectID, query string, limit int) ([]SearchHit, error) {
	var hits []SearchHit
	err := d.GW.Query(ctx, cid,
		`SELECT id, canonical_name, COALESCE(description, '')
		 FROM naming_registry
		 WHERE project_id = $1
		   AND (canonical_name ILIKE $2 OR $3 = ANY(context_tags))
		 LIMIT $4`,
		[]any{projectID, "%" + query + "%", query, limit},
		func(rows pgx.Rows) error {
			var scanned []SearchHit
			for rows.Next() {
				var id, name, desc string
				if err := rows.Scan(&id, &name, &desc); err != nil {
					return err
				}
				scanned = append(scanned, SearchHit{
					Source:    "naming",
					ID:        id,
					Title:     name,
					Snippet:   snippet(desc, 200),
					Relevance: keywordRelevance(name, query),
				})
			}
			if err := rows.Err(); err != nil {
				return err
			}
			hits = append(hits, scanned...)
			return nil
		})
	return hits, err
}

func (d *Deps) searchCodeByKeyword(ctx context.Context, cid, projectID, query string, limit int) ([]SearchHit, error) {
	var hits []SearchHit
	err := d.GW.Query(ctx, cid,
		`SELECT id, name, file_path, COALESCE(summary, '')
		 FROM code_components
		 WHERE project_id = $1 AND (name ILIKE $2 OR summary ILIKE $2)
		 LIMIT $3`,
		[]any{projectID, "%" + query + "%", limit},
		func(rows pgx.Rows) error {
			var scanned []SearchHit
			for rows.Next() {
				var id, name, path, summary string
				if err := rows.Scan(&id, &name, &path, &summary); err != nil {
					return err
				}
				hit := SearchHit{
					Source:    "code",
					ID:        id,
					Title:     name,
					Snippet:   path,
					Relevance: keywordRelevance(name, query),
				}
				if summary != "" {
					hit.Snippet = snippet(summary, 200)
				}
				scanned = append(scanned, hit)
			}
			if err := rows.Err(); err != nil {
				return err
			}
			hits = append(hits, scanned...)
			return nil
		})
	return hits, err
}

// =============================================================================
// get_recommendations
// =============================================================================

func (d *Deps) getRecommendations(ctx context.Context, ec *mcp.ExecContext, args mcp.Args) (any, error) {
	projectID, err := d.resolveProject(ec, args)
	if err != nil {
		return nil, err
	}
	limit := args.Int("limit", 10)

	type recommendation struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
		RefID   string `json:"refId,omitempty"`
	}
	recs := []recommendation{}

	// Tasks in progress for over a week with no update.
	err = d.GW.Query(ctx, ec.RequestID,
		`SELECT id, title FROM tasks
		 WHERE project_id = $1 AND status = 'in_progress'
		   AND updated_at < now() - interval '7 days'
		 ORDER BY updated_at LIMIT $2`,
		[]any{projectID, limit},
		func(rows pgx.Rows) error {
			var scanned []recommendation
			for rows.Next() {
				var id, title string
				if err := rows.Scan(&id, &title); err != nil {
					return err
				}
				scanned = append(scanned, recommendation{
					Kind:    "stale_task",
					Message: "task has been in progress for over a week: " + title,
					RefID:   id,
				})
			}
			if err := rows.Err(); err != nil {
				return err
			}
			recs = append(recs, scanned...)
			return nil
		})
	if err != nil {
		return nil, err
	}

	// Recurring error contexts in the last week.
	err = d.GW.Query(ctx, ec.RequestID,
		`SELECT COUNT(*) FROM contexts
		 WHERE project_id = $1 AND context_type = 'error'
		   AND created_at > now() - interval '7 days'`,
		[]any{projectID},
		func(rows pgx.Rows) error {
			var errorCount int64
			if rows.Next() {
				if err := rows.Scan(&errorCount); err != nil {
					return err
				}
			}
			if err := rows.Err(); err != nil {
				return err
			}
			if errorCount >= 5 {
				recs = append(recs, recommendation{
					Kind:    "recurring_errors",
					Message: "multiple error contexts stored this week; consider recording a decision",
				})
			}
			return nil
		})
	if err != nil {
		return nil, err
	}

	// Deprecated names still in use.
	err = d.GW.Query(ctx, ec.RequestID,
		`SELECT id, canonical_name FROM naming_registry
		 WHERE project_id = $1 AND deprecated AND usage_count > 0
		 ORDER BY usage_count DESC LIMIT $2`,
		[]any{projectID, limit},
		func(rows pgx.Rows) error {
			var scanned []recommendation
			for rows.Next() {
				var id, name string
				if err := rows.Scan(&id, &name); err != nil {
					return err
				}
				scanned = append(scanned, recommendation{
					Kind:    "deprecated_name_in_use",
					Message: "deprecated name still in use: " + name,
					RefID:   id,
				})
			}
			if err := rows.Err(); err != nil {
				return err
			}
			recs = append(recs, scanned...)
			return nil
		})
	if err != nil {
		return nil, err
	}

	if len(recs) > limit {
		recs = recs[:limit]
	}
	return map[string]any{"projectId": projectID, "recommendations": recs}, nil
}

// =============================================================================
// Scoring Helpers
// =============================================================================

// keywordRelevance scores an ILIKE hit by bigram similarity between the
// matched title and the query, floored so any hit stays visible.
func keywordRelevance(title, query string) float64 {
	score := diceSimilarity(title, query)
	if score < 0.3 {
		score = 0.3
	}
	return clampUnit(score)
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// snippet truncates s to max runes on a rune boundary.
func snippet(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

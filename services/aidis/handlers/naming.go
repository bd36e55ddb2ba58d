// Copyright (C) 2025 AIDIS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/aidisdev/aidis/services/aidis/datatypes"
	"github.com/aidisdev/aidis/services/aidis/mcp"
)

// similarityThreshold is the bigram Dice score at or above which two names
// are reported as similar.
const similarityThreshold = 0.6

const namingColumns = `id, project_id, entity_type, canonical_name,
	COALESCE(aliases, '{}'), COALESCE(description, ''), COALESCE(convention, ''),
	usage_count, deprecated, COALESCE(deprecated_reason, ''),
	COALESCE(related_entities, '{}'), COALESCE(context_tags, '{}'),
	created_at, updated_at`

func scanNamingEntry(rows pgx.Rows) (datatypes.NamingEntry, error) {
	var e datatypes.NamingEntry
	err := rows.Scan(&e.ID, &e.ProjectID, &e.EntityType, &e.CanonicalName,
		&e.Aliases, &e.Description, &e.Convention, &e.UsageCount,
		&e.Deprecated, &e.DeprecatedReason, &e.RelatedEntities, &e.ContextTags,
		&e.CreatedAt, &e.UpdatedAt)
	return e, err
}

func registerNamingTools(reg *mcp.Registry, d *Deps) {
	reg.Register(&mcp.Tool{
		Name:        "naming_register",
		Description: "Register a canonical name. Hard conflicts abort; soft findings become warnings.",
		Activity:    "naming_registered",
		Examples:    []string{`{"entityType":"class","canonicalName":"UserService"}`},
		Schema: &mcp.Schema{Fields: []mcp.FieldSpec{
			{Name: "entityType", Type: mcp.FieldString, Required: true, Enum: datatypes.NamingEntityTypes},
			{Name: "canonicalName", Type: mcp.FieldString, Required: true, Tag: "min=1,max=255"},
			{Name: "aliases", Type: mcp.FieldStringList},
			{Name: "description", Type: mcp.FieldString, Tag: "max=2000"},
			{Name: "convention", Type: mcp.FieldString, Tag: "max=255"},
			{Name: "contextTags", Type: mcp.FieldStringList},
			{Name: "relatedEntities", Type: mcp.FieldStringList},
			{Name: "projectId", Type: mcp.FieldString, Tag: "uuid"},
			{Name: "sessionId", Type: mcp.FieldString},
		}},
		Handler: d.namingRegister,
	})

	reg.Register(&mcp.Tool{
		Name:        "naming_check",
		Description: "Report conflicts a proposed name would cause, without registering it.",
		Idempotent:  true,
		Examples:    []string{`{"entityType":"class","proposedName":"UserService"}`},
		Schema: &mcp.Schema{Fields: []mcp.FieldSpec{
			{Name: "entityType", Type: mcp.FieldString, Required: true, Enum: datatypes.NamingEntityTypes},
			{Name: "proposedName", Type: mcp.FieldString, Required: true, Tag: "min=1,max=255"},
			{Name: "projectId", Type: mcp.FieldString, Tag: "uuid"},
			{Name: "sessionId", Type: mcp.FieldString},
		}},
		Handler: d.namingCheck,
	})

	reg.Register(&mcp.Tool{
		Name:        "naming_suggest",
		Description: "Suggest conflict-free names for a described entity.",
		Idempotent:  true,
		Schema: &mcp.Schema{Fields: []mcp.FieldSpec{
			{Name: "entityType", Type: mcp.FieldString, Required: true, Enum: datatypes.NamingEntityTypes},
			{Name: "description", Type: mcp.FieldString, Required: true, Tag: "min=1,max=2000"},
			{Name: "projectId", Type: mcp.FieldString, Tag: "uuid"},
			{Name: "sessionId", Type: mcp.FieldString},
		}},
		Handler: d.namingSuggest,
	})

	reg.Register(&mcp.Tool{
		Name:        "naming_stats",
		Description: "Naming registry totals by entity type.",
		Idempotent:  true,
		Schema: &mcp.Schema{Fields: []mcp.FieldSpec{
			{Name: "projectId", Type: mcp.FieldString, Tag: "uuid"},
			{Name: "sessionId", Type: mcp.FieldString},
		}},
		Handler: d.namingStats,
	})
}

// =============================================================================
// Handlers
// =============================================================================

func (d *Deps) namingRegister(ctx context.Context, ec *mcp.ExecContext, args mcp.Args) (any, error) {
	projectID, err := d.resolveProject(ec, args)
	if err != nil {
		return nil, err
	}

	entityType := args.String("entityType")
	name := args.String("canonicalName")

	conflicts, err := d.checkConflicts(ctx, ec.RequestID, projectID, entityType, name)
	if err != nil {
		return nil, err
	}
	for _, c := range conflicts {
		if c.Severity == "error" {
			return nil, mcp.Errf(mcp.CodeNamingConflict, "%s: %s", c.Type, c.ConflictReason)
		}
		ec.AddWarning(c.Type + ": " + c.ConflictReason)
	}

	now := time.Now().UTC()
	e := datatypes.NamingEntry{
		ID:              uuid.NewString(),
		ProjectID:       projectID,
		EntityType:      entityType,
		CanonicalName:   name,
		Aliases:         args.StringList("aliases"),
		Description:     args.String("description"),
		Convention:      args.StringOr("convention", conventionFor(entityType)),
		RelatedEntities: args.StringList("relatedEntities"),
		ContextTags:     args.StringList("contextTags"),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	_, err = d.GW.Exec(ctx, ec.RequestID,
		`INSERT INTO naming_registry
		   (id, project_id, entity_type, canonical_name, aliases, description,
		    convention, usage_count, deprecated, related_entities, context_tags,
		    created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, 0, false, $8, $9, $10, $11)`,
		e.ID, e.ProjectID, e.EntityType, e.CanonicalName, e.Aliases,
		e.Description, e.Convention, e.RelatedEntities, e.ContextTags,
		e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (d *Deps) namingCheck(ctx context.Context, ec *mcp.ExecContext, args mcp.Args) (any, error) {
	projectID, err := d.resolveProject(ec, args)
	if err != nil {
		return nil, err
	}

	conflicts, err := d.checkConflicts(ctx, ec.RequestID, projectID,
		args.String("entityType"), args.String("proposedName"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"conflicts": conflicts}, nil
}

// checkConflicts classifies the proposed name against every registry row
// of the same (project, entityType).
func (d *Deps) checkConflicts(ctx context.Context, cid, projectID, entityType, name string) ([]datatypes.NamingConflict, error) {
	entries, err := d.namingEntries(ctx, cid, projectID, entityType)
	if err != nil {
		return nil, err
	}

	conflicts := []datatypes.NamingConflict{}
	for i := range entries {
		e := &entries[i]
		switch {
		case e.CanonicalName == name:
			conflicts = append(conflicts, datatypes.NamingConflict{
				Type:           "exact_match",
				Severity:       "error",
				ExistingEntry:  e,
				ConflictReason: "canonical name already registered for this entity type",
			})
		case containsString(e.Aliases, name):
			conflicts = append(conflicts, datatypes.NamingConflict{
				Type:           "alias_conflict",
				Severity:       "error",
				ExistingEntry:  e,
				ConflictReason: "name collides with an alias of " + e.CanonicalName,
			})
		case diceSimilarity(e.CanonicalName, name) >= similarityThreshold:
			conflicts = append(conflicts, datatypes.NamingConflict{
				Type:           "similar_name",
				Severity:       "warning",
				ExistingEntry:  e,
				ConflictReason: "name is very similar to existing " + e.CanonicalName,
				Suggestion:     "consider reusing " + e.CanonicalName + " or picking a more distinct name",
			})
		}
	}

	if pattern := conventionPattern(entityType); pattern != nil && !pattern.MatchString(name) {
		conflicts = append(conflicts, datatypes.NamingConflict{
			Type:           "convention_violation",
			Severity:       "warning",
			ConflictReason: entityType + " names should be " + conventionFor(entityType),
			Suggestion:     applyConvention(name, entityType),
		})
	}

	return conflicts, nil
}

func (d *Deps) namingSuggest(ctx context.Context, ec *mcp.ExecContext, args mcp.Args) (any, error) {
	projectID, err := d.resolveProject(ec, args)
	if err != nil {
		return nil, err
	}
	entityType := args.String("entityType")

	entries, err := d.namingEntries(ctx, ec.RequestID, projectID, entityType)
	if err != nil {
		return nil, err
	}

	keywords := extractKeywords(args.String("description"), 3)
	if len(keywords) == 0 {
		return map[string]any{"suggestions": []string{}}, nil
	}

	candidates := []string{applyConvention(strings.Join(keywords, " "), entityType)}
	for _, kw := range keywords {
		candidates = append(candidates, applyConvention(kw, entityType))
	}
	// Borrow the prefixes and suffixes the project already uses.
	for _, affix := range commonAffixes(entries) {
		candidates = append(candidates,
			applyConvention(strings.Join(append(keywords, affix), " "), entityType),
			applyConvention(strings.Join(append([]string{affix}, keywords...), " "), entityType))
	}

	suggestions := []string{}
	seen := map[string]bool{}
	for _, cand := range candidates {
		if cand == "" || seen[cand] {
			continue
		}
		seen[cand] = true
		if namingTaken(entries, cand) {
			continue
		}
		suggestions = append(suggestions, cand)
		if len(suggestions) == 8 {
			break
		}
	}

	return map[string]any{"suggestions": suggestions}, nil
}

func (d *Deps) namingStats(ctx context.Context, ec *mcp.ExecContext, args mcp.Args) (any, error) {
	projectID, err := d.resolveProject(ec, args)
	if err != nil {
		return nil, err
	}

	byType := map[string]int64{}
	var total, deprecated, totalUsage int64
	err = d.GW.Query(ctx, ec.RequestID,
		`SELECT entity_type, COUNT(*),
		        COUNT(*) FILTER (WHERE deprecated),
		        COALESCE(SUM(usage_count), 0)
		 FROM naming_registry WHERE project_id = $1
		 GROUP BY entity_type`,
		[]any{projectID},
		func(rows pgx.Rows) error {
			type bucket struct {
				typ               string
				count, dep, usage int64
			}
			var scanned []bucket
			for rows.Next() {
				var b bucket
				if err := rows.Scan(&b.typ, &b.count, &b.dep, &b.usage); err != nil {
					return err
				}
				scanned = append(scanned, b)
			}
			if err := rows.Err(); err != nil {
				return err
			}
			for _, b := range scanned {
				byType[b.typ] = b.count
				total += b.count
				deprecated += b.dep
				totalUsage += b.usage
			}
			return nil
		})
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"projectId":    projectID,
		"totalEntries": total,
		"byEntityType": byType,
		"deprecated":   deprecated,
		"totalUsage":   totalUsage,
	}, nil
}

// namingEntries loads all live registry rows for one (project, entityType).
func (d *Deps) namingEntries(ctx context.Context, cid, projectID, entityType string) ([]datatypes.NamingEntry, error) {
	var entries []datatypes.NamingEntry
	err := d.GW.Query(ctx, cid,
		`SELECT `+namingColumns+` FROM naming_registry
		 WHERE project_id = $1 AND entity_type = $2`,
		[]any{projectID, entityType},
		func(rows pgx.Rows) error {
			var scanned []datatypes.NamingEntry
			for rows.Next() {
				e, err := scanNamingEntry(rows)
				if err != nil {
					return err
				}
				scanned = append(scanned, e)
			}
			if err := rows.Err(); err != nil {
				return err
			}
			entries = append(entries, scanned...)
			return nil
		})
	return entries, err
}

// =============================================================================
// Similarity and Conventions
// =============================================================================

// diceSimilarity is the Sørensen–Dice coefficient over character bigrams,
// case-insensitive. 1.0 means identical bigram sets.
func diceSimilarity(a, b string) float64 {
	a, b = strings.ToLower(a), strings.ToLower(b)
	if a == b {
		return 1
	}
	ba, bb := bigrams(a), bigrams(b)
	if len(ba) == 0 || len(bb) == 0 {
		return 0
	}
	var overlap int
	for bg, n := range ba {
		if m := bb[bg]; m > 0 {
			overlap += minInt(n, m)
		}
	}
	return 2 * float64(overlap) / float64(countBigrams(ba)+countBigrams(bb))
}

func bigrams(s string) map[string]int {
	runes := []rune(s)
	out := map[string]int{}
	for i := 0; i+1 < len(runes); i++ {
		out[string(runes[i:i+2])]++
	}
	return out
}

func countBigrams(m map[string]int) int {
	var n int
	for _, c := range m {
		n += c
	}
	return n
}

var (
	camelCaseRe      = regexp.MustCompile(`^[a-z][a-zA-Z0-9]*$`)
	pascalCaseRe     = regexp.MustCompile(`^[A-Z][a-zA-Z0-9]*$`)
	screamingSnakeRe = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)
)

// conventionFor names the casing rule for an entity type, or "".
func conventionFor(entityType string) string {
	switch entityType {
	case "variable", "function":
		return "camelCase"
	case "class", "interface", "component":
		return "PascalCase"
	case "config_key", "environment_var":
		return "SCREAMING_SNAKE_CASE"
	default:
		return ""
	}
}

// conventionPattern returns the regexp enforcing the entity type's rule,
// or nil when the type has none.
func conventionPattern(entityType string) *regexp.Regexp {
	switch conventionFor(entityType) {
	case "camelCase":
		return camelCaseRe
	case "PascalCase":
		return pascalCaseRe
	case "SCREAMING_SNAKE_CASE":
		return screamingSnakeRe
	default:
		return nil
	}
}

// applyConvention re-cases free text into the entity type's convention.
// Types without a rule get the words joined with underscores.
func applyConvention(text, entityType string) string {
	words := splitWords(text)
	if len(words) == 0 {
		return ""
	}
	switch conventionFor(entityType) {
	case "camelCase":
		out := strings.ToLower(words[0])
		for _, w := range words[1:] {
			out += titleWord(w)
		}
		return out
	case "PascalCase":
		var out string
		for _, w := range words {
			out += titleWord(w)
		}
		return out
	case "SCREAMING_SNAKE_CASE":
		upper := make([]string, len(words))
		for i, w := range words {
			upper[i] = strings.ToUpper(w)
		}
		return strings.Join(upper, "_")
	default:
		return strings.Join(words, "_")
	}
}

// splitWords breaks identifiers and free text into lowercase word parts,
// honoring camelCase humps, underscores, hyphens, and spaces.
func splitWords(text string) []string {
	var words []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, strings.ToLower(cur.String()))
			cur.Reset()
		}
	}
	var prev rune
	for _, r := range text {
		switch {
		case r == '_' || r == '-' || r == ' ' || r == '\t':
			flush()
		case unicode.IsUpper(r) && (unicode.IsLower(prev) || unicode.IsDigit(prev)):
			flush()
			cur.WriteRune(r)
		default:
			cur.WriteRune(r)
		}
		prev = r
	}
	flush()
	return words
}

func titleWord(w string) string {
	if w == "" {
		return ""
	}
	return strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
}

// stopwords excluded from naming_suggest keyword extraction.
var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "of": true, "for": true, "to": true,
	"in": true, "on": true, "and": true, "or": true, "that": true,
	"this": true, "is": true, "with": true, "by": true, "from": true,
	"it": true, "as": true, "be": true, "are": true, "was": true,
}

// extractKeywords pulls up to max non-stopword terms from free text, in
// order of appearance.
func extractKeywords(text string, max int) []string {
	var out []string
	seen := map[string]bool{}
	for _, w := range splitWords(text) {
		if len(w) < 2 || stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
		if len(out) == max {
			break
		}
	}
	return out
}

// commonAffixes returns word parts that appear in at least two existing
// names, most frequent first.
func commonAffixes(entries []datatypes.NamingEntry) []string {
	freq := map[string]int{}
	for i := range entries {
		parts := splitWords(entries[i].CanonicalName)
		if len(parts) == 0 {
			continue
		}
		freq[parts[0]]++
		if len(parts) > 1 {
			freq[parts[len(parts)-1]]++
		}
	}
	var affixes []string
	for word, n := range freq {
		if n >= 2 {
			affixes = append(affixes, word)
		}
	}
	sort.Slice(affixes, func(i, j int) bool {
		if freq[affixes[i]] != freq[affixes[j]] {
			return freq[affixes[i]] > freq[affixes[j]]
		}
		return affixes[i] < affixes[j]
	})
	if len(affixes) > 3 {
		affixes = affixes[:3]
	}
	return affixes
}

// namingTaken reports whether cand matches any canonical name or alias.
func namingTaken(entries []datatypes.NamingEntry, cand string) bool {
	for i := range entries {
		if entries[i].CanonicalName == cand || containsString(entries[i].Aliases, cand) {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

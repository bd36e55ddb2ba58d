// Copyright (C) 2025 AIDIS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes defines the entities the AIDIS core reads and writes.
//
// The database is authoritative for all of these; the server holds no cached
// copies between requests. Structs here mirror the row shapes the tool
// handlers select and insert, with camelCase JSON tags matching the wire
// contract of the tool-dispatch API.
package datatypes

import "time"

// =============================================================================
// Projects and Sessions
// =============================================================================

// Project statuses.
const (
	ProjectStatusActive   = "active"
	ProjectStatusInactive = "inactive"
	ProjectStatusArchived = "archived"
)

// Project is a named workspace that scopes contexts, decisions, tasks,
// naming entries, and agents.
type Project struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Status      string         `json:"status"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// Session is one agent working period against a project.
type Session struct {
	ID                string     `json:"id"`
	ProjectID         string     `json:"projectId,omitempty"`
	StartedAt         time.Time  `json:"startedAt"`
	EndedAt           *time.Time `json:"endedAt,omitempty"`
	ProductivityScore *float64   `json:"productivityScore,omitempty"`
}

// SessionActivity is an auditable record that a tracked operation occurred
// within a session. Writes are best-effort.
type SessionActivity struct {
	ID           string         `json:"id"`
	SessionID    string         `json:"sessionId"`
	ActivityType string         `json:"activityType"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// =============================================================================
// Contexts
// =============================================================================

// Context types accepted by context_store.
var ContextTypes = []string{"code", "decision", "error", "discussion", "planning", "completion"}

// Context is a stored development context with its dense embedding.
// The embedding itself stays in the database; only search similarity
// is surfaced to clients.
type Context struct {
	ID             string         `json:"id"`
	ProjectID      string         `json:"projectId"`
	SessionID      string         `json:"sessionId,omitempty"`
	Type           string         `json:"type"`
	Content        string         `json:"content"`
	Tags           []string       `json:"tags,omitempty"`
	RelevanceScore float64        `json:"relevanceScore"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// ContextSearchResult is a Context plus its similarity to the query,
// normalized into [0, 100].
type ContextSearchResult struct {
	Context
	Similarity float64 `json:"similarity"`
}

// =============================================================================
// Decisions
// =============================================================================

// Decision statuses.
const (
	DecisionStatusActive      = "active"
	DecisionStatusUnderReview = "under_review"
	DecisionStatusSuperseded  = "superseded"
	DecisionStatusDeprecated  = "deprecated"
)

// DecisionStatuses enumerates the accepted decision status values.
var DecisionStatuses = []string{
	DecisionStatusActive, DecisionStatusUnderReview,
	DecisionStatusSuperseded, DecisionStatusDeprecated,
}

// DecisionImpactLevels enumerates the accepted impact levels.
var DecisionImpactLevels = []string{"low", "medium", "high", "critical"}

// DecisionAlternative is one considered option of a technical decision.
type DecisionAlternative struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Pros        []string `json:"pros,omitempty"`
	Cons        []string `json:"cons,omitempty"`
}

// Decision is a recorded technical decision with its rationale and the
// alternatives that were considered.
type Decision struct {
	ID           string                `json:"id"`
	ProjectID    string                `json:"projectId"`
	Title        string                `json:"title"`
	Problem      string                `json:"problem"`
	Decision     string                `json:"decision"`
	Rationale    string                `json:"rationale,omitempty"`
	Alternatives []DecisionAlternative `json:"alternatives,omitempty"`
	Status       string                `json:"status"`
	ImpactLevel  string                `json:"impactLevel"`
	CreatedAt    time.Time             `json:"createdAt"`
	UpdatedAt    time.Time             `json:"updatedAt"`
}

// =============================================================================
// Tasks
// =============================================================================

// Task statuses.
const (
	TaskStatusTodo       = "todo"
	TaskStatusInProgress = "in_progress"
	TaskStatusBlocked    = "blocked"
	TaskStatusCompleted  = "completed"
	TaskStatusCancelled  = "cancelled"
)

// TaskStatuses enumerates the accepted task status values.
var TaskStatuses = []string{
	TaskStatusTodo, TaskStatusInProgress, TaskStatusBlocked,
	TaskStatusCompleted, TaskStatusCancelled,
}

// TaskPriorities enumerates the accepted task priorities.
var TaskPriorities = []string{"low", "medium", "high", "urgent"}

// Task is a unit of coordinated work within a project.
type Task struct {
	ID           string         `json:"id"`
	ProjectID    string         `json:"projectId"`
	Title        string         `json:"title"`
	Description  string         `json:"description,omitempty"`
	Type         string         `json:"type"`
	Status       string         `json:"status"`
	Priority     string         `json:"priority"`
	Assignee     string         `json:"assignee,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	StartedAt    *time.Time     `json:"startedAt,omitempty"`
	CompletedAt  *time.Time     `json:"completedAt,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// =============================================================================
// Agents
// =============================================================================

// Agent statuses.
const (
	AgentStatusActive  = "active"
	AgentStatusBusy    = "busy"
	AgentStatusOffline = "offline"
	AgentStatusError   = "error"
)

// AgentStatuses enumerates the accepted agent status values.
var AgentStatuses = []string{AgentStatusActive, AgentStatusBusy, AgentStatusOffline, AgentStatusError}

// Agent is a registered AI agent with its capabilities and presence.
type Agent struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Status       string    `json:"status"`
	LastSeen     time.Time `json:"lastSeen"`
}

// AgentMessage is one entry in the per-project agent message log.
type AgentMessage struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	FromAgent string    `json:"fromAgent"`
	ToAgent   string    `json:"toAgent,omitempty"`
	Type      string    `json:"type"`
	Title     string    `json:"title,omitempty"`
	Content   string    `json:"content"`
	TaskRefs  []string  `json:"taskRefs,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// =============================================================================
// Naming Registry
// =============================================================================

// NamingEntityTypes is the closed enum of kinds the naming registry tracks.
var NamingEntityTypes = []string{
	"variable", "function", "class", "interface", "type", "component",
	"file", "directory", "module", "service", "config_key",
	"environment_var", "database_table", "database_column",
	"api_endpoint", "css_class", "html_id",
}

// NamingEntry is one canonical name registered for a project and entity type.
type NamingEntry struct {
	ID               string    `json:"id"`
	ProjectID        string    `json:"projectId"`
	EntityType       string    `json:"entityType"`
	CanonicalName    string    `json:"canonicalName"`
	Aliases          []string  `json:"aliases,omitempty"`
	Description      string    `json:"description,omitempty"`
	Convention       string    `json:"convention,omitempty"`
	UsageCount       int       `json:"usageCount"`
	Deprecated       bool      `json:"deprecated"`
	DeprecatedReason string    `json:"deprecatedReason,omitempty"`
	RelatedEntities  []string  `json:"relatedEntities,omitempty"`
	ContextTags      []string  `json:"contextTags,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// NamingConflict is one finding from naming_check.
type NamingConflict struct {
	// Type is one of exact_match, alias_conflict, similar_name,
	// convention_violation.
	Type string `json:"type"`

	// Severity is error, warning, or info. Only error aborts registration.
	Severity string `json:"severity"`

	// ExistingEntry is the registry row the proposal collides with, when any.
	ExistingEntry *NamingEntry `json:"existingEntry,omitempty"`

	// ConflictReason is a human-readable explanation.
	ConflictReason string `json:"conflictReason"`

	// Suggestion is an optional non-conflicting alternative.
	Suggestion string `json:"suggestion,omitempty"`
}

// =============================================================================
// Code Components (read-only for the core)
// =============================================================================

// CodeComponent is produced by out-of-scope analysis pipelines; smart_search
// only reads these rows.
type CodeComponent struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	FilePath  string    `json:"filePath"`
	Summary   string    `json:"summary,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

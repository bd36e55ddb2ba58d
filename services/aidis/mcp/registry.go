// Copyright (C) 2025 AIDIS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package mcp implements the tool registry, input validation, and the
// dispatcher that turns tool invocations into normalized envelopes.
//
// A Tool is a (schema, handler) pair. The Registry maps tool names to
// Tools; Dispatch resolves, validates, executes with a deadline, and wraps
// the result in an Envelope. Session-activity hooks fire after successful
// activity-bearing tools; their failures are logged, never surfaced.
//
// Thread Safety:
//
//	Registry is safe for concurrent use after Register calls complete
//	(registration happens at startup, dispatch afterwards).
package mcp

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/aidisdev/aidis/pkg/logging"
)

// Version is the envelope contract version reported on every response.
const Version = "2.0"

// DefaultTimeout bounds a single dispatch when the caller supplies no
// earlier deadline.
const DefaultTimeout = 30 * time.Second

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	dispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aidis_tool_dispatch_total",
		Help: "Total tool dispatches by tool and outcome",
	}, []string{"tool", "outcome"})

	dispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aidis_tool_dispatch_duration_seconds",
		Help:    "Tool dispatch latency",
		Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 30},
	}, []string{"tool"})
)

var tracer = otel.Tracer("aidis.mcp")

// =============================================================================
// Execution Context
// =============================================================================

// ExecContext carries per-dispatch identity and collects warnings handlers
// want attached to a successful envelope.
type ExecContext struct {
	// RequestID is the correlation id threaded through logs and the
	// response envelope.
	RequestID string

	// SessionID identifies the calling session, when known.
	SessionID string

	// Principal is the authenticated caller identity.
	Principal string

	warnings []string
}

// AddWarning attaches a non-fatal finding to the eventual envelope.
func (ec *ExecContext) AddWarning(msg string) {
	ec.warnings = append(ec.warnings, msg)
}

// Warnings returns the collected warnings.
func (ec *ExecContext) Warnings() []string {
	return ec.warnings
}

// =============================================================================
// Tools
// =============================================================================

// HandlerFunc executes one validated tool invocation. Implementations must
// propagate ctx to every database and embedding call.
type HandlerFunc func(ctx context.Context, ec *ExecContext, args Args) (any, error)

// Tool is one named operation exposed by the server.
type Tool struct {
	Name        string
	Description string
	Schema      *Schema
	Handler     HandlerFunc
	Examples    []string

	// Activity names the session-activity type recorded after success,
	// e.g. "context_stored". Empty means no activity tracking.
	Activity string

	// Idempotent documents whether repeating the call with identical
	// arguments changes state. Read tools set this true.
	Idempotent bool
}

// =============================================================================
// Envelope
// =============================================================================

// Envelope is the normalized response shape for every tool invocation.
type Envelope struct {
	Success          bool     `json:"success"`
	Data             any      `json:"data,omitempty"`
	Error            string   `json:"error,omitempty"`
	Code             string   `json:"code,omitempty"`
	Version          string   `json:"version"`
	RequestID        string   `json:"requestId"`
	ProcessingTimeMs int64    `json:"processingTimeMs"`
	Warnings         []string `json:"warnings,omitempty"`
}

// HTTPStatus returns the surface status for this envelope.
func (e *Envelope) HTTPStatus() int {
	if e.Success {
		return 200
	}
	return Code(e.Code).HTTPStatus()
}

// =============================================================================
// Activity Hook
// =============================================================================

// ActivityRecorder receives best-effort session-activity notifications from
// the dispatcher. Implemented by the session tracker.
type ActivityRecorder interface {
	// ActiveSession resolves the currently tracked session id, or "".
	ActiveSession() string

	// RecordActivity inserts an activity row. Implementations must swallow
	// failures (log and return).
	RecordActivity(ctx context.Context, sessionID, activityType string, metadata map[string]any)
}

// =============================================================================
// Registry
// =============================================================================

// Registry maps tool names to handlers and dispatches invocations.
type Registry struct {
	tools    map[string]*Tool
	disabled map[string]bool
	recorder ActivityRecorder
	logger   *logging.Logger
	timeout  time.Duration
}

// NewRegistry creates an empty registry. disabledTools lists tool names
// administratively turned off; recorder may be nil to disable activity
// tracking (tests).
func NewRegistry(logger *logging.Logger, recorder ActivityRecorder, disabledTools []string) *Registry {
	disabled := make(map[string]bool, len(disabledTools))
	for _, name := range disabledTools {
		disabled[name] = true
	}
	return &Registry{
		tools:    make(map[string]*Tool),
		disabled: disabled,
		recorder: recorder,
		logger:   logger,
		timeout:  DefaultTimeout,
	}
}

// Register adds a tool. Later registrations with the same name replace
// earlier ones; startup code treats that as a wiring bug.
func (r *Registry) Register(t *Tool) {
	if t.Name == "" || t.Handler == nil || t.Schema == nil {
		panic("mcp: tool registration requires name, schema, and handler")
	}
	if _, dup := r.tools[t.Name]; dup {
		panic("mcp: duplicate tool registration: " + t.Name)
	}
	r.tools[t.Name] = t
}

// Get returns the tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// List returns all registered tools sorted by name, including disabled
// ones (the listing marks them).
func (r *Registry) List() []*Tool {
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Disabled reports whether the tool is administratively disabled.
func (r *Registry) Disabled(name string) bool {
	return r.disabled[name]
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	return len(r.tools)
}

// =============================================================================
// Dispatch
// =============================================================================

// Dispatch executes one tool invocation end to end and always returns an
// envelope; errors never escape as Go errors.
//
// Order: resolve -> validate -> execute under deadline -> envelope ->
// activity hook. The activity hook runs only on success and only for
// activity-bearing tools; its failure is the recorder's problem.
func (r *Registry) Dispatch(ctx context.Context, name string, rawArgs json.RawMessage, ec *ExecContext) *Envelope {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "mcp.Dispatch")
	span.SetAttributes(
		attribute.String("tool", name),
		attribute.String("request_id", ec.RequestID),
	)
	defer span.End()

	finish := func(env *Envelope) *Envelope {
		env.Version = Version
		env.RequestID = ec.RequestID
		env.ProcessingTimeMs = time.Since(start).Milliseconds()
		outcome := "success"
		if !env.Success {
			outcome = env.Code
			span.SetStatus(codes.Error, env.Error)
		}
		dispatchTotal.WithLabelValues(name, outcome).Inc()
		dispatchDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		return env
	}

	if r.disabled[name] {
		return finish(&Envelope{
			Success: false,
			Error:   "tool " + name + " is disabled",
			Code:    string(CodeToolDisabled),
		})
	}

	tool, ok := r.tools[name]
	if !ok {
		return finish(&Envelope{
			Success: false,
			Error:   "unknown tool " + name,
			Code:    string(CodeToolNotFound),
		})
	}

	args, err := tool.Schema.Validate(rawArgs)
	if err != nil {
		r.logger.Debug("tool input rejected",
			"tool", name, "request_id", ec.RequestID, "error", err.Error())
		return finish(&Envelope{
			Success: false,
			Error:   err.Error(),
			Code:    string(CodeOf(err)),
		})
	}

	if _, has := ctx.Deadline(); !has {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	data, err := r.invoke(ctx, tool, ec, args)
	if err != nil {
		code := CodeOf(err)
		r.logger.Warn("tool failed",
			"tool", name,
			"request_id", ec.RequestID,
			"code", string(code),
			"error", err.Error(),
			"duration_ms", time.Since(start).Milliseconds())
		msg := err.Error()
		if code == CodeInternal {
			// Internal details stay in the logs.
			msg = "internal error"
		}
		return finish(&Envelope{Success: false, Error: msg, Code: string(code)})
	}

	r.recordActivity(tool, ec)

	r.logger.Info("tool completed",
		"tool", name,
		"request_id", ec.RequestID,
		"duration_ms", time.Since(start).Milliseconds())

	return finish(&Envelope{
		Success:  true,
		Data:     data,
		Warnings: ec.Warnings(),
	})
}

// invoke runs the handler with panic containment.
func (r *Registry) invoke(ctx context.Context, tool *Tool, ec *ExecContext, args Args) (data any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool handler panicked",
				"tool", tool.Name, "request_id", ec.RequestID, "panic", rec)
			data, err = nil, Errf(CodeInternal, "internal error")
		}
	}()
	return tool.Handler(ctx, ec, args)
}

// recordActivity fires the best-effort session-activity hook.
func (r *Registry) recordActivity(tool *Tool, ec *ExecContext) {
	if tool.Activity == "" || r.recorder == nil {
		return
	}
	sessionID := ec.SessionID
	if sessionID == "" {
		sessionID = r.recorder.ActiveSession()
	}
	if sessionID == "" {
		return
	}
	// Detached context: the originating request may already be finishing.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.recorder.RecordActivity(ctx, sessionID, tool.Activity, map[string]any{
		"tool":       tool.Name,
		"request_id": ec.RequestID,
	})
}

// =============================================================================
// Descriptors
// =============================================================================

// Descriptor is the listing shape for GET /mcp/tools.
type Descriptor struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Endpoint    string   `json:"endpoint"`
	Disabled    bool     `json:"disabled,omitempty"`
	Examples    []string `json:"examples,omitempty"`
	Fields      []string `json:"fields"`
}

// Descriptors returns the listing for every registered tool.
func (r *Registry) Descriptors() []Descriptor {
	tools := r.List()
	out := make([]Descriptor, 0, len(tools))
	for _, t := range tools {
		fields := make([]string, 0, len(t.Schema.Fields))
		for i := range t.Schema.Fields {
			fields = append(fields, describeField(&t.Schema.Fields[i]))
		}
		out = append(out, Descriptor{
			Name:        t.Name,
			Description: t.Description,
			Endpoint:    "/mcp/tools/" + t.Name,
			Disabled:    r.disabled[t.Name],
			Examples:    t.Examples,
			Fields:      fields,
		})
	}
	return out
}

// SchemaListing is the full-schema shape for GET /mcp/tools/schemas.
type SchemaListing struct {
	Name   string  `json:"name"`
	Schema *Schema `json:"schema"`
}

// Schemas returns the full declared schema of every registered tool.
func (r *Registry) Schemas() []SchemaListing {
	tools := r.List()
	out := make([]SchemaListing, 0, len(tools))
	for _, t := range tools {
		out = append(out, SchemaListing{Name: t.Name, Schema: t.Schema})
	}
	return out
}

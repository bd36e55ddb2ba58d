// Copyright (C) 2025 AIDIS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package routes wires the AIDIS HTTP surface onto a gin engine.
//
// Endpoints:
//
//	GET  /healthz              liveness
//	GET  /readyz               readiness (database + breaker + listener)
//	GET  /metrics              Prometheus scrape
//	GET  /mcp/tools            tool listing
//	GET  /mcp/tools/schemas    full input schemas
//	POST /mcp/tools/:name      tool dispatch
//	GET  /events               SSE change stream
//	GET  /events/stats         fan-out hub stats
//	GET  /events/clients       connected subscribers
//
// /v2/mcp/* mirrors /mcp/* route for route; both carry X-Supported-Versions
// so clients can discover the alias.
package routes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"

	"github.com/aidisdev/aidis/pkg/logging"
	"github.com/aidisdev/aidis/services/aidis/db"
	"github.com/aidisdev/aidis/services/aidis/events"
	"github.com/aidisdev/aidis/services/aidis/mcp"
	"github.com/aidisdev/aidis/services/aidis/middleware"
	"github.com/aidisdev/aidis/services/aidis/observability"
)

// SupportedVersions is advertised on every /mcp and /v2/mcp response.
const SupportedVersions = "v1,v2"

// DefaultHeartbeat is the SSE keep-alive comment interval.
const DefaultHeartbeat = 15 * time.Second

// =============================================================================
// Health Seams
// =============================================================================

// DBHealth is the slice of the gateway readiness checks need.
type DBHealth interface {
	Healthy(ctx context.Context) bool
	BreakerState() gobreaker.State
}

var _ DBHealth = (*db.Gateway)(nil)

// ListenerHealth exposes the NOTIFY listener status for readiness.
type ListenerHealth interface {
	Status() db.ListenerStatus
}

var _ ListenerHealth = (*db.Listener)(nil)

// =============================================================================
// Options
// =============================================================================

// Options carries everything SetupRoutes wires together.
type Options struct {
	Registry *mcp.Registry
	DB       DBHealth
	Listener ListenerHealth
	Events   *events.Service
	Logger   *logging.Logger

	// Metrics instruments requests when non-nil.
	Metrics *observability.HTTPMetrics

	// CORSAllowedOrigins feeds the CORS middleware. Empty means "*".
	CORSAllowedOrigins string

	// Heartbeat overrides the SSE keep-alive interval. Zero means
	// DefaultHeartbeat.
	Heartbeat time.Duration

	started time.Time
}

// =============================================================================
// Setup
// =============================================================================

// SetupRoutes registers middleware and every endpoint on the router.
func SetupRoutes(router *gin.Engine, opts Options) {
	opts.started = time.Now()
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}

	router.HandleMethodNotAllowed = true
	router.Use(middleware.CorrelationID())
	router.Use(middleware.Principal())
	router.Use(middleware.CORS(opts.CORSAllowedOrigins))
	if opts.Metrics != nil {
		router.Use(opts.Metrics.Middleware())
	}

	router.NoRoute(func(c *gin.Context) {
		writeError(c, mcp.CodeToolNotFound, "no such endpoint")
	})
	router.NoMethod(func(c *gin.Context) {
		writeError(c, mcp.CodeMethodNotAllowed,
			"method "+c.Request.Method+" not allowed")
	})

	router.GET("/healthz", opts.handleHealthz)
	router.GET("/readyz", opts.handleReadyz)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// /v2/mcp is the canonical surface; /mcp aliases it for v1 clients.
	for _, group := range []*gin.RouterGroup{router.Group("/mcp"), router.Group("/v2/mcp")} {
		group.Use(func(c *gin.Context) {
			c.Header("X-Supported-Versions", SupportedVersions)
			c.Next()
		})
		group.GET("/tools", opts.handleListTools)
		group.GET("/tools/schemas", opts.handleListSchemas)
		group.POST("/tools/:name", middleware.BodyLimit(middleware.MaxBodyBytes), opts.handleDispatch)
	}

	router.GET("/events", opts.handleEvents)
	router.GET("/events/stats", opts.handleEventStats)
	router.GET("/events/clients", opts.handleEventClients)
}

// writeError emits a failure envelope with the request's correlation id.
func writeError(c *gin.Context, code mcp.Code, msg string) {
	c.JSON(code.HTTPStatus(), mcp.Envelope{
		Success:   false,
		Error:     msg,
		Code:      string(code),
		Version:   mcp.Version,
		RequestID: middleware.GetRequestID(c),
	})
}

// =============================================================================
// Health
// =============================================================================

func (o *Options) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"healthy":       true,
		"uptimeSeconds": int64(time.Since(o.started).Seconds()),
		"version":       mcp.Version,
	})
}

// handleReadyz gates on the database; the listener is reported but not
// gating, a reconnecting listener shouldn't pull the server out of
// rotation while tool dispatch still works.
func (o *Options) handleReadyz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	dbHealthy := o.DB.Healthy(ctx)
	breaker := o.DB.BreakerState().String()

	status := http.StatusOK
	if !dbHealthy {
		status = http.StatusServiceUnavailable
	}

	body := gin.H{
		"ready": dbHealthy,
		"database": gin.H{
			"healthy":      dbHealthy,
			"breakerState": breaker,
		},
	}
	if o.Listener != nil {
		body["listener"] = o.Listener.Status()
	}
	c.JSON(status, body)
}

// =============================================================================
// Tool Endpoints
// =============================================================================

func (o *Options) handleListTools(c *gin.Context) {
	descs := o.Registry.Descriptors()
	c.JSON(http.StatusOK, mcp.Envelope{
		Success:   true,
		Data:      gin.H{"tools": descs, "count": len(descs)},
		Version:   mcp.Version,
		RequestID: middleware.GetRequestID(c),
	})
}

func (o *Options) handleListSchemas(c *gin.Context) {
	c.JSON(http.StatusOK, mcp.Envelope{
		Success:   true,
		Data:      gin.H{"schemas": o.Registry.Schemas()},
		Version:   mcp.Version,
		RequestID: middleware.GetRequestID(c),
	})
}

// dispatchBody is the POST /mcp/tools/:name request shape.
type dispatchBody struct {
	Arguments json.RawMessage `json:"arguments"`
}

func (o *Options) handleDispatch(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, mcp.Envelope{
				Success:   false,
				Error:     "request body too large",
				Code:      string(mcp.CodeInvalidInput),
				Version:   mcp.Version,
				RequestID: middleware.GetRequestID(c),
			})
			return
		}
		writeError(c, mcp.CodeInvalidInput, "unreadable request body")
		return
	}

	var body dispatchBody
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			writeError(c, mcp.CodeInvalidInput, "request body must be JSON: {\"arguments\": {...}}")
			return
		}
	}

	ec := &mcp.ExecContext{
		RequestID: middleware.GetRequestID(c),
		SessionID: strings.TrimSpace(c.GetHeader("X-Session-ID")),
		Principal: middleware.GetPrincipal(c),
	}

	env := o.Registry.Dispatch(c.Request.Context(), c.Param("name"), body.Arguments, ec)
	c.JSON(env.HTTPStatus(), env)
}

// =============================================================================
// SSE
// =============================================================================

func (o *Options) handleEvents(c *gin.Context) {
	userID := middleware.GetPrincipal(c)
	projectID := strings.TrimSpace(c.Query("projectId"))

	var entities []string
	if raw := strings.TrimSpace(c.Query("entities")); raw != "" {
		entities = strings.Split(raw, ",")
	}

	sub, err := o.Events.Subscribe(userID, projectID, entities)
	if err != nil {
		if errors.Is(err, events.ErrTooManyConnections) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		code := mcp.CodeOf(err)
		c.JSON(code.HTTPStatus(), gin.H{"error": err.Error()})
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	// Reconnect hint for EventSource clients.
	fmt.Fprint(c.Writer, "retry: 5000\n\n")
	c.Writer.Flush()

	heartbeat := time.NewTicker(o.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case msg := <-sub.Messages():
			if _, err := io.WriteString(c.Writer, msg.Frame()); err != nil {
				o.Events.Unsubscribe(sub.ID)
				return
			}
			c.Writer.Flush()

		case <-heartbeat.C:
			if _, err := io.WriteString(c.Writer, ": keep-alive\n\n"); err != nil {
				o.Events.Unsubscribe(sub.ID)
				return
			}
			c.Writer.Flush()

		case <-sub.Done():
			// Drain anything queued before removal, the shutdown notice
			// in particular.
			for {
				select {
				case msg := <-sub.Messages():
					io.WriteString(c.Writer, msg.Frame())
					c.Writer.Flush()
				default:
					return
				}
			}

		case <-c.Request.Context().Done():
			o.Events.Unsubscribe(sub.ID)
			return
		}
	}
}

func (o *Options) handleEventStats(c *gin.Context) {
	c.JSON(http.StatusOK, o.Events.GetStats())
}

func (o *Options) handleEventClients(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"clients": o.Events.GetClients()})
}

// Copyright (C) 2025 AIDIS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package middleware provides HTTP middleware for the AIDIS server.
//
// # Request Flow
//
//	Request
//	   │
//	   ▼
//	CorrelationID ──► echo or mint X-Request-ID
//	   │
//	   ▼
//	Principal ──────► bearer token, "local-user" when absent
//	   │
//	   ▼
//	BodyLimit ──────► cap request bodies at 1 MiB
//	   │
//	   ▼
//	CORS
//	   │
//	   ▼
//	Handler
//
// # Open Source Behavior
//
// There is no identity provider in the open build: any bearer token is
// taken at face value as the principal name, and its absence means
// "local-user". That keeps single-developer installs friction-free while
// giving the per-user SSE connection cap something to key on.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// MaxBodyBytes caps tool-dispatch request bodies (1 MiB).
const MaxBodyBytes = 1 << 20

// Context keys. Typed string constants keep them collision-free within
// the gin context.
const (
	requestIDKey = "aidis_request_id"
	principalKey = "aidis_principal"
)

// =============================================================================
// Correlation ID
// =============================================================================

// CorrelationID echoes the client's X-Request-ID or mints a UUID when the
// header is absent. The id is stored in the gin context and reflected on
// the response so clients can correlate logs.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader("X-Request-ID"))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// GetRequestID returns the correlation id for this request, or "".
func GetRequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// =============================================================================
// Principal
// =============================================================================

// Principal resolves the caller identity from "Authorization: Bearer
// <token>". Missing or malformed headers resolve to "local-user".
func Principal() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := extractBearerToken(c)
		if principal == "" {
			principal = "local-user"
		}
		c.Set(principalKey, principal)
		c.Next()
	}
}

// GetPrincipal returns the caller identity set by Principal, or "".
func GetPrincipal(c *gin.Context) string {
	return c.GetString(principalKey)
}

// extractBearerToken parses the Authorization header. The "Bearer" prefix
// is case-insensitive per RFC 7235; anything else yields "".
func extractBearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// =============================================================================
// Body Limit
// =============================================================================

// BodyLimit wraps the request body in a MaxBytesReader. Requests that
// declare a larger Content-Length are rejected immediately with 413;
// chunked bodies fail at read time, which the dispatch handler maps to
// the same status.
func BodyLimit(max int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > max {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"success": false,
				"error":   "request body too large",
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, max)
		c.Next()
	}
}

// =============================================================================
// CORS
// =============================================================================

// CORS answers preflight requests and stamps the allow headers.
// allowedOrigins is a comma-separated list; "*" (the default) is
// permissive, which fits a localhost development tool.
func CORS(allowedOrigins string) gin.HandlerFunc {
	permissive := allowedOrigins == "" || allowedOrigins == "*"
	allowed := map[string]bool{}
	if !permissive {
		for _, o := range strings.Split(allowedOrigins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				allowed[o] = true
			}
		}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case permissive:
			c.Header("Access-Control-Allow-Origin", "*")
		case allowed[origin]:
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

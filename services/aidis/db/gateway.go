// Copyright (C) 2025 AIDIS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package db provides the process-singleton gateway to PostgreSQL and the
// NOTIFY listener feeding the SSE fan-out.
//
// The Gateway is the only path handlers take to the database. Every call
// runs inside a circuit breaker and a bounded exponential-backoff retry:
//
//	caller -> retry loop -> circuit breaker -> pgx pool
//
// Retries apply only to transient errors (connection resets, serialization
// failures). Constraint violations, bad SQL, and authorization failures
// propagate immediately. Five consecutive failures trip the breaker open;
// after the recovery window one probe call is admitted.
//
// Observability: each query logs correlation id, duration, row count, and
// a truncated statement. Parameters are never logged.
package db

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/aidisdev/aidis/pkg/logging"
	"github.com/aidisdev/aidis/services/aidis/mcp"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	queryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "aidis_db_query_duration_seconds",
		Help:    "Database query latency by operation",
		Buckets: []float64{0.001, 0.01, 0.05, 0.25, 1, 5},
	}, []string{"op"})

	queryErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aidis_db_query_errors_total",
		Help: "Database query errors by classification",
	}, []string{"class"})

	breakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aidis_db_breaker_transitions_total",
		Help: "Circuit breaker state transitions",
	}, []string{"to"})
)

var dbTracer = otel.Tracer("aidis.db")

// =============================================================================
// Configuration
// =============================================================================

// Config tunes the retry and breaker policies. Zero values take defaults.
type Config struct {
	// MaxAttempts bounds retries per call, transient errors only.
	// Default 3.
	MaxAttempts int

	// RetryBase is the first retry delay; each attempt doubles it.
	// Default 1s.
	RetryBase time.Duration

	// FailureThreshold is the consecutive-failure count that trips the
	// breaker open. Default 5.
	FailureThreshold uint32

	// RecoveryWindow is how long the breaker stays open before admitting
	// a probe. Default 30s.
	RecoveryWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryWindow <= 0 {
		c.RecoveryWindow = 30 * time.Second
	}
	return c
}

// =============================================================================
// Pool Seam
// =============================================================================

// Pool is the subset of pgxpool.Pool the gateway uses. Tests substitute
// an in-memory fake.
type Pool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

var _ Pool = (*pgxpool.Pool)(nil)

// =============================================================================
// Gateway
// =============================================================================

// Gateway is the pooled, breaker-protected, retry-wrapped database access
// layer. One Gateway exists per process.
type Gateway struct {
	pool    Pool
	breaker *gobreaker.CircuitBreaker
	logger  *logging.Logger
	cfg     Config
}

// New connects a pool to connString and wraps it in a Gateway. The initial
// Ping runs through the same retry policy so a briefly unavailable database
// does not fail startup.
func New(ctx context.Context, connString string, logger *logging.Logger, cfg Config) (*Gateway, error) {
	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	g := NewWithPool(pool, logger, cfg)
	if err := g.retry(ctx, func() error { return pool.Ping(ctx) }); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return g, nil
}

// NewWithPool wraps an existing pool. Used by New and by tests.
func NewWithPool(pool Pool, logger *logging.Logger, cfg Config) *Gateway {
	cfg = cfg.withDefaults()
	g := &Gateway{pool: pool, logger: logger, cfg: cfg}

	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "aidis-db",
		MaxRequests: 1, // one half-open probe
		Timeout:     cfg.RecoveryWindow,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			// Application-level errors (constraint violations, not-found,
			// bad SQL) say nothing about database health. Only transient
			// connection-class failures count against the breaker.
			return err == nil || !transient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			breakerTransitions.WithLabelValues(to.String()).Inc()
			logger.Warn("db circuit breaker state change",
				"from", from.String(), "to", to.String())
		},
	})
	return g
}

// Close releases the pool.
func (g *Gateway) Close() {
	g.pool.Close()
}

// BreakerState exposes the breaker for readiness checks.
func (g *Gateway) BreakerState() gobreaker.State {
	return g.breaker.State()
}

// HealthProbe runs a single round-trip through the breaker, no retries.
func (g *Gateway) HealthProbe(ctx context.Context) error {
	_, err := g.breaker.Execute(func() (any, error) {
		return nil, g.pool.Ping(ctx)
	})
	err = g.mapBreakerErr(err)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Unwrap()
	}
	return err
}

// Healthy reports whether the database is reachable and the breaker is
// not open. Used by /readyz.
func (g *Gateway) Healthy(ctx context.Context) bool {
	if g.breaker.State() == gobreaker.StateOpen {
		return false
	}
	return g.HealthProbe(ctx) == nil
}

// =============================================================================
// Query / Exec / Tx
// =============================================================================

// Query runs sql and hands the rows to scan. The rows are closed after
// scan returns; scan must fully consume them.
//
// Like Tx's fn, scan may run once per retry attempt. It must buffer into
// attempt-local state and publish to captured variables only after
// rows.Err() reports a clean iteration, otherwise a mid-stream transient
// failure duplicates the first attempt's rows.
func (g *Gateway) Query(ctx context.Context, correlationID, sql string, args []any, scan func(pgx.Rows) error) error {
	return g.instrumented(ctx, correlationID, "query", sql, func() (int64, error) {
		rows, err := g.pool.Query(ctx, sql, args...)
		if err != nil {
			return 0, err
		}
		defer rows.Close()
		if err := scan(rows); err != nil {
			return 0, err
		}
		if err := rows.Err(); err != nil {
			return 0, err
		}
		return rows.CommandTag().RowsAffected(), nil
	})
}

// QueryRow runs sql expecting exactly one row. notFound is returned when
// the query matches nothing, letting handlers surface their domain 404.
// scan may run once per retry attempt; plain overwriting scans satisfy
// that, accumulation does not.
func (g *Gateway) QueryRow(ctx context.Context, correlationID, sql string, args []any, notFound error, scan func(pgx.Rows) error) error {
	return g.instrumented(ctx, correlationID, "query_row", sql, func() (int64, error) {
		rows, err := g.pool.Query(ctx, sql, args...)
		if err != nil {
			return 0, err
		}
		defer rows.Close()
		if !rows.Next() {
			if err := rows.Err(); err != nil {
				return 0, err
			}
			return 0, backoff.Permanent(notFound)
		}
		if err := scan(rows); err != nil {
			return 0, err
		}
		return 1, nil
	})
}

// Exec runs a statement and returns the affected row count.
func (g *Gateway) Exec(ctx context.Context, correlationID, sql string, args ...any) (int64, error) {
	var affected int64
	err := g.instrumented(ctx, correlationID, "exec", sql, func() (int64, error) {
		tag, err := g.pool.Exec(ctx, sql, args...)
		if err != nil {
			return 0, err
		}
		affected = tag.RowsAffected()
		return affected, nil
	})
	return affected, err
}

// Tx runs fn inside a transaction. The whole transaction retries on
// transient failure (serialization conflicts included), so fn must be
// safe to re-run.
func (g *Gateway) Tx(ctx context.Context, correlationID string, fn func(pgx.Tx) error) error {
	return g.instrumented(ctx, correlationID, "tx", "BEGIN", func() (int64, error) {
		tx, err := g.pool.Begin(ctx)
		if err != nil {
			return 0, err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback(ctx)
			return 0, err
		}
		if err := tx.Commit(ctx); err != nil {
			return 0, err
		}
		return 0, nil
	})
}

// =============================================================================
// Execution Core
// =============================================================================

// instrumented wraps one logical database call with tracing, the breaker,
// the retry policy, and the query log line.
func (g *Gateway) instrumented(ctx context.Context, correlationID, op, sql string, fn func() (int64, error)) error {
	ctx, span := dbTracer.Start(ctx, "db."+op)
	span.SetAttributes(attribute.String("request_id", correlationID))
	defer span.End()

	start := time.Now()
	var rowCount int64

	err := g.retry(ctx, func() error {
		_, execErr := g.breaker.Execute(func() (any, error) {
			n, err := fn()
			rowCount = n
			return nil, err
		})
		return g.mapBreakerErr(execErr)
	})

	duration := time.Since(start)
	queryDuration.WithLabelValues(op).Observe(duration.Seconds())

	fields := []any{
		"request_id", correlationID,
		"duration_ms", duration.Milliseconds(),
		"row_count", rowCount,
		"sql", truncateSQL(sql),
	}
	switch {
	case err != nil:
		queryErrors.WithLabelValues(classify(err)).Inc()
		g.logger.Error("db query failed", append(fields, "error", err.Error())...)
	case duration > 5*time.Second:
		g.logger.Error("db query very slow", fields...)
	case duration > time.Second:
		g.logger.Warn("db query slow", fields...)
	default:
		g.logger.Debug("db query", fields...)
	}

	return err
}

// retry runs op with exponential backoff, honoring ctx and permanent
// error markers.
func (g *Gateway) retry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.cfg.RetryBase
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0

	attempts := uint64(g.cfg.MaxAttempts)
	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return err
		}
		if !transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(bo, attempts-1), ctx))
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Unwrap()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return mcp.WrapCode(mcp.CodeTimeout, err)
	}
	return err
}

// mapBreakerErr converts breaker short-circuits into the CircuitOpen code
// and marks them permanent so the retry loop stops immediately.
func (g *Gateway) mapBreakerErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return backoff.Permanent(mcp.Errf(mcp.CodeCircuitOpen, "database circuit breaker open"))
	}
	return err
}

// =============================================================================
// Error Classification
// =============================================================================

// transient reports whether a call is worth retrying. Anything not
// recognized as transient is treated as permanent.
func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 40: transaction rollback (serialization, deadlock).
		// Class 08: connection exceptions.
		// Class 57: operator intervention (admin shutdown, crash shutdown).
		prefix := pgErr.Code[:2]
		return prefix == "40" || prefix == "08" || prefix == "57"
	}

	if pgconn.SafeToRetry(err) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	return false
}

// classify buckets an error for the query-error metric.
func classify(err error) string {
	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &pgErr):
		return "pg_" + pgErr.Code[:2]
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case mcp.CodeOf(err) == mcp.CodeCircuitOpen:
		return "circuit_open"
	default:
		return "other"
	}
}

// truncateSQL collapses whitespace and caps the statement at 120 runes for
// logging. Parameters never appear here.
func truncateSQL(sql string) string {
	collapsed := strings.Join(strings.Fields(sql), " ")
	if len(collapsed) > 120 {
		return collapsed[:120] + "..."
	}
	return collapsed
}

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// violation. Handlers map this onto AlreadyExists.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

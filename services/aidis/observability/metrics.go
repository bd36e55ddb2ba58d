// Copyright (C) 2025 AIDIS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides HTTP request metrics for the AIDIS server.
//
// Tool-level and database-level metrics live next to the code they measure
// (mcp, db, events); this package covers the HTTP surface itself: request
// counts, latency, in-flight gauge. Everything is exposed on /metrics for
// Prometheus scraping.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "aidis"

// HTTPMetrics holds the Prometheus metrics for the HTTP surface.
// Initialize once at startup via InitMetrics().
type HTTPMetrics struct {
	// RequestsTotal counts requests by route, method, and status class.
	RequestsTotal *prometheus.CounterVec

	// RequestDuration measures request latency by route.
	RequestDuration *prometheus.HistogramVec

	// ActiveRequests tracks in-flight requests.
	ActiveRequests prometheus.Gauge

	// RequestSizeBytes measures request body sizes for dispatch calls.
	RequestSizeBytes prometheus.Histogram
}

// DefaultMetrics is the singleton instance. Initialized by InitMetrics().
var DefaultMetrics *HTTPMetrics

// InitMetrics creates and registers the HTTP metrics. Call once at
// startup; a second call panics on duplicate registration.
func InitMetrics() *HTTPMetrics {
	DefaultMetrics = &HTTPMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests by route, method, and status",
			},
			[]string{"route", "method", "status"},
		),

		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency by route",
				Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"route"},
		),

		ActiveRequests: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "http_active_requests",
				Help:      "In-flight HTTP requests",
			},
		),

		RequestSizeBytes: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "http_request_size_bytes",
				Help:      "Request body sizes",
				Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
			},
		),
	}
	return DefaultMetrics
}

// Middleware instruments each request. Long-lived SSE connections are
// counted when they end like any other request; their duration histogram
// bucket saturates at the top bucket, which is fine for alerting.
func (m *HTTPMetrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		m.ActiveRequests.Inc()
		if c.Request.ContentLength > 0 {
			m.RequestSizeBytes.Observe(float64(c.Request.ContentLength))
		}

		c.Next()

		m.ActiveRequests.Dec()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RequestsTotal.WithLabelValues(route, c.Request.Method,
			strconv.Itoa(c.Writer.Status())).Inc()
		m.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

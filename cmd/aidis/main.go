// Copyright (C) 2025 AIDIS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command aidis runs the AI Development Intelligence System server: the
// tool-dispatch HTTP API, the NOTIFY-to-SSE change stream, and their
// shared Postgres gateway, guarded by a PID-file singleton.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/aidisdev/aidis/pkg/config"
	"github.com/aidisdev/aidis/pkg/logging"
	"github.com/aidisdev/aidis/services/aidis/db"
	"github.com/aidisdev/aidis/services/aidis/embedding"
	"github.com/aidisdev/aidis/services/aidis/events"
	"github.com/aidisdev/aidis/services/aidis/handlers"
	"github.com/aidisdev/aidis/services/aidis/mcp"
	"github.com/aidisdev/aidis/services/aidis/observability"
	"github.com/aidisdev/aidis/services/aidis/routes"
	"github.com/aidisdev/aidis/services/aidis/session"
	"github.com/aidisdev/aidis/services/aidis/singleton"
)

const shutdownTimeout = 10 * time.Second

// initTracer sets up OTLP trace export when OTEL_EXPORTER_OTLP_ENDPOINT
// is configured. Without it the default no-op tracer stays in place and
// span creation costs nothing.
func initTracer(ctx context.Context) (func(context.Context), error) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return func(context.Context) {}, nil
	}

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("aidis")))
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)))
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			log.Printf("failed to shut down OTLP exporter: %v", err)
		}
	}, nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "aidis:", err)
		os.Exit(1)
	}
}

// run is the single exit point: every failure returns here so the
// deferred cleanups (pid file, pool, tracer, log flush) always fire.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.LogLevel),
		Service: "aidis",
		JSON:    true,
	})
	defer logger.Close()

	// Singleton first: everything after this point assumes it owns the
	// LISTEN channel and the port.
	pid, err := singleton.Acquire(cfg.PIDFile, logger)
	if err != nil {
		return fmt.Errorf("startup aborted: %w", err)
	}
	defer pid.Remove()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	traceCleanup, err := initTracer(ctx)
	if err != nil {
		return fmt.Errorf("tracer init: %w", err)
	}
	defer traceCleanup(context.Background())

	metrics := observability.InitMetrics()

	gateway, err := db.New(ctx, cfg.DatabaseURL, logger, db.Config{})
	if err != nil {
		return fmt.Errorf("database connect: %w", err)
	}
	defer gateway.Close()

	var embedder embedding.Embedder
	if cfg.EmbeddingServiceURL != "" {
		embedder = embedding.NewService(cfg.EmbeddingServiceURL,
			cfg.EmbeddingModel, cfg.EmbeddingDimensions, logger)
		logger.Info("using embedding service", "url", cfg.EmbeddingServiceURL)
	} else {
		embedder = embedding.NewLocal(cfg.EmbeddingDimensions)
		logger.Info("using local embedder", "dimensions", cfg.EmbeddingDimensions)
	}

	tracker := session.NewTracker(gateway, logger)
	hub := events.NewService(logger, 0)

	reg := mcp.NewRegistry(logger, tracker, cfg.DisabledTools)
	handlers.RegisterAll(reg, &handlers.Deps{
		GW:       gateway,
		Embedder: embedder,
		Projects: session.NewActiveProjectStore(),
		Tracker:  tracker,
		Logger:   logger,
	})

	catalog, err := mcp.LoadCatalog()
	if err != nil {
		return fmt.Errorf("tool catalog: %w", err)
	}
	if unknown := catalog.Apply(reg); len(unknown) > 0 {
		logger.Warn("tool catalog names unregistered tools", "tools", unknown)
	}
	logger.Info("tool registry ready",
		"tools", reg.Count(), "disabled", cfg.DisabledTools)

	listener := db.NewListener(cfg.DatabaseURL, logger, hub.Broadcast)
	listener.Start(ctx)

	reaper := session.NewReaper(gateway, logger, session.ReaperConfig{})
	if err := reaper.Start(ctx); err != nil {
		return fmt.Errorf("session reaper: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("aidis"))
	routes.SetupRoutes(router, routes.Options{
		Registry:           reg,
		DB:                 gateway,
		Listener:           listener,
		Events:             hub,
		Logger:             logger,
		Metrics:            metrics,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", "port", cfg.HTTPPort)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		// Release SSE subscribers first so Shutdown isn't stuck waiting
		// on open streams.
		hub.DisconnectAll()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("forced http shutdown", "error", err.Error())
		}

		reaper.Stop()
		listener.Stop()
		return nil
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

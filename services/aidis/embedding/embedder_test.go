// Copyright (C) 2025 AIDIS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aidisdev/aidis/pkg/logging"
	"github.com/aidisdev/aidis/services/aidis/mcp"
)

func TestLocalIsDeterministic(t *testing.T) {
	l := NewLocal(384)

	a, err := l.Embed(context.Background(), "circuit breaker pattern for database access")
	require.NoError(t, err)
	b, err := l.Embed(context.Background(), "circuit breaker pattern for database access")
	require.NoError(t, err)

	assert.Equal(t, a.Vector, b.Vector)
	assert.Len(t, a.Vector, 384)
	assert.Equal(t, 384, a.Dimensions)
}

func TestLocalVectorsAreNormalized(t *testing.T) {
	l := NewLocal(64)
	emb, err := l.Embed(context.Background(), "some nontrivial content here")
	require.NoError(t, err)

	var sum float64
	for _, v := range emb.Vector {
		sum += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, sum, 1e-5)
}

func TestLocalDifferentTextsDiffer(t *testing.T) {
	l := NewLocal(128)
	a, _ := l.Embed(context.Background(), "postgres connection pooling")
	b, _ := l.Embed(context.Background(), "frontend component naming")
	assert.NotEqual(t, a.Vector, b.Vector)
}

func TestLocalEmptyText(t *testing.T) {
	l := NewLocal(32)
	emb, err := l.Embed(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, emb.Vector, 32)
}

func TestServiceEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/embed", r.URL.Path)
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "hello world", req.Text)

		_ = json.NewEncoder(w).Encode(embedResponse{
			Embedding:  []float32{0.5, 0.5, 0.5, 0.5},
			Model:      "test-model",
			Dimensions: 4,
		})
	}))
	defer srv.Close()

	s := NewService(srv.URL, "test-model", 4, logging.New(logging.Config{Quiet: true}))
	emb, err := s.Embed(context.Background(), "hello world")
	require.NoError(t, err)
	assert.Len(t, emb.Vector, 4)
	assert.Equal(t, "test-model", emb.Model)
}

func TestServiceDimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(embedResponse{Embedding: []float32{1, 2}})
	}))
	defer srv.Close()

	s := NewService(srv.URL, "m", 4, logging.New(logging.Config{Quiet: true}))
	_, err := s.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.Equal(t, mcp.CodeEmbeddingUnavailable, mcp.CodeOf(err))
}

func TestServiceErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := NewService(srv.URL, "m", 4, logging.New(logging.Config{Quiet: true}))
	_, err := s.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.Equal(t, mcp.CodeEmbeddingUnavailable, mcp.CodeOf(err))
}

func TestServiceUnreachable(t *testing.T) {
	s := NewService("http://127.0.0.1:1", "m", 4, logging.New(logging.Config{Quiet: true}))
	_, err := s.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.Equal(t, mcp.CodeEmbeddingUnavailable, mcp.CodeOf(err))
}

func TestVectorLiteral(t *testing.T) {
	assert.Equal(t, "[0.5,-1,0.25]", VectorLiteral([]float32{0.5, -1, 0.25}))
	assert.Equal(t, "[]", VectorLiteral(nil))
}

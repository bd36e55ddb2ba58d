// Copyright (C) 2025 AIDIS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package embedding produces vector embeddings for context content and
// search queries.
//
// Two implementations exist: Service calls an external embedding HTTP
// service, Local computes a deterministic hash-projection vector with no
// network dependency. Local is the fallback when no service is configured;
// its vectors are stable across restarts so stored contexts remain
// searchable.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aidisdev/aidis/pkg/logging"
	"github.com/aidisdev/aidis/services/aidis/mcp"
)

var embedDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "aidis_embedding_duration_seconds",
	Help:    "Embedding generation latency by backend",
	Buckets: []float64{0.001, 0.01, 0.1, 0.5, 2, 10},
}, []string{"backend"})

// Embedding is one computed vector. Callers never inspect Model beyond
// logging it.
type Embedding struct {
	Vector     []float32 `json:"vector"`
	Model      string    `json:"model"`
	Dimensions int       `json:"dimensions"`
}

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	// Embed returns the embedding for text. The vector length always
	// equals Dimensions().
	Embed(ctx context.Context, text string) (Embedding, error)

	// Dimensions reports the vector width this embedder produces.
	Dimensions() int

	// Name identifies the backend in logs and stats.
	Name() string
}

// VectorLiteral renders a vector as the pgvector input literal,
// e.g. "[0.12,-0.5,...]". Used with $n::vector parameters.
func VectorLiteral(vec []float32) string {
	var b strings.Builder
	b.Grow(len(vec)*10 + 2)
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%g", v)
	}
	b.WriteByte(']')
	return b.String()
}

// =============================================================================
// HTTP Service Backend
// =============================================================================

// Service calls an external embedding HTTP service.
//
// Request:  POST {url}/embed  {"text": "...", "model": "..."}
// Response: {"embedding": [..], "model": "...", "dimensions": n}
type Service struct {
	url    string
	model  string
	dims   int
	client *http.Client
	logger *logging.Logger
}

// NewService builds the HTTP backend. url is the service base URL without
// trailing slash.
func NewService(url, model string, dims int, logger *logging.Logger) *Service {
	return &Service{
		url:    strings.TrimRight(url, "/"),
		model:  model,
		dims:   dims,
		client: &http.Client{Timeout: 15 * time.Second},
		logger: logger,
	}
}

func (s *Service) Name() string    { return "service" }
func (s *Service) Dimensions() int { return s.dims }

type embedRequest struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
}

type embedResponse struct {
	Embedding  []float32 `json:"embedding"`
	Model      string    `json:"model"`
	Dimensions int       `json:"dimensions"`
}

// Embed posts text to the embedding service. Any transport or contract
// failure surfaces as EmbeddingUnavailable; callers decide whether to
// degrade to text-only search.
func (s *Service) Embed(ctx context.Context, text string) (Embedding, error) {
	start := time.Now()
	defer func() {
		embedDuration.WithLabelValues(s.Name()).Observe(time.Since(start).Seconds())
	}()

	body, err := json.Marshal(embedRequest{Text: text, Model: s.model})
	if err != nil {
		return Embedding{}, mcp.WrapCode(mcp.CodeInternal, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url+"/embed", bytes.NewReader(body))
	if err != nil {
		return Embedding{}, mcp.WrapCode(mcp.CodeInternal, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Embedding{}, mcp.WrapCode(mcp.CodeEmbeddingUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return Embedding{}, mcp.Errf(mcp.CodeEmbeddingUnavailable,
			"embedding service returned %d: %s", resp.StatusCode, string(snippet))
	}

	var decoded embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Embedding{}, mcp.WrapCode(mcp.CodeEmbeddingUnavailable, err)
	}
	if len(decoded.Embedding) != s.dims {
		return Embedding{}, mcp.Errf(mcp.CodeEmbeddingUnavailable,
			"embedding service returned %d dimensions, want %d", len(decoded.Embedding), s.dims)
	}

	model := decoded.Model
	if model == "" {
		model = s.model
	}
	return Embedding{Vector: decoded.Embedding, Model: model, Dimensions: s.dims}, nil
}

// =============================================================================
// Local Deterministic Backend
// =============================================================================

// Local is a zero-dependency embedder. It projects token hashes into a
// fixed-width vector and L2-normalizes. Not semantically meaningful, but
// deterministic: identical text always produces identical vectors, so
// exact and near-duplicate content still clusters.
type Local struct {
	dims int
}

// NewLocal builds the deterministic backend.
func NewLocal(dims int) *Local {
	return &Local{dims: dims}
}

func (l *Local) Name() string    { return "local" }
func (l *Local) Dimensions() int { return l.dims }

// Embed never fails and never blocks on the network.
func (l *Local) Embed(ctx context.Context, text string) (Embedding, error) {
	start := time.Now()
	defer func() {
		embedDuration.WithLabelValues(l.Name()).Observe(time.Since(start).Seconds())
	}()

	vec := make([]float32, l.dims)
	for _, token := range tokenize(text) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(token))
		sum := h.Sum64()
		idx := int(sum % uint64(l.dims))
		// Sign from a high bit decorrelates buckets.
		if sum&(1<<63) != 0 {
			vec[idx] -= 1
		} else {
			vec[idx] += 1
		}
	}

	normalize(vec)
	return Embedding{Vector: vec, Model: "local-hash", Dimensions: l.dims}, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}

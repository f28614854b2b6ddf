package qalinker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"
)

var (
	ErrEmptyText         = errors.New("cannot embed empty text")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Embedder converts text into a fixed-length, L2-normalized vector, so
// the cosine similarity of two embeddings is their dot product.
// Implementations must be deterministic for a given model and text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension is the length of the vectors returned by Embed
	Dimension() int

	// ModelInfo identifies the embedding model, and is used to key
	// cached embeddings
	ModelInfo() string
}

// NewEmbedder builds the Embedder selected by the given config. When
// cache is non-nil, embeddings are also stored in and read from the
// database.
func NewEmbedder(
	config *EmbedderConfig,
	httpClient *http.Client,
	cache *EmbeddingCache,
	logger *slog.Logger,
) (Embedder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var base Embedder
	switch config.Provider {
	case embedderProviderOpenAI:
		e, err := NewOpenAIEmbedder(config, httpClient, logger)
		if err != nil {
			return nil, err
		}
		base = e
	case embedderProviderHash, "":
		dim := config.Dimension
		if dim <= 0 {
			dim = DefaultEmbedderDimension
		}
		base = NewHashEmbedder(dim)
	default:
		return nil, fmt.Errorf("unknown embedder provider: %q", config.Provider)
	}

	if config.CacheSize <= 0 && cache == nil {
		return base, nil
	}
	return NewCachedEmbedder(base, config.CacheSize, cache, logger), nil
}

// CosineSimilarity returns the cosine similarity of a and b. Mismatched
// lengths, empty vectors and zero vectors have a similarity of 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		x := float64(a[i])
		y := float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// l2normalize normalizes a vector to unit length, in place
func l2normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := 1.0 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
}

// normalizeText collapses whitespace, so texts differing only in spacing
// embed (and cache) identically
func normalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

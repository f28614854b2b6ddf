package qalinker

import (
	"context"
	"github.com/lmittmann/tint"
	"log/slog"
	"slices"
	"sync"
)

// CachedEmbedder wraps an Embedder, remembering recent embeddings in
// memory and, optionally, in the database.
type CachedEmbedder struct {
	embedder Embedder
	store    *EmbeddingCache
	logger   *slog.Logger
	size     int

	mu      sync.Mutex
	entries map[string][]float32
	order   []string
}

// NewCachedEmbedder wraps embedder with an in-memory cache of up to size
// entries (0 to disable), and a database cache when store is non-nil.
func NewCachedEmbedder(
	embedder Embedder,
	size int,
	store *EmbeddingCache,
	logger *slog.Logger,
) *CachedEmbedder {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedEmbedder{
		embedder: embedder,
		store:    store,
		size:     size,
		logger:   logger.With(loggerNameKey, "embedding_cache"),
		entries:  map[string][]float32{},
	}
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := normalizeText(text)
	if key == "" {
		return nil, ErrEmptyText
	}
	if vec, ok := c.lookup(key); ok {
		return vec, nil
	}

	model := c.embedder.ModelInfo()
	if c.store != nil {
		vec, ok, err := c.store.Get(ctx, model, key)
		switch {
		case err != nil:
			c.logger.WarnContext(ctx, "error reading embedding cache", tint.Err(err))
		case ok && len(vec) == c.embedder.Dimension():
			c.remember(key, vec)
			return slices.Clone(vec), nil
		}
	}

	vec, err := c.embedder.Embed(ctx, key)
	if err != nil {
		return nil, err
	}
	c.remember(key, vec)
	if c.store != nil {
		if err = c.store.Put(ctx, model, key, vec); err != nil {
			c.logger.WarnContext(ctx, "error writing embedding cache", tint.Err(err))
		}
	}
	return slices.Clone(vec), nil
}

func (c *CachedEmbedder) lookup(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	vec, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return slices.Clone(vec), true
}

// remember adds the embedding to the in-memory cache, evicting the
// oldest entry when full
func (c *CachedEmbedder) remember(key string, vec []float32) {
	if c.size <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; exists {
		return
	}
	if len(c.order) >= c.size {
		delete(c.entries, c.order[0])
		c.order = c.order[1:]
	}
	c.entries[key] = slices.Clone(vec)
	c.order = append(c.order, key)
}

// Len returns the number of embeddings held in memory
func (c *CachedEmbedder) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *CachedEmbedder) Dimension() int {
	return c.embedder.Dimension()
}

func (c *CachedEmbedder) ModelInfo() string {
	return c.embedder.ModelInfo()
}

package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is the default number of embeddings to keep. At 2560
// dimensions * 4 bytes * 512 entries this is about 5MB of memory.
const DefaultCacheSize = 512

// CachedEmbedder wraps an Embedder with LRU caching. Repeated queries
// (the same text search issued twice, the same image re-indexed) skip
// the provider round trip entirely.
type CachedEmbedder struct {
	inner Embedder
	cache *lru.Cache[string, []float32]
}

var _ Embedder = (*CachedEmbedder)(nil)

// NewCachedEmbedder wraps inner with an LRU cache of the given size.
func NewCachedEmbedder(inner Embedder, cacheSize int) *CachedEmbedder {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, _ := lru.New[string, []float32](cacheSize)
	return &CachedEmbedder{inner: inner, cache: cache}
}

// cacheKey hashes the full input identity: content, instruction and model.
// Image bytes are hashed rather than stored, so two uploads of the same
// file share an entry.
func (c *CachedEmbedder) cacheKey(in Input) string {
	h := sha256.New()
	h.Write([]byte(c.inner.ModelName()))
	h.Write([]byte{0})
	h.Write([]byte(in.EffectiveInstruction()))
	h.Write([]byte{0})
	h.Write([]byte("text:" + in.Text))
	h.Write([]byte{0})
	switch {
	case len(in.ImageBytes) > 0:
		h.Write(in.ImageBytes)
	case in.ImagePath != "":
		h.Write([]byte("path:" + in.ImagePath))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Embed returns a cached embedding if available, otherwise computes and
// caches it.
func (c *CachedEmbedder) Embed(ctx context.Context, in Input) ([]float32, error) {
	key := c.cacheKey(in)
	if vec, ok := c.cache.Get(key); ok {
		return vec, nil
	}
	vec, err := c.inner.Embed(ctx, in)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, vec)
	return vec, nil
}

// EmbedBatch checks the cache per input and only forwards misses.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, ins []Input) ([][]float32, error) {
	if len(ins) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(ins))
	missIdx := make([]int, 0, len(ins))
	misses := make([]Input, 0, len(ins))

	for i, in := range ins {
		if vec, ok := c.cache.Get(c.cacheKey(in)); ok {
			results[i] = vec
		} else {
			missIdx = append(missIdx, i)
			misses = append(misses, in)
		}
	}
	if len(misses) == 0 {
		return results, nil
	}

	fresh, err := c.inner.EmbedBatch(ctx, misses)
	if err != nil {
		return nil, err
	}
	for j, idx := range missIdx {
		results[idx] = fresh[j]
		c.cache.Add(c.cacheKey(ins[idx]), fresh[j])
	}
	return results, nil
}

// Dimensions returns the inner embedder's dimension.
func (c *CachedEmbedder) Dimensions() int { return c.inner.Dimensions() }

// ModelName returns the inner embedder's model identifier.
func (c *CachedEmbedder) ModelName() string { return c.inner.ModelName() }

// Available passes through to the inner embedder.
func (c *CachedEmbedder) Available(ctx context.Context) bool { return c.inner.Available(ctx) }

// Close closes the inner embedder.
func (c *CachedEmbedder) Close() error { return c.inner.Close() }

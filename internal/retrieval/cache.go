package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/patrickmn/go-cache"
)

// CachedEmbedder decorates a TextEmbedder with an in-memory cache keyed by a
// hash of the text, so a retried submit or a repeated decoy text is embedded
// once. Failures are never cached.
type CachedEmbedder struct {
	inner TextEmbedder
	cache *cache.Cache
}

// NewCachedEmbedder caches vectors for ttl.
func NewCachedEmbedder(inner TextEmbedder, ttl time.Duration) *CachedEmbedder {
	return &CachedEmbedder{
		inner: inner,
		cache: cache.New(ttl, ttl*2),
	}
}

func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := textKey(text)
	if v, found := c.cache.Get(key); found {
		if vec, ok := v.([]float32); ok {
			return vec, nil
		}
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, vec, cache.DefaultExpiration)
	return vec, nil
}

// Len returns the number of cached vectors.
func (c *CachedEmbedder) Len() int {
	return c.cache.ItemCount()
}

func textKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

package embed

import (
	"context"
	"fmt"
	"sync"
)

// Cache memoizes vectors per text in front of another Embedder. It is safe
// for concurrent use; concurrent misses for the same text may both call the
// backend.
type Cache struct {
	next Embedder

	mu      sync.RWMutex
	vectors map[string][]float32
}

// NewCache wraps next.
func NewCache(next Embedder) *Cache {
	return &Cache{next: next, vectors: map[string][]float32{}}
}

func (c *Cache) Dimension() int { return c.next.Dimension() }

// Embed returns cached vectors and fetches only the missing texts, once each.
func (c *Cache) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []string
	pending := map[string][]int{}

	c.mu.RLock()
	for i, t := range texts {
		if v, ok := c.vectors[t]; ok {
			out[i] = v
			continue
		}
		if _, seen := pending[t]; !seen {
			missing = append(missing, t)
		}
		pending[t] = append(pending[t], i)
	}
	c.mu.RUnlock()

	if len(missing) == 0 {
		return out, nil
	}
	vecs, err := c.next.Embed(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missing) {
		return nil, fmt.Errorf("embedding count mismatch: got %d, expected %d", len(vecs), len(missing))
	}

	c.mu.Lock()
	for i, t := range missing {
		c.vectors[t] = vecs[i]
		for _, idx := range pending[t] {
			out[idx] = vecs[i]
		}
	}
	c.mu.Unlock()
	return out, nil
}

// Len reports the number of cached texts.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.vectors)
}

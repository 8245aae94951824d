package vectorstore

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dgallion1/docchat/internal/embed"
)

// Params identifies one store connection.
type Params struct {
	Backend string        `json:"backend"` // "qdrant" or "bleve"
	URL     string        `json:"url,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Opener builds a store for a parameter set.
type Opener func(Params) (Store, error)

// BackendOpener opens qdrant stores backed by embedder, and bleve stores.
func BackendOpener(embedder embed.Embedder, log *slog.Logger) Opener {
	return func(p Params) (Store, error) {
		switch p.Backend {
		case "qdrant":
			if p.URL == "" {
				return nil, fmt.Errorf("qdrant backend requires a url")
			}
			if embedder == nil {
				return nil, fmt.Errorf("qdrant backend requires an embedder")
			}
			return NewQdrant(p.URL, embedder, log), nil
		case "bleve", "":
			return NewBleve(), nil
		default:
			return nil, fmt.Errorf("unknown backend %q", p.Backend)
		}
	}
}

// Cache memoizes stores per distinct Params. Stores are safe for concurrent
// use, so one instance serves every caller with the same parameters.
type Cache struct {
	open Opener

	mu     sync.Mutex
	stores map[string]Store
}

func NewCache(open Opener) *Cache {
	return &Cache{open: open, stores: map[string]Store{}}
}

// Get returns the store for p, opening it on first use.
func (c *Cache) Get(p Params) (Store, error) {
	key, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: cache key: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.stores[string(key)]; ok {
		return s, nil
	}
	s, err := c.open(p)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: open %s: %w", p.Backend, err)
	}
	s = WithTimeout(s, p.Timeout)
	c.stores[string(key)] = s
	return s, nil
}

// Len reports the number of open stores.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stores)
}

// Close closes every store that holds resources and empties the cache.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	for key, s := range c.stores {
		if ts, ok := s.(*timeoutStore); ok {
			s = ts.next
		}
		if cl, ok := s.(io.Closer); ok {
			if err := cl.Close(); err != nil && first == nil {
				first = err
			}
		}
		delete(c.stores, key)
	}
	return first
}

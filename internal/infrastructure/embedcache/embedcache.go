// Package embedcache memoizes query embeddings in front of any embedder.
package embedcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/kirillkom/rag-context-pipeline/internal/core/ports"
)

type Stats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Size   int   `json:"size"`
}

type Embedder struct {
	next  ports.Embedder
	cache *expirable.LRU[string, []float32]

	hits   atomic.Int64
	misses atomic.Int64
}

func New(next ports.Embedder, size int, ttl time.Duration) *Embedder {
	if size <= 0 {
		size = 1000
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Embedder{
		next:  next,
		cache: expirable.NewLRU[string, []float32](size, nil, ttl),
	}
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	key := cacheKey(text)
	if vector, ok := e.cache.Get(key); ok {
		e.hits.Add(1)
		return cloneVector(vector), nil
	}
	e.misses.Add(1)

	vector, err := e.next.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(vector) > 0 {
		e.cache.Add(key, cloneVector(vector))
	}
	return vector, nil
}

// Embed serves cached texts and sends only the unique misses downstream.
func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	missing := make(map[string][]int)
	order := make([]string, 0)
	for i, text := range texts {
		key := cacheKey(text)
		if vector, ok := e.cache.Get(key); ok {
			e.hits.Add(1)
			results[i] = cloneVector(vector)
			continue
		}
		e.misses.Add(1)
		if _, seen := missing[text]; !seen {
			order = append(order, text)
		}
		missing[text] = append(missing[text], i)
	}
	if len(order) == 0 {
		return results, nil
	}

	embedded, err := e.next.Embed(ctx, order)
	if err != nil {
		return nil, err
	}
	if len(embedded) != len(order) {
		return nil, fmt.Errorf("embed cache: received %d embeddings for %d texts", len(embedded), len(order))
	}
	for i, text := range order {
		for _, idx := range missing[text] {
			results[idx] = cloneVector(embedded[i])
		}
		if len(embedded[i]) > 0 {
			e.cache.Add(cacheKey(text), cloneVector(embedded[i]))
		}
	}
	return results, nil
}

func (e *Embedder) Purge() {
	e.cache.Purge()
}

func (e *Embedder) Stats() Stats {
	return Stats{Hits: e.hits.Load(), Misses: e.misses.Load(), Size: e.cache.Len()}
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(text))))
	return hex.EncodeToString(sum[:])
}

func cloneVector(v []float32) []float32 {
	if v == nil {
		return nil
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out
}

// Package memory is an in-process vector index used when no Qdrant URL is
// configured and in tests.
package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/viterin/vek/vek32"

	"github.com/kirillkom/rag-context-pipeline/internal/core/domain"
	"github.com/kirillkom/rag-context-pipeline/internal/core/ports"
)

type entry struct {
	id      string
	vector  []float32
	norm    float64
	payload map[string]any
}

type Index struct {
	mu               sync.RWMutex
	defaultNamespace string
	namespaces       map[string]map[string]entry
}

func NewIndex(defaultNamespace string) *Index {
	return &Index{
		defaultNamespace: defaultNamespace,
		namespaces:       make(map[string]map[string]entry),
	}
}

func (idx *Index) namespace(ns string) string {
	if ns = strings.TrimSpace(ns); ns != "" {
		return ns
	}
	return idx.defaultNamespace
}

func (idx *Index) Upsert(_ context.Context, namespace string, points []ports.VectorPoint) error {
	ns := idx.namespace(namespace)
	idx.mu.Lock()
	defer idx.mu.Unlock()

	bucket, ok := idx.namespaces[ns]
	if !ok {
		bucket = make(map[string]entry, len(points))
		idx.namespaces[ns] = bucket
	}
	for _, p := range points {
		if len(p.Vector) == 0 {
			return domain.WrapError(domain.ErrInvalidInput, "memory upsert", fmt.Errorf("point %q has no vector", p.ID))
		}
		vec := append([]float32(nil), p.Vector...)
		payload := make(map[string]any, len(p.Payload))
		for k, v := range p.Payload {
			payload[k] = v
		}
		bucket[p.ID] = entry{
			id:      p.ID,
			vector:  vec,
			norm:    math.Sqrt(float64(vek32.Dot(vec, vec))),
			payload: payload,
		}
	}
	return nil
}

// Delete removes points by id and reports how many existed.
func (idx *Index) Delete(namespace string, ids ...string) int {
	ns := idx.namespace(namespace)
	idx.mu.Lock()
	defer idx.mu.Unlock()
	removed := 0
	for _, id := range ids {
		if _, ok := idx.namespaces[ns][id]; ok {
			delete(idx.namespaces[ns], id)
			removed++
		}
	}
	return removed
}

func (idx *Index) Len(namespace string) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.namespaces[idx.namespace(namespace)])
}

func (idx *Index) Search(ctx context.Context, queryVector []float32, req ports.SearchRequest) ([]domain.SearchHit, error) {
	if len(queryVector) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "memory search", errors.New("empty query vector"))
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	queryNorm := math.Sqrt(float64(vek32.Dot(queryVector, queryVector)))
	if queryNorm == 0 {
		return []domain.SearchHit{}, nil
	}
	limit := req.TopK
	if limit <= 0 {
		limit = 5
	}

	idx.mu.RLock()
	hits := make([]domain.SearchHit, 0, limit)
	for _, e := range idx.namespaces[idx.namespace(req.Namespace)] {
		if len(e.vector) != len(queryVector) || e.norm == 0 || !matches(e.payload, req.Filter) {
			continue
		}
		score := float64(vek32.Dot(queryVector, e.vector)) / (queryNorm * e.norm)
		if score < req.MinScore {
			continue
		}
		hits = append(hits, domain.SearchHit{
			ID:       e.id,
			Text:     textOf(e.payload),
			Metadata: e.payload,
			Score:    score,
		})
	}
	idx.mu.RUnlock()

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func matches(payload map[string]any, filter map[string]string) bool {
	for k, want := range filter {
		got, ok := payload[k]
		if !ok || fmt.Sprint(got) != want {
			return false
		}
	}
	return true
}

func textOf(payload map[string]any) string {
	for _, key := range []string{"text", "content"} {
		if s, ok := payload[key].(string); ok {
			return s
		}
	}
	return ""
}

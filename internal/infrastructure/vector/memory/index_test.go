package memory

import (
	"context"
	"math"
	"testing"

	"github.com/kirillkom/rag-context-pipeline/internal/core/domain"
	"github.com/kirillkom/rag-context-pipeline/internal/core/ports"
)

func seed(t *testing.T) *Index {
	t.Helper()
	idx := NewIndex("portfolio")
	err := idx.Upsert(context.Background(), "", []ports.VectorPoint{
		{ID: "a", Vector: []float32{1, 0}, Payload: map[string]any{"text": "go service", "contentType": "work"}},
		{ID: "b", Vector: []float32{0.8, 0.6}, Payload: map[string]any{"text": "kafka pipeline", "contentType": "work"}},
		{ID: "c", Vector: []float32{0, 1}, Payload: map[string]any{"content": "joined company", "contentType": "timeline"}},
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	return idx
}

func TestSearchRanksByCosine(t *testing.T) {
	idx := seed(t)
	hits, err := idx.Search(context.Background(), []float32{1, 0}, ports.SearchRequest{TopK: 2})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 2 || hits[0].ID != "a" || hits[1].ID != "b" {
		t.Fatalf("unexpected ranking: %+v", hits)
	}
	if math.Abs(hits[1].Score-0.8) > 1e-6 {
		t.Fatalf("expected cosine 0.8, got %v", hits[1].Score)
	}
}

func TestSearchAppliesThresholdAndFilter(t *testing.T) {
	idx := seed(t)
	hits, err := idx.Search(context.Background(), []float32{0.6, 0.8}, ports.SearchRequest{
		TopK:     5,
		MinScore: 0.5,
		Filter:   map[string]string{"contentType": "timeline"},
	})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "c" || hits[0].Text != "joined company" {
		t.Fatalf("unexpected hits: %+v", hits)
	}
}

func TestSearchUnknownNamespaceIsEmpty(t *testing.T) {
	idx := seed(t)
	hits, err := idx.Search(context.Background(), []float32{1, 0}, ports.SearchRequest{TopK: 3, Namespace: "other"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected empty result, got %+v", hits)
	}
}

func TestSearchSkipsMismatchedDimensions(t *testing.T) {
	idx := seed(t)
	hits, err := idx.Search(context.Background(), []float32{1, 0, 0}, ports.SearchRequest{TopK: 3})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected no hits for other dimension, got %d", len(hits))
	}
}

func TestSearchRejectsEmptyVector(t *testing.T) {
	_, err := NewIndex("ns").Search(context.Background(), nil, ports.SearchRequest{})
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestDeleteRemovesPoints(t *testing.T) {
	idx := seed(t)
	if got := idx.Delete("", "a", "missing"); got != 1 {
		t.Fatalf("expected 1 removal, got %d", got)
	}
	if idx.Len("") != 2 {
		t.Fatalf("expected 2 points left, got %d", idx.Len(""))
	}
}

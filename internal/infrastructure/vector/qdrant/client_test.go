package qdrant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/kirillkom/rag-context-pipeline/internal/core/domain"
	"github.com/kirillkom/rag-context-pipeline/internal/core/ports"
)

func TestSearchSendsThresholdFilterAndNamespace(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/collections/portfolio/points/search" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"result":[{"id":"p-1","score":0.91,"payload":{"text":"built a go service","contentType":"work","contentId":"w-1"}},{"id":7,"score":0.8,"payload":{"content":"timeline entry"}}]}`))
	}))
	defer server.Close()

	client := New(server.URL, "default")
	hits, err := client.Search(context.Background(), []float32{0.1, 0.2}, ports.SearchRequest{
		TopK:      4,
		Namespace: "portfolio",
		MinScore:  0.7,
		Filter:    map[string]string{"contentType": "work"},
	})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(hits))
	}
	if hits[0].ID != "p-1" || hits[0].Text != "built a go service" || hits[0].Metadata["contentId"] != "w-1" {
		t.Fatalf("unexpected first hit: %+v", hits[0])
	}
	if hits[1].ID != "7" || hits[1].Text != "timeline entry" {
		t.Fatalf("unexpected second hit: %+v", hits[1])
	}
	if captured["score_threshold"] != 0.7 || captured["limit"] != float64(4) {
		t.Fatalf("unexpected request body: %v", captured)
	}
	filter, ok := captured["filter"].(map[string]any)
	if !ok || len(filter["must"].([]any)) != 1 {
		t.Fatalf("expected one must clause, got %v", captured["filter"])
	}
}

func TestSearchTreatsMissingCollectionAsEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	hits, err := New(server.URL, "docs").Search(context.Background(), []float32{1}, ports.SearchRequest{TopK: 3})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected no hits, got %d", len(hits))
	}
}

func TestSearchMarksServerErrorsTemporary(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := New(server.URL, "docs").Search(context.Background(), []float32{1}, ports.SearchRequest{TopK: 3})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary error, got %v", err)
	}
	if !strings.Contains(err.Error(), "overloaded") {
		t.Fatalf("expected body in error, got %v", err)
	}
}

func TestSearchRejectsEmptyVector(t *testing.T) {
	_, err := New("http://unused", "docs").Search(context.Background(), nil, ports.SearchRequest{})
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestUpsertEnsuresCollectionOncePerVectorSize(t *testing.T) {
	var ensureCalls int32
	var upserted map[string][]map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut && r.URL.Path == "/collections/docs":
			atomic.AddInt32(&ensureCalls, 1)
			w.WriteHeader(http.StatusCreated)
		case r.Method == http.MethodPut && r.URL.Path == "/collections/docs/points":
			_ = json.NewDecoder(r.Body).Decode(&upserted)
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := New(server.URL, "docs")
	points := []ports.VectorPoint{{ID: "work-1", Vector: []float32{0.1, 0.2}, Payload: map[string]any{"text": "a"}}}
	for i := 0; i < 2; i++ {
		if err := client.Upsert(context.Background(), "", points); err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}
	}
	if got := atomic.LoadInt32(&ensureCalls); got != 1 {
		t.Fatalf("expected ensure collection called once, got %d", got)
	}
	stored := upserted["points"][0]
	if stored["id"] == "work-1" {
		t.Fatalf("expected non-uuid id to be mapped, got %v", stored["id"])
	}
	payload := stored["payload"].(map[string]any)
	if payload["contentId"] != "work-1" {
		t.Fatalf("expected original id kept in payload, got %v", payload)
	}
}

func TestEnsureCollectionIncludesResponseBodyInError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadRequest)
	}))
	defer server.Close()

	err := New(server.URL, "docs").Upsert(context.Background(), "docs", []ports.VectorPoint{{ID: "a", Vector: []float32{1}}})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected error to include body, got %v", err)
	}
	if domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("4xx should not be temporary: %v", err)
	}
}

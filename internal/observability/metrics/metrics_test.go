package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/rag-context-pipeline/internal/core/domain"
)

func scrape(t *testing.T, m *HTTPServerMetrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	return string(body)
}

func TestMiddlewareRecordsStatusAndPath(t *testing.T) {
	m := NewHTTPServerMetrics("api")
	handler := m.Middleware("api", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/chat/query", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/random/path/123", nil))

	body := scrape(t, m)
	for _, want := range []string{
		`rcp_http_requests_total{method="POST",path="/v1/chat/query",service="api",status="418"} 1`,
		`path="other"`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestPipelineMetricsObserveResponse(t *testing.T) {
	m := NewHTTPServerMetrics("api")
	pm := NewPipelineMetrics("api", m.Registerer())
	pm.ObserveStage(domain.StageStat{Stage: "context-pruning", Duration: 5 * time.Millisecond, Success: true})
	pm.ObserveCache(true)
	pm.ObserveCache(false)
	pm.ObserveResponse(&domain.QueryResponse{
		Confidence: 0.7,
		Metadata: domain.ResponseMetadata{
			QueryIntent:     domain.IntentFactual,
			CompressionRate: 0.5,
			TotalTokens:     420,
			FallbacksUsed:   []string{"response-generation"},
		},
	})
	pm.ObserveResponse(nil)

	body := scrape(t, m)
	for _, want := range []string{
		`rcp_pipeline_stage_total{fallback="false",service="api",stage="context-pruning",success="true"} 1`,
		`rcp_cache_lookups_total{result="hit",service="api"} 1`,
		`rcp_pipeline_responses_total{intent="FACTUAL",mode="degraded",service="api"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestCacheStatsGauges(t *testing.T) {
	m := NewHTTPServerMetrics("api")
	RegisterCacheStats("api", m.Registerer(), func() domain.CacheStats {
		return domain.CacheStats{Entries: 3, HitRate: 0.5}
	})
	body := scrape(t, m)
	if !strings.Contains(body, `rcp_cache_entries{service="api"} 3`) {
		t.Fatalf("expected cache entries gauge, got:\n%s", body)
	}
}

func TestContentEventMetrics(t *testing.T) {
	m := NewHTTPServerMetrics("api")
	em := NewContentEventMetrics("api", m.Registerer())
	em.Record("ok", 2, time.Millisecond)
	em.Record("", 0, time.Millisecond)

	body := scrape(t, m)
	for _, want := range []string{
		`rcp_events_cache_entries_invalidated_total{service="api"} 2`,
		`rcp_events_content_updated_total{service="api",status="unknown"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kirillkom/rag-context-pipeline/internal/core/domain"
	"github.com/kirillkom/rag-context-pipeline/internal/core/ports"
)

const (
	maxQueryRunes     = 4000
	maxWarmupQueries  = 200
	maxRequestBytes   = 1 << 20
	defaultWarmupWait = 2 * time.Minute
)

// CacheRecoverer rebuilds the context cache from its last valid state.
type CacheRecoverer interface {
	RecoverCache(ctx context.Context) error
}

// HealthReporter exposes circuit breaker state per operation.
type HealthReporter interface {
	Health() []domain.OperationHealth
}

type HTTPMetrics interface {
	Handler() http.Handler
	Middleware(service string, next http.Handler) http.Handler
	RecordRateLimited(service, path string)
}

type Options struct {
	Service        string
	RateLimitRPS   float64
	RateLimitBurst int
	MaxInFlight    int
	QueueTimeout   time.Duration
	AdminToken     string
	Metrics        HTTPMetrics
}

type Router struct {
	pipeline  ports.QueryProcessor
	cache     ports.CacheAdmin
	recoverer CacheRecoverer
	health    HealthReporter
	opts      Options
}

func NewRouter(
	pipeline ports.QueryProcessor,
	cache ports.CacheAdmin,
	recoverer CacheRecoverer,
	health HealthReporter,
	opts Options,
) *Router {
	if opts.Service == "" {
		opts.Service = "api"
	}
	return &Router{
		pipeline:  pipeline,
		cache:     cache,
		recoverer: recoverer,
		health:    health,
		opts:      opts,
	}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.HandleFunc("POST /v1/chat/query", rt.query)
	mux.HandleFunc("GET /v1/pipeline/stats", rt.stats)
	mux.HandleFunc("GET /v1/pipeline/health", rt.pipelineHealth)

	admin := http.NewServeMux()
	admin.HandleFunc("POST /v1/cache/warmup", rt.warmup)
	admin.HandleFunc("POST /v1/cache/invalidate", rt.invalidate)
	admin.HandleFunc("POST /v1/cache/optimize", rt.optimize)
	admin.HandleFunc("POST /v1/cache/recover", rt.recoverCache)
	mux.Handle("/v1/cache/", adminAuthMiddleware(rt.opts.AdminToken, admin))

	if rt.opts.Metrics != nil {
		mux.Handle("GET /metrics", rt.opts.Metrics.Handler())
	}

	var handler http.Handler = mux
	handler = backpressureMiddleware(handler, rt.opts.MaxInFlight, rt.opts.QueueTimeout)
	handler = rateLimitMiddleware(handler, rt.opts.RateLimitRPS, rt.opts.RateLimitBurst, rt.onRateLimited)
	if rt.opts.Metrics != nil {
		handler = rt.opts.Metrics.Middleware(rt.opts.Service, handler)
	}
	handler = accessLogMiddleware(handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) onRateLimited(r *http.Request) {
	if rt.opts.Metrics != nil {
		rt.opts.Metrics.RecordRateLimited(rt.opts.Service, r.URL.Path)
	}
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type queryRequest struct {
	UserQuery      string         `json:"userQuery"`
	Query          string         `json:"query"`
	ConversationID string         `json:"conversationId"`
	UserID         string         `json:"userId"`
	Metadata       map[string]any `json:"metadata"`
}

// query always answers 200 once the request is valid; degraded runs show up
// in confidence and metadata.
func (rt *Router) query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	text := strings.TrimSpace(req.UserQuery)
	if text == "" {
		text = strings.TrimSpace(req.Query)
	}
	if err := validateQuery(text); err != nil {
		writeError(w, err)
		return
	}

	resp := rt.pipeline.ProcessQuery(r.Context(), domain.QueryRequest{
		UserQuery:      text,
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		Metadata:       req.Metadata,
	})
	writeJSON(w, http.StatusOK, resp)
}

func (rt *Router) stats(w http.ResponseWriter, _ *http.Request) {
	stats := rt.pipeline.ProcessingStats()
	type stageSummary struct {
		Runs        int     `json:"runs"`
		Failures    int     `json:"failures"`
		Fallbacks   int     `json:"fallbacks"`
		AvgDuration float64 `json:"avgDurationMs"`
	}
	summary := make(map[string]*stageSummary)
	for _, s := range stats {
		sum, ok := summary[s.Stage]
		if !ok {
			sum = &stageSummary{}
			summary[s.Stage] = sum
		}
		sum.Runs++
		if !s.Success {
			sum.Failures++
		}
		if s.Fallback {
			sum.Fallbacks++
		}
		sum.AvgDuration += float64(s.Duration.Microseconds()) / 1000.0
	}
	for _, sum := range summary {
		sum.AvgDuration /= float64(sum.Runs)
	}

	payload := map[string]any{
		"stages": summary,
		"recent": len(stats),
	}
	if rt.cache != nil {
		payload["cache"] = rt.cache.Stats()
	}
	writeJSON(w, http.StatusOK, payload)
}

func (rt *Router) pipelineHealth(w http.ResponseWriter, _ *http.Request) {
	var ops []domain.OperationHealth
	if rt.health != nil {
		ops = rt.health.Health()
	}
	status := "healthy"
	for _, op := range ops {
		if op.State == domain.CircuitOpen {
			status = "degraded"
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"operations": ops,
	})
}

func (rt *Router) warmup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Queries []string `json:"queries"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	queries := make([]string, 0, len(req.Queries))
	for _, q := range req.Queries {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		if err := validateQuery(q); err != nil {
			writeError(w, err)
			return
		}
		queries = append(queries, q)
	}
	if len(queries) == 0 || len(queries) > maxWarmupQueries {
		writeError(w, domain.WrapError(domain.ErrInvalidInput, "warmup", fmt.Errorf("expected 1..%d queries", maxWarmupQueries)))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), defaultWarmupWait)
	defer cancel()
	rt.pipeline.WarmupCache(ctx, queries)
	writeJSON(w, http.StatusOK, map[string]any{"queued": len(queries), "cache": rt.cacheStats()})
}

func (rt *Router) invalidate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Pattern string `json:"pattern"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	removed, err := rt.cache.Invalidate(req.Pattern)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (rt *Router) optimize(w http.ResponseWriter, _ *http.Request) {
	rt.cache.Optimize()
	writeJSON(w, http.StatusOK, rt.cache.Stats())
}

func (rt *Router) recoverCache(w http.ResponseWriter, r *http.Request) {
	if rt.recoverer == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "cache recovery is not configured"})
		return
	}
	if err := rt.recoverer.RecoverCache(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "recovered", "cache": rt.cacheStats()})
}

func (rt *Router) cacheStats() any {
	if rt.cache == nil {
		return nil
	}
	return rt.cache.Stats()
}

func validateQuery(q string) error {
	if q == "" {
		return domain.WrapError(domain.ErrInvalidInput, "validate query", errors.New("query is required"))
	}
	if utf8.RuneCountInString(q) > maxQueryRunes {
		return domain.WrapError(domain.ErrInvalidInput, "validate query", fmt.Errorf("query exceeds %d characters", maxQueryRunes))
	}
	return nil
}

// decodeJSON accepts an empty body as the zero value.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("decode request: %w: %w", errRequestTooLarge, err)
		}
		return domain.WrapError(domain.ErrInvalidInput, "decode request", errors.New("invalid json"))
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

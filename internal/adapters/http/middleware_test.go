package httpadapter

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimitMiddlewareReturns429(t *testing.T) {
	var limited int
	handler := rateLimitMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), 1, 1, func(*http.Request) { limited++ })

	res1 := httptest.NewRecorder()
	handler.ServeHTTP(res1, httptest.NewRequest(http.MethodGet, "/v1/pipeline/stats", nil))
	if res1.Code != http.StatusOK {
		t.Fatalf("first request expected 200, got %d", res1.Code)
	}

	res2 := httptest.NewRecorder()
	handler.ServeHTTP(res2, httptest.NewRequest(http.MethodGet, "/v1/pipeline/stats", nil))
	if res2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request expected 429, got %d", res2.Code)
	}
	if res2.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header for 429 response")
	}
	if limited != 1 {
		t.Fatalf("expected limiter callback once, got %d", limited)
	}

	res3 := httptest.NewRecorder()
	handler.ServeHTTP(res3, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if res3.Code != http.StatusOK {
		t.Fatalf("health check must bypass the limiter, got %d", res3.Code)
	}
}

func TestBackpressureMiddlewareReturns503WhenSaturated(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan int, 1)

	base := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		<-release
		w.WriteHeader(http.StatusNoContent)
	})
	handler := backpressureMiddleware(base, 1, 20*time.Millisecond)

	go func() {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/query", nil)
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		done <- res.Code
	}()

	<-started

	res2 := httptest.NewRecorder()
	handler.ServeHTTP(res2, httptest.NewRequest(http.MethodPost, "/v1/chat/query", nil))
	if res2.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for saturated backpressure gate, got %d", res2.Code)
	}

	var resp map[string]any
	if err := json.NewDecoder(bytes.NewReader(res2.Body.Bytes())).Decode(&resp); err != nil {
		t.Fatalf("decode overload response: %v", err)
	}
	if resp["error"] == nil {
		t.Fatalf("expected overload error message in response")
	}

	close(release)

	select {
	case code := <-done:
		if code != http.StatusNoContent {
			t.Fatalf("first request expected 204, got %d", code)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for first request completion")
	}
}

func TestRequestIDIsPropagated(t *testing.T) {
	var seen string
	handler := requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = requestIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "req-42")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if seen != "req-42" || res.Header().Get(requestIDHeader) != "req-42" {
		t.Fatalf("expected request id to be propagated, got ctx=%q header=%q", seen, res.Header().Get(requestIDHeader))
	}
}

func TestIsAuthorizedBearerHeader(t *testing.T) {
	cases := []struct {
		header string
		want   bool
	}{
		{"Bearer token", true},
		{"Bearer  token ", true},
		{"bearer token", false},
		{"Bearer other", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := isAuthorizedBearerHeader(tc.header, "token"); got != tc.want {
			t.Fatalf("isAuthorizedBearerHeader(%q) = %v, want %v", tc.header, got, tc.want)
		}
	}
}

package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/rag-context-pipeline/internal/core/domain"
	"github.com/kirillkom/rag-context-pipeline/internal/core/ports"
)

// Client talks to the Qdrant REST API. Namespaces map onto collections.
type Client struct {
	baseURL           string
	defaultCollection string
	httpClient        *http.Client

	ensureMu sync.Mutex
	ensured  map[string]int
}

func New(baseURL, defaultCollection string) *Client {
	return &Client{
		baseURL:           strings.TrimRight(baseURL, "/"),
		defaultCollection: defaultCollection,
		httpClient:        &http.Client{Timeout: 30 * time.Second},
		ensured:           make(map[string]int),
	}
}

func (c *Client) collection(namespace string) string {
	if ns := strings.TrimSpace(namespace); ns != "" {
		return ns
	}
	return c.defaultCollection
}

func (c *Client) Search(ctx context.Context, queryVector []float32, req ports.SearchRequest) ([]domain.SearchHit, error) {
	if len(queryVector) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "qdrant search", errors.New("empty query vector"))
	}
	limit := req.TopK
	if limit <= 0 {
		limit = 5
	}
	reqBody := map[string]any{
		"vector":       queryVector,
		"limit":        limit,
		"with_payload": true,
	}
	if req.MinScore > 0 {
		reqBody["score_threshold"] = req.MinScore
	}
	if filter := buildFilter(req.Filter); filter != nil {
		reqBody["filter"] = filter
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal search body: %w", err)
	}

	url := fmt.Sprintf("%s/collections/%s/points/search", c.baseURL, c.collection(req.Namespace))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classify("qdrant search", fmt.Errorf("qdrant search request: %w", err))
	}
	defer resp.Body.Close()

	// A missing collection is an empty namespace, not a failure.
	if resp.StatusCode == http.StatusNotFound {
		return []domain.SearchHit{}, nil
	}
	if resp.StatusCode >= 300 {
		return nil, classify("qdrant search", statusError("search", resp))
	}

	var searchResp struct {
		Result []struct {
			ID      any            `json:"id"`
			Score   float64        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	out := make([]domain.SearchHit, 0, len(searchResp.Result))
	for _, r := range searchResp.Result {
		text := getStringPayload(r.Payload, "text")
		if text == "" {
			text = getStringPayload(r.Payload, "content")
		}
		out = append(out, domain.SearchHit{
			ID:       fmt.Sprint(r.ID),
			Text:     text,
			Metadata: r.Payload,
			Score:    r.Score,
		})
	}
	return out, nil
}

// Upsert writes points into the namespace collection, creating it on first use.
func (c *Client) Upsert(ctx context.Context, namespace string, points []ports.VectorPoint) error {
	if len(points) == 0 {
		return nil
	}
	collection := c.collection(namespace)
	if err := c.ensureCollection(ctx, collection, len(points[0].Vector)); err != nil {
		return err
	}

	type point struct {
		ID      string         `json:"id"`
		Vector  []float32      `json:"vector"`
		Payload map[string]any `json:"payload"`
	}
	batch := make([]point, 0, len(points))
	for _, p := range points {
		if len(p.Vector) == 0 {
			return domain.WrapError(domain.ErrInvalidInput, "qdrant upsert", fmt.Errorf("point %q has no vector", p.ID))
		}
		id := p.ID
		if _, err := uuid.Parse(id); err != nil {
			// Qdrant accepts only UUIDs or integers; derive a stable UUID and keep the original id in the payload.
			id = uuid.NewSHA1(uuid.NameSpaceURL, []byte(p.ID)).String()
		}
		payload := make(map[string]any, len(p.Payload)+1)
		for k, v := range p.Payload {
			payload[k] = v
		}
		if _, ok := payload["contentId"]; !ok && p.ID != "" {
			payload["contentId"] = p.ID
		}
		batch = append(batch, point{ID: id, Vector: p.Vector, Payload: payload})
	}

	body, err := json.Marshal(map[string]any{"points": batch})
	if err != nil {
		return fmt.Errorf("marshal upsert body: %w", err)
	}

	url := fmt.Sprintf("%s/collections/%s/points?wait=true", c.baseURL, collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create upsert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classify("qdrant upsert", fmt.Errorf("qdrant upsert request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return classify("qdrant upsert", statusError("upsert", resp))
	}
	return nil
}

func (c *Client) ensureCollection(ctx context.Context, collection string, vectorSize int) error {
	c.ensureMu.Lock()
	if size, ok := c.ensured[collection]; ok && size == vectorSize {
		c.ensureMu.Unlock()
		return nil
	}
	c.ensureMu.Unlock()

	body, err := json.Marshal(map[string]any{
		"vectors": map[string]any{
			"size":     vectorSize,
			"distance": "Cosine",
		},
	})
	if err != nil {
		return fmt.Errorf("marshal create collection body: %w", err)
	}

	url := fmt.Sprintf("%s/collections/%s", c.baseURL, collection)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create collection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classify("qdrant ensure collection", fmt.Errorf("qdrant ensure collection request: %w", err))
	}
	defer resp.Body.Close()

	// 409 when the collection already exists.
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusConflict {
		return classify("qdrant ensure collection", statusError("ensure collection", resp))
	}

	c.ensureMu.Lock()
	c.ensured[collection] = vectorSize
	c.ensureMu.Unlock()
	return nil
}

// HTTPStatusError keeps the status code so callers can tell transient failures apart.
type HTTPStatusError struct {
	Operation  string
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("qdrant %s status: %s", e.Operation, e.Status)
	}
	return fmt.Sprintf("qdrant %s status: %s: %s", e.Operation, e.Status, e.Body)
}

func statusError(operation string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return &HTTPStatusError{
		Operation:  operation,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       strings.TrimSpace(string(body)),
	}
}

func classify(operation string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode >= 500 || statusErr.StatusCode == http.StatusTooManyRequests {
			return domain.WrapError(domain.ErrTemporary, operation, err)
		}
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return domain.WrapError(domain.ErrTemporary, operation, err)
	}
	return err
}

func buildFilter(filter map[string]string) map[string]any {
	if len(filter) == 0 {
		return nil
	}
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	must := make([]map[string]any, 0, len(keys))
	for _, k := range keys {
		must = append(must, map[string]any{
			"key":   k,
			"match": map[string]any{"value": filter[k]},
		})
	}
	return map[string]any{"must": must}
}

func getStringPayload(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

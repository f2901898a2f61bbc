package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/rag-context-pipeline/internal/core/domain"
	"github.com/kirillkom/rag-context-pipeline/internal/infrastructure/resilience"
)

// ContentEvents carries content-updated notifications between the CMS side
// and the pipeline cache.
type ContentEvents struct {
	conn     *nats.Conn
	subject  string
	executor *resilience.Manager
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Manager
}

// ContentUpdated is the message body. Plain-text bodies are read as a bare content id.
type ContentUpdated struct {
	ContentID string `json:"contentId"`
}

func New(url, subject string) (*ContentEvents, error) {
	return NewWithOptions(url, subject, Options{})
}

func NewWithOptions(url, subject string, options Options) (*ContentEvents, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}

	conn, err := nats.Connect(
		url,
		nats.Name("rag-context-pipeline"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &ContentEvents{
		conn:     conn,
		subject:  subject,
		executor: options.ResilienceExecutor,
	}, nil
}

func (q *ContentEvents) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *ContentEvents) PublishContentUpdated(ctx context.Context, contentID string) error {
	contentID = strings.TrimSpace(contentID)
	if contentID == "" {
		return domain.WrapError(domain.ErrInvalidInput, "nats publish", errors.New("content id is empty"))
	}
	body, err := json.Marshal(ContentUpdated{ContentID: contentID})
	if err != nil {
		return fmt.Errorf("marshal content event: %w", err)
	}

	call := func(_ context.Context) error {
		if err := q.conn.Publish(q.subject, body); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return q.conn.FlushWithContext(ctx)
	}

	if q.executor != nil {
		err = q.executor.Do(ctx, "nats.publish", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	return wrapTemporaryIfNeeded(err)
}

// SubscribeContentUpdated blocks until ctx is done, then drains the subscription.
func (q *ContentEvents) SubscribeContentUpdated(ctx context.Context, handler func(context.Context, string) error) error {
	sub, err := q.conn.Subscribe(q.subject, func(msg *nats.Msg) {
		handleMessage(ctx, msg.Data, handler)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

func handleMessage(ctx context.Context, data []byte, handler func(context.Context, string) error) {
	if ctx.Err() != nil {
		return
	}
	contentID, err := parseContentID(data)
	if err != nil {
		slog.Warn("content_event_rejected", "error", err)
		return
	}

	handlerCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := handler(handlerCtx, contentID); err != nil {
		slog.Error("content_event_handler_failed", "content_id", contentID, "error", err)
	}
}

func parseContentID(data []byte) (string, error) {
	raw := strings.TrimSpace(string(data))
	if raw == "" {
		return "", domain.WrapError(domain.ErrInvalidInput, "parse content event", errors.New("empty message"))
	}
	if strings.HasPrefix(raw, "{") {
		var event ContentUpdated
		if err := json.Unmarshal([]byte(raw), &event); err != nil {
			return "", domain.WrapError(domain.ErrInvalidInput, "parse content event", err)
		}
		raw = strings.TrimSpace(event.ContentID)
		if raw == "" {
			return "", domain.WrapError(domain.ErrInvalidInput, "parse content event", errors.New("contentId is empty"))
		}
	}
	return raw, nil
}

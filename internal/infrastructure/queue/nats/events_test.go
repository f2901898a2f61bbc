package nats

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/rag-context-pipeline/internal/core/domain"
)

func TestParseContentID(t *testing.T) {
	cases := []struct {
		name    string
		data    string
		want    string
		wantErr bool
	}{
		{name: "json", data: `{"contentId":"work-42"}`, want: "work-42"},
		{name: "plain", data: "  timeline-7\n", want: "timeline-7"},
		{name: "empty", data: "   ", wantErr: true},
		{name: "json without id", data: `{"other":1}`, wantErr: true},
		{name: "broken json", data: `{"contentId":`, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseContentID([]byte(tc.data))
			if tc.wantErr {
				if !domain.IsKind(err, domain.ErrInvalidInput) {
					t.Fatalf("expected invalid input, got %v", err)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("parseContentID() = %q, %v; want %q", got, err, tc.want)
			}
		})
	}
}

func TestHandleMessageInvokesHandler(t *testing.T) {
	var got []string
	handler := func(_ context.Context, id string) error {
		got = append(got, id)
		return errors.New("ignored")
	}
	handleMessage(context.Background(), []byte(`{"contentId":"work-1"}`), handler)
	handleMessage(context.Background(), []byte(""), handler)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	handleMessage(ctx, []byte("work-2"), handler)

	if len(got) != 1 || got[0] != "work-1" {
		t.Fatalf("unexpected handler calls: %v", got)
	}
}

func TestClassifyNATSError(t *testing.T) {
	if class := classifyNATSError(fmt.Errorf("publish: %w", nats.ErrNoServers)); !class.Retryable || !class.RecordFailure {
		t.Fatalf("expected no-servers to be retryable, got %+v", class)
	}
	if class := classifyNATSError(context.Canceled); class.Retryable || class.RecordFailure {
		t.Fatalf("expected cancellation to be ignored, got %+v", class)
	}
	if class := classifyNATSError(nats.ErrBadSubject); class.Retryable {
		t.Fatalf("expected bad subject to be permanent, got %+v", class)
	}
}

func TestWrapTemporaryIfNeeded(t *testing.T) {
	if err := wrapTemporaryIfNeeded(nats.ErrTimeout); !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary, got %v", err)
	}
	if err := wrapTemporaryIfNeeded(nats.ErrBadSubject); domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected permanent, got %v", err)
	}
}

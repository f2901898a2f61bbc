package httpadapter

import (
	"context"
	"errors"
	"net/http"

	"github.com/kirillkom/rag-context-pipeline/internal/core/domain"
)

var errRequestTooLarge = errors.New("request body too large")

func mapErrorToHTTPStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, errRequestTooLarge):
		return http.StatusRequestEntityTooLarge
	case domain.IsKind(err, domain.ErrTemporary), domain.IsKind(err, domain.ErrEmbeddingUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, mapErrorToHTTPStatus(err), map[string]string{"error": err.Error()})
}

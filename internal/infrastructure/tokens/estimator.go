// Package tokens estimates token counts for budgeting.
package tokens

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/kirillkom/rag-context-pipeline/internal/core/ports"
)

const defaultEncoding = "cl100k_base"

// CharEstimator approximates one token per four characters.
type CharEstimator struct{}

func (CharEstimator) EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// TiktokenEstimator counts BPE tokens with the configured encoding.
type TiktokenEstimator struct {
	encoding string

	mu  sync.RWMutex
	tke *tiktoken.Tiktoken
}

func NewTiktokenEstimator(encoding string) (*TiktokenEstimator, error) {
	if strings.TrimSpace(encoding) == "" {
		encoding = defaultEncoding
	}
	tke, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		tke, err = tiktoken.EncodingForModel(encoding)
		if err != nil {
			return nil, fmt.Errorf("load tiktoken encoding %q: %w", encoding, err)
		}
	}
	return &TiktokenEstimator{encoding: encoding, tke: tke}, nil
}

func (e *TiktokenEstimator) EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.tke.Encode(text, nil, nil))
}

// New picks an estimator by name. Unknown names and tiktoken load failures
// fall back to the character heuristic.
func New(kind, encoding string) ports.TokenEstimator {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "tiktoken":
		est, err := NewTiktokenEstimator(encoding)
		if err != nil {
			slog.Warn("token_estimator_fallback", "kind", kind, "error", err)
			return CharEstimator{}
		}
		return est
	default:
		return CharEstimator{}
	}
}

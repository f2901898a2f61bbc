// Package openai adapts OpenAI-compatible APIs to the embedder and answer
// generator ports.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/kirillkom/rag-context-pipeline/internal/core/domain"
	"github.com/kirillkom/rag-context-pipeline/internal/infrastructure/resilience"
)

type Options struct {
	APIKey     string
	BaseURL    string
	ChatModel  string
	EmbedModel string
	Executor   *resilience.Manager
}

type Client struct {
	api        *goopenai.Client
	chatModel  string
	embedModel string
	executor   *resilience.Manager
}

func New(options Options) (*Client, error) {
	if strings.TrimSpace(options.APIKey) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "openai client", errors.New("api key is empty"))
	}
	cfg := goopenai.DefaultConfig(options.APIKey)
	if options.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(options.BaseURL, "/")
	}
	chatModel := options.ChatModel
	if chatModel == "" {
		chatModel = goopenai.GPT4oMini
	}
	embedModel := options.EmbedModel
	if embedModel == "" {
		embedModel = string(goopenai.SmallEmbedding3)
	}
	return &Client{
		api:        goopenai.NewClientWithConfig(cfg),
		chatModel:  chatModel,
		embedModel: embedModel,
		executor:   options.Executor,
	}, nil
}

func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var resp goopenai.EmbeddingResponse
	err := c.call(ctx, "openai.embed", func(ctx context.Context) error {
		var err error
		resp, err = c.api.CreateEmbeddings(ctx, goopenai.EmbeddingRequest{
			Model: goopenai.EmbeddingModel(c.embedModel),
			Input: texts,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embed: expected %d vectors, got %d", len(texts), len(resp.Data))
	}

	out := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(out) {
			return nil, fmt.Errorf("openai embed: index %d out of range", item.Index)
		}
		vec := make([]float32, len(item.Embedding))
		for i, v := range item.Embedding {
			vec[i] = float32(v)
		}
		out[item.Index] = vec
	}
	return out, nil
}

func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, domain.WrapError(domain.ErrEmbeddingUnavailable, "openai embed query", errors.New("empty embedding result"))
	}
	return vectors[0], nil
}

func (c *Client) GenerateAnswer(ctx context.Context, intent domain.QueryIntent, contextText, query string) (string, error) {
	var resp goopenai.ChatCompletionResponse
	err := c.call(ctx, "openai.chat", func(ctx context.Context) error {
		var err error
		resp, err = c.api.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
			Model: c.chatModel,
			Messages: []goopenai.ChatCompletionMessage{
				{Role: goopenai.ChatMessageRoleSystem, Content: systemPrompt(intent)},
				{Role: goopenai.ChatMessageRoleUser, Content: userPrompt(contextText, query)},
			},
			Temperature: 0.3,
		})
		return err
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai chat: no choices returned")
	}
	answer := strings.TrimSpace(resp.Choices[0].Message.Content)
	if answer == "" {
		return "", errors.New("openai chat: empty answer")
	}
	return answer, nil
}

func (c *Client) call(ctx context.Context, operation string, fn func(context.Context) error) error {
	var err error
	if c.executor != nil {
		err = c.executor.Do(ctx, operation, fn, classifyOpenAIError)
	} else {
		err = fn(ctx)
	}
	if err == nil {
		return nil
	}
	if class := classifyOpenAIError(err); class.Retryable || resilience.IsCircuitOpen(err) {
		return domain.WrapError(domain.ErrTemporary, operation, err)
	}
	return fmt.Errorf("%s: %w", operation, err)
}

func classifyOpenAIError(err error) resilience.ErrorClassification {
	if err == nil {
		return resilience.ErrorClassification{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resilience.ErrorClassification{}
	}
	if resilience.IsCircuitOpen(err) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}

	status := 0
	var apiErr *goopenai.APIError
	var reqErr *goopenai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status != 0 {
		if status == http.StatusTooManyRequests || status >= 500 {
			return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
		}
		return resilience.ErrorClassification{}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}
	return resilience.ErrorClassification{RecordFailure: true}
}

func systemPrompt(intent domain.QueryIntent) string {
	base := "You answer questions about a professional portfolio using only the supplied context. If the context is insufficient, say so. Reply in the language of the question."
	switch intent {
	case domain.IntentSynthesis:
		return base + " Combine facts from several entries into one overview."
	case domain.IntentExploration:
		return base + " Walk through relevant projects in some detail."
	case domain.IntentComparison:
		return base + " Compare the requested items point by point."
	case domain.IntentFactual:
		return base + " Be brief and precise."
	default:
		return base + " Keep it to one or two friendly sentences."
	}
}

func userPrompt(contextText, query string) string {
	if contextText == "" {
		contextText = "(no context available)"
	}
	return "Context:\n" + contextText + "\n\nQuestion:\n" + query
}

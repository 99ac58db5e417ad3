package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"event_spider/internal/config"
	"event_spider/internal/metrics"
	"event_spider/internal/models"
	"event_spider/internal/retry"
	"event_spider/internal/throttle"

	"github.com/sashabaranov/go-openai"
)

// Asker sends one prompt to a language model and returns its text reply.
type Asker interface {
	Ask(ctx context.Context, prompt string, maxTokens int, priority int) (string, error)
	Model() string
}

type OpenAIRequester struct {
	client        *openai.Client
	model         string
	maxQueryChars int
	queue         *throttle.Queue
	policy        retry.Policy
	callTimeout   time.Duration
	counters      *metrics.Counters
}

func NewOpenAIRequester(cfg config.LLMConfig, queue *throttle.Queue, counters *metrics.Counters) (*OpenAIRequester, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("llm api_key (or OPENAI_API_KEY) is not set")
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	slog.Info("Initializing OpenAI client", "model", cfg.Model, "base_url", clientConfig.BaseURL)
	return &OpenAIRequester{
		client:        openai.NewClientWithConfig(clientConfig),
		model:         cfg.Model,
		maxQueryChars: cfg.MaxQueryChars,
		queue:         queue,
		policy: retry.Policy{
			Attempts:  cfg.MaxAttempts,
			BaseDelay: time.Duration(cfg.BackoffMS) * time.Millisecond,
			MaxDelay:  time.Minute,
		},
		callTimeout: 2 * time.Minute,
		counters:    counters,
	}, nil
}

func (o *OpenAIRequester) Model() string {
	return o.model
}

// Ask truncates the prompt to the configured size, waits for an llm queue
// slot and retries transient failures.
func (o *OpenAIRequester) Ask(ctx context.Context, prompt string, maxTokens int, priority int) (string, error) {
	prompt = Truncate(prompt, o.maxQueryChars)
	var answer string
	err := retry.Do(ctx, o.policy, func(ctx context.Context, attempt int) error {
		return o.queue.Run(ctx, priority, func(ctx context.Context) error {
			o.counters.ExternalCall("llm")
			text, err := o.complete(ctx, prompt, maxTokens)
			if err != nil {
				slog.Warn("OpenAI API call failed", "model", o.model, "attempt", attempt, "error", err)
				return err
			}
			answer = text
			return nil
		})
	})
	return answer, err
}

func (o *OpenAIRequester) complete(ctx context.Context, prompt string, maxTokens int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if maxTokens > 0 {
		req.MaxCompletionTokens = maxTokens
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", models.ErrMalformedResponse)
	}
	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonContentFilter {
		return "", fmt.Errorf("%w: content filter", models.ErrBlockedContent)
	}
	slog.Debug("Received response from OpenAI", "finish_reason", choice.FinishReason)
	return choice.Message.Content, nil
}

func classify(err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	switch {
	case status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable:
		return fmt.Errorf("%w: %w", models.ErrRateLimited, err)
	case status == http.StatusRequestTimeout || status >= 500:
		return fmt.Errorf("%w: %w", models.ErrTimeout, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", models.ErrTimeout, err)
	}
	return err
}

// Truncate cuts s to at most limit runes. A non-positive limit keeps s whole.
func Truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return strings.TrimSpace(string(runes[:limit]))
}

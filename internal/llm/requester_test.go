package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"event_spider/internal/config"
	"event_spider/internal/metrics"
	"event_spider/internal/models"
	"event_spider/internal/throttle"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Content string `json:"content"`
	} `json:"messages"`
	MaxCompletionTokens int `json:"max_completion_tokens"`
}

func completion(content, finishReason string) map[string]any {
	return map[string]any{
		"id":     "chatcmpl-1",
		"object": "chat.completion",
		"model":  "test-model",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": content},
			"finish_reason": finishReason,
		}},
	}
}

func newTestRequester(t *testing.T, handler http.HandlerFunc) (*OpenAIRequester, *metrics.Counters) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	queue := throttle.NewQueue("llm", 1, 0)
	t.Cleanup(queue.Close)
	counters := metrics.New()

	r, err := NewOpenAIRequester(config.LLMConfig{
		BaseURL:       server.URL + "/v1",
		APIKey:        "test",
		Model:         "test-model",
		MaxQueryChars: 50,
		MaxAttempts:   3,
		BackoffMS:     1,
	}, queue, counters)
	require.NoError(t, err)
	return r, counters
}

func TestAsk_ReturnsContent(t *testing.T) {
	var got chatRequest
	r, counters := newTestRequester(t, func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "/v1/chat/completions", req.URL.Path)
		require.NoError(t, json.NewDecoder(req.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(completion("yes", "stop"))
	})

	answer, err := r.Ask(context.Background(), "does the event happen every year?", 2, 0)
	require.NoError(t, err)

	assert.Equal(t, "yes", answer)
	assert.Equal(t, "test-model", got.Model)
	assert.Equal(t, 2, got.MaxCompletionTokens)
	assert.Equal(t, "test-model", r.Model())
	assert.Equal(t, 1.0, testutil.ToFloat64(counters.ExternalCalls.WithLabelValues("llm")))
}

func TestAsk_TruncatesPrompt(t *testing.T) {
	var got chatRequest
	r, _ := newTestRequester(t, func(w http.ResponseWriter, req *http.Request) {
		require.NoError(t, json.NewDecoder(req.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(completion("ok", "stop"))
	})

	long := "0123456789012345678901234567890123456789012345678901234567890123456789"
	_, err := r.Ask(context.Background(), long, 0, 0)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Len(t, got.Messages[0].Content, 50)
}

func TestAsk_RetriesRateLimits(t *testing.T) {
	var calls int32
	r, counters := newTestRequester(t, func(w http.ResponseWriter, req *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit_error"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(completion("no", "stop"))
	})

	answer, err := r.Ask(context.Background(), "was it canceled?", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, "no", answer)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, 3.0, testutil.ToFloat64(counters.ExternalCalls.WithLabelValues("llm")))
}

func TestAsk_DoesNotRetryBadRequests(t *testing.T) {
	var calls int32
	r, _ := newTestRequester(t, func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad","type":"invalid_request_error"}}`))
	})

	_, err := r.Ask(context.Background(), "hi", 0, 0)
	assert.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestAsk_ContentFilterIsBlocked(t *testing.T) {
	r, _ := newTestRequester(t, func(w http.ResponseWriter, req *http.Request) {
		_ = json.NewEncoder(w).Encode(completion("", "content_filter"))
	})

	_, err := r.Ask(context.Background(), "hi", 0, 0)
	assert.ErrorIs(t, err, models.ErrBlockedContent)
}

func TestAsk_NoChoicesIsMalformed(t *testing.T) {
	r, _ := newTestRequester(t, func(w http.ResponseWriter, req *http.Request) {
		_, _ = w.Write([]byte(`{"id":"x","choices":[]}`))
	})

	_, err := r.Ask(context.Background(), "hi", 0, 0)
	assert.ErrorIs(t, err, models.ErrMalformedResponse)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 0))
	assert.Equal(t, "ab", Truncate("abc", 2))
	assert.Equal(t, "héé", Truncate("hééllo", 3))
}

func TestNewOpenAIRequester_NeedsKey(t *testing.T) {
	_, err := NewOpenAIRequester(config.LLMConfig{Model: "m"}, nil, nil)
	assert.Error(t, err)
}

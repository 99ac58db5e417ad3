package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"event_spider/internal/config"
	"event_spider/internal/metrics"
	"event_spider/internal/models"
	"event_spider/internal/retry"
	"event_spider/internal/throttle"
)

// Provider runs one web search and returns result links in rank order.
type Provider interface {
	Search(ctx context.Context, query string, priority int) ([]string, error)
}

type googleResponse struct {
	Items []struct {
		Link string `json:"link"`
	} `json:"items"`
	Spelling *struct {
		CorrectedQuery string `json:"correctedQuery"`
	} `json:"spelling"`
}

// GoogleProvider queries the Custom Search JSON API.
type GoogleProvider struct {
	endpoint string
	apiKey   string
	cx       string
	client   *http.Client
	queue    *throttle.Queue
	policy   retry.Policy
	counters *metrics.Counters
}

func NewGoogleProvider(cfg config.SearchConfig, queue *throttle.Queue, counters *metrics.Counters) (*GoogleProvider, error) {
	if cfg.APIKey == "" || cfg.CX == "" {
		return nil, fmt.Errorf("search api_key and cx must be set (or GOOGLE_SEARCH_KEY / GOOGLE_SEARCH_CX)")
	}
	return &GoogleProvider{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		cx:       cfg.CX,
		client:   &http.Client{Timeout: 30 * time.Second},
		queue:    queue,
		policy: retry.Policy{
			Attempts:  cfg.MaxAttempts,
			BaseDelay: time.Duration(cfg.BackoffMS) * time.Millisecond,
			MaxDelay:  time.Minute,
		},
		counters: counters,
	}, nil
}

// Search follows the engine's spelling suggestion once.
func (g *GoogleProvider) Search(ctx context.Context, query string, priority int) ([]string, error) {
	body, err := g.query(ctx, query, priority)
	if err != nil {
		return nil, err
	}
	if body.Spelling != nil && body.Spelling.CorrectedQuery != "" && body.Spelling.CorrectedQuery != query {
		slog.Info("Searching suggested corrected query", "query", query, "corrected", body.Spelling.CorrectedQuery)
		body, err = g.query(ctx, body.Spelling.CorrectedQuery, priority)
		if err != nil {
			return nil, err
		}
	}
	if body.Items == nil {
		return nil, fmt.Errorf("%w: search response has no items", models.ErrMalformedResponse)
	}
	links := make([]string, 0, len(body.Items))
	for _, item := range body.Items {
		links = append(links, item.Link)
	}
	return links, nil
}

func (g *GoogleProvider) query(ctx context.Context, query string, priority int) (*googleResponse, error) {
	var body *googleResponse
	err := retry.Do(ctx, g.policy, func(ctx context.Context, attempt int) error {
		return g.queue.Run(ctx, priority, func(ctx context.Context) error {
			g.counters.ExternalCall("search")
			resp, err := g.get(ctx, query)
			if err != nil {
				slog.Warn("Search call failed", "query", query, "attempt", attempt, "error", err)
				return err
			}
			body = resp
			return nil
		})
	})
	return body, err
}

func (g *GoogleProvider) get(ctx context.Context, query string) (*googleResponse, error) {
	params := url.Values{}
	params.Set("key", g.apiKey)
	params.Set("cx", g.cx)
	params.Set("q", query)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", models.ErrTimeout, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read search body: %v", models.ErrTimeout, err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: search HTTP %d", models.ErrRateLimited, resp.StatusCode)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: search HTTP %d", models.ErrTimeout, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("search HTTP %d: %s", resp.StatusCode, truncate(string(data), 300))
	}

	var body googleResponse
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrMalformedResponse, err)
	}
	return &body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

package pagetext

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"event_spider/internal/metrics"
	"event_spider/internal/models"
	"event_spider/internal/throttle"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly"
	"github.com/gocolly/colly/extensions"
)

// RandomUserAgent as the configured user agent rotates browser user agents.
const RandomUserAgent = "random"

// Fetcher downloads a page into outputPath.
type Fetcher interface {
	Fetch(ctx context.Context, pageURL, outputPath string, priority int) error
}

// CollyFetcher downloads pages directly, without a browser.
type CollyFetcher struct {
	userAgent string
	timeout   time.Duration
	queue     *throttle.Queue
	counters  *metrics.Counters
}

func NewCollyFetcher(userAgent string, timeout time.Duration, queue *throttle.Queue, counters *metrics.Counters) *CollyFetcher {
	return &CollyFetcher{userAgent: userAgent, timeout: timeout, queue: queue, counters: counters}
}

func (f *CollyFetcher) Fetch(ctx context.Context, pageURL, outputPath string, priority int) error {
	return f.queue.Run(ctx, priority, func(ctx context.Context) error {
		f.counters.ExternalCall("fetch")

		c := colly.NewCollector(colly.AllowURLRevisit())
		c.WithTransport(contextTransport{ctx: ctx, base: http.DefaultTransport})
		if f.userAgent == RandomUserAgent {
			extensions.RandomUserAgent(c)
		} else {
			c.UserAgent = f.userAgent
		}
		c.SetRequestTimeout(f.timeout)

		var fetchErr error
		c.OnRequest(func(r *colly.Request) {
			r.Headers.Set("Referer", "https://www.google.com/")
		})
		c.OnResponse(func(r *colly.Response) {
			if looksLikeCaptcha(r.Body) {
				fetchErr = fmt.Errorf("%w: captcha detected at %s", models.ErrBlockedContent, pageURL)
				return
			}
			fetchErr = r.Save(outputPath)
		})
		c.OnError(func(r *colly.Response, err error) {
			fetchErr = fmt.Errorf("HTTP %d: %w", r.StatusCode, err)
		})

		if err := c.Visit(pageURL); err != nil && fetchErr == nil {
			fetchErr = err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fetchErr
	})
}

// contextTransport ties colly's requests to ctx, which colly v1 cannot take
// itself, so a cancelled run aborts the download instead of waiting out the
// request timeout.
type contextTransport struct {
	ctx  context.Context
	base http.RoundTripper
}

func (t contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.base.RoundTrip(req.WithContext(t.ctx))
}

var (
	blockedTitleMarkers = []string{"captcha", "security check", "just a moment", "attention required", "are you a robot"}
	blockedTextMarkers  = []string{"captcha", "security check"}
)

// interstitialTextLimit bounds the visible text of a challenge page. Real
// pages that merely embed a captcha widget carry far more text.
const interstitialTextLimit = 600

// looksLikeCaptcha reports whether body is a bot challenge rather than the
// page itself. Scripts are ignored, so a reCAPTCHA widget on a contact form
// does not count.
func looksLikeCaptcha(body []byte) bool {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return false
	}
	if doc.Find("#challenge-form, #challenge-running, #cf-challenge-running").Length() > 0 {
		return true
	}
	title := strings.ToLower(doc.Find("title").First().Text())
	for _, marker := range blockedTitleMarkers {
		if strings.Contains(title, marker) {
			return true
		}
	}

	doc.Find("script, style, noscript, title").Remove()
	text := strings.ToLower(normalizeText(doc.Text()))
	if len(text) > interstitialTextLimit {
		return false
	}
	for _, marker := range blockedTextMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

package search

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"event_spider/internal/metrics"
	"event_spider/internal/throttle"

	"github.com/temoto/robotstxt"
)

const MaxHops = 15

// Prober checks that a URL answers a HEAD request with an HTML page before
// it is worth a full fetch.
type Prober struct {
	client        *http.Client
	userAgent     string
	timeout       time.Duration
	respectRobots bool
	queue         *throttle.Queue
	counters      *metrics.Counters

	mu     sync.Mutex
	robots map[string]*robotstxt.Group
}

func NewProber(userAgent string, timeout time.Duration, respectRobots bool, queue *throttle.Queue, counters *metrics.Counters) *Prober {
	jar, _ := cookiejar.New(nil)
	return &Prober{
		client: &http.Client{
			Transport: &http.Transport{
				DisableKeepAlives: true,
				MaxIdleConns:      0,
			},
			Jar: jar,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= MaxHops {
					return fmt.Errorf("stopped after %d redirects (MaxHops exceeded)", MaxHops)
				}
				return nil
			},
		},
		userAgent:     userAgent,
		timeout:       timeout,
		respectRobots: respectRobots,
		queue:         queue,
		counters:      counters,
		robots:        make(map[string]*robotstxt.Group),
	}
}

// Probe returns nil when the URL looks like a reachable HTML page.
func (p *Prober) Probe(ctx context.Context, link string, priority int) error {
	u, err := url.Parse(link)
	if err != nil || u.Host == "" {
		return fmt.Errorf("unparseable url %q", link)
	}
	return p.queue.Run(ctx, priority, func(ctx context.Context) error {
		p.counters.ExternalCall("probe")
		ctx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()

		if p.respectRobots && !p.allowedByRobots(ctx, u) {
			return fmt.Errorf("disallowed by robots.txt")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodHead, link, nil)
		if err != nil {
			return err
		}
		req.Header.Set("User-Agent", p.userAgent)
		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("HTTP %d", resp.StatusCode)
		}
		contentType := resp.Header.Get("Content-Type")
		if contentType == "" {
			return fmt.Errorf("no content-type")
		}
		if !strings.Contains(contentType, "text/html") {
			return fmt.Errorf("non-html content-type %q", contentType)
		}
		return nil
	})
}

func (p *Prober) allowedByRobots(ctx context.Context, u *url.URL) bool {
	group := p.robotsGroup(ctx, u)
	if group == nil {
		return true
	}
	return group.Test(u.Path)
}

// robotsGroup loads robots.txt once per host. Hosts whose robots.txt cannot
// be loaded are treated as allowing everything.
func (p *Prober) robotsGroup(ctx context.Context, u *url.URL) *robotstxt.Group {
	p.mu.Lock()
	group, ok := p.robots[u.Host]
	p.mu.Unlock()
	if ok {
		return group
	}

	robotsURL := fmt.Sprintf("%s://%s/robots.txt", u.Scheme, u.Host)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err == nil {
		req.Header.Set("User-Agent", p.userAgent)
		var resp *http.Response
		resp, err = p.client.Do(req)
		if err == nil {
			data, parseErr := robotstxt.FromResponse(resp)
			resp.Body.Close()
			if parseErr != nil {
				slog.Warn("Cannot parse robots.txt", "url", robotsURL, "error", parseErr)
			} else {
				group = data.FindGroup(p.userAgent)
			}
		}
	}
	if err != nil {
		slog.Warn("Cannot load robots.txt, ignoring", "url", robotsURL, "error", err)
	}

	p.mu.Lock()
	p.robots[u.Host] = group
	p.mu.Unlock()
	return group
}

package pagetext

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"event_spider/internal/models"
	"event_spider/internal/utils"
	"event_spider/internal/workcache"
)

var ErrNoText = errors.New("no result text found")

// ErrUnresolvable wraps the stored reason a page has no text.
var ErrUnresolvable = errors.New("page text unavailable")

// Resolver turns a URL into plain text once and remembers the outcome,
// failures included.
type Resolver struct {
	cache      *workcache.Cache
	fetcher    Fetcher
	extractor  Extractor
	scratchDir string
}

func NewResolver(cache *workcache.Cache, fetcher Fetcher, extractor Extractor, scratchDir string) *Resolver {
	return &Resolver{cache: cache, fetcher: fetcher, extractor: extractor, scratchDir: scratchDir}
}

// Resolve returns the page's text. A page that could not be fetched or
// extracted returns an error wrapping ErrUnresolvable.
func (r *Resolver) Resolve(ctx context.Context, pageURL string, priority int, trail *models.Trail) (string, error) {
	unit, err := r.cache.GetOrCompute(ctx, models.PageTextKey(pageURL), func(ctx context.Context) (models.WorkResult, error) {
		text, err := r.fetchText(ctx, pageURL, priority)
		if err != nil {
			trail.Addf("Page text failed for %s: %v", pageURL, err)
			return models.WorkResult{}, err
		}
		trail.Addf("Extracted %d characters of text from %s", len(text), pageURL)
		return models.WorkResult{Text: text}, nil
	})
	if err != nil {
		return "", err
	}
	if unit.Status != models.WorkSuccess {
		return "", fmt.Errorf("%w: %s", ErrUnresolvable, unit.Error)
	}
	return unit.Result.Text, nil
}

// Cached reports whether usable text for the URL is already stored.
func (r *Resolver) Cached(ctx context.Context, pageURL string) bool {
	unit, err := r.cache.Lookup(ctx, models.PageTextKey(pageURL))
	return err == nil && unit != nil && unit.Status == models.WorkSuccess && unit.Result.Text != ""
}

func (r *Resolver) fetchText(ctx context.Context, pageURL string, priority int) (string, error) {
	if err := os.MkdirAll(r.scratchDir, 0o750); err != nil {
		return "", err
	}
	base := filepath.Join(r.scratchDir, utils.ComputeContentHash(pageURL))
	htmlPath, txtPath := base+".html", base+".txt"
	defer os.Remove(htmlPath)
	defer os.Remove(txtPath)

	if err := r.fetcher.Fetch(ctx, pageURL, htmlPath, priority); err != nil {
		return "", fmt.Errorf("bad fetch for url %s: %w", pageURL, err)
	}
	if err := r.extractor.Extract(ctx, htmlPath, txtPath, pageURL); err != nil {
		return "", fmt.Errorf("bad text extractor for url %s: %w", pageURL, err)
	}
	data, err := os.ReadFile(txtPath)
	if err != nil {
		return "", fmt.Errorf("read extracted text for %s: %w", pageURL, err)
	}
	text := normalizeText(string(data))
	if text == "" {
		return "", fmt.Errorf("%w for url %s", ErrNoText, pageURL)
	}
	return text, nil
}

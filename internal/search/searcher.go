package search

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"event_spider/internal/models"
	urlqueue "event_spider/internal/url_queue"
	"event_spider/internal/utils"
	"event_spider/internal/workcache"
)

// TextCache reports whether a page's text has already been extracted.
type TextCache interface {
	Cached(ctx context.Context, pageURL string) bool
}

// URLProber rejects URLs that are not worth a full fetch.
type URLProber interface {
	Probe(ctx context.Context, link string, priority int) error
}

// Searcher turns a candidate into its ordered list of pages to analyze.
type Searcher struct {
	provider Provider
	cache    *workcache.Cache
	texts    TextCache
	prober   URLProber
	maxURLs  int
	filter   *utils.URLFilter
}

// NewSearcher builds a searcher. A nil prober accepts every URL the filter
// allows, and a nil filter allows every URL.
func NewSearcher(provider Provider, cache *workcache.Cache, texts TextCache, prober URLProber, maxURLs int, filter *utils.URLFilter) *Searcher {
	return &Searcher{
		provider: provider,
		cache:    cache,
		texts:    texts,
		prober:   prober,
		maxURLs:  maxURLs,
		filter:   filter,
	}
}

// Search returns existing followed by newly accepted result URLs, never more
// new ones than fit under the cap. The search itself runs once per query.
func (s *Searcher) Search(ctx context.Context, cand models.Candidate, existing []string, priority int, trail *models.Trail) ([]string, error) {
	query := cand.Query()
	trail.Addf("Searching: %s", query)

	unit, err := s.cache.GetOrCompute(ctx, models.SearchKey(query), func(ctx context.Context) (models.WorkResult, error) {
		urls, err := s.provider.Search(ctx, query, priority)
		if err != nil {
			return models.WorkResult{}, err
		}
		return models.WorkResult{URLs: urls}, nil
	})
	if err != nil {
		return existing, err
	}
	if unit.Status != models.WorkSuccess {
		trail.Addf("Bad search for %s: %s", query, unit.Error)
		return existing, fmt.Errorf("search %q: %s", query, unit.Error)
	}

	results := orderResults(unit.Result.URLs, cand.URL)
	trail.Addf("Search result URLs: %s", strings.Join(results, ", "))

	list := urlqueue.NewURLQueue(existing, s.maxURLs)
	for _, link := range results {
		if list.Full() {
			break
		}
		link = strings.TrimSpace(link)
		if link == "" {
			trail.Addf("Skipping blank url")
			continue
		}
		if list.Contains(link) {
			continue
		}
		if !s.filter.Allows(link) {
			trail.Addf("Skipping excluded url: %s", link)
			continue
		}
		if s.prober != nil && !s.texts.Cached(ctx, link) {
			if err := s.prober.Probe(ctx, link, priority); err != nil {
				if ctx.Err() != nil {
					return list.URLs(), ctx.Err()
				}
				trail.Addf("Skipping url that failed probe: %s (%v)", link, err)
				continue
			}
		}
		if list.Add(link) {
			trail.Addf("Adding url %s", link)
		}
	}
	return list.URLs(), nil
}

// orderResults sorts shortest first and puts the seed URL, if any, in front.
func orderResults(urls []string, seed string) []string {
	ordered := append([]string(nil), urls...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return len(ordered[i]) < len(ordered[j])
	})
	seed = strings.TrimSpace(seed)
	if seed == "" {
		return ordered
	}
	out := make([]string, 0, len(ordered)+1)
	out = append(out, seed)
	for _, u := range ordered {
		if u != seed {
			out = append(out, u)
		}
	}
	return out
}

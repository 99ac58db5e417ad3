package urlqueue

import (
	"strings"
	"sync"
)

// URLQueue is the ordered list of candidate pages for one investigation.
// It only grows: URLs already present keep their position and new ones are
// appended until MaxURLs is reached.
type URLQueue struct {
	seen    map[string]bool
	urls    []string
	MaxURLs int
	mu      sync.Mutex
}

// NewURLQueue starts from the URLs an earlier run already stored.
func NewURLQueue(existing []string, maxURLs int) *URLQueue {
	q := &URLQueue{
		seen:    make(map[string]bool),
		urls:    make([]string, 0, maxURLs),
		MaxURLs: maxURLs,
	}
	for _, u := range existing {
		u = strings.TrimSpace(u)
		if u == "" || q.seen[u] {
			continue
		}
		q.seen[u] = true
		q.urls = append(q.urls, u)
	}
	return q
}

// Add appends the URL if it is new and there is room.
func (q *URLQueue) Add(urlStr string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	urlStr = strings.TrimSpace(urlStr)
	if urlStr == "" || q.seen[urlStr] || q.full() {
		return false
	}
	q.seen[urlStr] = true
	q.urls = append(q.urls, urlStr)
	return true
}

func (q *URLQueue) Contains(urlStr string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.seen[strings.TrimSpace(urlStr)]
}

func (q *URLQueue) Full() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.full()
}

func (q *URLQueue) full() bool {
	return q.MaxURLs > 0 && len(q.urls) >= q.MaxURLs
}

func (q *URLQueue) URLs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.urls...)
}

func (q *URLQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.urls)
}

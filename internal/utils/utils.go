package utils

import (
	"crypto/md5"
	"fmt"
	"regexp"
)

func ComputeContentHash(content string) string {
	hash := md5.Sum([]byte(content))
	return fmt.Sprintf("%x", hash)
}

// URLFilter rejects URLs matching any exclude pattern. Patterns are regular
// expressions matched case-insensitively anywhere in the URL.
type URLFilter struct {
	exclude []*regexp.Regexp
}

func NewURLFilter(excludePatterns []string) (*URLFilter, error) {
	f := &URLFilter{exclude: make([]*regexp.Regexp, 0, len(excludePatterns))}
	for _, pattern := range excludePatterns {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return nil, fmt.Errorf("exclude pattern %q: %w", pattern, err)
		}
		f.exclude = append(f.exclude, re)
	}
	return f, nil
}

// Allows reports whether no exclude pattern matches. A nil filter allows
// everything.
func (f *URLFilter) Allows(rawURL string) bool {
	if f == nil {
		return true
	}
	for _, re := range f.exclude {
		if re.MatchString(rawURL) {
			return false
		}
	}
	return true
}

package helpers

import (
	"regexp"
	"sync"
)

var patternCache sync.Map

// CompilePattern compiles a case-insensitive regular expression, caching the
// result. Header checks and moderation lists are evaluated for every message
// so the same handful of patterns gets compiled over and over otherwise.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	if v, ok := patternCache.Load(pattern); ok {
		return v.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, err
	}
	patternCache.Store(pattern, re)
	return re, nil
}

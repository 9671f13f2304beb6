package fs

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"strings"
)

// ignorePattern is a parsed exclude pattern with its matching strategy.
type ignorePattern struct {
	pattern   string
	matchPath bool // true = match against leading path segments; false = match any single segment
}

// IgnoreMatcher checks archive entry names against a set of exclude patterns.
// Patterns without '/' match any single path segment, so "*.map" drops every
// source map and ".git" drops everything under a .git directory.
// Patterns with '/' match the entry name, or a leading directory prefix of it,
// relative to the source root.
type IgnoreMatcher struct {
	patterns []ignorePattern
}

// NewIgnoreMatcher creates an IgnoreMatcher from raw pattern strings.
// Blank lines and lines starting with '#' are skipped.
func NewIgnoreMatcher(rawPatterns []string) *IgnoreMatcher {
	var patterns []ignorePattern
	for _, raw := range rawPatterns {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		raw = strings.Trim(raw, "/")
		if raw == "" {
			continue
		}
		patterns = append(patterns, ignorePattern{
			pattern:   raw,
			matchPath: strings.Contains(raw, "/"),
		})
	}
	return &IgnoreMatcher{patterns: patterns}
}

// Len returns the number of active patterns.
func (m *IgnoreMatcher) Len() int {
	return len(m.patterns)
}

// Match reports whether the given entry name should be excluded.
// name must use forward slashes and be relative to the source root.
func (m *IgnoreMatcher) Match(name string) bool {
	if len(m.patterns) == 0 {
		return false
	}

	segments := strings.Split(name, "/")
	for _, p := range m.patterns {
		if p.matchPath {
			// Try the full name and every leading directory prefix.
			for i := len(segments); i > 0; i-- {
				if ok, err := path.Match(p.pattern, strings.Join(segments[:i], "/")); err == nil && ok {
					return true
				}
			}
			continue
		}
		for _, seg := range segments {
			// A malformed pattern never matches.
			if ok, err := path.Match(p.pattern, seg); err == nil && ok {
				return true
			}
		}
	}
	return false
}

// ParseIgnoreFile reads newline-separated exclude patterns from path.
// Returns nil and no error if the file does not exist.
func ParseIgnoreFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening ignore file: %w", err)
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		patterns = append(patterns, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading ignore file: %w", err)
	}
	return patterns, nil
}

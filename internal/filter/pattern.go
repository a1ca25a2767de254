package filter

import (
	"fmt"
	"path"
	"strings"
)

// Pattern is a compiled exclude rule.
//
// A pattern without a slash is tested against every segment of a path, so
// "*.log" drops any log file and ".git" drops the whole .git subtree. A
// pattern containing a slash is anchored at the application root and tested
// against the leading segments, so "build/*.map" drops build/app.map and
// "vendor/cache" drops everything below vendor/cache. In both forms "*" never
// crosses a "/". A trailing "/" restricts the match to directories: "docs/"
// drops src/docs/a.md but keeps a file named docs.
type Pattern struct {
	raw      string
	segments []string
	anchored bool
	dirOnly  bool
}

// CompilePattern validates and compiles a single glob rule
func CompilePattern(raw string) (Pattern, error) {
	p := strings.TrimSpace(raw)
	p = strings.TrimPrefix(p, "./")
	dirOnly := strings.HasSuffix(p, "/")
	p = strings.TrimSuffix(p, "/")
	if p == "" {
		return Pattern{}, fmt.Errorf("empty exclude pattern")
	}

	anchored := strings.Contains(p, "/")
	p = strings.TrimPrefix(p, "/")
	segments := strings.Split(p, "/")
	for _, seg := range segments {
		if seg == "" {
			return Pattern{}, fmt.Errorf("invalid exclude pattern %q: empty path segment", raw)
		}
		if _, err := path.Match(seg, ""); err != nil {
			return Pattern{}, fmt.Errorf("invalid exclude pattern %q: %w", raw, err)
		}
	}

	return Pattern{raw: raw, segments: segments, anchored: anchored, dirOnly: dirOnly}, nil
}

// String returns the pattern as written in the config
func (p Pattern) String() string {
	return p.raw
}

// Match reports whether the slash-separated relative path rel is excluded
func (p Pattern) Match(rel string) bool {
	parts := splitPath(rel)
	if len(parts) == 0 {
		return false
	}

	// a directory match needs at least one segment below it
	last := len(parts)
	if p.dirOnly {
		last--
	}

	if !p.anchored {
		for _, part := range parts[:last] {
			if ok, _ := path.Match(p.segments[0], part); ok {
				return true
			}
		}
		return false
	}

	if last < len(p.segments) {
		return false
	}
	for i, seg := range p.segments {
		if ok, _ := path.Match(seg, parts[i]); !ok {
			return false
		}
	}
	return true
}

// Matcher applies a list of compiled patterns
type Matcher struct {
	patterns []Pattern
}

// Compile turns glob rules into a Matcher. The first malformed rule fails the whole set.
func Compile(patterns []string) (*Matcher, error) {
	m := &Matcher{patterns: make([]Pattern, 0, len(patterns))}
	for _, raw := range patterns {
		p, err := CompilePattern(raw)
		if err != nil {
			return nil, err
		}
		m.patterns = append(m.patterns, p)
	}
	return m, nil
}

// Match reports whether any pattern excludes rel
func (m *Matcher) Match(rel string) bool {
	_, ok := m.MatchPattern(rel)
	return ok
}

// MatchPattern returns the first pattern excluding rel
func (m *Matcher) MatchPattern(rel string) (Pattern, bool) {
	if m == nil {
		return Pattern{}, false
	}
	for _, p := range m.patterns {
		if p.Match(rel) {
			return p, true
		}
	}
	return Pattern{}, false
}

// Len returns the number of compiled patterns
func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.patterns)
}

func splitPath(rel string) []string {
	rel = strings.Trim(path.Clean("/"+strings.ReplaceAll(rel, "\\", "/")), "/")
	if rel == "" {
		return nil
	}
	return strings.Split(rel, "/")
}

package config

import (
	"fmt"
	"net/url"

	"github.com/gobwas/glob"
)

// urlSeparator keeps '*' inside one host or path segment; '**' crosses
// segments.
const urlSeparator = '/'

// NavigationPolicy decides which URLs windows may be sent to.
//
// Patterns are globs matched against the whole URL with '/' as the segment
// separator, so "https://example.com/*" allows "https://example.com/docs" but
// not "https://example.com/docs/intro". Use "https://example.com/**" for a
// whole site.
type NavigationPolicy struct {
	allowed []glob.Glob
	denied  []glob.Glob
}

// NewNavigationPolicy compiles allow and deny URL patterns
func NewNavigationPolicy(allowed, denied []string) (*NavigationPolicy, error) {
	p := &NavigationPolicy{}

	var err error
	if p.allowed, err = compileURLPatterns("allowed", allowed); err != nil {
		return nil, err
	}
	if p.denied, err = compileURLPatterns("denied", denied); err != nil {
		return nil, err
	}
	return p, nil
}

func compileURLPatterns(kind string, patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern, urlSeparator)
		if err != nil {
			return nil, fmt.Errorf("invalid %s navigation pattern '%s': %w", kind, pattern, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

// Allowed reports whether rawURL may be loaded. Denied patterns win over
// allowed ones, and an empty allow list allows everything not denied.
func (p *NavigationPolicy) Allowed(rawURL string) bool {
	if p == nil {
		return true
	}

	target := canonicalURL(rawURL)
	for _, g := range p.denied {
		if g.Match(target) {
			return false
		}
	}

	if len(p.allowed) == 0 {
		return true
	}
	for _, g := range p.allowed {
		if g.Match(target) {
			return true
		}
	}
	return false
}

// canonicalURL gives a bare origin its root path, so "https://example.com"
// is matched as "https://example.com/".
func canonicalURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" || u.Path != "" || u.Opaque != "" {
		return rawURL
	}
	u.Path = "/"
	return u.String()
}

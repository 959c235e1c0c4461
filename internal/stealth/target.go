package stealth

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// NormalizeTarget extracts the lowercase host name from a raw URL. The
// result is the isolation key shared by the rate limiter and breaker, so
// "https://Example.org/path" and "http://example.org:8080/" map to the
// same target.
func NormalizeTarget(rawURL string) (Target, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return "", fmt.Errorf("normalize target: empty url")
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("normalize target: %w", err)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("normalize target: no host in %q", rawURL)
	}
	return Target(host), nil
}

// TargetCategory buckets targets that get special handling during proxy
// selection and fetch policy.
type TargetCategory int

// Target categories.
const (
	CategoryGeneric TargetCategory = iota
	CategorySearchEngine
	CategorySocialNetwork
	CategoryRegional
)

func (c TargetCategory) String() string {
	switch c {
	case CategoryGeneric:
		return "generic"
	case CategorySearchEngine:
		return "search_engine"
	case CategorySocialNetwork:
		return "social_network"
	case CategoryRegional:
		return "regional"
	}
	return "unknown"
}

// TargetPreset carries the per-category policy knobs applied before proxy
// strategy selection and during fetch.
type TargetPreset struct {
	Category            TargetCategory
	CountryCode         string
	RequireProxy        bool
	MinProxySuccessRate float64
}

// TargetPresets is a data-driven substring lookup table replacing inline
// "known search engine" conditionals. Entries match when the pattern is a
// substring of the normalized host.
type TargetPresets struct {
	patterns []presetEntry
}

type presetEntry struct {
	pattern string
	preset  TargetPreset
}

// NewTargetPresets builds a lookup table. Patterns are lowercased and
// ordered longest first, so the most specific overlapping pattern wins
// regardless of map iteration order.
func NewTargetPresets(entries map[string]TargetPreset) *TargetPresets {
	p := &TargetPresets{}
	for pattern, preset := range entries {
		pattern = strings.ToLower(strings.TrimSpace(pattern))
		if pattern == "" {
			continue
		}
		p.patterns = append(p.patterns, presetEntry{pattern: pattern, preset: preset})
	}
	sort.SliceStable(p.patterns, func(i, j int) bool {
		a, b := p.patterns[i].pattern, p.patterns[j].pattern
		if len(a) != len(b) {
			return len(a) > len(b)
		}
		return a < b
	})
	return p
}

// DefaultTargetPresets returns the built-in table: major search engines and
// social networks, overridable from configuration.
func DefaultTargetPresets() *TargetPresets {
	search := TargetPreset{Category: CategorySearchEngine, RequireProxy: true, MinProxySuccessRate: 0.7}
	social := TargetPreset{Category: CategorySocialNetwork, RequireProxy: true, MinProxySuccessRate: 0.7}
	return NewTargetPresets(map[string]TargetPreset{
		"google.":       search,
		"bing.com":      search,
		"duckduckgo.":   search,
		"yandex.":       search,
		"baidu.com":     search,
		"facebook.com":  social,
		"instagram.com": social,
		"linkedin.com":  social,
		"x.com":         social,
		"twitter.com":   social,
	})
}

// Lookup returns the preset matching the target, or a zero generic preset.
func (p *TargetPresets) Lookup(target Target) (TargetPreset, bool) {
	if p == nil {
		return TargetPreset{}, false
	}
	host := string(target)
	for _, e := range p.patterns {
		if strings.Contains(host, e.pattern) {
			return e.preset, true
		}
	}
	return TargetPreset{}, false
}

// Merge overlays entries on top of the receiver, returning a new table with
// the overlay entries taking precedence.
func (p *TargetPresets) Merge(overlay *TargetPresets) *TargetPresets {
	if overlay == nil || len(overlay.patterns) == 0 {
		return p
	}
	merged := &TargetPresets{}
	merged.patterns = append(merged.patterns, overlay.patterns...)
	if p != nil {
		merged.patterns = append(merged.patterns, p.patterns...)
	}
	return merged
}

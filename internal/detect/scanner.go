// Package detect classifies transport-successful responses as real content
// or as one of the anti-bot reactions, using configurable marker sets.
package detect

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/veilcrawl/veilcrawl/internal/stealth"
)

// Markers holds the phrase and selector sets for one signature kind.
// Phrases are matched case-insensitively against body and header values;
// selectors are CSS queries run against the parsed body.
type Markers struct {
	Phrases   []string `mapstructure:"phrases"`
	Headers   []string `mapstructure:"headers"`
	Selectors []string `mapstructure:"selectors"`
}

// Config is the full marker catalog, one set per signature.
type Config struct {
	RateLimited Markers `mapstructure:"rate_limited"`
	Captcha     Markers `mapstructure:"captcha"`
	Firewall    Markers `mapstructure:"firewall"`
	Block       Markers `mapstructure:"block"`
}

// DefaultConfig carries the built-in marker sets for the common anti-bot
// vendors. Configuration extends these rather than replacing them.
func DefaultConfig() Config {
	return Config{
		RateLimited: Markers{
			Phrases: []string{
				"rate limit exceeded",
				"too many requests",
				"slow down",
				"retry after",
			},
			Headers: []string{"retry-after", "x-ratelimit-remaining"},
		},
		Captcha: Markers{
			Phrases: []string{
				"verify you are human",
				"i'm not a robot",
				"complete the captcha",
				"unusual traffic from your computer network",
				"recaptcha",
				"hcaptcha",
			},
			Selectors: []string{
				`iframe[src*="recaptcha"]`,
				`iframe[src*="hcaptcha"]`,
				`form#captcha-form`,
				`div.g-recaptcha`,
				`div.h-captcha`,
			},
		},
		Firewall: Markers{
			Phrases: []string{
				"checking your browser before accessing",
				"attention required! | cloudflare",
				"ddos protection by",
				"please enable javascript and cookies",
				"request unsuccessful. incapsula incident",
			},
			Headers: []string{"cf-mitigated", "x-sucuri-block"},
			Selectors: []string{
				`div#cf-wrapper`,
				`form#challenge-form`,
			},
		},
		Block: Markers{
			Phrases: []string{
				"access denied",
				"you have been blocked",
				"your ip has been banned",
				"forbidden",
				"request blocked",
			},
		},
	}
}

type markerGroup struct {
	signature stealth.DetectionSignature
	phrases   [][]byte
	headers   []string
	selectors []string
}

// Scanner implements stealth.DetectionScanner. Groups are evaluated in
// severity-precedence order and the first match wins: rate-limit phrases,
// then CAPTCHA, then firewall challenge, then generic block.
type Scanner struct {
	groups []markerGroup
}

func New(cfg Config) *Scanner {
	return &Scanner{groups: []markerGroup{
		newGroup(stealth.SignatureRateLimited, cfg.RateLimited),
		newGroup(stealth.SignatureCaptcha, cfg.Captcha),
		newGroup(stealth.SignatureFirewallChallenge, cfg.Firewall),
		newGroup(stealth.SignatureGenericBlock, cfg.Block),
	}}
}

func newGroup(sig stealth.DetectionSignature, m Markers) markerGroup {
	g := markerGroup{signature: sig, selectors: m.Selectors}
	for _, phrase := range m.Phrases {
		phrase = strings.TrimSpace(phrase)
		if phrase == "" {
			continue
		}
		g.phrases = append(g.phrases, bytes.ToLower([]byte(phrase)))
	}
	for _, h := range m.Headers {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		g.headers = append(g.headers, h)
	}
	return g
}

// Scan classifies the response. A zero return means no marker matched;
// callers treat any other value as a semantic failure regardless of the
// HTTP status.
func (s *Scanner) Scan(body []byte, headers http.Header) stealth.DetectionSignature {
	lowerBody := bytes.ToLower(body)
	var doc *goquery.Document

	for _, g := range s.groups {
		if g.matchHeaders(headers) || g.matchPhrases(lowerBody) {
			return g.signature
		}
		if len(g.selectors) > 0 && len(body) > 0 {
			if doc == nil {
				parsed, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
				if err != nil {
					continue
				}
				doc = parsed
			}
			if g.matchSelectors(doc) {
				return g.signature
			}
		}
	}
	return stealth.SignatureNone
}

func (g markerGroup) matchPhrases(lowerBody []byte) bool {
	for _, phrase := range g.phrases {
		if bytes.Contains(lowerBody, phrase) {
			return true
		}
	}
	return false
}

func (g markerGroup) matchHeaders(headers http.Header) bool {
	for _, name := range g.headers {
		if headers.Get(name) != "" {
			return true
		}
	}
	return false
}

func (g markerGroup) matchSelectors(doc *goquery.Document) bool {
	for _, sel := range g.selectors {
		if sel == "" {
			continue
		}
		if doc.Find(sel).Length() > 0 {
			return true
		}
	}
	return false
}

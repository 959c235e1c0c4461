package detect

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veilcrawl/veilcrawl/internal/stealth"
)

func TestScanClassifiesBodies(t *testing.T) {
	s := New(DefaultConfig())

	tests := []struct {
		name    string
		body    string
		headers http.Header
		want    stealth.DetectionSignature
	}{
		{
			name: "clean page",
			body: "<html><body><h1>Product list</h1></body></html>",
			want: stealth.SignatureNone,
		},
		{
			name: "rate limit phrase",
			body: "<html><body>Too Many Requests, slow down</body></html>",
			want: stealth.SignatureRateLimited,
		},
		{
			name:    "rate limit header only",
			body:    "<html><body>nothing to see</body></html>",
			headers: http.Header{"Retry-After": []string{"120"}},
			want:    stealth.SignatureRateLimited,
		},
		{
			name: "recaptcha phrase",
			body: "<html><body>Please verify you are human</body></html>",
			want: stealth.SignatureCaptcha,
		},
		{
			name: "recaptcha iframe selector",
			body: `<html><body><iframe src="https://www.google.com/recaptcha/api2/anchor"></iframe></body></html>`,
			want: stealth.SignatureCaptcha,
		},
		{
			name: "cloudflare challenge",
			body: "<html><head><title>Attention Required! | Cloudflare</title></head></html>",
			want: stealth.SignatureFirewallChallenge,
		},
		{
			name: "cloudflare challenge form selector",
			body: `<html><body><form id="challenge-form" action="/cdn-cgi/challenge"></form></body></html>`,
			want: stealth.SignatureFirewallChallenge,
		},
		{
			name: "generic block",
			body: "<html><body>Access Denied</body></html>",
			want: stealth.SignatureGenericBlock,
		},
		{
			name: "empty body and headers",
			body: "",
			want: stealth.SignatureNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Scan([]byte(tt.body), tt.headers)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestScanPrecedenceFirstGroupWins(t *testing.T) {
	s := New(DefaultConfig())

	// A page carrying both a rate-limit phrase and a CAPTCHA marker
	// classifies as rate limited.
	body := []byte("<html><body>Too many requests. Complete the captcha to continue.</body></html>")
	require.Equal(t, stealth.SignatureRateLimited, s.Scan(body, nil))

	// CAPTCHA beats a generic block phrase.
	body = []byte("<html><body>Access denied until you complete the captcha</body></html>")
	require.Equal(t, stealth.SignatureCaptcha, s.Scan(body, nil))
}

func TestScanCustomMarkers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Block.Phrases = append(cfg.Block.Phrases, "scraper detected")
	s := New(cfg)

	require.Equal(t, stealth.SignatureGenericBlock,
		s.Scan([]byte("<html><body>SCRAPER DETECTED</body></html>"), nil))
}

func TestScanIgnoresUnparseableBodyForSelectors(t *testing.T) {
	s := New(DefaultConfig())
	// Binary junk: phrase matching still runs, selector matching is best
	// effort and never panics.
	got := s.Scan([]byte{0x1f, 0x8b, 0x08, 0x00, 0xff, 0xfe}, nil)
	require.Equal(t, stealth.SignatureNone, got)
}

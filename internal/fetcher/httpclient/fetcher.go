// Package httpclient implements the fetch collaborator on net/http. It is
// the plain-HTTP end of the spectrum; the orchestrator treats it the same
// as a browser-automation implementation would be treated.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/veilcrawl/veilcrawl/internal/stealth"
)

// Config controls client behavior shared across requests.
type Config struct {
	UserAgent    string        `mapstructure:"user_agent"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
}

func DefaultConfig() Config {
	return Config{
		UserAgent:    "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
		Timeout:      15 * time.Second,
		MaxBodyBytes: 8 << 20,
	}
}

// Fetcher implements stealth.Fetcher. Transports are built per proxy URL
// and cached so connection pools survive across requests through the same
// endpoint.
type Fetcher struct {
	cfg        Config
	transports transportCache
}

func New(cfg Config) *Fetcher {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	return &Fetcher{cfg: cfg, transports: newTransportCache()}
}

// Do executes one HTTP GET. Transport errors and timeouts come back as
// FetchFailedError so the caller can classify them without string matching.
func (f *Fetcher) Do(ctx context.Context, req stealth.FetchRequest) (stealth.FetchResponse, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = f.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	transport, err := f.transports.get(req.ProxyURL)
	if err != nil {
		return stealth.FetchResponse{}, &stealth.FetchFailedError{
			Kind: stealth.FailureNetwork,
			Err:  fmt.Errorf("proxy transport: %w", err),
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return stealth.FetchResponse{}, &stealth.FetchFailedError{
			Kind: stealth.FailureNetwork,
			Err:  fmt.Errorf("build request: %w", err),
		}
	}
	for name, values := range req.Headers {
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}
	ua := req.UserAgent
	if ua == "" {
		ua = f.cfg.UserAgent
	}
	httpReq.Header.Set("User-Agent", ua)

	client := &http.Client{Transport: transport}
	resp, err := client.Do(httpReq)
	if err != nil {
		return stealth.FetchResponse{}, &stealth.FetchFailedError{
			Kind: classify(err),
			Err:  err,
		}
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes))
	if err != nil {
		return stealth.FetchResponse{}, &stealth.FetchFailedError{
			Kind:       classify(err),
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("read body: %w", err),
		}
	}

	return stealth.FetchResponse{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header.Clone(),
		Body:       body,
	}, nil
}

func classify(err error) stealth.FailureKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return stealth.FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return stealth.FailureTimeout
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return stealth.FailureTimeout
	}
	return stealth.FailureNetwork
}

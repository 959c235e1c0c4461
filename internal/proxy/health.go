package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/veilcrawl/veilcrawl/internal/metrics"
)

// Prober checks whether an endpoint can reach a lightweight target.
type Prober interface {
	Probe(ctx context.Context, e *Endpoint) error
}

type httpProber struct {
	cfg HealthCheckConfig
}

func newHTTPProber(cfg HealthCheckConfig) *httpProber {
	return &httpProber{cfg: cfg}
}

// Probe issues a GET through the endpoint against the configured
// reachability URL.
func (hp *httpProber) Probe(ctx context.Context, e *Endpoint) error {
	proxyURL, err := url.Parse(e.URL())
	if err != nil {
		return fmt.Errorf("parse proxy url: %w", err)
	}
	client := &http.Client{
		Timeout:   hp.cfg.Timeout,
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hp.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("probe fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("probe status %d", resp.StatusCode)
	}
	return nil
}

// SetProber swaps the reachability prober. Test seam; call before Start.
func (p *Pool) SetProber(pr Prober) {
	p.prober = pr
}

// Start launches the background health-check loop. It probes currently
// ineligible endpoints with bounded concurrency and never blocks foreground
// acquisition. Stop shuts it down cleanly.
func (p *Pool) Start(ctx context.Context) {
	interval := p.cfg.HealthCheck.Interval
	if interval <= 0 {
		return
	}
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()
	go func() {
		defer close(p.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.runHealthCheck(ctx)
			}
		}
	}()
}

// Stop terminates the health-check loop and waits for it to finish. Safe
// to call on a pool whose loop was never started.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return
	}
	<-p.doneCh
}

// runHealthCheck probes every endpoint that foreground selection would
// currently skip. Probes run outside the pool lock; status updates
// re-acquire it.
func (p *Pool) runHealthCheck(ctx context.Context) {
	now := p.clock.Now()

	p.mu.Lock()
	var unhealthy []*Endpoint
	for _, e := range p.endpoints {
		if e.status == StatusTesting || p.healthy(e, now) {
			continue
		}
		e.status = StatusTesting
		unhealthy = append(unhealthy, e)
	}
	p.mu.Unlock()
	if len(unhealthy) == 0 {
		return
	}

	maxConcurrent := p.cfg.HealthCheck.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	sem := semaphore.NewWeighted(maxConcurrent)
	for _, e := range unhealthy {
		if err := sem.Acquire(ctx, 1); err != nil {
			p.finishProbe(e, err)
			continue
		}
		go func(e *Endpoint) {
			defer sem.Release(1)
			probeCtx, cancel := context.WithTimeout(ctx, p.cfg.HealthCheck.Timeout)
			defer cancel()
			p.finishProbe(e, p.prober.Probe(probeCtx, e))
		}(e)
	}
}

func (p *Pool) finishProbe(e *Endpoint, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()

	if err == nil {
		e.status = StatusActive
		e.consecutiveFailures = 0
		e.cooldownUntil = time.Time{}
		metrics.ObserveHealthProbe("success")
		p.log.Info("proxy endpoint recovered", zap.String("endpoint", e.Key()))
	} else {
		// Keep hard-failed endpoints failed; extend everyone else's cooldown.
		if e.consecutiveFailures >= p.cfg.MaxConsecutiveFailures {
			e.status = StatusFailed
		} else {
			e.status = StatusCooldown
		}
		e.cooldownUntil = now.Add(p.cfg.Cooldown)
		metrics.ObserveHealthProbe("failure")
		p.log.Debug("proxy probe failed", zap.String("endpoint", e.Key()), zap.Error(err))
	}
	metrics.SetProxyPoolHealth(p.healthPercentLocked(now))
}

package proxy

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/veilcrawl/veilcrawl/internal/metrics"
	"github.com/veilcrawl/veilcrawl/internal/stealth"
)

// Strategy names a selection algorithm.
type Strategy string

// Selection strategies.
const (
	StrategyWeighted   Strategy = "weighted"
	StrategyRoundRobin Strategy = "round_robin"
	StrategyRandom     Strategy = "random"
	StrategyGeographic Strategy = "geographic"
)

// HealthCheckConfig controls the background reachability loop.
type HealthCheckConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	Timeout       time.Duration `mapstructure:"timeout"`
	URL           string        `mapstructure:"url"`
	MaxConcurrent int64         `mapstructure:"max_concurrent"`
}

// Config assembles the pool.
type Config struct {
	Endpoints               []EndpointConfig  `mapstructure:"endpoints"`
	Strategy                Strategy          `mapstructure:"strategy"`
	Sticky                  bool              `mapstructure:"sticky"`
	MaxConsecutiveFailures  int               `mapstructure:"max_consecutive_failures"`
	Cooldown                time.Duration     `mapstructure:"cooldown"`
	DefaultConcurrencyLimit int               `mapstructure:"default_concurrency_limit"`
	MaxPerCountry           int               `mapstructure:"max_per_country"`
	HealthCheck             HealthCheckConfig `mapstructure:"health_check"`
}

// DefaultConfig returns production-safe pool settings (no endpoints).
func DefaultConfig() Config {
	return Config{
		Strategy:                StrategyWeighted,
		Sticky:                  true,
		MaxConsecutiveFailures:  3,
		Cooldown:                5 * time.Minute,
		DefaultConcurrencyLimit: 4,
		HealthCheck: HealthCheckConfig{
			Interval:      2 * time.Minute,
			Timeout:       10 * time.Second,
			URL:           "https://www.gstatic.com/generate_204",
			MaxConcurrent: 4,
		},
	}
}

// AcquireOptions narrow selection for one acquisition.
type AcquireOptions struct {
	SessionID         string
	Target            stealth.Target
	CountryPreference string
}

// Pool owns the endpoint list and all selection bookkeeping. A single
// pool-wide lock guards mutation, held only for the compute-then-commit
// selection step.
type Pool struct {
	mu        sync.Mutex
	endpoints []*Endpoint
	bindings  map[string]*Endpoint
	rrIndex   int
	countryLU map[string]time.Time

	cfg     Config
	presets *stealth.TargetPresets
	clock   stealth.Clock
	rng     *rand.Rand
	log     *zap.Logger

	prober   Prober
	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New constructs a Pool from configuration.
func New(cfg Config, presets *stealth.TargetPresets, clock stealth.Clock, log *zap.Logger) (*Pool, error) {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyWeighted
	}
	switch cfg.Strategy {
	case StrategyWeighted, StrategyRoundRobin, StrategyRandom, StrategyGeographic:
	default:
		return nil, &stealth.ConfigError{Field: "proxy.strategy", Reason: "unknown strategy " + string(cfg.Strategy)}
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	if cfg.DefaultConcurrencyLimit <= 0 {
		cfg.DefaultConcurrencyLimit = 4
	}
	if log == nil {
		log = zap.NewNop()
	}

	p := &Pool{
		bindings:  make(map[string]*Endpoint),
		countryLU: make(map[string]time.Time),
		cfg:       cfg,
		presets:   presets,
		clock:     clock,
		rng:       rand.New(rand.NewSource(clock.Now().UnixNano())),
		log:       log,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	for _, ec := range cfg.Endpoints {
		if ec.Host == "" || ec.Port <= 0 {
			return nil, &stealth.ConfigError{Field: "proxy.endpoints", Reason: "endpoint needs host and port"}
		}
		limit := ec.ConcurrencyLimit
		if limit <= 0 {
			limit = cfg.DefaultConcurrencyLimit
		}
		p.endpoints = append(p.endpoints, &Endpoint{
			Host:             ec.Host,
			Port:             ec.Port,
			Protocol:         ec.Protocol,
			Username:         ec.Username,
			Password:         ec.Password,
			Provider:         ec.Provider,
			CountryCode:      ec.CountryCode,
			ConcurrencyLimit: limit,
			status:           StatusActive,
		})
	}
	p.prober = newHTTPProber(cfg.HealthCheck)
	return p, nil
}

// Size returns the number of configured endpoints.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.endpoints)
}

// Acquire selects an eligible endpoint. With stickiness enabled and a
// session that already holds a healthy endpoint, that endpoint is returned
// unchanged. Acquisition never oversubscribes a concurrency limit: when
// nothing is eligible it fails closed with ProxyUnavailableError.
func (p *Pool) Acquire(opts AcquireOptions) (*Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()

	if p.cfg.Sticky && opts.SessionID != "" {
		if bound, ok := p.bindings[opts.SessionID]; ok {
			if p.eligible(bound, now) || bound.activeSessions > 0 && p.healthy(bound, now) {
				bound.lastUsed = now
				metrics.ObserveProxyAcquisition("sticky")
				return bound, nil
			}
			// Bound endpoint went bad: drop the binding and reselect.
			p.unbindLocked(opts.SessionID)
		}
	}

	candidates := p.eligibleLocked(now)
	candidates = p.filterForTarget(candidates, opts)
	if len(candidates) == 0 {
		metrics.ObserveProxyAcquisition("unavailable")
		return nil, &stealth.ProxyUnavailableError{Target: opts.Target}
	}

	var picked *Endpoint
	switch p.cfg.Strategy {
	case StrategyRoundRobin:
		picked = p.pickRoundRobin(candidates)
	case StrategyRandom:
		picked = candidates[p.rng.Intn(len(candidates))]
	case StrategyGeographic:
		picked = p.pickGeographic(candidates, now)
	default:
		picked = p.pickWeighted(candidates, now)
	}

	// Commit.
	if picked.status == StatusCooldown {
		picked.status = StatusActive
	}
	picked.activeSessions++
	picked.lastUsed = now
	if picked.CountryCode != "" {
		p.countryLU[picked.CountryCode] = now
	}
	if opts.SessionID != "" {
		// A session holds exactly one slot; rebinding moves it, and
		// re-picking the bound endpoint must not stack a second hold.
		if old, ok := p.bindings[opts.SessionID]; ok && old.activeSessions > 0 {
			old.activeSessions--
		}
		p.bindings[opts.SessionID] = picked
	}
	metrics.ObserveProxyAcquisition("selected")
	return picked, nil
}

// healthy is the sticky-reuse bar: not failed, cooldown expired.
func (p *Pool) healthy(e *Endpoint, now time.Time) bool {
	if e.status == StatusFailed {
		return false
	}
	if e.status == StatusCooldown && now.Before(e.cooldownUntil) {
		return false
	}
	return e.consecutiveFailures < p.cfg.MaxConsecutiveFailures
}

// eligible additionally requires free concurrency.
func (p *Pool) eligible(e *Endpoint, now time.Time) bool {
	return p.healthy(e, now) && e.status != StatusTesting && e.activeSessions < e.ConcurrencyLimit
}

func (p *Pool) eligibleLocked(now time.Time) []*Endpoint {
	out := make([]*Endpoint, 0, len(p.endpoints))
	for _, e := range p.endpoints {
		if p.eligible(e, now) {
			out = append(out, e)
		}
	}
	return out
}

// filterForTarget applies the preset-driven preferences ahead of strategy
// selection, always falling back to the unfiltered set rather than failing.
func (p *Pool) filterForTarget(candidates []*Endpoint, opts AcquireOptions) []*Endpoint {
	if len(candidates) == 0 {
		return candidates
	}
	var preset stealth.TargetPreset
	ok := false
	if p.presets != nil && opts.Target != "" {
		preset, ok = p.presets.Lookup(opts.Target)
	}

	if ok && preset.MinProxySuccessRate > 0 {
		trusted := make([]*Endpoint, 0, len(candidates))
		for _, e := range candidates {
			if e.untried() || e.reliability() >= preset.MinProxySuccessRate {
				trusted = append(trusted, e)
			}
		}
		if len(trusted) > 0 {
			candidates = trusted
		}
	}

	country := opts.CountryPreference
	if country == "" && ok {
		country = preset.CountryCode
	}
	if country != "" {
		local := make([]*Endpoint, 0, len(candidates))
		for _, e := range candidates {
			if e.CountryCode == country {
				local = append(local, e)
			}
		}
		if len(local) > 0 {
			candidates = local
		}
	}
	return candidates
}

// Release returns a session's hold on the endpoint. With a session id the
// binding is dropped; Release always makes the endpoint acquirable again if
// it was only concurrency-limited.
func (p *Pool) Release(e *Endpoint, sessionID string) {
	if e == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if sessionID != "" {
		if bound, ok := p.bindings[sessionID]; ok && bound == e {
			delete(p.bindings, sessionID)
		}
	}
	if e.activeSessions > 0 {
		e.activeSessions--
	}
}

// Rotate drops a session's binding without touching health state, forcing
// the next Acquire to reselect.
func (p *Pool) Rotate(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unbindLocked(sessionID)
}

func (p *Pool) unbindLocked(sessionID string) {
	if bound, ok := p.bindings[sessionID]; ok {
		if bound.activeSessions > 0 {
			bound.activeSessions--
		}
		delete(p.bindings, sessionID)
	}
}

// Report feeds one request outcome into the endpoint's health accounting.
func (p *Pool) Report(e *Endpoint, success bool, latency time.Duration, kind stealth.FailureKind) {
	if e == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock.Now()

	if success {
		e.successCount++
		e.consecutiveFailures = 0
		if e.failureCount > 0 {
			e.failureCount--
		}
		e.status = StatusActive
		e.cooldownUntil = time.Time{}
		e.observeLatency(latency)
	} else {
		e.failureCount++
		e.consecutiveFailures++
		if e.consecutiveFailures >= p.cfg.MaxConsecutiveFailures {
			e.status = StatusFailed
			p.log.Warn("proxy endpoint failed",
				zap.String("endpoint", e.Key()),
				zap.Int("consecutive_failures", e.consecutiveFailures),
				zap.String("kind", kind.String()))
		} else {
			e.status = StatusCooldown
			e.cooldownUntil = now.Add(p.cfg.Cooldown)
		}
	}
	metrics.SetProxyPoolHealth(p.healthPercentLocked(now))
}

// HealthPercentage reports the share of endpoints currently usable, 0-100.
func (p *Pool) HealthPercentage() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthPercentLocked(p.clock.Now())
}

func (p *Pool) healthPercentLocked(now time.Time) float64 {
	if len(p.endpoints) == 0 {
		return 0
	}
	healthy := 0
	for _, e := range p.endpoints {
		if p.healthy(e, now) && e.status != StatusTesting {
			healthy++
		}
	}
	return float64(healthy) / float64(len(p.endpoints)) * 100
}

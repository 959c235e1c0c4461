package ratelimit

import (
	"time"

	"github.com/veilcrawl/veilcrawl/internal/breaker"
	"github.com/veilcrawl/veilcrawl/internal/stealth"
)

// Limits are the per-target admission ceilings. RequestsPerMinute and
// RequestsPerHour adapt at runtime; MinInterval and MaxConcurrent are fixed
// at configuration.
type Limits struct {
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	RequestsPerHour   int           `mapstructure:"requests_per_hour"`
	MinInterval       time.Duration `mapstructure:"min_interval"`
	MaxConcurrent     int           `mapstructure:"max_concurrent"`
}

// BackoffConfig shapes the exponential backoff applied after retryable
// failures.
type BackoffConfig struct {
	Base         time.Duration `mapstructure:"base"`
	Multiplier   float64       `mapstructure:"multiplier"`
	Max          time.Duration `mapstructure:"max"`
	JitterFactor float64       `mapstructure:"jitter_factor"`
}

// AdaptationConfig tunes the per-target feedback loop that raises or lowers
// the rpm/rph ceilings from rolling success rate and latency.
type AdaptationConfig struct {
	// Interval throttles how often the loop may run per target.
	Interval time.Duration `mapstructure:"interval"`
	// Window is the trailing slice of records the loop evaluates.
	Window time.Duration `mapstructure:"window"`
	// MinSamples gates adaptation until the window carries enough records.
	MinSamples int `mapstructure:"min_samples"`
	// MinSuccessRate below which ceilings tighten.
	MinSuccessRate float64 `mapstructure:"min_success_rate"`
	// MaxAvgLatency above which ceilings tighten.
	MaxAvgLatency time.Duration `mapstructure:"max_avg_latency"`
	// RecoverSuccessRate at or above which (with latency in bounds)
	// ceilings may recover toward their configured values.
	RecoverSuccessRate float64 `mapstructure:"recover_success_rate"`
	// RecoverAfter is the quiet period required since the last ceiling
	// change before recovery kicks in.
	RecoverAfter time.Duration `mapstructure:"recover_after"`
	// TightenFactor (<1) multiplies ceilings on degradation.
	TightenFactor float64 `mapstructure:"tighten_factor"`
	// RecoverFactor (>1) multiplies ceilings on recovery.
	RecoverFactor float64 `mapstructure:"recover_factor"`
	// FloorRequestsPerMinute / FloorRequestsPerHour bound tightening.
	FloorRequestsPerMinute int `mapstructure:"floor_requests_per_minute"`
	FloorRequestsPerHour   int `mapstructure:"floor_requests_per_hour"`
}

// Config assembles the limiter: global gate, per-target defaults and
// overrides, backoff, adaptation, and breaker thresholds.
type Config struct {
	Defaults  Limits                    `mapstructure:"defaults"`
	PerTarget map[stealth.Target]Limits `mapstructure:"per_target"`

	Backoff    BackoffConfig    `mapstructure:"backoff"`
	Adaptation AdaptationConfig `mapstructure:"adaptation"`
	Breaker    breaker.Config   `mapstructure:"breaker"`

	// GlobalRPS / GlobalBurst gate admissions across all targets.
	// Zero GlobalRPS disables the global gate.
	GlobalRPS   float64 `mapstructure:"global_rps"`
	GlobalBurst int     `mapstructure:"global_burst"`

	// JitterMax bounds the additive human-pattern jitter returned with an
	// Allowed decision.
	JitterMax time.Duration `mapstructure:"jitter_max"`
}

// DefaultConfig returns production-safe limiter settings.
func DefaultConfig() Config {
	return Config{
		Defaults: Limits{
			RequestsPerMinute: 10,
			RequestsPerHour:   300,
			MinInterval:       2 * time.Second,
			MaxConcurrent:     2,
		},
		Backoff: BackoffConfig{
			Base:         5 * time.Second,
			Multiplier:   2.0,
			Max:          10 * time.Minute,
			JitterFactor: 0.1,
		},
		Adaptation: AdaptationConfig{
			Interval:               3 * time.Minute,
			Window:                 15 * time.Minute,
			MinSamples:             10,
			MinSuccessRate:         0.85,
			MaxAvgLatency:          8 * time.Second,
			RecoverSuccessRate:     0.97,
			RecoverAfter:           10 * time.Minute,
			TightenFactor:          0.7,
			RecoverFactor:          1.2,
			FloorRequestsPerMinute: 1,
			FloorRequestsPerHour:   30,
		},
		Breaker:     breaker.DefaultConfig(),
		GlobalRPS:   8,
		GlobalBurst: 4,
		JitterMax:   750 * time.Millisecond,
	}
}

func (c Config) validate() error {
	if c.Defaults.RequestsPerMinute <= 0 {
		return &stealth.ConfigError{Field: "ratelimit.defaults.requests_per_minute", Reason: "must be > 0"}
	}
	if c.Defaults.RequestsPerHour <= 0 {
		return &stealth.ConfigError{Field: "ratelimit.defaults.requests_per_hour", Reason: "must be > 0"}
	}
	if c.Defaults.MaxConcurrent <= 0 {
		return &stealth.ConfigError{Field: "ratelimit.defaults.max_concurrent", Reason: "must be > 0"}
	}
	if c.Backoff.Multiplier <= 1 {
		return &stealth.ConfigError{Field: "ratelimit.backoff.multiplier", Reason: "must be > 1"}
	}
	if c.Backoff.Base <= 0 || c.Backoff.Max < c.Backoff.Base {
		return &stealth.ConfigError{Field: "ratelimit.backoff", Reason: "base must be > 0 and max >= base"}
	}
	if c.Backoff.JitterFactor < 0 || c.Backoff.JitterFactor >= 1 {
		return &stealth.ConfigError{Field: "ratelimit.backoff.jitter_factor", Reason: "must be in [0, 1)"}
	}
	if f := c.Adaptation.TightenFactor; f <= 0 || f >= 1 {
		return &stealth.ConfigError{Field: "ratelimit.adaptation.tighten_factor", Reason: "must be in (0, 1)"}
	}
	if c.Adaptation.RecoverFactor <= 1 {
		return &stealth.ConfigError{Field: "ratelimit.adaptation.recover_factor", Reason: "must be > 1"}
	}
	for target, limits := range c.PerTarget {
		if limits.RequestsPerMinute <= 0 || limits.RequestsPerHour <= 0 {
			return &stealth.ConfigError{Field: "ratelimit.targets." + string(target), Reason: "ceilings must be > 0"}
		}
	}
	return nil
}

func (c Config) limitsFor(target stealth.Target) Limits {
	if limits, ok := c.PerTarget[target]; ok {
		if limits.MaxConcurrent <= 0 {
			limits.MaxConcurrent = c.Defaults.MaxConcurrent
		}
		if limits.MinInterval <= 0 {
			limits.MinInterval = c.Defaults.MinInterval
		}
		return limits
	}
	return c.Defaults
}

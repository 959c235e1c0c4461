// Package proxy implements the health-aware rotating pool of egress
// endpoints: selection strategies, per-session stickiness, cooldown and
// failure accounting, and a cancellable background health-check loop.
package proxy

import (
	"fmt"
	"net/url"
	"time"
)

// Status is an endpoint's health state.
type Status int

// Endpoint statuses.
const (
	StatusActive Status = iota
	StatusCooldown
	StatusFailed
	StatusTesting
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusCooldown:
		return "cooldown"
	case StatusFailed:
		return "failed"
	case StatusTesting:
		return "testing"
	}
	return "unknown"
}

// EndpointConfig describes one egress proxy as configured.
type EndpointConfig struct {
	Host             string `mapstructure:"host"`
	Port             int    `mapstructure:"port"`
	Protocol         string `mapstructure:"protocol"`
	Username         string `mapstructure:"username"`
	Password         string `mapstructure:"password"`
	Provider         string `mapstructure:"provider"`
	CountryCode      string `mapstructure:"country_code"`
	ConcurrencyLimit int    `mapstructure:"concurrency_limit"`
}

// Endpoint is one egress proxy with its health bookkeeping. All mutable
// fields are guarded by the owning pool's lock; callers outside the package
// only read the identity fields.
type Endpoint struct {
	Host             string
	Port             int
	Protocol         string
	Username         string
	Password         string
	Provider         string
	CountryCode      string
	ConcurrencyLimit int

	status              Status
	cooldownUntil       time.Time
	successCount        int
	failureCount        int
	consecutiveFailures int
	activeSessions      int
	avgLatency          time.Duration
	lastUsed            time.Time
}

// Key identifies the endpoint within the pool.
func (e *Endpoint) Key() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// URL renders the endpoint as a proxy URL for the fetch collaborator.
func (e *Endpoint) URL() string {
	scheme := e.Protocol
	if scheme == "" {
		scheme = "http"
	}
	u := &url.URL{Scheme: scheme, Host: fmt.Sprintf("%s:%d", e.Host, e.Port)}
	if e.Username != "" {
		u.User = url.UserPassword(e.Username, e.Password)
	}
	return u.String()
}

// reliability is the derived score in [0,1]. Untried endpoints report a
// neutral 0.5 so they are neither shunned nor preferred by raw score; the
// weighted strategy layers its own untried bonus on top.
func (e *Endpoint) reliability() float64 {
	total := e.successCount + e.failureCount
	if total == 0 {
		return 0.5
	}
	return float64(e.successCount) / float64(total)
}

func (e *Endpoint) untried() bool {
	return e.successCount+e.failureCount == 0
}

// observeLatency folds one sample into the running average.
func (e *Endpoint) observeLatency(latency time.Duration) {
	if latency <= 0 {
		return
	}
	if e.avgLatency == 0 {
		e.avgLatency = latency
		return
	}
	e.avgLatency = (e.avgLatency*4 + latency) / 5
}

package stealth

import (
	"net/http"
	"time"
)

// Target is a normalized host name. It is the isolation unit for rate
// limiting and circuit breaking: all sessions hitting the same host share
// one limiter state and one breaker.
type Target string

// DetectionSignature classifies a response body/header pair as real content
// or as one of the known anti-bot reactions.
type DetectionSignature int

// Detection signature kinds, in scan precedence order.
const (
	SignatureNone DetectionSignature = iota
	SignatureRateLimited
	SignatureCaptcha
	SignatureFirewallChallenge
	SignatureGenericBlock
)

func (s DetectionSignature) String() string {
	switch s {
	case SignatureNone:
		return "none"
	case SignatureRateLimited:
		return "rate_limited"
	case SignatureCaptcha:
		return "captcha"
	case SignatureFirewallChallenge:
		return "firewall_challenge"
	case SignatureGenericBlock:
		return "generic_block"
	default:
		return "unknown"
	}
}

// RiskLevel summarizes how likely the current session is to be detected or
// blocked. It drives escalation policy in the orchestrator.
type RiskLevel int

// Risk levels, ordered.
const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	}
	return "unknown"
}

// FailureKind distinguishes transport-level failure causes.
type FailureKind int

// Failure kinds reported into the limiter and breaker.
const (
	FailureNone FailureKind = iota
	FailureNetwork
	FailureTimeout
	FailureHTTPStatus
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureNetwork:
		return "network"
	case FailureTimeout:
		return "timeout"
	case FailureHTTPStatus:
		return "http_status"
	}
	return "unknown"
}

// Outcome is the combined result of one governed request, fed back into the
// rate limiter, proxy pool, and session metrics.
type Outcome struct {
	Success     bool
	StatusCode  int
	Latency     time.Duration
	FailureKind FailureKind
	Detection   DetectionSignature
}

// Retryable reports whether the outcome should count against the circuit
// breaker and grow backoff. HTTP 429/502/503/504, transport errors, and
// timeouts qualify; unrelated 4xx does not.
func (o Outcome) Retryable() bool {
	if o.FailureKind == FailureNetwork || o.FailureKind == FailureTimeout {
		return true
	}
	switch o.StatusCode {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// RequestRecord is one entry in the bounded per-target rolling window the
// adaptive limiter tunes from.
type RequestRecord struct {
	Timestamp   time.Time
	Target      Target
	Success     bool
	Latency     time.Duration
	StatusCode  int
	FailureKind FailureKind
}

// FetchRequest captures everything the fetch collaborator needs for one call.
type FetchRequest struct {
	URL       string
	ProxyURL  string
	UserAgent string
	Timeout   time.Duration
	Headers   http.Header
}

// FetchResponse is the transport-level result returned by a Fetcher.
type FetchResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// FetchResult is what the orchestrator returns to callers: the response
// plus the detection verdict and the session's recomputed risk.
type FetchResult struct {
	Body       []byte
	StatusCode int
	Headers    http.Header
	Detection  DetectionSignature
	Risk       RiskLevel
	Latency    time.Duration
	ProxyHost  string
}

package stealth

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownSession is returned by orchestrator operations referencing a
// session id that was never created or has been closed.
var ErrUnknownSession = errors.New("unknown session")

// DenialReason names why admission was refused.
type DenialReason int

// Admission denial reasons.
const (
	ReasonRateLimited DenialReason = iota
	ReasonCircuitOpen
	ReasonBackoffActive
)

func (r DenialReason) String() string {
	switch r {
	case ReasonRateLimited:
		return "rate_limited"
	case ReasonCircuitOpen:
		return "circuit_open"
	case ReasonBackoffActive:
		return "backoff_active"
	}
	return "unknown"
}

// AdmissionDeniedError reports a refused admission together with the exact
// wait after which a retry may succeed.
type AdmissionDeniedError struct {
	Target     Target
	Reason     DenialReason
	RetryAfter time.Duration
}

func (e *AdmissionDeniedError) Error() string {
	return fmt.Sprintf("admission denied for %s: %s (retry after %s)", e.Target, e.Reason, e.RetryAfter)
}

// ProxyUnavailableError reports that no eligible proxy endpoint could be
// acquired. Recoverable: callers may proceed proxyless if policy allows.
type ProxyUnavailableError struct {
	Target Target
}

func (e *ProxyUnavailableError) Error() string {
	return fmt.Sprintf("no proxy available for %s", e.Target)
}

// FetchFailedError wraps a transport-level fetch failure.
type FetchFailedError struct {
	Kind       FailureKind
	StatusCode int
	Err        error
}

func (e *FetchFailedError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch failed: %s (status %d)", e.Kind, e.StatusCode)
	}
	return fmt.Sprintf("fetch failed: %s: %v", e.Kind, e.Err)
}

func (e *FetchFailedError) Unwrap() error {
	return e.Err
}

// DetectionError marks a semantically failed response: the transport
// succeeded but the body carries an anti-bot signature. It feeds risk
// escalation, never the circuit breaker.
type DetectionError struct {
	Signature DetectionSignature
}

func (e *DetectionError) Error() string {
	return fmt.Sprintf("detection triggered: %s", e.Signature)
}

// ConfigError is fatal at construction time: invalid thresholds, an empty
// mandatory proxy list, and similar. Nothing degrades silently.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

package ratelimit

import (
	"time"

	"github.com/veilcrawl/veilcrawl/internal/stealth"
)

// TargetStats is the observable limiter state for one target.
type TargetStats struct {
	Target            stealth.Target `json:"target"`
	CircuitState      string         `json:"circuit_state"`
	RequestsPerMinute int            `json:"rpm_ceiling"`
	RequestsPerHour   int            `json:"rph_ceiling"`
	BackoffLevel      int            `json:"backoff_level"`
	BackoffRemaining  time.Duration  `json:"backoff_remaining"`
	InFlight          int            `json:"in_flight"`
	WindowRequests    int            `json:"window_requests"`
}

// Stats returns the current state for one target. Targets with no history
// report their configured defaults.
func (l *Limiter) Stats(target stealth.Target) TargetStats {
	st := l.state(target)
	now := l.clock.Now()

	st.mu.Lock()
	defer st.mu.Unlock()

	remaining := st.backoffUntil.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	windowCount := 0
	cutoff := now.Add(-time.Minute)
	for _, at := range st.admits {
		if at.After(cutoff) {
			windowCount++
		}
	}
	return TargetStats{
		Target:            target,
		CircuitState:      st.br.State().String(),
		RequestsPerMinute: st.limits.RequestsPerMinute,
		RequestsPerHour:   st.limits.RequestsPerHour,
		BackoffLevel:      st.backoffLevel,
		BackoffRemaining:  remaining,
		InFlight:          st.inFlight,
		WindowRequests:    windowCount,
	}
}

// TargetSnapshot is the flat record exported for operational snapshotting.
// Breaker counters are deliberately excluded: a fresh process re-learns
// failure state instead of resurrecting a stale open breaker.
type TargetSnapshot struct {
	Target            stealth.Target
	RequestsPerMinute int
	RequestsPerHour   int
	BackoffLevel      int
}

// Export returns a snapshot of every target's adaptive state.
func (l *Limiter) Export() []TargetSnapshot {
	targets := l.Targets()
	out := make([]TargetSnapshot, 0, len(targets))
	for _, target := range targets {
		st := l.state(target)
		st.mu.Lock()
		out = append(out, TargetSnapshot{
			Target:            target,
			RequestsPerMinute: st.limits.RequestsPerMinute,
			RequestsPerHour:   st.limits.RequestsPerHour,
			BackoffLevel:      st.backoffLevel,
		})
		st.mu.Unlock()
	}
	return out
}

// Import restores adaptive ceilings and backoff levels from a snapshot.
// Values are clamped into [configured floor, configured ceiling].
func (l *Limiter) Import(snapshots []TargetSnapshot) {
	for _, snap := range snapshots {
		st := l.state(snap.Target)
		st.mu.Lock()
		st.limits.RequestsPerMinute = capInt(
			floorInt(snap.RequestsPerMinute, l.cfg.Adaptation.FloorRequestsPerMinute),
			st.configured.RequestsPerMinute,
		)
		st.limits.RequestsPerHour = capInt(
			floorInt(snap.RequestsPerHour, l.cfg.Adaptation.FloorRequestsPerHour),
			st.configured.RequestsPerHour,
		)
		if snap.BackoffLevel > 0 {
			st.backoffLevel = snap.BackoffLevel
		}
		st.mu.Unlock()
	}
}

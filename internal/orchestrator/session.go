package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/veilcrawl/veilcrawl/internal/stealth"
)

// SessionState is the lifecycle position of a session.
type SessionState int

// Session lifecycle states.
const (
	SessionCreated SessionState = iota
	SessionActive
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionCreated:
		return "created"
	case SessionActive:
		return "active"
	case SessionClosed:
		return "closed"
	}
	return "unknown"
}

// maxOutcomes bounds the per-session window risk is computed from.
const maxOutcomes = 64

// session is the per-session bookkeeping. The orchestrator map lock only
// guards lookup; everything inside is guarded by the session's own mutex so
// concurrent sessions never serialize on each other.
type session struct {
	id      string
	target  stealth.Target
	country string

	// cancel aborts every blocking point of an in-flight Fetch.
	ctx    context.Context
	cancel context.CancelFunc

	mu                      sync.Mutex
	state                   SessionState
	createdAt               time.Time
	outcomes                []stealth.Outcome
	requests                int
	failures                int
	detections              int
	signatureCounts         map[stealth.DetectionSignature]int
	risk                    stealth.RiskLevel
	consecutiveCritical     int
	pendingRecovery         time.Duration
	rotateBeforeNextRequest bool
	uaIndex                 int
}

// prepareRequest consumes the pending recovery delay and rotation flag and
// returns them with the session's current identity. Rotation advances the
// identity too: a new proxy with the old fingerprint defeats the point.
func (s *session) prepareRequest(userAgents []string) (recovery time.Duration, rotate bool, userAgent string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recovery = s.pendingRecovery
	s.pendingRecovery = 0
	rotate = s.rotateBeforeNextRequest
	s.rotateBeforeNextRequest = false
	if rotate && len(userAgents) > 0 {
		s.uaIndex = (s.uaIndex + 1) % len(userAgents)
	}
	if len(userAgents) > 0 {
		userAgent = userAgents[s.uaIndex%len(userAgents)]
	}
	return recovery, rotate, userAgent
}

func (s *session) markActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SessionCreated {
		s.state = SessionActive
	}
}

func (s *session) record(outcome stealth.Outcome) {
	s.requests++
	if !outcome.Success {
		s.failures++
	}
	if outcome.Detection != stealth.SignatureNone {
		s.detections++
		s.signatureCounts[outcome.Detection]++
	}
	s.outcomes = append(s.outcomes, outcome)
	if len(s.outcomes) > maxOutcomes {
		s.outcomes = s.outcomes[len(s.outcomes)-maxOutcomes:]
	}
}

// SessionStats is the observable per-session state.
type SessionStats struct {
	ID                  string             `json:"id"`
	Target              stealth.Target     `json:"target"`
	State               string             `json:"state"`
	Requests            int                `json:"requests"`
	Failures            int                `json:"failures"`
	Detections          int                `json:"detections"`
	Risk                string             `json:"risk"`
	ConsecutiveCritical int                `json:"consecutive_critical"`
	CreatedAt           time.Time          `json:"created_at"`
	SignatureCounts     map[string]int     `json:"signature_counts,omitempty"`
}

func (s *session) stats() SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sigs map[string]int
	if len(s.signatureCounts) > 0 {
		sigs = make(map[string]int, len(s.signatureCounts))
		for sig, n := range s.signatureCounts {
			sigs[sig.String()] = n
		}
	}
	return SessionStats{
		ID:                  s.id,
		Target:              s.target,
		State:               s.state.String(),
		Requests:            s.requests,
		Failures:            s.failures,
		Detections:          s.detections,
		Risk:                s.risk.String(),
		ConsecutiveCritical: s.consecutiveCritical,
		CreatedAt:           s.createdAt,
		SignatureCounts:     sigs,
	}
}

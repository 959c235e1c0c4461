package proxy

import (
	"time"
)

// EndpointSnapshot is the flat record exported for operational
// snapshotting: identity plus health fields, no session bookkeeping.
type EndpointSnapshot struct {
	Host                string
	Port                int
	Protocol            string
	Provider            string
	CountryCode         string
	Status              string
	SuccessCount        int
	FailureCount        int
	ConsecutiveFailures int
	CooldownUntil       time.Time
	AvgLatency          time.Duration
}

// Export returns a snapshot of every endpoint's identity and health state.
func (p *Pool) Export() []EndpointSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]EndpointSnapshot, 0, len(p.endpoints))
	for _, e := range p.endpoints {
		status := e.status
		if status == StatusTesting {
			// A probe in flight is transient state; snapshot the endpoint
			// as cooling down instead.
			status = StatusCooldown
		}
		out = append(out, EndpointSnapshot{
			Host:                e.Host,
			Port:                e.Port,
			Protocol:            e.Protocol,
			Provider:            e.Provider,
			CountryCode:         e.CountryCode,
			Status:              status.String(),
			SuccessCount:        e.successCount,
			FailureCount:        e.failureCount,
			ConsecutiveFailures: e.consecutiveFailures,
			CooldownUntil:       e.cooldownUntil,
			AvgLatency:          e.avgLatency,
		})
	}
	return out
}

// Import restores health fields onto matching endpoints (by host:port).
// Unknown endpoints in the snapshot are ignored; credentials always come
// from configuration, never from snapshots.
func (p *Pool) Import(snapshots []EndpointSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	byKey := make(map[string]*Endpoint, len(p.endpoints))
	for _, e := range p.endpoints {
		byKey[e.Key()] = e
	}
	for _, snap := range snapshots {
		e, ok := byKey[keyOf(snap.Host, snap.Port)]
		if !ok {
			continue
		}
		e.successCount = snap.SuccessCount
		e.failureCount = snap.FailureCount
		e.consecutiveFailures = snap.ConsecutiveFailures
		e.cooldownUntil = snap.CooldownUntil
		e.avgLatency = snap.AvgLatency
		e.status = statusFromString(snap.Status)
	}
}

func keyOf(host string, port int) string {
	return (&Endpoint{Host: host, Port: port}).Key()
}

func statusFromString(s string) Status {
	switch s {
	case "cooldown":
		return StatusCooldown
	case "failed":
		return StatusFailed
	case "testing":
		return StatusCooldown
	default:
		return StatusActive
	}
}

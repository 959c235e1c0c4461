package orchestrator

import (
	"sort"

	"github.com/veilcrawl/veilcrawl/internal/ratelimit"
	"github.com/veilcrawl/veilcrawl/internal/stealth"
)

// Stats is the aggregate observable state across every target and session.
type Stats struct {
	Targets           []ratelimit.TargetStats `json:"targets"`
	Sessions          []SessionStats          `json:"sessions"`
	ActiveSessions    int                     `json:"active_sessions"`
	PoolHealthPercent float64                 `json:"pool_health_percent"`
	PoolSize          int                     `json:"pool_size"`
}

// Stats reports limiter state for every known target plus pool health and
// the open sessions.
func (o *Orchestrator) Stats() Stats {
	targets := o.limiter.Targets()
	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })

	stats := Stats{Targets: make([]ratelimit.TargetStats, 0, len(targets))}
	for _, target := range targets {
		stats.Targets = append(stats.Targets, o.limiter.Stats(target))
	}

	o.mu.Lock()
	stats.ActiveSessions = len(o.sessions)
	stats.Sessions = make([]SessionStats, 0, len(o.sessions))
	sessions := make([]*session, 0, len(o.sessions))
	for _, sess := range o.sessions {
		sessions = append(sessions, sess)
	}
	o.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].id < sessions[j].id })
	for _, sess := range sessions {
		stats.Sessions = append(stats.Sessions, sess.stats())
	}

	if o.pool != nil {
		stats.PoolHealthPercent = o.pool.HealthPercentage()
		stats.PoolSize = o.pool.Size()
	}
	return stats
}

// TargetStats reports the limiter state for one target.
func (o *Orchestrator) TargetStats(target stealth.Target) ratelimit.TargetStats {
	return o.limiter.Stats(target)
}

// SessionStats reports one session's state.
func (o *Orchestrator) SessionStats(sessionID string) (SessionStats, error) {
	sess, err := o.session(sessionID)
	if err != nil {
		return SessionStats{}, err
	}
	return sess.stats(), nil
}

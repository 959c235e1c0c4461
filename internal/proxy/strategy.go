package proxy

import (
	"time"
)

// recentUseWindow is how long an endpoint counts as "just used" for the
// weighted strategy's herd-avoidance penalty.
const recentUseWindow = 30 * time.Second

// pickWeighted selects by reliability-weighted random draw, penalizing
// recently or concurrently used endpoints and rewarding untried ones so the
// pool never goes stale on a few favorites.
func (p *Pool) pickWeighted(candidates []*Endpoint, now time.Time) *Endpoint {
	weights := make([]float64, len(candidates))
	total := 0.0
	for i, e := range candidates {
		w := e.reliability() * 100
		if e.untried() {
			w += 30
		}
		if now.Sub(e.lastUsed) < recentUseWindow {
			w -= 20
		}
		w -= float64(e.activeSessions) * 10
		if w < 1 {
			w = 1
		}
		weights[i] = w
		total += w
	}
	draw := p.rng.Float64() * total
	for i, w := range weights {
		draw -= w
		if draw <= 0 {
			return candidates[i]
		}
	}
	return candidates[len(candidates)-1]
}

// pickRoundRobin walks the candidate list with a pool-wide cursor.
func (p *Pool) pickRoundRobin(candidates []*Endpoint) *Endpoint {
	e := candidates[p.rrIndex%len(candidates)]
	p.rrIndex++
	return e
}

// pickGeographic buckets candidates by country, prefers the
// least-recently-used bucket, and picks the most reliable endpoint within
// it. Countries already at MaxPerCountry active sessions are skipped for
// distribution; if every bucket is capped the weighted pick decides.
func (p *Pool) pickGeographic(candidates []*Endpoint, now time.Time) *Endpoint {
	buckets := make(map[string][]*Endpoint)
	for _, e := range candidates {
		buckets[e.CountryCode] = append(buckets[e.CountryCode], e)
	}

	bestCountry := ""
	var bestUsed time.Time
	found := false
	for country := range buckets {
		if p.cfg.MaxPerCountry > 0 && p.countryActiveSessions(country) >= p.cfg.MaxPerCountry {
			continue
		}
		used := p.countryLU[country]
		if !found || used.Before(bestUsed) {
			bestCountry, bestUsed, found = country, used, true
		}
	}
	if !found {
		return p.pickWeighted(candidates, now)
	}

	group := buckets[bestCountry]
	best := group[0]
	for _, e := range group[1:] {
		if e.reliability() > best.reliability() {
			best = e
		}
	}
	return best
}

func (p *Pool) countryActiveSessions(country string) int {
	n := 0
	for _, e := range p.endpoints {
		if e.CountryCode == country {
			n += e.activeSessions
		}
	}
	return n
}

// Package ratelimit implements adaptive per-target admission control. Each
// target carries sliding minute/hour windows, exponential backoff, and a
// circuit breaker; a feedback loop tunes the ceilings from rolling success
// rate and latency, never exceeding the operator-configured limits.
package ratelimit

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/veilcrawl/veilcrawl/internal/breaker"
	"github.com/veilcrawl/veilcrawl/internal/metrics"
	"github.com/veilcrawl/veilcrawl/internal/stealth"
)

// Decision is the admission verdict for one request.
type Decision int

// Admission decisions.
const (
	DecisionAllowed Decision = iota
	DecisionRateLimited
	DecisionCircuitOpen
	DecisionBackoffActive
)

func (d Decision) String() string {
	switch d {
	case DecisionAllowed:
		return "allowed"
	case DecisionRateLimited:
		return "rate_limited"
	case DecisionCircuitOpen:
		return "circuit_open"
	case DecisionBackoffActive:
		return "backoff_active"
	}
	return "unknown"
}

// Reason maps a denial decision onto the error taxonomy.
func (d Decision) Reason() stealth.DenialReason {
	switch d {
	case DecisionCircuitOpen:
		return stealth.ReasonCircuitOpen
	case DecisionBackoffActive:
		return stealth.ReasonBackoffActive
	default:
		return stealth.ReasonRateLimited
	}
}

// Admission pairs the decision with the wait it carries: the exact retry
// delay on denial, or the additive human-pattern jitter on Allowed.
type Admission struct {
	Decision Decision
	Wait     time.Duration
}

// maxRecords caps the per-target outcome window regardless of age pruning.
const maxRecords = 512

type targetState struct {
	mu sync.Mutex

	limits     Limits // current adaptive ceilings
	configured Limits // original operator ceilings

	lastRequest time.Time
	admits      []time.Time
	records     []stealth.RequestRecord
	inFlight    int

	backoffLevel int
	backoffUntil time.Time

	lastAdaptation    time.Time
	lastCeilingChange time.Time

	br *breaker.Breaker
}

// Limiter is the adaptive per-target rate limiter. Lock granularity is per
// target: sessions hitting unrelated targets never serialize each other.
type Limiter struct {
	mu      sync.Mutex
	targets map[stealth.Target]*targetState

	cfg    Config
	clock  stealth.Clock
	global *rate.Limiter
	rng    *rand.Rand
	rngMu  sync.Mutex
	log    *zap.Logger
}

// New constructs a Limiter, validating thresholds up front.
func New(cfg Config, clock stealth.Clock, log *zap.Logger) (*Limiter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	var global *rate.Limiter
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = 1
		}
		global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burst)
	}
	return &Limiter{
		targets: make(map[stealth.Target]*targetState),
		cfg:     cfg,
		clock:   clock,
		global:  global,
		rng:     rand.New(rand.NewSource(clock.Now().UnixNano())),
		log:     log,
	}, nil
}

func (l *Limiter) state(target stealth.Target) *targetState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.targets[target]
	if !ok {
		limits := l.cfg.limitsFor(target)
		st = &targetState{
			limits:     limits,
			configured: limits,
			br:         breaker.New(l.cfg.Breaker),
		}
		l.targets[target] = st
	}
	return st
}

// CheckAdmission decides whether a request to target may proceed now. On
// denial the Wait is the exact delay after which a retry can succeed; on
// Allowed it is the small additive human-pattern jitter the caller should
// sleep before issuing the request. An Allowed admission counts against the
// in-flight cap until the matching Release.
func (l *Limiter) CheckAdmission(target stealth.Target) Admission {
	st := l.state(target)
	now := l.clock.Now()

	st.mu.Lock()
	defer st.mu.Unlock()

	adm := l.admit(st, now)
	if adm.Decision == DecisionAllowed {
		st.lastRequest = now
		st.admits = append(st.admits, now)
		st.inFlight++
	}
	metrics.ObserveAdmission(string(target), adm.Decision.String())
	return adm
}

func (l *Limiter) admit(st *targetState, now time.Time) Admission {
	// 1. Circuit breaker.
	if !st.br.Allow(now) {
		wait := st.br.NextAttempt().Sub(now)
		if wait <= 0 {
			// Half-open with its probe already in flight.
			wait = st.limits.MinInterval
			if wait <= 0 {
				wait = time.Second
			}
		}
		return Admission{Decision: DecisionCircuitOpen, Wait: wait}
	}
	deny := func(adm Admission) Admission {
		st.br.ReleaseProbe()
		return adm
	}

	// 2. Backoff window.
	if now.Before(st.backoffUntil) {
		return deny(Admission{Decision: DecisionBackoffActive, Wait: st.backoffUntil.Sub(now)})
	}

	// 3. Sliding minute and hour windows.
	st.pruneAdmits(now)
	if wait, full := windowWait(st.admits, now, time.Minute, st.limits.RequestsPerMinute); full {
		return deny(Admission{Decision: DecisionRateLimited, Wait: wait})
	}
	if wait, full := windowWait(st.admits, now, time.Hour, st.limits.RequestsPerHour); full {
		return deny(Admission{Decision: DecisionRateLimited, Wait: wait})
	}

	// 4. Minimum inter-request interval.
	if st.limits.MinInterval > 0 && !st.lastRequest.IsZero() {
		if elapsed := now.Sub(st.lastRequest); elapsed < st.limits.MinInterval {
			return deny(Admission{Decision: DecisionRateLimited, Wait: st.limits.MinInterval - elapsed})
		}
	}

	// 5. In-flight concurrency cap.
	if st.inFlight >= st.limits.MaxConcurrent {
		wait := st.limits.MinInterval
		if wait <= 0 {
			wait = time.Second
		}
		return deny(Admission{Decision: DecisionRateLimited, Wait: wait})
	}

	// Global gate across all targets.
	if l.global != nil {
		res := l.global.ReserveN(now, 1)
		if delay := res.DelayFrom(now); delay > 0 {
			res.CancelAt(now)
			return deny(Admission{Decision: DecisionRateLimited, Wait: delay})
		}
	}

	// 6. Additive human-pattern jitter.
	return Admission{Decision: DecisionAllowed, Wait: l.humanJitter(now)}
}

// windowWait reports whether the window of size span already holds limit
// admissions, and if so how long until the oldest one slides out.
func windowWait(admits []time.Time, now time.Time, span time.Duration, limit int) (time.Duration, bool) {
	if limit <= 0 {
		return 0, false
	}
	cutoff := now.Add(-span)
	count := 0
	var oldest time.Time
	for _, at := range admits {
		if at.After(cutoff) {
			if count == 0 {
				oldest = at
			}
			count++
		}
	}
	if count < limit {
		return 0, false
	}
	wait := oldest.Add(span).Sub(now)
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait, true
}

func (st *targetState) pruneAdmits(now time.Time) {
	cutoff := now.Add(-time.Hour)
	keep := st.admits[:0]
	for _, at := range st.admits {
		if at.After(cutoff) {
			keep = append(keep, at)
		}
	}
	st.admits = keep
}

// humanJitter produces a small bounded delay modulated by time of day:
// slower overnight, near-instant during busy daytime hours.
func (l *Limiter) humanJitter(now time.Time) time.Duration {
	if l.cfg.JitterMax <= 0 {
		return 0
	}
	l.rngMu.Lock()
	base := time.Duration(l.rng.Int63n(int64(l.cfg.JitterMax)))
	l.rngMu.Unlock()
	hour := now.Hour()
	if hour < 7 || hour > 22 {
		base += base / 2
	}
	return base
}

// Release records the completion of an admitted request and drives the
// backoff and adaptation loops.
func (l *Limiter) Release(target stealth.Target, outcome stealth.Outcome) {
	st := l.state(target)
	now := l.clock.Now()

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.inFlight > 0 {
		st.inFlight--
	}

	st.records = append(st.records, stealth.RequestRecord{
		Timestamp:   now,
		Target:      target,
		Success:     outcome.Success,
		Latency:     outcome.Latency,
		StatusCode:  outcome.StatusCode,
		FailureKind: outcome.FailureKind,
	})
	st.pruneRecords(now, l.cfg.Adaptation.Window)

	before := st.br.State()
	switch {
	case !outcome.Success && outcome.Retryable():
		st.br.RecordFailure(now)
		l.growBackoff(st, now)
	case outcome.Detection != stealth.SignatureNone:
		// Detection is a semantic failure: it must not close, trip, or
		// decay the breaker, but a half-open probe slot has to come back.
		st.br.ReleaseProbe()
	case !outcome.Success:
		// Unrelated HTTP errors (plain 404/410) are neutral. They neither
		// count against the breaker nor stand in for a success, so the
		// counters and backoff stay untouched.
		st.br.ReleaseProbe()
	default:
		st.br.RecordSuccess()
		l.shrinkBackoff(st)
	}
	if after := st.br.State(); after != before {
		metrics.ObserveBreakerTransition(string(target), after.String())
		l.log.Info("circuit breaker transition",
			zap.String("target", string(target)),
			zap.String("from", before.String()),
			zap.String("to", after.String()))
	}

	l.maybeAdapt(st, target, now)
}

func (st *targetState) pruneRecords(now time.Time, window time.Duration) {
	if window <= 0 {
		window = time.Hour
	}
	cutoff := now.Add(-window)
	keep := st.records[:0]
	for _, rec := range st.records {
		if rec.Timestamp.After(cutoff) {
			keep = append(keep, rec)
		}
	}
	st.records = keep
	if len(st.records) > maxRecords {
		st.records = st.records[len(st.records)-maxRecords:]
	}
}

func (l *Limiter) growBackoff(st *targetState, now time.Time) {
	st.backoffLevel++
	cfg := l.cfg.Backoff
	delay := float64(cfg.Base) * math.Pow(cfg.Multiplier, float64(st.backoffLevel-1))
	if delay > float64(cfg.Max) {
		delay = float64(cfg.Max)
	}
	if cfg.JitterFactor > 0 {
		l.rngMu.Lock()
		spread := (l.rng.Float64()*2 - 1) * cfg.JitterFactor
		l.rngMu.Unlock()
		delay *= 1 + spread
	}
	st.backoffUntil = now.Add(time.Duration(delay))
}

func (l *Limiter) shrinkBackoff(st *targetState) {
	if st.backoffLevel > 0 {
		st.backoffLevel--
	}
	st.backoffUntil = time.Time{}
}

// maybeAdapt runs the throttled feedback loop: tighten ceilings when the
// trailing window degrades, recover them toward the configured ceilings
// when it stays healthy. Must be called with st.mu held.
func (l *Limiter) maybeAdapt(st *targetState, target stealth.Target, now time.Time) {
	cfg := l.cfg.Adaptation
	if cfg.Interval > 0 && now.Sub(st.lastAdaptation) < cfg.Interval {
		return
	}
	if len(st.records) < cfg.MinSamples {
		return
	}
	st.lastAdaptation = now

	successes := 0
	var latencySum time.Duration
	for _, rec := range st.records {
		if rec.Success {
			successes++
		}
		latencySum += rec.Latency
	}
	successRate := float64(successes) / float64(len(st.records))
	avgLatency := latencySum / time.Duration(len(st.records))

	switch {
	case successRate < cfg.MinSuccessRate || (cfg.MaxAvgLatency > 0 && avgLatency > cfg.MaxAvgLatency):
		rpm := floorInt(int(float64(st.limits.RequestsPerMinute)*cfg.TightenFactor), cfg.FloorRequestsPerMinute)
		rph := floorInt(int(float64(st.limits.RequestsPerHour)*cfg.TightenFactor), cfg.FloorRequestsPerHour)
		if rpm != st.limits.RequestsPerMinute || rph != st.limits.RequestsPerHour {
			st.limits.RequestsPerMinute = rpm
			st.limits.RequestsPerHour = rph
			st.lastCeilingChange = now
			l.log.Warn("tightened rate ceilings",
				zap.String("target", string(target)),
				zap.Int("rpm", rpm),
				zap.Int("rph", rph),
				zap.Float64("success_rate", successRate),
				zap.Duration("avg_latency", avgLatency))
		}
	case successRate >= cfg.RecoverSuccessRate &&
		(cfg.MaxAvgLatency <= 0 || avgLatency <= cfg.MaxAvgLatency) &&
		now.Sub(st.lastCeilingChange) >= cfg.RecoverAfter:
		// Ceil so small ceilings still make progress under fractional factors.
		rpm := capInt(int(math.Ceil(float64(st.limits.RequestsPerMinute)*cfg.RecoverFactor)), st.configured.RequestsPerMinute)
		rph := capInt(int(math.Ceil(float64(st.limits.RequestsPerHour)*cfg.RecoverFactor)), st.configured.RequestsPerHour)
		if rpm != st.limits.RequestsPerMinute || rph != st.limits.RequestsPerHour {
			st.limits.RequestsPerMinute = rpm
			st.limits.RequestsPerHour = rph
			st.lastCeilingChange = now
			l.log.Info("recovered rate ceilings",
				zap.String("target", string(target)),
				zap.Int("rpm", rpm),
				zap.Int("rph", rph))
		}
	}
}

func floorInt(v, floor int) int {
	if floor > 0 && v < floor {
		return floor
	}
	if v < 1 {
		return 1
	}
	return v
}

func capInt(v, ceil int) int {
	if v > ceil {
		return ceil
	}
	if v < 1 {
		return 1
	}
	return v
}

// Cancel returns an admitted slot without recording an outcome, for
// requests aborted between admission and the actual fetch (proxy
// unavailable, caller cancellation). The half-open probe slot, if this
// admission held it, is freed too.
func (l *Limiter) Cancel(target stealth.Target) {
	st := l.state(target)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.inFlight > 0 {
		st.inFlight--
	}
	st.br.ReleaseProbe()
}

// ResetBreaker forces the target's breaker Closed. Operator action.
func (l *Limiter) ResetBreaker(target stealth.Target) {
	st := l.state(target)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.br.Reset()
}

// Targets returns every target the limiter has state for.
func (l *Limiter) Targets() []stealth.Target {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]stealth.Target, 0, len(l.targets))
	for target := range l.targets {
		out = append(out, target)
	}
	return out
}

// Package orchestrator ties admission, proxy selection, pacing, fetching,
// and detection into the single governed request path. It owns the other
// components and feeds results back to them explicitly; none of them ever
// call back up.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/veilcrawl/veilcrawl/internal/metrics"
	"github.com/veilcrawl/veilcrawl/internal/pacer"
	"github.com/veilcrawl/veilcrawl/internal/proxy"
	"github.com/veilcrawl/veilcrawl/internal/ratelimit"
	"github.com/veilcrawl/veilcrawl/internal/stealth"
)

// ErrClosed is returned once the orchestrator has been shut down.
var ErrClosed = errors.New("orchestrator closed")

// Config tunes the governed request path.
type Config struct {
	// RecoveryBase is the unit the post-incident recovery delay scales
	// from: Medium x1, High x2, Critical x4.
	RecoveryBase time.Duration `mapstructure:"recovery_base"`
	// MaxAdmissionWait bounds the denial waits Fetch will sleep out
	// itself; longer waits surface to the caller as AdmissionDeniedError.
	MaxAdmissionWait time.Duration `mapstructure:"max_admission_wait"`
	// AdmissionRetries is how many denials Fetch absorbs before giving up.
	AdmissionRetries int `mapstructure:"admission_retries"`
	// RequireProxy makes proxy acquisition mandatory for every target,
	// not just those whose preset demands it.
	RequireProxy bool `mapstructure:"require_proxy"`
	// FetchTimeout is the per-request fetch timeout; zero defers to the
	// fetcher's own default.
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	// CriticalAbortAfter is the consecutive-Critical count past which the
	// session is flagged as an abort candidate in its stats. The
	// orchestrator signals, it never terminates sessions itself.
	CriticalAbortAfter int           `mapstructure:"critical_abort_after"`
	URLCacheSize       int           `mapstructure:"url_cache_size"`
	UserAgents         []string      `mapstructure:"user_agents"`
	Risk               RiskConfig    `mapstructure:"risk"`
}

func DefaultConfig() Config {
	return Config{
		RecoveryBase:       30 * time.Second,
		MaxAdmissionWait:   10 * time.Second,
		AdmissionRetries:   2,
		CriticalAbortAfter: 5,
		URLCacheSize:       4096,
		UserAgents:         DefaultUserAgents(),
		Risk:               DefaultRiskConfig(),
	}
}

// DefaultUserAgents is the built-in identity catalog rotated through when
// risk forces an identity change.
func DefaultUserAgents() []string {
	return []string{
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
		"Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0",
	}
}

// Deps are the collaborators the orchestrator composes. Limiter, Fetcher,
// and Scanner are mandatory; Pool may be nil for proxyless operation.
type Deps struct {
	Limiter *ratelimit.Limiter
	Pool    *proxy.Pool
	Pacer   *pacer.Pacer
	Fetcher stealth.Fetcher
	Scanner stealth.DetectionScanner
	Presets *stealth.TargetPresets
	Clock   stealth.Clock
	Log     *zap.Logger
}

// Orchestrator is the public face of the governance core.
type Orchestrator struct {
	cfg     Config
	limiter *ratelimit.Limiter
	pool    *proxy.Pool
	pacer   *pacer.Pacer
	fetcher stealth.Fetcher
	scanner stealth.DetectionScanner
	presets *stealth.TargetPresets
	clock   stealth.Clock
	log     *zap.Logger

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	urlTargets *lru.Cache[string, stealth.Target]
}

func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Limiter == nil {
		return nil, &stealth.ConfigError{Field: "orchestrator.limiter", Reason: "required"}
	}
	if deps.Fetcher == nil {
		return nil, &stealth.ConfigError{Field: "orchestrator.fetcher", Reason: "required"}
	}
	if deps.Scanner == nil {
		return nil, &stealth.ConfigError{Field: "orchestrator.scanner", Reason: "required"}
	}
	def := DefaultConfig()
	if cfg.RecoveryBase <= 0 {
		cfg.RecoveryBase = def.RecoveryBase
	}
	if cfg.MaxAdmissionWait <= 0 {
		cfg.MaxAdmissionWait = def.MaxAdmissionWait
	}
	if cfg.AdmissionRetries < 0 {
		cfg.AdmissionRetries = 0
	}
	if cfg.CriticalAbortAfter <= 0 {
		cfg.CriticalAbortAfter = def.CriticalAbortAfter
	}
	if cfg.URLCacheSize <= 0 {
		cfg.URLCacheSize = def.URLCacheSize
	}
	if len(cfg.UserAgents) == 0 {
		cfg.UserAgents = DefaultUserAgents()
	}
	if cfg.Risk == (RiskConfig{}) {
		cfg.Risk = DefaultRiskConfig()
	}
	if deps.Presets == nil {
		deps.Presets = stealth.DefaultTargetPresets()
	}
	if deps.Pacer == nil {
		deps.Pacer = pacer.New(pacer.DefaultConfig(), deps.Clock, deps.Log)
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	cache, err := lru.New[string, stealth.Target](cfg.URLCacheSize)
	if err != nil {
		return nil, &stealth.ConfigError{Field: "orchestrator.url_cache_size", Reason: err.Error()}
	}
	return &Orchestrator{
		cfg:        cfg,
		limiter:    deps.Limiter,
		pool:       deps.Pool,
		pacer:      deps.Pacer,
		fetcher:    deps.Fetcher,
		scanner:    deps.Scanner,
		presets:    deps.Presets,
		clock:      deps.Clock,
		log:        deps.Log,
		sessions:   make(map[string]*session),
		urlTargets: cache,
	}, nil
}

// SessionOptions are per-session policy choices.
type SessionOptions struct {
	// Profile selects the behavior profile; empty means the pacer default.
	Profile string
	// Country is a proxy country preference applied on every acquisition.
	Country string
}

// CreateSession registers a new session against a target and returns its
// id. The target may be a bare host or a full URL.
func (o *Orchestrator) CreateSession(target stealth.Target, opts SessionOptions) (string, error) {
	normalized, err := stealth.NormalizeTarget(string(target))
	if err != nil {
		return "", err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return "", ErrClosed
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		id:              id,
		target:          normalized,
		country:         opts.Country,
		ctx:             ctx,
		cancel:          cancel,
		state:           SessionCreated,
		createdAt:       o.clock.Now(),
		signatureCounts: make(map[stealth.DetectionSignature]int),
	}
	o.sessions[id] = sess
	o.pacer.BindSession(id, opts.Profile)
	metrics.IncActiveSessions()
	o.log.Info("session created",
		zap.String("session", id),
		zap.String("target", string(normalized)),
		zap.String("profile", opts.Profile))
	return id, nil
}

// Fetch runs one governed request for the session. Admission delay, pacer
// delay, and the fetch itself are the only blocking points, and all of
// them abort on caller cancellation or CloseSession. On a detection the
// result still carries body and status alongside a DetectionError.
func (o *Orchestrator) Fetch(ctx context.Context, sessionID, rawURL string) (stealth.FetchResult, error) {
	sess, err := o.session(sessionID)
	if err != nil {
		return stealth.FetchResult{}, err
	}
	target, err := o.targetFor(rawURL)
	if err != nil {
		return stealth.FetchResult{}, err
	}

	ctx, cancel := o.sessionContext(ctx, sess)
	defer cancel()

	recovery, rotate, userAgent := sess.prepareRequest(o.cfg.UserAgents)
	if rotate && o.pool != nil {
		o.pool.Rotate(sess.id)
		o.log.Info("forced proxy rotation", zap.String("session", sess.id))
	}
	if err := o.pause(ctx, recovery); err != nil {
		return o.resultWithRisk(sess), err
	}

	adm, err := o.admit(ctx, sess, target)
	if err != nil {
		return o.resultWithRisk(sess), err
	}
	// From here the admission holds an in-flight slot; every early return
	// must give it back without recording a fabricated outcome.

	endpoint, err := o.acquireProxy(sess, target)
	if err != nil {
		o.limiter.Cancel(target)
		return o.resultWithRisk(sess), err
	}

	// Admission jitter and behavior pacing are additive.
	preDelay := adm.Wait + o.pacer.PreRequestDelay(sess.id)
	if err := o.pause(ctx, preDelay); err != nil {
		o.limiter.Cancel(target)
		return o.resultWithRisk(sess), err
	}

	req := stealth.FetchRequest{
		URL:       rawURL,
		UserAgent: userAgent,
		Timeout:   o.cfg.FetchTimeout,
	}
	if endpoint != nil {
		req.ProxyURL = endpoint.URL()
	}

	start := o.clock.Now()
	resp, fetchErr := o.fetcher.Do(ctx, req)
	latency := o.clock.Now().Sub(start)

	outcome := o.classify(resp, fetchErr, latency)
	o.feedback(sess, target, endpoint, outcome)
	risk := o.reassess(sess, outcome)

	result := stealth.FetchResult{
		Body:       resp.Body,
		StatusCode: resp.StatusCode,
		Headers:    resp.Headers,
		Detection:  outcome.Detection,
		Risk:       risk,
		Latency:    latency,
	}
	if endpoint != nil {
		result.ProxyHost = endpoint.Key()
	}

	if fetchErr != nil {
		return result, fetchErr
	}

	// Reading pause. The result is already in hand, so cancellation here
	// just skips the pause.
	_ = o.pause(ctx, o.pacer.PostRequestDelay(sess.id, outcome.Success))

	if outcome.Detection != stealth.SignatureNone {
		return result, &stealth.DetectionError{Signature: outcome.Detection}
	}
	return result, nil
}

// admit runs the sleep-and-retry admission loop. Bounded: at most
// AdmissionRetries denials are absorbed, and only when their wait fits
// under MaxAdmissionWait.
func (o *Orchestrator) admit(ctx context.Context, sess *session, target stealth.Target) (ratelimit.Admission, error) {
	for attempt := 0; ; attempt++ {
		adm := o.limiter.CheckAdmission(target)
		if adm.Decision == ratelimit.DecisionAllowed {
			sess.markActive()
			return adm, nil
		}
		if attempt >= o.cfg.AdmissionRetries || adm.Wait > o.cfg.MaxAdmissionWait {
			return adm, &stealth.AdmissionDeniedError{
				Target:     target,
				Reason:     adm.Decision.Reason(),
				RetryAfter: adm.Wait,
			}
		}
		o.log.Debug("admission denied, retrying",
			zap.String("session", sess.id),
			zap.String("target", string(target)),
			zap.String("decision", adm.Decision.String()),
			zap.Duration("wait", adm.Wait))
		if err := o.pause(ctx, adm.Wait); err != nil {
			return adm, err
		}
	}
}

// acquireProxy returns nil when proxyless operation is acceptable for the
// target.
func (o *Orchestrator) acquireProxy(sess *session, target stealth.Target) (*proxy.Endpoint, error) {
	mandatory := o.cfg.RequireProxy
	if preset, ok := o.presets.Lookup(target); ok && preset.RequireProxy {
		mandatory = true
	}
	if o.pool == nil {
		if mandatory {
			return nil, &stealth.ProxyUnavailableError{Target: target}
		}
		return nil, nil
	}
	endpoint, err := o.pool.Acquire(proxy.AcquireOptions{
		SessionID:         sess.id,
		Target:            target,
		CountryPreference: sess.country,
	})
	if err != nil {
		if mandatory {
			return nil, err
		}
		o.log.Debug("no proxy available, proceeding direct",
			zap.String("session", sess.id),
			zap.String("target", string(target)))
		return nil, nil
	}
	return endpoint, nil
}

// classify folds transport result and detection scan into one outcome.
// Detection only runs on transport-successful responses.
func (o *Orchestrator) classify(resp stealth.FetchResponse, fetchErr error, latency time.Duration) stealth.Outcome {
	outcome := stealth.Outcome{Latency: latency}
	if fetchErr != nil {
		outcome.FailureKind = stealth.FailureNetwork
		var failed *stealth.FetchFailedError
		if errors.As(fetchErr, &failed) {
			outcome.FailureKind = failed.Kind
			outcome.StatusCode = failed.StatusCode
		}
		return outcome
	}

	outcome.StatusCode = resp.StatusCode
	outcome.Detection = o.scanner.Scan(resp.Body, resp.Headers)
	if resp.StatusCode >= http.StatusBadRequest {
		outcome.FailureKind = stealth.FailureHTTPStatus
	}
	outcome.Success = outcome.FailureKind == stealth.FailureNone &&
		outcome.Detection == stealth.SignatureNone
	return outcome
}

// feedback reports the combined outcome to the limiter and the pool.
func (o *Orchestrator) feedback(sess *session, target stealth.Target, endpoint *proxy.Endpoint, outcome stealth.Outcome) {
	o.limiter.Release(target, outcome)
	if endpoint != nil {
		o.pool.Report(endpoint, outcome.Success, outcome.Latency, outcome.FailureKind)
	}
	metrics.ObserveFetchLatency(string(target), outcome.Latency)
	if outcome.Detection != stealth.SignatureNone {
		metrics.ObserveDetection(string(target), outcome.Detection.String())
		o.log.Warn("detection triggered",
			zap.String("session", sess.id),
			zap.String("target", string(target)),
			zap.String("signature", outcome.Detection.String()),
			zap.Int("status", outcome.StatusCode))
	}
}

// reassess records the outcome and recomputes session risk, arming
// rotation and recovery delay on escalation.
func (o *Orchestrator) reassess(sess *session, outcome stealth.Outcome) stealth.RiskLevel {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.record(outcome)
	previous := sess.risk
	risk := assessRisk(sess, o.cfg.Risk)
	sess.risk = risk

	if risk == stealth.RiskCritical {
		sess.consecutiveCritical++
	} else {
		sess.consecutiveCritical = 0
	}

	if risk >= stealth.RiskHigh {
		sess.rotateBeforeNextRequest = true
	}
	if mult := recoveryMultiplier(risk); mult > 0 {
		sess.pendingRecovery = o.cfg.RecoveryBase * time.Duration(mult)
	}

	metrics.SetSessionRisk(sess.id, int(risk))
	if risk != previous {
		o.log.Info("session risk changed",
			zap.String("session", sess.id),
			zap.String("from", previous.String()),
			zap.String("to", risk.String()))
	}
	if sess.consecutiveCritical >= o.cfg.CriticalAbortAfter {
		o.log.Warn("session is an abort candidate",
			zap.String("session", sess.id),
			zap.Int("consecutive_critical", sess.consecutiveCritical))
	}
	return risk
}

// CloseSession cancels any in-flight work, releases the proxy binding, and
// flushes session metrics.
func (o *Orchestrator) CloseSession(sessionID string) error {
	o.mu.Lock()
	sess, ok := o.sessions[sessionID]
	if ok {
		delete(o.sessions, sessionID)
	}
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("close session %s: %w", sessionID, stealth.ErrUnknownSession)
	}

	sess.cancel()
	sess.mu.Lock()
	sess.state = SessionClosed
	sess.mu.Unlock()

	if o.pool != nil {
		o.pool.Rotate(sess.id)
	}
	o.pacer.ReleaseSession(sess.id)
	metrics.DropSessionRisk(sess.id)
	metrics.DecActiveSessions()
	o.log.Info("session closed", zap.String("session", sess.id))
	return nil
}

// Close shuts the orchestrator down: every open session is closed and the
// pool's health loop stopped.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	ids := make([]string, 0, len(o.sessions))
	for id := range o.sessions {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	for _, id := range ids {
		_ = o.CloseSession(id)
	}
	if o.pool != nil {
		o.pool.Stop()
	}
}

func (o *Orchestrator) session(id string) (*session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrClosed
	}
	sess, ok := o.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, stealth.ErrUnknownSession)
	}
	return sess, nil
}

// targetFor resolves and caches the governance key for a URL.
func (o *Orchestrator) targetFor(rawURL string) (stealth.Target, error) {
	if target, ok := o.urlTargets.Get(rawURL); ok {
		return target, nil
	}
	target, err := stealth.NormalizeTarget(rawURL)
	if err != nil {
		return "", err
	}
	o.urlTargets.Add(rawURL, target)
	return target, nil
}

// sessionContext derives a context cancelled by either the caller or
// CloseSession.
func (o *Orchestrator) sessionContext(ctx context.Context, sess *session) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(sess.ctx, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}

func (o *Orchestrator) pause(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (o *Orchestrator) resultWithRisk(sess *session) stealth.FetchResult {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return stealth.FetchResult{Risk: sess.risk}
}

// Package pacer layers human-plausible delay on top of rate-limiter
// admission. It is a policy knob, not a safety mechanism: the only hard
// guarantees are non-negative, bounded output.
package pacer

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/veilcrawl/veilcrawl/internal/stealth"
)

// Profile describes one simulated operator. SpeedMultiplier scales every
// delay (below 1 is faster), AttentionSpan bounds continuous activity
// before a long idle pause, DistractionProbability is the per-request
// chance of a short wander-off.
type Profile struct {
	Name                   string        `mapstructure:"name" json:"name"`
	SpeedMultiplier        float64       `mapstructure:"speed_multiplier" json:"speed_multiplier"`
	AttentionSpan          time.Duration `mapstructure:"attention_span" json:"attention_span"`
	DistractionProbability float64       `mapstructure:"distraction_probability" json:"distraction_probability"`
}

// DefaultProfiles is the built-in catalog. Configuration may extend or
// override it by name.
func DefaultProfiles() []Profile {
	return []Profile{
		{Name: "focused", SpeedMultiplier: 0.6, AttentionSpan: 20 * time.Minute, DistractionProbability: 0.02},
		{Name: "casual", SpeedMultiplier: 1.0, AttentionSpan: 10 * time.Minute, DistractionProbability: 0.08},
		{Name: "distracted", SpeedMultiplier: 1.6, AttentionSpan: 4 * time.Minute, DistractionProbability: 0.2},
	}
}

// Config tunes the delay distribution shared by all profiles.
type Config struct {
	Profiles       []Profile     `mapstructure:"profiles"`
	DefaultProfile string        `mapstructure:"default_profile"`
	MinThink       time.Duration `mapstructure:"min_think"`
	MaxThink       time.Duration `mapstructure:"max_think"`
	MinRead        time.Duration `mapstructure:"min_read"`
	MaxRead        time.Duration `mapstructure:"max_read"`
	IdlePause      time.Duration `mapstructure:"idle_pause"`
	Distraction    time.Duration `mapstructure:"distraction"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	BurstMin       int           `mapstructure:"burst_min"`
	BurstMax       int           `mapstructure:"burst_max"`
	Intensity      float64       `mapstructure:"intensity"`
}

func DefaultConfig() Config {
	return Config{
		Profiles:       DefaultProfiles(),
		DefaultProfile: "casual",
		MinThink:       400 * time.Millisecond,
		MaxThink:       3 * time.Second,
		MinRead:        1 * time.Second,
		MaxRead:        8 * time.Second,
		IdlePause:      45 * time.Second,
		Distraction:    12 * time.Second,
		MaxDelay:       2 * time.Minute,
		BurstMin:       3,
		BurstMax:       9,
		Intensity:      1.0,
	}
}

type sessionState struct {
	profile       Profile
	activitySince time.Time
	burstLeft     int
}

// Pacer produces per-session pre and post request delays. Sessions the
// pacer has never seen get the default profile.
type Pacer struct {
	mu       sync.Mutex
	cfg      Config
	profiles map[string]Profile
	sessions map[string]*sessionState
	clock    stealth.Clock
	rng      *rand.Rand
	log      *zap.Logger
}

func New(cfg Config, clock stealth.Clock, log *zap.Logger) *Pacer {
	def := DefaultConfig()
	if cfg.MinThink <= 0 {
		cfg.MinThink = def.MinThink
	}
	if cfg.MaxThink < cfg.MinThink {
		cfg.MaxThink = def.MaxThink
	}
	if cfg.MinRead <= 0 {
		cfg.MinRead = def.MinRead
	}
	if cfg.MaxRead < cfg.MinRead {
		cfg.MaxRead = def.MaxRead
	}
	if cfg.IdlePause <= 0 {
		cfg.IdlePause = def.IdlePause
	}
	if cfg.Distraction <= 0 {
		cfg.Distraction = def.Distraction
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.BurstMin <= 0 {
		cfg.BurstMin = def.BurstMin
	}
	if cfg.BurstMax < cfg.BurstMin {
		cfg.BurstMax = cfg.BurstMin
	}
	if cfg.Intensity <= 0 {
		cfg.Intensity = 1.0
	}
	if len(cfg.Profiles) == 0 {
		cfg.Profiles = DefaultProfiles()
	}
	if cfg.DefaultProfile == "" {
		cfg.DefaultProfile = cfg.Profiles[0].Name
	}
	if log == nil {
		log = zap.NewNop()
	}

	profiles := make(map[string]Profile, len(cfg.Profiles))
	for _, prof := range cfg.Profiles {
		if prof.SpeedMultiplier <= 0 {
			prof.SpeedMultiplier = 1.0
		}
		profiles[prof.Name] = prof
	}
	return &Pacer{
		cfg:      cfg,
		profiles: profiles,
		sessions: make(map[string]*sessionState),
		clock:    clock,
		rng:      rand.New(rand.NewSource(clock.Now().UnixNano())),
		log:      log,
	}
}

// BindSession assigns a behavior profile to a session. Unknown profile
// names fall back to the default with a log line rather than failing.
func (p *Pacer) BindSession(sessionID, profileName string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prof, ok := p.profiles[profileName]
	if !ok {
		if profileName != "" {
			p.log.Warn("unknown behavior profile, using default",
				zap.String("profile", profileName),
				zap.String("default", p.cfg.DefaultProfile))
		}
		prof = p.profiles[p.cfg.DefaultProfile]
	}
	p.sessions[sessionID] = &sessionState{
		profile:       prof,
		activitySince: p.clock.Now(),
		burstLeft:     p.cfg.BurstMin + p.rng.Intn(p.cfg.BurstMax-p.cfg.BurstMin+1),
	}
}

// ReleaseSession forgets a session's pacing state.
func (p *Pacer) ReleaseSession(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, sessionID)
}

// PreRequestDelay is the "thinking" pause before a request: a uniform
// draw scaled by profile speed, intensity, and time of day, compressed
// inside a burst and stretched by idle pauses once the attention span
// runs out.
func (p *Pacer) PreRequestDelay(sessionID string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	st := p.state(sessionID, now)

	d := p.uniform(p.cfg.MinThink, p.cfg.MaxThink)
	d = p.scale(d, st.profile, now)

	if st.burstLeft > 0 {
		st.burstLeft--
		d = d * 3 / 10
	} else {
		// Burst exhausted; next one starts after this request.
		st.burstLeft = p.cfg.BurstMin + p.rng.Intn(p.cfg.BurstMax-p.cfg.BurstMin+1)
	}

	if st.profile.AttentionSpan > 0 && now.Sub(st.activitySince) >= st.profile.AttentionSpan {
		d += p.uniform(p.cfg.IdlePause/2, p.cfg.IdlePause)
		st.activitySince = now
	}
	if p.rng.Float64() < st.profile.DistractionProbability {
		d += p.uniform(p.cfg.Distraction/2, p.cfg.Distraction)
	}
	return p.clamp(d)
}

// PostRequestDelay is the "reading" pause after a response. Failures get
// a short hesitation instead of a full read.
func (p *Pacer) PostRequestDelay(sessionID string, success bool) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	st := p.state(sessionID, now)

	var d time.Duration
	if success {
		d = p.uniform(p.cfg.MinRead, p.cfg.MaxRead)
	} else {
		d = p.uniform(p.cfg.MinThink, p.cfg.MaxThink) / 2
	}
	return p.clamp(p.scale(d, st.profile, now))
}

func (p *Pacer) state(sessionID string, now time.Time) *sessionState {
	st, ok := p.sessions[sessionID]
	if !ok {
		st = &sessionState{
			profile:       p.profiles[p.cfg.DefaultProfile],
			activitySince: now,
			burstLeft:     p.cfg.BurstMin,
		}
		p.sessions[sessionID] = st
	}
	return st
}

func (p *Pacer) uniform(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(p.rng.Int63n(int64(hi-lo)))
}

func (p *Pacer) scale(d time.Duration, prof Profile, now time.Time) time.Duration {
	f := prof.SpeedMultiplier * p.cfg.Intensity * timeOfDayFactor(now)
	return time.Duration(float64(d) * f)
}

func (p *Pacer) clamp(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if d > p.cfg.MaxDelay {
		return p.cfg.MaxDelay
	}
	return d
}

// timeOfDayFactor slows the pace slightly at night and speeds it up over
// working hours, so traffic follows a plausible daily rhythm.
func timeOfDayFactor(now time.Time) float64 {
	switch h := now.Hour(); {
	case h >= 1 && h < 6:
		return 1.5
	case h >= 9 && h < 18:
		return 0.9
	default:
		return 1.1
	}
}

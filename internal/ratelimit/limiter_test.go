package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veilcrawl/veilcrawl/internal/breaker"
	"github.com/veilcrawl/veilcrawl/internal/clock/manual"
	"github.com/veilcrawl/veilcrawl/internal/stealth"
)

const testTarget = stealth.Target("example.org")

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.GlobalRPS = 0
	cfg.JitterMax = 0
	cfg.Backoff.JitterFactor = 0
	cfg.Breaker = breaker.Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		OpenTimeout:      60 * time.Second,
	}
	return cfg
}

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *manual.Clock) {
	t.Helper()
	clk := manual.New(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	l, err := New(cfg, clk, nil)
	require.NoError(t, err)
	return l, clk
}

func failure(status int) stealth.Outcome {
	return stealth.Outcome{Success: false, StatusCode: status, FailureKind: stealth.FailureHTTPStatus, Latency: 100 * time.Millisecond}
}

func success() stealth.Outcome {
	return stealth.Outcome{Success: true, StatusCode: 200, Latency: 100 * time.Millisecond}
}

func TestAdmissionMinuteWindow(t *testing.T) {
	cfg := testConfig()
	cfg.Defaults = Limits{RequestsPerMinute: 2, RequestsPerHour: 100, MinInterval: time.Second, MaxConcurrent: 5}
	l, clk := newTestLimiter(t, cfg)

	adm := l.CheckAdmission(testTarget)
	require.Equal(t, DecisionAllowed, adm.Decision)
	l.Release(testTarget, success())

	// Inside the minimum interval: denied with the exact remainder.
	adm = l.CheckAdmission(testTarget)
	require.Equal(t, DecisionRateLimited, adm.Decision)
	require.Equal(t, time.Second, adm.Wait)

	clk.Advance(time.Second)
	adm = l.CheckAdmission(testTarget)
	require.Equal(t, DecisionAllowed, adm.Decision)
	l.Release(testTarget, success())

	// Two admissions inside the rolling minute: window is full until the
	// oldest admission slides out.
	clk.Advance(2 * time.Second)
	adm = l.CheckAdmission(testTarget)
	require.Equal(t, DecisionRateLimited, adm.Decision)
	require.Equal(t, 57*time.Second, adm.Wait)

	clk.Advance(58 * time.Second)
	adm = l.CheckAdmission(testTarget)
	require.Equal(t, DecisionAllowed, adm.Decision)
}

func TestAdmissionNeverExceedsCeilingInAnyWindow(t *testing.T) {
	cfg := testConfig()
	cfg.Defaults = Limits{RequestsPerMinute: 5, RequestsPerHour: 1000, MinInterval: 0, MaxConcurrent: 100}
	l, clk := newTestLimiter(t, cfg)

	var admitted []time.Time
	for i := 0; i < 600; i++ {
		if adm := l.CheckAdmission(testTarget); adm.Decision == DecisionAllowed {
			admitted = append(admitted, clk.Now())
			l.Release(testTarget, success())
		}
		clk.Advance(500 * time.Millisecond)
	}

	for i := range admitted {
		count := 1
		for j := i + 1; j < len(admitted); j++ {
			if admitted[j].Sub(admitted[i]) < time.Minute {
				count++
			}
		}
		require.LessOrEqual(t, count, 5, "rolling 60s window exceeded rpm ceiling")
	}
}

func TestCircuitBreakerIntegration(t *testing.T) {
	cfg := testConfig()
	cfg.Defaults = Limits{RequestsPerMinute: 100, RequestsPerHour: 1000, MinInterval: 0, MaxConcurrent: 10}
	l, clk := newTestLimiter(t, cfg)

	for i := 0; i < 3; i++ {
		require.Equal(t, DecisionAllowed, l.CheckAdmission(testTarget).Decision)
		l.Release(testTarget, failure(503))
		clk.Advance(time.Second)
	}
	require.Equal(t, "open", l.Stats(testTarget).CircuitState)

	adm := l.CheckAdmission(testTarget)
	require.Equal(t, DecisionCircuitOpen, adm.Decision)
	require.Greater(t, adm.Wait, time.Duration(0))

	// After the open timeout exactly one probe is admitted.
	clk.Advance(61 * time.Second)
	require.Equal(t, DecisionAllowed, l.CheckAdmission(testTarget).Decision)
	require.Equal(t, DecisionCircuitOpen, l.CheckAdmission(testTarget).Decision)

	l.Release(testTarget, success())
	require.Equal(t, DecisionAllowed, l.CheckAdmission(testTarget).Decision)
	l.Release(testTarget, success())
	require.Equal(t, "closed", l.Stats(testTarget).CircuitState)
}

func TestBackoffGrowsAndResets(t *testing.T) {
	cfg := testConfig()
	cfg.Defaults = Limits{RequestsPerMinute: 1000, RequestsPerHour: 10000, MinInterval: 0, MaxConcurrent: 10}
	cfg.Breaker.FailureThreshold = 100
	cfg.Backoff = BackoffConfig{Base: 5 * time.Second, Multiplier: 2, Max: 10 * time.Minute, JitterFactor: 0}
	l, clk := newTestLimiter(t, cfg)

	var waits []time.Duration
	for i := 0; i < 4; i++ {
		// Walk past the current backoff window, then fail again.
		if adm := l.CheckAdmission(testTarget); adm.Decision == DecisionBackoffActive {
			clk.Advance(adm.Wait)
			require.Equal(t, DecisionAllowed, l.CheckAdmission(testTarget).Decision)
		} else {
			require.Equal(t, DecisionAllowed, adm.Decision)
		}
		l.Release(testTarget, failure(429))
		adm := l.CheckAdmission(testTarget)
		require.Equal(t, DecisionBackoffActive, adm.Decision)
		waits = append(waits, adm.Wait)
		clk.Advance(adm.Wait)
	}
	for i := 1; i < len(waits); i++ {
		require.GreaterOrEqual(t, waits[i], waits[i-1], "backoff must be monotonically non-decreasing")
	}

	// One success drops a level and clears the active window.
	require.Equal(t, DecisionAllowed, l.CheckAdmission(testTarget).Decision)
	l.Release(testTarget, success())
	require.NotEqual(t, DecisionBackoffActive, l.CheckAdmission(testTarget).Decision)
	require.Equal(t, 3, l.Stats(testTarget).BackoffLevel)
}

func TestConcurrencyCap(t *testing.T) {
	cfg := testConfig()
	cfg.Defaults = Limits{RequestsPerMinute: 1000, RequestsPerHour: 10000, MinInterval: 0, MaxConcurrent: 1}
	l, clk := newTestLimiter(t, cfg)

	require.Equal(t, DecisionAllowed, l.CheckAdmission(testTarget).Decision)
	clk.Advance(time.Second)
	require.Equal(t, DecisionRateLimited, l.CheckAdmission(testTarget).Decision)

	l.Release(testTarget, success())
	clk.Advance(time.Second)
	require.Equal(t, DecisionAllowed, l.CheckAdmission(testTarget).Decision)
}

func TestAdaptationTightensAndFloors(t *testing.T) {
	cfg := testConfig()
	cfg.Defaults = Limits{RequestsPerMinute: 10, RequestsPerHour: 300, MinInterval: 0, MaxConcurrent: 100}
	cfg.Adaptation.MinSamples = 5
	cfg.Adaptation.Interval = time.Minute
	cfg.Adaptation.Window = time.Hour
	cfg.Adaptation.FloorRequestsPerMinute = 2
	cfg.Adaptation.FloorRequestsPerHour = 60
	l, clk := newTestLimiter(t, cfg)

	// Drive success rate down with non-retryable failures so the breaker
	// stays closed while ceilings tighten.
	for round := 0; round < 30; round++ {
		for i := 0; i < 6; i++ {
			if l.CheckAdmission(testTarget).Decision == DecisionAllowed {
				l.Release(testTarget, failure(404))
			}
			clk.Advance(time.Second)
		}
		clk.Advance(time.Minute)
	}

	stats := l.Stats(testTarget)
	require.Equal(t, 2, stats.RequestsPerMinute, "rpm must stop at the configured floor")
	require.Equal(t, 60, stats.RequestsPerHour, "rph must stop at the configured floor")
}

func TestAdaptationRecoveryCappedAtConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.Defaults = Limits{RequestsPerMinute: 10, RequestsPerHour: 300, MinInterval: 0, MaxConcurrent: 100}
	cfg.Adaptation.MinSamples = 5
	cfg.Adaptation.Interval = time.Minute
	cfg.Adaptation.Window = time.Hour
	cfg.Adaptation.RecoverAfter = 0
	l, clk := newTestLimiter(t, cfg)

	// Seed a tightened state, then feed a long healthy run.
	l.Import([]TargetSnapshot{{Target: testTarget, RequestsPerMinute: 4, RequestsPerHour: 100}})
	for round := 0; round < 40; round++ {
		for i := 0; i < 4; i++ {
			if l.CheckAdmission(testTarget).Decision == DecisionAllowed {
				l.Release(testTarget, success())
			}
			clk.Advance(2 * time.Second)
		}
		clk.Advance(2 * time.Minute)
	}

	stats := l.Stats(testTarget)
	require.Equal(t, 10, stats.RequestsPerMinute, "recovery must cap at the configured ceiling")
	require.Equal(t, 300, stats.RequestsPerHour)
}

func TestDetectionDoesNotTouchBreaker(t *testing.T) {
	cfg := testConfig()
	cfg.Defaults = Limits{RequestsPerMinute: 1000, RequestsPerHour: 10000, MinInterval: 0, MaxConcurrent: 10}
	l, clk := newTestLimiter(t, cfg)

	for i := 0; i < 10; i++ {
		require.Equal(t, DecisionAllowed, l.CheckAdmission(testTarget).Decision)
		l.Release(testTarget, stealth.Outcome{
			Success:    false,
			StatusCode: 200,
			Detection:  stealth.SignatureCaptcha,
			Latency:    50 * time.Millisecond,
		})
		clk.Advance(time.Second)
	}
	require.Equal(t, "closed", l.Stats(testTarget).CircuitState)
}

func TestUnrelatedHTTPErrorsAreNeutral(t *testing.T) {
	cfg := testConfig()
	cfg.Defaults = Limits{RequestsPerMinute: 1000, RequestsPerHour: 10000, MinInterval: 0, MaxConcurrent: 10}
	l, clk := newTestLimiter(t, cfg)

	admit := func() {
		adm := l.CheckAdmission(testTarget)
		if adm.Decision == DecisionBackoffActive {
			clk.Advance(adm.Wait)
			adm = l.CheckAdmission(testTarget)
		}
		require.Equal(t, DecisionAllowed, adm.Decision)
	}

	// Two qualifying failures leave the breaker one short of tripping.
	for i := 0; i < 2; i++ {
		admit()
		l.Release(testTarget, failure(503))
		clk.Advance(time.Second)
	}
	levelBefore := l.Stats(testTarget).BackoffLevel

	// Plain 404s are neither failures nor successes: they must not decay
	// the breaker's failure count or shrink the backoff.
	for i := 0; i < 5; i++ {
		admit()
		l.Release(testTarget, failure(404))
		clk.Advance(time.Second)
	}
	require.Equal(t, levelBefore, l.Stats(testTarget).BackoffLevel)

	// The next qualifying failure still trips the breaker.
	admit()
	l.Release(testTarget, failure(503))
	require.Equal(t, "open", l.Stats(testTarget).CircuitState)

	// A 404 probe must not count toward re-closing either; it only frees
	// the probe slot for a genuine outcome.
	clk.Advance(61 * time.Second)
	require.Equal(t, DecisionAllowed, l.CheckAdmission(testTarget).Decision)
	l.Release(testTarget, failure(404))
	require.Equal(t, "half_open", l.Stats(testTarget).CircuitState)

	require.Equal(t, DecisionAllowed, l.CheckAdmission(testTarget).Decision)
	l.Release(testTarget, success())
	require.Equal(t, DecisionAllowed, l.CheckAdmission(testTarget).Decision)
	l.Release(testTarget, success())
	require.Equal(t, "closed", l.Stats(testTarget).CircuitState)
}

func TestExportImportRoundTrip(t *testing.T) {
	cfg := testConfig()
	l, _ := newTestLimiter(t, cfg)

	l.Import([]TargetSnapshot{
		{Target: "a.example", RequestsPerMinute: 5, RequestsPerHour: 100, BackoffLevel: 2},
		{Target: "b.example", RequestsPerMinute: 3, RequestsPerHour: 60},
	})

	snaps := l.Export()
	byTarget := map[stealth.Target]TargetSnapshot{}
	for _, s := range snaps {
		byTarget[s.Target] = s
	}
	require.Equal(t, 5, byTarget["a.example"].RequestsPerMinute)
	require.Equal(t, 2, byTarget["a.example"].BackoffLevel)
	require.Equal(t, 3, byTarget["b.example"].RequestsPerMinute)
}

func TestIndependentTargets(t *testing.T) {
	cfg := testConfig()
	cfg.Defaults = Limits{RequestsPerMinute: 1, RequestsPerHour: 100, MinInterval: 0, MaxConcurrent: 10}
	l, _ := newTestLimiter(t, cfg)

	require.Equal(t, DecisionAllowed, l.CheckAdmission("a.example").Decision)
	require.Equal(t, DecisionRateLimited, l.CheckAdmission("a.example").Decision)
	// An unrelated target is not throttled by a.example's window.
	require.Equal(t, DecisionAllowed, l.CheckAdmission("b.example").Decision)
}

func TestConfigValidation(t *testing.T) {
	clk := manual.New(time.Now())

	bad := testConfig()
	bad.Backoff.Multiplier = 0.5
	_, err := New(bad, clk, nil)
	var cfgErr *stealth.ConfigError
	require.ErrorAs(t, err, &cfgErr)

	bad = testConfig()
	bad.Defaults.RequestsPerMinute = 0
	_, err = New(bad, clk, nil)
	require.ErrorAs(t, err, &cfgErr)
}

package orchestrator

import (
	"time"

	"github.com/veilcrawl/veilcrawl/internal/stealth"
)

// RiskConfig tunes the session risk assessment.
type RiskConfig struct {
	MinSamples            int           `mapstructure:"min_samples"`
	FailureRateMedium     float64       `mapstructure:"failure_rate_medium"`
	FailureRateHigh       float64       `mapstructure:"failure_rate_high"`
	DetectionRateHigh     float64       `mapstructure:"detection_rate_high"`
	DetectionRateCritical float64       `mapstructure:"detection_rate_critical"`
	RecurringHigh         int           `mapstructure:"recurring_high"`
	RecurringCritical     int           `mapstructure:"recurring_critical"`
	MaxAvgLatency         time.Duration `mapstructure:"max_avg_latency"`
}

func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		MinSamples:            4,
		FailureRateMedium:     0.25,
		FailureRateHigh:       0.5,
		DetectionRateHigh:     0.25,
		DetectionRateCritical: 0.5,
		RecurringHigh:         3,
		RecurringCritical:     5,
		MaxAvgLatency:         10 * time.Second,
	}
}

// assessRisk recomputes the session's risk from its recent outcome window:
// failure rate, detection-event rate, recurring-signature counts, and
// average latency. Caller holds the session lock.
func assessRisk(s *session, cfg RiskConfig) stealth.RiskLevel {
	n := len(s.outcomes)
	if n == 0 {
		return stealth.RiskLow
	}

	failures, detections := 0, 0
	var totalLatency time.Duration
	windowSigs := make(map[stealth.DetectionSignature]int)
	for _, o := range s.outcomes {
		if !o.Success {
			failures++
		}
		if o.Detection != stealth.SignatureNone {
			detections++
			windowSigs[o.Detection]++
		}
		totalLatency += o.Latency
	}
	failureRate := float64(failures) / float64(n)
	detectionRate := float64(detections) / float64(n)
	avgLatency := totalLatency / time.Duration(n)

	recurring := 0
	for _, count := range windowSigs {
		if count > recurring {
			recurring = count
		}
	}

	// With too few samples a single failure would read as a 100% failure
	// rate; cap the assessment at Medium until the window fills.
	if n < cfg.MinSamples {
		if detections > 0 || failures > 0 {
			return stealth.RiskMedium
		}
		return stealth.RiskLow
	}

	switch {
	case detectionRate >= cfg.DetectionRateCritical || recurring >= cfg.RecurringCritical:
		return stealth.RiskCritical
	case failureRate >= cfg.FailureRateHigh || detectionRate >= cfg.DetectionRateHigh || recurring >= cfg.RecurringHigh:
		return stealth.RiskHigh
	case failureRate >= cfg.FailureRateMedium || detections > 0 || (cfg.MaxAvgLatency > 0 && avgLatency > cfg.MaxAvgLatency):
		return stealth.RiskMedium
	default:
		return stealth.RiskLow
	}
}

// recoveryMultiplier scales the post-incident recovery delay: Medium x1,
// High x2, Critical x4 of the configured base unit.
func recoveryMultiplier(risk stealth.RiskLevel) int {
	switch risk {
	case stealth.RiskMedium:
		return 1
	case stealth.RiskHigh:
		return 2
	case stealth.RiskCritical:
		return 4
	default:
		return 0
	}
}

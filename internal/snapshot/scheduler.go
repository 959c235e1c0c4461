// Package snapshot periodically persists pool and limiter state through
// the store, and restores it on startup. Purely operational: losing a
// snapshot only costs re-learned state.
package snapshot

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/veilcrawl/veilcrawl/internal/proxy"
	"github.com/veilcrawl/veilcrawl/internal/ratelimit"
	"github.com/veilcrawl/veilcrawl/internal/store"
)

// Config controls the snapshot schedule.
type Config struct {
	// Schedule is a cron expression; empty disables scheduling.
	Schedule string `mapstructure:"schedule"`
	// Timeout bounds each snapshot write.
	Timeout time.Duration `mapstructure:"timeout"`
}

func DefaultConfig() Config {
	return Config{
		Schedule: "@every 5m",
		Timeout:  30 * time.Second,
	}
}

// Scheduler owns the cron loop writing snapshots.
type Scheduler struct {
	cfg     Config
	store   *store.Store
	pool    *proxy.Pool
	limiter *ratelimit.Limiter
	log     *zap.Logger
	cron    *cron.Cron
}

func New(cfg Config, st *store.Store, pool *proxy.Pool, limiter *ratelimit.Limiter, log *zap.Logger) *Scheduler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{cfg: cfg, store: st, pool: pool, limiter: limiter, log: log}
}

// Restore loads persisted state into the pool and limiter. Missing or
// partial snapshots are not errors.
func (s *Scheduler) Restore(ctx context.Context) error {
	if s.pool != nil {
		endpoints, err := s.store.LoadProxyEndpoints(ctx)
		if err != nil {
			return err
		}
		if len(endpoints) > 0 {
			s.pool.Import(endpoints)
			s.log.Info("restored proxy endpoint snapshot", zap.Int("endpoints", len(endpoints)))
		}
	}
	if s.limiter != nil {
		limits, err := s.store.LoadRateLimits(ctx)
		if err != nil {
			return err
		}
		if len(limits) > 0 {
			s.limiter.Import(limits)
			s.log.Info("restored rate limit snapshot", zap.Int("targets", len(limits)))
		}
	}
	return nil
}

// Snapshot writes the current pool and limiter state.
func (s *Scheduler) Snapshot(ctx context.Context) error {
	if s.pool != nil {
		if err := s.store.SaveProxyEndpoints(ctx, s.pool.Export()); err != nil {
			return err
		}
	}
	if s.limiter != nil {
		if err := s.store.SaveRateLimits(ctx, s.limiter.Export()); err != nil {
			return err
		}
	}
	return nil
}

// Start registers the cron job and begins the schedule. No-op when the
// schedule is empty.
func (s *Scheduler) Start() error {
	if s.cfg.Schedule == "" {
		return nil
	}
	c := cron.New()
	_, err := c.AddFunc(s.cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
		defer cancel()
		if err := s.Snapshot(ctx); err != nil {
			s.log.Error("snapshot write failed", zap.Error(err))
			return
		}
		s.log.Debug("snapshot written")
	})
	if err != nil {
		return err
	}
	s.cron = c
	c.Start()
	s.log.Info("snapshot schedule started", zap.String("schedule", s.cfg.Schedule))
	return nil
}

// Stop halts the schedule and writes one final snapshot.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
		s.cron = nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()
	if err := s.Snapshot(ctx); err != nil {
		s.log.Error("final snapshot failed", zap.Error(err))
	}
}

// Package store persists operational snapshots (proxy-pool health and
// adaptive rate-limiter state) in an embedded sqlite database. Snapshots
// are an operator convenience: a fresh process runs correctly without one.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/veilcrawl/veilcrawl/internal/proxy"
	"github.com/veilcrawl/veilcrawl/internal/ratelimit"
	"github.com/veilcrawl/veilcrawl/internal/stealth"
)

// Store wraps the snapshot database.
type Store struct {
	db  *sql.DB
	log *zap.Logger
}

// Open creates or opens the snapshot database at path and runs migrations.
func Open(path string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create snapshot dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS proxy_endpoints (
			host TEXT NOT NULL,
			port INTEGER NOT NULL,
			protocol TEXT NOT NULL DEFAULT 'http',
			provider TEXT,
			country_code TEXT,
			status TEXT NOT NULL,
			success_count INTEGER NOT NULL DEFAULT 0,
			failure_count INTEGER NOT NULL DEFAULT 0,
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			cooldown_until TIMESTAMP,
			avg_latency_ms INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (host, port)
		);
	`); err != nil {
		return fmt.Errorf("create proxy_endpoints table: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS rate_limits (
			target TEXT PRIMARY KEY,
			requests_per_minute INTEGER NOT NULL,
			requests_per_hour INTEGER NOT NULL,
			backoff_level INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create rate_limits table: %w", err)
	}
	return nil
}

// SaveProxyEndpoints upserts the full endpoint snapshot set.
func (s *Store) SaveProxyEndpoints(ctx context.Context, snapshots []proxy.EndpointSnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin proxy snapshot tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	for _, snap := range snapshots {
		var cooldown any
		if !snap.CooldownUntil.IsZero() {
			cooldown = snap.CooldownUntil.UTC()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO proxy_endpoints
				(host, port, protocol, provider, country_code, status,
				 success_count, failure_count, consecutive_failures,
				 cooldown_until, avg_latency_ms, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(host, port) DO UPDATE SET
				protocol = excluded.protocol,
				provider = excluded.provider,
				country_code = excluded.country_code,
				status = excluded.status,
				success_count = excluded.success_count,
				failure_count = excluded.failure_count,
				consecutive_failures = excluded.consecutive_failures,
				cooldown_until = excluded.cooldown_until,
				avg_latency_ms = excluded.avg_latency_ms,
				updated_at = excluded.updated_at
		`,
			snap.Host, snap.Port, snap.Protocol, snap.Provider, snap.CountryCode,
			snap.Status, snap.SuccessCount, snap.FailureCount, snap.ConsecutiveFailures,
			cooldown, snap.AvgLatency.Milliseconds(), now,
		); err != nil {
			return fmt.Errorf("upsert proxy endpoint %s:%d: %w", snap.Host, snap.Port, err)
		}
	}
	return tx.Commit()
}

// LoadProxyEndpoints returns every persisted endpoint snapshot.
func (s *Store) LoadProxyEndpoints(ctx context.Context) ([]proxy.EndpointSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT host, port, protocol, provider, country_code, status,
		       success_count, failure_count, consecutive_failures,
		       cooldown_until, avg_latency_ms
		FROM proxy_endpoints
	`)
	if err != nil {
		return nil, fmt.Errorf("query proxy endpoints: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []proxy.EndpointSnapshot
	for rows.Next() {
		var (
			snap      proxy.EndpointSnapshot
			provider  sql.NullString
			country   sql.NullString
			cooldown  sql.NullTime
			latencyMS int64
		)
		if err := rows.Scan(
			&snap.Host, &snap.Port, &snap.Protocol, &provider, &country,
			&snap.Status, &snap.SuccessCount, &snap.FailureCount,
			&snap.ConsecutiveFailures, &cooldown, &latencyMS,
		); err != nil {
			return nil, fmt.Errorf("scan proxy endpoint: %w", err)
		}
		snap.Provider = provider.String
		snap.CountryCode = country.String
		if cooldown.Valid {
			snap.CooldownUntil = cooldown.Time
		}
		snap.AvgLatency = time.Duration(latencyMS) * time.Millisecond
		out = append(out, snap)
	}
	return out, rows.Err()
}

// SaveRateLimits upserts the adaptive ceiling snapshot set.
func (s *Store) SaveRateLimits(ctx context.Context, snapshots []ratelimit.TargetSnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rate limit tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	for _, snap := range snapshots {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO rate_limits
				(target, requests_per_minute, requests_per_hour, backoff_level, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(target) DO UPDATE SET
				requests_per_minute = excluded.requests_per_minute,
				requests_per_hour = excluded.requests_per_hour,
				backoff_level = excluded.backoff_level,
				updated_at = excluded.updated_at
		`,
			string(snap.Target), snap.RequestsPerMinute, snap.RequestsPerHour,
			snap.BackoffLevel, now,
		); err != nil {
			return fmt.Errorf("upsert rate limit %s: %w", snap.Target, err)
		}
	}
	return tx.Commit()
}

// LoadRateLimits returns every persisted rate-limit snapshot.
func (s *Store) LoadRateLimits(ctx context.Context) ([]ratelimit.TargetSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT target, requests_per_minute, requests_per_hour, backoff_level
		FROM rate_limits
	`)
	if err != nil {
		return nil, fmt.Errorf("query rate limits: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []ratelimit.TargetSnapshot
	for rows.Next() {
		var (
			snap   ratelimit.TargetSnapshot
			target string
		)
		if err := rows.Scan(&target, &snap.RequestsPerMinute, &snap.RequestsPerHour, &snap.BackoffLevel); err != nil {
			return nil, fmt.Errorf("scan rate limit: %w", err)
		}
		snap.Target = stealth.Target(target)
		out = append(out, snap)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veilcrawl/veilcrawl/internal/proxy"
	"github.com/veilcrawl/veilcrawl/internal/ratelimit"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "snapshots.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestProxyEndpointsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	snaps := []proxy.EndpointSnapshot{
		{
			Host: "p1.proxy.test", Port: 8080, Protocol: "http",
			Provider: "acme", CountryCode: "US", Status: "active",
			SuccessCount: 42, FailureCount: 3, AvgLatency: 250 * time.Millisecond,
		},
		{
			Host: "p2.proxy.test", Port: 1080, Protocol: "socks5",
			Status: "cooldown", ConsecutiveFailures: 2,
			CooldownUntil: time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC),
		},
	}
	require.NoError(t, s.SaveProxyEndpoints(ctx, snaps))

	loaded, err := s.LoadProxyEndpoints(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	byKey := make(map[string]proxy.EndpointSnapshot)
	for _, snap := range loaded {
		byKey[snap.Host] = snap
	}
	p1 := byKey["p1.proxy.test"]
	require.Equal(t, 42, p1.SuccessCount)
	require.Equal(t, 250*time.Millisecond, p1.AvgLatency)
	require.Equal(t, "US", p1.CountryCode)
	require.True(t, p1.CooldownUntil.IsZero())

	p2 := byKey["p2.proxy.test"]
	require.Equal(t, "cooldown", p2.Status)
	require.Equal(t, 2, p2.ConsecutiveFailures)
	require.True(t, p2.CooldownUntil.Equal(time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)))
}

func TestSaveProxyEndpointsUpserts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	snap := proxy.EndpointSnapshot{Host: "p1.proxy.test", Port: 8080, Protocol: "http", Status: "active"}
	require.NoError(t, s.SaveProxyEndpoints(ctx, []proxy.EndpointSnapshot{snap}))

	snap.SuccessCount = 7
	snap.Status = "failed"
	require.NoError(t, s.SaveProxyEndpoints(ctx, []proxy.EndpointSnapshot{snap}))

	loaded, err := s.LoadProxyEndpoints(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, 7, loaded[0].SuccessCount)
	require.Equal(t, "failed", loaded[0].Status)
}

func TestRateLimitsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	snaps := []ratelimit.TargetSnapshot{
		{Target: "example.org", RequestsPerMinute: 6, RequestsPerHour: 200, BackoffLevel: 2},
		{Target: "example.net", RequestsPerMinute: 10, RequestsPerHour: 300},
	}
	require.NoError(t, s.SaveRateLimits(ctx, snaps))

	// Second save overwrites, not duplicates.
	snaps[0].RequestsPerMinute = 4
	require.NoError(t, s.SaveRateLimits(ctx, snaps))

	loaded, err := s.LoadRateLimits(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	for _, snap := range loaded {
		if snap.Target == "example.org" {
			require.Equal(t, 4, snap.RequestsPerMinute)
			require.Equal(t, 2, snap.BackoffLevel)
		}
	}
}

func TestLoadFromEmptyStore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	endpoints, err := s.LoadProxyEndpoints(ctx)
	require.NoError(t, err)
	require.Empty(t, endpoints)

	limits, err := s.LoadRateLimits(ctx)
	require.NoError(t, err)
	require.Empty(t, limits)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veilcrawl/veilcrawl/internal/stealth"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 10, cfg.RateLimit.Defaults.RequestsPerMinute)
	require.NotEmpty(t, cfg.Orchestrator.UserAgents)
	require.False(t, cfg.Snapshot.Enabled)
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
ratelimit:
  defaults:
    requests_per_minute: 5
    requests_per_hour: 100
    min_interval: 3s
    max_concurrent: 1
proxy:
  strategy: round_robin
  endpoints:
    - host: p1.proxy.test
      port: 8080
      protocol: http
orchestrator:
  recovery_base: 45s
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, 5, cfg.RateLimit.Defaults.RequestsPerMinute)
	require.Equal(t, 3*time.Second, cfg.RateLimit.Defaults.MinInterval)
	require.Len(t, cfg.Proxy.Endpoints, 1)
	require.Equal(t, "p1.proxy.test", cfg.Proxy.Endpoints[0].Host)
	require.Equal(t, 45*time.Second, cfg.Orchestrator.RecoveryBase)

	// Everything not named keeps its default.
	require.Equal(t, "info", cfg.Logging.Level)
	require.NotZero(t, cfg.RateLimit.Backoff.Base)
}

func TestMandatoryProxyNeedsEndpoints(t *testing.T) {
	path := writeConfig(t, `
orchestrator:
  require_proxy: true
`)
	_, err := Load(path)
	var cfgErr *stealth.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, "proxy.endpoints", cfgErr.Field)
}

func TestPresetTableMergesOverBuiltins(t *testing.T) {
	path := writeConfig(t, `
presets:
  internal.corp:
    category: regional
    country_code: DE
    require_proxy: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	presets := cfg.TargetPresets()
	preset, ok := presets.Lookup("wiki.internal.corp")
	require.True(t, ok)
	require.Equal(t, stealth.CategoryRegional, preset.Category)
	require.Equal(t, "DE", preset.CountryCode)
	require.True(t, preset.RequireProxy)

	// Built-in entries survive the merge.
	_, ok = presets.Lookup("www.google.com")
	require.True(t, ok)
}

func TestUnknownPresetCategoryFails(t *testing.T) {
	path := writeConfig(t, `
presets:
  example.org:
    category: video_site
`)
	_, err := Load(path)
	var cfgErr *stealth.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

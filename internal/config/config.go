// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/veilcrawl/veilcrawl/internal/detect"
	"github.com/veilcrawl/veilcrawl/internal/fetcher/httpclient"
	"github.com/veilcrawl/veilcrawl/internal/logging"
	"github.com/veilcrawl/veilcrawl/internal/orchestrator"
	"github.com/veilcrawl/veilcrawl/internal/pacer"
	"github.com/veilcrawl/veilcrawl/internal/proxy"
	"github.com/veilcrawl/veilcrawl/internal/ratelimit"
	"github.com/veilcrawl/veilcrawl/internal/snapshot"
	"github.com/veilcrawl/veilcrawl/internal/stealth"
)

// Config captures every knob the service recognizes, applied at
// construction.
type Config struct {
	Server       ServerConfig        `mapstructure:"server"`
	Logging      logging.Config      `mapstructure:"logging"`
	RateLimit    ratelimit.Config    `mapstructure:"ratelimit"`
	Proxy        proxy.Config        `mapstructure:"proxy"`
	Pacer        pacer.Config        `mapstructure:"pacer"`
	Detect       detect.Config       `mapstructure:"detect"`
	Fetch        httpclient.Config   `mapstructure:"fetch"`
	Orchestrator orchestrator.Config `mapstructure:"orchestrator"`
	Snapshot     SnapshotConfig      `mapstructure:"snapshot"`
	Presets      map[string]Preset   `mapstructure:"presets"`
}

// ServerConfig controls the HTTP API server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// SnapshotConfig wires the persistence layer.
type SnapshotConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Path     string `mapstructure:"path"`
	Schedule string `mapstructure:"schedule"`
}

// Preset is the externalized per-target policy entry. Category accepts
// generic, search_engine, social_network, or regional.
type Preset struct {
	Category            string  `mapstructure:"category"`
	CountryCode         string  `mapstructure:"country_code"`
	RequireProxy        bool    `mapstructure:"require_proxy"`
	MinProxySuccessRate float64 `mapstructure:"min_proxy_success_rate"`
}

// Load builds a Config from disk/environment. A local .env file, when
// present, seeds the environment first.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("STEALTH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := baseConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// baseConfig seeds the component defaults so a sparse file only overrides
// what it names.
func baseConfig() Config {
	return Config{
		Server:       ServerConfig{Port: 8080},
		RateLimit:    ratelimit.DefaultConfig(),
		Proxy:        proxy.DefaultConfig(),
		Pacer:        pacer.DefaultConfig(),
		Detect:       detect.DefaultConfig(),
		Fetch:        httpclient.DefaultConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
		Snapshot: SnapshotConfig{
			Path:     "data/snapshots.db",
			Schedule: snapshot.DefaultConfig().Schedule,
		},
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("snapshot.enabled", false)
	v.SetDefault("snapshot.path", "data/snapshots.db")
}

// Validate enforces required values. Component constructors run their own
// deeper validation; this catches cross-component contradictions early.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return &stealth.ConfigError{Field: "server.port", Reason: "must be > 0"}
	}
	if c.Orchestrator.RequireProxy && len(c.Proxy.Endpoints) == 0 {
		return &stealth.ConfigError{Field: "proxy.endpoints", Reason: "proxy use is mandatory but no endpoints are configured"}
	}
	if c.Snapshot.Enabled && c.Snapshot.Path == "" {
		return &stealth.ConfigError{Field: "snapshot.path", Reason: "required when snapshots are enabled"}
	}
	for pattern, preset := range c.Presets {
		if _, err := parseCategory(preset.Category); err != nil {
			return &stealth.ConfigError{Field: "presets." + pattern + ".category", Reason: err.Error()}
		}
	}
	return nil
}

// TargetPresets merges the configured preset table over the built-in one.
func (c Config) TargetPresets() *stealth.TargetPresets {
	base := stealth.DefaultTargetPresets()
	if len(c.Presets) == 0 {
		return base
	}
	entries := make(map[string]stealth.TargetPreset, len(c.Presets))
	for pattern, preset := range c.Presets {
		category, _ := parseCategory(preset.Category)
		entries[pattern] = stealth.TargetPreset{
			Category:            category,
			CountryCode:         preset.CountryCode,
			RequireProxy:        preset.RequireProxy,
			MinProxySuccessRate: preset.MinProxySuccessRate,
		}
	}
	return base.Merge(stealth.NewTargetPresets(entries))
}

func parseCategory(name string) (stealth.TargetCategory, error) {
	switch name {
	case "", "generic":
		return stealth.CategoryGeneric, nil
	case "search_engine":
		return stealth.CategorySearchEngine, nil
	case "social_network":
		return stealth.CategorySocialNetwork, nil
	case "regional":
		return stealth.CategoryRegional, nil
	}
	return stealth.CategoryGeneric, fmt.Errorf("unknown category %q", name)
}

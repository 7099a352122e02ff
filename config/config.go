// Package config loads the veilcrawl configuration: YAML file, then
// environment overrides, then per-component defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/veilcrawl/veilcrawl/dispatch"
	"github.com/veilcrawl/veilcrawl/pages"
)

// Config is the full process configuration.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// Profile selects the page-manager preset: stealth, balanced,
	// aggressive, single.
	Profile string `yaml:"profile"`

	Server dispatch.Config `yaml:"server"`

	Pool     PoolConfig     `yaml:"pool"`
	Cookies  CookiesConfig  `yaml:"cookies"`
	Proxy    ProxyConfig    `yaml:"proxy"`
	Evidence EvidenceConfig `yaml:"evidence"`
	Identity IdentityConfig `yaml:"identity"`
}

// PoolConfig sizes the window pool.
type PoolConfig struct {
	MinSize             int           `yaml:"min_size"`
	MaxSize             int           `yaml:"max_size"`
	WarmupDelay         time.Duration `yaml:"warmup_delay"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
}

// CookiesConfig tunes the jar manager.
type CookiesConfig struct {
	MaxHistorySize int `yaml:"max_history_size"`
}

// ProxyConfig tunes the proxy pool.
type ProxyConfig struct {
	Strategy      string `yaml:"strategy"`
	AutoBlacklist bool   `yaml:"auto_blacklist"`
}

// EvidenceConfig locates the evidence vault.
type EvidenceConfig struct {
	BasePath    string `yaml:"base_path"`
	AuditDBPath string `yaml:"audit_db_path"`
	AutoVerify  bool   `yaml:"auto_verify"`
}

// IdentityConfig points at the external identity store.
type IdentityConfig struct {
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	CacheTimeout time.Duration `yaml:"cache_timeout"`
}

func (c *Config) defaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Profile == "" {
		c.Profile = string(pages.ProfileBalanced)
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8765"
	}
	if c.Pool.MinSize <= 0 {
		c.Pool.MinSize = 2
	}
	if c.Pool.MaxSize <= 0 {
		c.Pool.MaxSize = 5
	}
	if c.Evidence.BasePath == "" {
		c.Evidence.BasePath = "evidence-vault"
	}
	if c.Identity.CacheTimeout <= 0 {
		c.Identity.CacheTimeout = 5 * time.Minute
	}
}

// PageProfile resolves the configured profile name.
func (c *Config) PageProfile() (pages.Profile, error) {
	p := pages.Profile(c.Profile)
	if _, ok := pages.Profiles[p]; !ok {
		return "", fmt.Errorf("config: unknown profile %q", c.Profile)
	}
	return p, nil
}

// Load reads the optional YAML file, applies environment overrides, then
// defaults. An empty path skips the file entirely.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.defaults()
	return cfg, nil
}

// applyEnv layers VEILCRAWL_* environment variables over the file values.
func (c *Config) applyEnv() {
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	setStr("VEILCRAWL_LOG_LEVEL", &c.LogLevel)
	setStr("VEILCRAWL_PROFILE", &c.Profile)
	setStr("VEILCRAWL_ADDR", &c.Server.Addr)
	setStr("VEILCRAWL_AUTH_TOKEN_HASH", &c.Server.AuthTokenHash)
	setBool("VEILCRAWL_TLS_ENABLED", &c.Server.TLS.Enabled)
	setStr("VEILCRAWL_TLS_CERTS_DIR", &c.Server.TLS.CertsDir)
	setStr("VEILCRAWL_TLS_MIN_VERSION", &c.Server.TLS.MinVersion)
	setInt("VEILCRAWL_POOL_MIN", &c.Pool.MinSize)
	setInt("VEILCRAWL_POOL_MAX", &c.Pool.MaxSize)
	setStr("VEILCRAWL_PROXY_STRATEGY", &c.Proxy.Strategy)
	setStr("VEILCRAWL_EVIDENCE_PATH", &c.Evidence.BasePath)
	setStr("VEILCRAWL_IDENTITY_URL", &c.Identity.BaseURL)
	setStr("VEILCRAWL_IDENTITY_API_KEY", &c.Identity.APIKey)
}

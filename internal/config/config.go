// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-linkproof.
//
// go-linkproof is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package config loads and validates gateway configuration from a YAML
// file with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete gateway configuration
type Config struct {
	Environment string            `yaml:"environment"`
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Admin       AdminConfig       `yaml:"admin"`
	Session     SessionConfig     `yaml:"session"`
	Nonce       NonceConfig       `yaml:"nonce"`
	Turnstile   TurnstileConfig   `yaml:"turnstile"`
	Attestation AttestationConfig `yaml:"attestation"`
	Ledger      LedgerConfig      `yaml:"ledger"`
	Delivery    DeliveryConfig    `yaml:"delivery"`
	RateLimit   RateLimitConfig   `yaml:"ratelimit"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Destination DestinationConfig `yaml:"destination"`
	Sites       []SiteConfig      `yaml:"sites"`
}

// ServerConfig contains server-level settings
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AdminConfig holds the operator credential gating tenant management.
// The credential is distinct from every Site Access Token.
type AdminConfig struct {
	OperatorToken string `yaml:"operator_token"`
}

// SessionConfig controls the continuity session cookies
type SessionConfig struct {
	// Secret signs session cookies and derives CSRF tokens. Must be at
	// least 32 bytes.
	Secret string `yaml:"secret"`

	// MaxAge is the session cookie lifetime. Defaults to 24h.
	MaxAge time.Duration `yaml:"max_age"`

	// Secure marks cookies as HTTPS-only. Enable behind TLS.
	Secure bool `yaml:"secure"`
}

// NonceConfig controls the nonce lifecycle
type NonceConfig struct {
	// TTL is the redemption window for a minted nonce.
	TTL time.Duration `yaml:"ttl"`

	// SweepInterval is how often the background sweeper expires
	// abandoned nonces.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// TurnstileConfig controls the external human-verification call
type TurnstileConfig struct {
	Secret   string        `yaml:"secret"`
	SiteKey  string        `yaml:"site_key"`
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

// AttestationConfig controls the redemption credential signer
type AttestationConfig struct {
	Issuer string        `yaml:"issuer"`
	TTL    time.Duration `yaml:"ttl"`
}

// LedgerConfig selects the receipts ledger backend
type LedgerConfig struct {
	// Backend is "memory" or "postgres".
	Backend string `yaml:"backend"`

	// DSN is the PostgreSQL connection string for the postgres backend.
	DSN string `yaml:"dsn"`
}

// DeliveryConfig controls fire-and-forget webhook delivery of ledger
// events to an external system
type DeliveryConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Secret  string `yaml:"secret"`
}

// RateLimitConfig controls rate limiting
type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled"`
	RequestsPerMin int  `yaml:"requests_per_min"`
	Burst          int  `yaml:"burst"`
}

// MetricsConfig controls the metrics endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DestinationConfig is defense-in-depth over resolved destinations.
// Destinations are already derived from registered Site origins; this
// additionally restricts which hosts a Site origin may point at.
type DestinationConfig struct {
	// AllowedHostSuffixes, when non-empty, restricts Site origin hosts
	// to these suffixes (e.g. ".example.com").
	AllowedHostSuffixes []string `yaml:"allowed_host_suffixes"`
}

// SiteConfig seeds a registered site at startup, so tenants survive a
// restart. The access token hash is the stored argon2id hash exactly as
// the admin API returned it; the plaintext token is never configured.
type SiteConfig struct {
	SiteID            string   `yaml:"site_id"`
	Hostname          string   `yaml:"hostname"`
	OriginBaseURL     string   `yaml:"origin_base_url"`
	PathAllowlist     []string `yaml:"path_allowlist"`
	QueryAllowlist    []string `yaml:"query_allowlist"`
	RequireHumanProof bool     `yaml:"require_human_proof"`
	AccessTokenHash   string   `yaml:"access_token_hash"`
}

// Default returns a configuration with development defaults. The
// session secret and operator token must still be provided.
func Default() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8443,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Session: SessionConfig{
			MaxAge: 24 * time.Hour,
		},
		Nonce: NonceConfig{
			TTL:           10 * time.Minute,
			SweepInterval: time.Minute,
		},
		Attestation: AttestationConfig{
			Issuer: "linkproof",
			TTL:    5 * time.Minute,
		},
		Ledger: LedgerConfig{
			Backend: "memory",
		},
		RateLimit: RateLimitConfig{
			Enabled:        true,
			RequestsPerMin: 120,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads configuration from a YAML file and applies environment variable overrides
func Load(path string) (*Config, error) {
	// #nosec G304 - Config file path is provided by admin/user
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ApplyEnvOverrides applies LINKPROOF_* environment variables over the
// loaded configuration. Secrets are typically supplied this way rather
// than in the file.
func ApplyEnvOverrides(cfg *Config) {
	if env := os.Getenv("LINKPROOF_ENVIRONMENT"); env != "" {
		cfg.Environment = env
	}
	if host := os.Getenv("LINKPROOF_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("LINKPROOF_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if level := os.Getenv("LINKPROOF_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("LINKPROOF_LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}
	if secret := os.Getenv("LINKPROOF_SESSION_SECRET"); secret != "" {
		cfg.Session.Secret = secret
	}
	if token := os.Getenv("LINKPROOF_OPERATOR_TOKEN"); token != "" {
		cfg.Admin.OperatorToken = token
	}
	if secret := os.Getenv("LINKPROOF_TURNSTILE_SECRET"); secret != "" {
		cfg.Turnstile.Secret = secret
	}
	if dsn := os.Getenv("LINKPROOF_LEDGER_DSN"); dsn != "" {
		cfg.Ledger.DSN = dsn
	}
	if secret := os.Getenv("LINKPROOF_DELIVERY_SECRET"); secret != "" {
		cfg.Delivery.Secret = secret
	}
	if ttl := os.Getenv("LINKPROOF_NONCE_TTL"); ttl != "" {
		if d, err := time.ParseDuration(ttl); err == nil {
			cfg.Nonce.TTL = d
		}
	}
}

// Production reports whether the gateway is running in production
// mode. The nonce TTL override is honored only outside production.
func (c *Config) Production() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Validate checks the configuration for completeness and consistency
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, error, or fatal)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json": true, "text": true,
	}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Logging.Format)
	}

	if len(c.Session.Secret) < 32 {
		return fmt.Errorf("session secret must be at least 32 bytes")
	}

	if c.Admin.OperatorToken == "" {
		return fmt.Errorf("admin operator_token must be specified")
	}

	if c.Nonce.TTL <= 0 {
		return fmt.Errorf("nonce ttl must be positive")
	}

	// The TTL override exists for test contexts only. Production runs
	// with the standard window.
	if c.Production() && c.Nonce.TTL < time.Minute {
		return fmt.Errorf("nonce ttl below 1m is not permitted in production")
	}

	switch c.Ledger.Backend {
	case "memory":
	case "postgres":
		if c.Ledger.DSN == "" {
			return fmt.Errorf("ledger dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("invalid ledger backend: %s (must be memory or postgres)", c.Ledger.Backend)
	}

	if c.Delivery.Enabled {
		if c.Delivery.URL == "" {
			return fmt.Errorf("delivery url is required when delivery is enabled")
		}
		if c.Delivery.Secret == "" {
			return fmt.Errorf("delivery secret is required when delivery is enabled")
		}
	}

	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMin < 1 {
		return fmt.Errorf("ratelimit requests_per_min must be positive when enabled")
	}

	seen := make(map[string]bool, len(c.Sites))
	for i, site := range c.Sites {
		if site.Hostname == "" {
			return fmt.Errorf("sites[%d]: hostname is required", i)
		}
		if site.OriginBaseURL == "" {
			return fmt.Errorf("sites[%d]: origin_base_url is required", i)
		}
		hostname := strings.ToLower(site.Hostname)
		if seen[hostname] {
			return fmt.Errorf("sites[%d]: duplicate hostname %s", i, hostname)
		}
		seen[hostname] = true
	}

	return nil
}

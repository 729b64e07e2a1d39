// Package config handles server configuration loading and validation.
package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Environment variables that carry secrets. Secrets never live in the config
// file.
const (
	EnvAPIKey        = "CHALKBOARD_API_KEY"
	EnvSigningKey    = "CHALKBOARD_SIGNING_KEY"
	EnvEncryptionKey = "CHALKBOARD_ENCRYPTION_KEY" // 64 hex chars (32 bytes)
	EnvDatabaseDSN   = "CHALKBOARD_DB_DSN"
)

// Config is the top-level server configuration.
type Config struct {
	Server  ServerConfig  `json:"server"`
	Auth    AuthConfig    `json:"auth"`
	Storage StorageConfig `json:"storage"`
	Notify  NotifyConfig  `json:"notify,omitempty"`
	Limits  LimitsConfig  `json:"limits,omitempty"`
	Logging LoggingConfig `json:"logging,omitempty"`
}

// ServerConfig defines the listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"` // e.g. ":8420"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // WebSocket origin check; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // default 1MB
}

// AuthConfig defines authentication settings. The API key, signing key and
// encryption key come from the environment, not from this file.
type AuthConfig struct {
	APIKey               string              `json:"-"`
	SigningKey           string              `json:"-"`
	EncryptionKey        []byte              `json:"-"`
	TokenTTL             Duration            `json:"token_ttl,omitempty"` // capability token lifetime; default 1h
	AgentTypePermissions map[string][]string `json:"agent_type_permissions,omitempty"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver         string   `json:"driver"` // "sqlite" (default) or "postgres"
	DSN            string   `json:"dsn"`    // e.g. "chalkboard.db" or ":memory:"
	MaxOpenConns   int      `json:"max_open_conns,omitempty"`  // default 30
	MaxIdleConns   int      `json:"max_idle_conns,omitempty"`  // default 20
	AuditRetention Duration `json:"audit_retention,omitempty"` // 0 disables the purger
}

// NotifyConfig defines notification bus settings.
type NotifyConfig struct {
	SubscriberBuffer int      `json:"subscriber_buffer,omitempty"` // events buffered per subscriber; default 64
	BridgeURL        string   `json:"bridge_url,omitempty"`        // optional co-hosted broadcast endpoint
	BridgeTimeout    Duration `json:"bridge_timeout,omitempty"`    // default 2s, capped at 2s
}

// LimitsConfig defines request limits and background cadences.
type LimitsConfig struct {
	RequestsPerSecond float64  `json:"requests_per_second,omitempty"` // default 10
	Burst             int      `json:"burst,omitempty"`               // default 20
	SweepInterval     Duration `json:"sweep_interval,omitempty"`      // memory/token sweep; default 30s
	MaxConnsPerAgent  int      `json:"max_conns_per_agent,omitempty"` // WebSocket connections; default 10
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads a config file, merges environment secrets, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.MergeEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// MergeEnv pulls secrets from the environment into the config.
func (c *Config) MergeEnv() error {
	c.Auth.APIKey = os.Getenv(EnvAPIKey)
	c.Auth.SigningKey = os.Getenv(EnvSigningKey)

	if hexKey := os.Getenv(EnvEncryptionKey); hexKey != "" {
		key, err := hex.DecodeString(hexKey)
		if err != nil {
			return fmt.Errorf("%s is not valid hex: %w", EnvEncryptionKey, err)
		}
		c.Auth.EncryptionKey = key
	}
	if dsn := os.Getenv(EnvDatabaseDSN); dsn != "" {
		c.Storage.DSN = dsn
	}
	return nil
}

// Validate checks the configuration. Both keys are required at startup; there
// is no implicit random fallback.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Auth.APIKey == "" {
		return fmt.Errorf("%s is required", EnvAPIKey)
	}
	if len(c.Auth.SigningKey) < 32 {
		return fmt.Errorf("%s must be at least 32 characters", EnvSigningKey)
	}
	if len(c.Auth.EncryptionKey) != 32 {
		return fmt.Errorf("%s must decode to exactly 32 bytes", EnvEncryptionKey)
	}
	if c.Storage.Driver != "" && c.Storage.Driver != "sqlite" && c.Storage.Driver != "postgres" {
		return fmt.Errorf("storage.driver must be sqlite or postgres")
	}
	return nil
}

// ApplyDefaults fills in unset fields.
func (c *Config) ApplyDefaults() {
	if c.Auth.TokenTTL.Duration == 0 {
		c.Auth.TokenTTL.Duration = 1 * time.Hour
	}
	if c.Auth.AgentTypePermissions == nil {
		c.Auth.AgentTypePermissions = map[string][]string{}
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "chalkboard.db"
	}
	if c.Storage.MaxOpenConns == 0 {
		c.Storage.MaxOpenConns = 30
	}
	if c.Storage.MaxIdleConns == 0 {
		c.Storage.MaxIdleConns = 20
	}
	if c.Notify.SubscriberBuffer == 0 {
		c.Notify.SubscriberBuffer = 64
	}
	if c.Notify.BridgeTimeout.Duration == 0 || c.Notify.BridgeTimeout.Duration > 2*time.Second {
		c.Notify.BridgeTimeout.Duration = 2 * time.Second
	}
	if c.Limits.RequestsPerSecond == 0 {
		c.Limits.RequestsPerSecond = 10
	}
	if c.Limits.Burst == 0 {
		c.Limits.Burst = 20
	}
	if c.Limits.SweepInterval.Duration == 0 {
		c.Limits.SweepInterval.Duration = 30 * time.Second
	}
	if c.Limits.MaxConnsPerAgent == 0 {
		c.Limits.MaxConnsPerAgent = 10
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

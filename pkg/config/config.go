// Package config loads and validates the coordinator configuration
// from an optional YAML file overlaid with DROVER_* environment
// variables. The signing key is secret material and is accepted from
// the environment or a file, never defaulted.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variable overrides. Each one, when set, wins over the
// config file value.
const (
	EnvListenAddr        = "DROVER_LISTEN_ADDR"
	EnvStoreConnection   = "DROVER_STORE_CONNECTION"
	EnvAuthSigningKey    = "DROVER_AUTH_SIGNING_KEY"
	EnvAuthTokenLifetime = "DROVER_AUTH_TOKEN_LIFETIME"
	EnvHeartbeatWindow   = "DROVER_HEARTBEAT_LIVE_WINDOW"
	EnvLockExpiryWindow  = "DROVER_LOCK_EXPIRY_WINDOW"
	EnvSweeperInterval   = "DROVER_SWEEPER_INTERVAL"
	EnvUpdateRetryLimit  = "DROVER_UPDATE_RETRY_LIMIT"
	EnvLogLevel          = "DROVER_LOG_LEVEL"
	EnvLogJSON           = "DROVER_LOG_JSON"
)

// MinSigningKeyLength is the shortest HMAC key accepted. Anything
// shorter is trivially brute-forceable.
const MinSigningKeyLength = 16

// Duration wraps time.Duration so YAML values can be written as Go
// duration strings ("30s", "24h").
type Duration time.Duration

// UnmarshalYAML parses a duration string or integer seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %v", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in Go string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	ListenAddr string `yaml:"listenAddr"`
}

// StoreConfig locates the persistent store.
type StoreConfig struct {
	// Connection is the bbolt data directory or file path.
	Connection string `yaml:"connection"`
}

// AuthConfig controls token issuance.
type AuthConfig struct {
	// SigningKey is the HMAC secret for bearer tokens. It must come
	// from the environment or a secret file, never source control.
	SigningKey string `yaml:"signingKey"`

	// SigningKeyFile, when set, is read at load time and takes the
	// place of SigningKey.
	SigningKeyFile string `yaml:"signingKeyFile"`

	TokenLifetime Duration `yaml:"tokenLifetime"`
}

// HeartbeatConfig controls node liveness.
type HeartbeatConfig struct {
	// LiveWindow is how long after the last heartbeat a node still
	// counts as live.
	LiveWindow Duration `yaml:"liveWindow"`
}

// LockConfig controls file lock expiry.
type LockConfig struct {
	// ExpiryWindow is how long an unrefreshed lock remains valid
	// before it may be stolen or reaped.
	ExpiryWindow Duration `yaml:"expiryWindow"`
}

// SweeperConfig controls the background liveness sweeper.
type SweeperConfig struct {
	Interval Duration `yaml:"interval"`
}

// UpdateConfig controls optimistic-concurrency retry behavior.
type UpdateConfig struct {
	// RetryLimit bounds internal re-read attempts when a row version
	// conflict hits a server-side read-modify-write.
	RetryLimit int `yaml:"retryLimit"`
}

// LogConfig controls log output.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Config is the full coordinator configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Auth      AuthConfig      `yaml:"auth"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Lock      LockConfig      `yaml:"lock"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
	Update    UpdateConfig    `yaml:"update"`
	Log       LogConfig       `yaml:"log"`
}

// Default returns the configuration with every tunable at its
// documented default. The signing key has no default.
func Default() *Config {
	return &Config{
		Server:    ServerConfig{ListenAddr: ":8080"},
		Store:     StoreConfig{Connection: "/var/lib/drover"},
		Auth:      AuthConfig{TokenLifetime: Duration(24 * time.Hour)},
		Heartbeat: HeartbeatConfig{LiveWindow: Duration(120 * time.Second)},
		Lock:      LockConfig{ExpiryWindow: Duration(3600 * time.Second)},
		Sweeper:   SweeperConfig{Interval: Duration(30 * time.Second)},
		Update:    UpdateConfig{RetryLimit: 3},
		Log:       LogConfig{Level: "info"},
	}
}

// Load builds the configuration: defaults, then the YAML file at path
// (skipped when path is empty), then environment overrides, then
// validation. The returned error names the offending key.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if cfg.Auth.SigningKeyFile != "" && cfg.Auth.SigningKey == "" {
		data, err := os.ReadFile(cfg.Auth.SigningKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read signing key file: %w", err)
		}
		// key files commonly end in a newline that is not key material
		cfg.Auth.SigningKey = strings.TrimSpace(string(data))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvListenAddr); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv(EnvStoreConnection); v != "" {
		c.Store.Connection = v
	}
	if v := os.Getenv(EnvAuthSigningKey); v != "" {
		c.Auth.SigningKey = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(EnvLogJSON); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %v", EnvLogJSON, v, err)
		}
		c.Log.JSON = parsed
	}
	if v := os.Getenv(EnvUpdateRetryLimit); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %v", EnvUpdateRetryLimit, v, err)
		}
		c.Update.RetryLimit = parsed
	}

	durations := []struct {
		env    string
		target *Duration
	}{
		{EnvAuthTokenLifetime, &c.Auth.TokenLifetime},
		{EnvHeartbeatWindow, &c.Heartbeat.LiveWindow},
		{EnvLockExpiryWindow, &c.Lock.ExpiryWindow},
		{EnvSweeperInterval, &c.Sweeper.Interval},
	}
	for _, d := range durations {
		v := os.Getenv(d.env)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %v", d.env, v, err)
		}
		*d.target = Duration(parsed)
	}
	return nil
}

// Validate checks every field the server depends on. It is called by
// Load and directly by tests that assemble configs by hand.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listenAddr must not be empty")
	}
	if c.Store.Connection == "" {
		return fmt.Errorf("store.connection must not be empty")
	}
	if c.Auth.SigningKey == "" {
		return fmt.Errorf("auth.signingKey is required; set %s or auth.signingKeyFile", EnvAuthSigningKey)
	}
	if len(c.Auth.SigningKey) < MinSigningKeyLength {
		return fmt.Errorf("auth.signingKey must be at least %d bytes", MinSigningKeyLength)
	}
	if c.Auth.TokenLifetime.Std() <= 0 {
		return fmt.Errorf("auth.tokenLifetime must be positive")
	}
	if c.Heartbeat.LiveWindow.Std() <= 0 {
		return fmt.Errorf("heartbeat.liveWindow must be positive")
	}
	if c.Lock.ExpiryWindow.Std() <= 0 {
		return fmt.Errorf("lock.expiryWindow must be positive")
	}
	if c.Sweeper.Interval.Std() <= 0 {
		return fmt.Errorf("sweeper.interval must be positive")
	}
	if c.Update.RetryLimit < 1 {
		return fmt.Errorf("update.retryLimit must be at least 1")
	}
	return nil
}

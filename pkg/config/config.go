// Package config loads the multiworld server's YAML configuration into
// nested structs, following the env-expand-then-unmarshal pattern used
// throughout this module's ambient packages.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig represents the HTTP/WebSocket listener configuration.
type ServerConfig struct {
	Port           int    `yaml:"port"`
	Host           string `yaml:"host"`
	Timeout        string `yaml:"timeout"`
	MaxConnections int    `yaml:"max_connections"`
}

// PoolConfig represents database pool configuration.
type PoolConfig struct {
	MaxConnections        int    `yaml:"max_connections"`
	MaxIdleConnections    int    `yaml:"max_idle_connections"`
	ConnectionMaxLifetime string `yaml:"connection_max_lifetime"`
}

// EncryptionConfig represents session-token encryption configuration.
type EncryptionConfig struct {
	Enabled             bool   `yaml:"enabled"`
	Key                 string `yaml:"key"` // base64 nacl secretbox key, 32 bytes decoded
	KeyRotationInterval string `yaml:"key_rotation_interval"`
}

// LoggingConfig represents logging configuration.
type LoggingConfig struct {
	Level    string          `yaml:"level"`
	Format   string          `yaml:"format"`
	Output   string          `yaml:"output"`
	File     *FileConfig     `yaml:"file,omitempty"`
	Journald *JournaldConfig `yaml:"journald,omitempty"`
}

// FileConfig represents file logging configuration (lumberjack-backed).
type FileConfig struct {
	Directory string `yaml:"directory"`
	Filename  string `yaml:"filename"`
	MaxSize   string `yaml:"max_size"`
	MaxFiles  int    `yaml:"max_files"`
	MaxAge    string `yaml:"max_age"`
	Compress  bool   `yaml:"compress"`
}

// JournaldConfig represents journald logging configuration.
type JournaldConfig struct {
	Identifier string            `yaml:"identifier"`
	Fields     map[string]string `yaml:"fields"`
}

// MetricsConfig represents Prometheus scrape configuration.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// HealthConfig represents health check configuration.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// SessionManagementConfig holds tunables for the Session Runtime (SPEC_FULL §4.5/§5).
type SessionManagementConfig struct {
	IdentifyTimeout    string `yaml:"identify_timeout"`     // AWAIT_IDENTIFY deadline, default 600s
	PollInterval       string `yaml:"poll_interval"`        // cooperative loop socket poll deadline, default 1.5s
	KickGraceDuration  string `yaml:"kick_grace_duration"`  // delay before synthetic player_leave, default 2s
	ForfeitSkipUpdates int    `yaml:"forfeit_skip_updates"` // skipUpdate count after player_forfeit, default 3
	MaxCountdownSecs   int    `yaml:"max_countdown_seconds"`
	DefaultCountdown   int    `yaml:"default_countdown_seconds"`
	MaxUploadBytes     int64  `yaml:"max_upload_bytes"` // default 10 MiB; not read by the multidata handler, which uses a fixed 10 MiB cap
	IdleSessionAge     string `yaml:"idle_session_age"` // default 48h
}

// IdentifyTimeoutDuration parses IdentifyTimeout, falling back to 600s on a
// malformed or empty value.
func (c *SessionManagementConfig) IdentifyTimeoutDuration() time.Duration {
	return parseDurationOr(c.IdentifyTimeout, 600*time.Second)
}

// PollIntervalDuration parses PollInterval, falling back to 1.5s.
func (c *SessionManagementConfig) PollIntervalDuration() time.Duration {
	return parseDurationOr(c.PollInterval, 1500*time.Millisecond)
}

// KickGraceDurationValue parses KickGraceDuration, falling back to 2s.
func (c *SessionManagementConfig) KickGraceDurationValue() time.Duration {
	return parseDurationOr(c.KickGraceDuration, 2*time.Second)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// AuthConfig represents login-exchange and JWT configuration.
type AuthConfig struct {
	JWTSecret              string `yaml:"jwt_secret"`
	JWTIssuer              string `yaml:"jwt_issuer"`
	AccessTokenExpiration  string `yaml:"access_token_expiration"`
	SessionTokenExpireDays int    `yaml:"session_token_expire_days"`
	MaxLoginAttempts       int    `yaml:"max_login_attempts"`
	LockoutDuration        string `yaml:"lockout_duration"`
}

// Load reads a YAML file, expands environment variables, and unmarshals it
// into an untyped map. Used for ad-hoc inspection; prefer LoadServerConfig
// for the top-level typed configuration.
func Load(configPath string) (map[string]interface{}, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var config map[string]interface{}
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return config, nil
}

// ParseDuration parses a duration string, returning fallback on error or
// empty input.
func ParseDuration(durationStr string, fallback time.Duration) time.Duration {
	if durationStr == "" {
		return fallback
	}
	if duration, err := time.ParseDuration(durationStr); err == nil {
		return duration
	}
	return fallback
}

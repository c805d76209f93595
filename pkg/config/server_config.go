package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// MultiworldServerConfig is the top-level configuration for the single
// multiworld-server binary, replacing the teacher's per-service config
// types (UserServiceConfig/SessionServiceConfig/GameServiceConfig) with one
// monolith config, matching SPEC_FULL's single-process scope.
type MultiworldServerConfig struct {
	Version           string                   `yaml:"version"`
	Server            *ServerConfig            `yaml:"server"`
	Database          *DatabaseConfig          `yaml:"database"`
	Encryption        *EncryptionConfig        `yaml:"encryption"`
	Logging           *LoggingConfig           `yaml:"logging"`
	Metrics           *MetricsConfig           `yaml:"metrics"`
	Health            *HealthConfig            `yaml:"health"`
	Auth              *AuthConfig              `yaml:"auth"`
	SessionManagement *SessionManagementConfig `yaml:"session_management"`
	GameDataDir       string                   `yaml:"game_data_dir"`
}

// LoadServerConfig loads and defaults the multiworld server configuration,
// following the teacher's read-expand-unmarshal-then-applyDefaults idiom
// (pkg/config/session_config.go LoadSessionServiceConfig).
func LoadServerConfig(configPath string) (*MultiworldServerConfig, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg MultiworldServerConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyServerDefaults(&cfg)

	return &cfg, nil
}

// applyServerDefaults fills unset sections and fields with sane defaults,
// mirroring the nil-check-then-assign idiom of the teacher's applyDefaults.
func applyServerDefaults(cfg *MultiworldServerConfig) {
	if cfg.Version == "" {
		cfg.Version = "1.0"
	}

	if cfg.Server == nil {
		cfg.Server = &ServerConfig{}
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Timeout == "" {
		cfg.Server.Timeout = "30s"
	}
	if cfg.Server.MaxConnections == 0 {
		cfg.Server.MaxConnections = 10000
	}

	if cfg.Database == nil {
		cfg.Database = &DatabaseConfig{}
	}
	if cfg.Database.Mode == "" {
		cfg.Database.Mode = DatabaseModeEmbedded
	}
	if cfg.Database.Mode == DatabaseModeEmbedded {
		if cfg.Database.Embedded == nil {
			cfg.Database.Embedded = &EmbeddedDBConfig{}
		}
		if cfg.Database.Embedded.Type == "" {
			cfg.Database.Embedded.Type = "sqlite"
		}
		if cfg.Database.Embedded.Path == "" {
			cfg.Database.Embedded.Path = "./data/multiworld.db"
		}
	}

	if cfg.Encryption == nil {
		cfg.Encryption = &EncryptionConfig{}
	}

	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	if cfg.Metrics == nil {
		cfg.Metrics = &MetricsConfig{Enabled: true, Port: 9090}
	}

	if cfg.Health == nil {
		cfg.Health = &HealthConfig{Enabled: true, Path: "/healthz"}
	}

	if cfg.Auth == nil {
		cfg.Auth = &AuthConfig{}
	}
	if cfg.Auth.JWTIssuer == "" {
		cfg.Auth.JWTIssuer = "multiworld-server"
	}
	if cfg.Auth.AccessTokenExpiration == "" {
		cfg.Auth.AccessTokenExpiration = "24h"
	}
	if cfg.Auth.SessionTokenExpireDays == 0 {
		cfg.Auth.SessionTokenExpireDays = 30
	}
	if cfg.Auth.MaxLoginAttempts == 0 {
		cfg.Auth.MaxLoginAttempts = 5
	}
	if cfg.Auth.LockoutDuration == "" {
		cfg.Auth.LockoutDuration = "15m"
	}

	if cfg.SessionManagement == nil {
		cfg.SessionManagement = &SessionManagementConfig{}
	}
	if cfg.SessionManagement.IdentifyTimeout == "" {
		cfg.SessionManagement.IdentifyTimeout = "600s"
	}
	if cfg.SessionManagement.PollInterval == "" {
		cfg.SessionManagement.PollInterval = "1.5s"
	}
	if cfg.SessionManagement.KickGraceDuration == "" {
		cfg.SessionManagement.KickGraceDuration = "2s"
	}
	if cfg.SessionManagement.ForfeitSkipUpdates == 0 {
		cfg.SessionManagement.ForfeitSkipUpdates = 3
	}
	if cfg.SessionManagement.MaxCountdownSecs == 0 {
		cfg.SessionManagement.MaxCountdownSecs = 60
	}
	if cfg.SessionManagement.DefaultCountdown == 0 {
		cfg.SessionManagement.DefaultCountdown = 5
	}
	if cfg.SessionManagement.MaxUploadBytes == 0 {
		cfg.SessionManagement.MaxUploadBytes = 10 * 1024 * 1024
	}
	if cfg.SessionManagement.IdleSessionAge == "" {
		cfg.SessionManagement.IdleSessionAge = "48h"
	}

	if cfg.GameDataDir == "" {
		cfg.GameDataDir = "./gamedata"
	}
}

package config

import "fmt"

// DatabaseMode represents the database operational mode.
type DatabaseMode string

const (
	DatabaseModeEmbedded DatabaseMode = "embedded" // SQLite for single-process / test deployments
	DatabaseModeExternal DatabaseMode = "external" // PostgreSQL/MySQL for production
)

// DatabaseConfig supports dual embedded/external mode, matching the Event
// Store's reader/writer connection split (SPEC_FULL §4.3/§5).
type DatabaseConfig struct {
	Mode     DatabaseMode      `yaml:"mode"`
	Type     string            `yaml:"type"` // sqlite, postgresql, mysql
	Embedded *EmbeddedDBConfig `yaml:"embedded"`
	External *ExternalDBConfig `yaml:"external"`
	Settings *DatabaseSettings `yaml:"settings"`
	Pool     *PoolConfig       `yaml:"pool,omitempty"`
}

// EmbeddedDBConfig represents embedded database configuration (SQLite).
type EmbeddedDBConfig struct {
	Type          string `yaml:"type"` // sqlite
	Path          string `yaml:"path"`
	MigrationPath string `yaml:"migration_path"`
	WALMode       bool   `yaml:"wal_mode"`
}

// ExternalDBConfig represents external database configuration with
// read/write endpoint separation.
type ExternalDBConfig struct {
	Type string `yaml:"type"` // postgresql, mysql

	WriterEndpoint string `yaml:"writer_endpoint"`

	ReaderUseWriter bool   `yaml:"reader_use_writer"`
	ReaderEndpoint  string `yaml:"reader_endpoint"`

	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`

	MaxConnections  int    `yaml:"max_connections"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime string `yaml:"conn_max_lifetime"`

	ReaderMaxConnections int `yaml:"reader_max_connections"`
	ReaderMaxIdleConns   int `yaml:"reader_max_idle_conns"`

	MigrationPath string `yaml:"migration_path"`
	Schema        string `yaml:"schema"`

	Options map[string]string `yaml:"options"`

	Failover *FailoverConfig `yaml:"failover"`
}

// FailoverConfig represents database failover configuration.
type FailoverConfig struct {
	Enabled                bool   `yaml:"enabled"`
	HealthCheckInterval    string `yaml:"health_check_interval"`
	FailoverTimeout        string `yaml:"failover_timeout"`
	RetryInterval          string `yaml:"retry_interval"`
	MaxRetries             int    `yaml:"max_retries"`
	ReaderToWriterFallback bool   `yaml:"reader_to_writer_fallback"`
}

// DatabaseSettings represents common database settings.
type DatabaseSettings struct {
	LogQueries     bool   `yaml:"log_queries"`
	Timeout        string `yaml:"timeout"`
	RetryAttempts  int    `yaml:"retry_attempts"`
	RetryDelay     string `yaml:"retry_delay"`
	HealthCheck    bool   `yaml:"health_check"`
	HealthInterval string `yaml:"health_interval"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
}

// IsEmbedded reports whether the configuration selects embedded (SQLite) mode.
func (c *DatabaseConfig) IsEmbedded() bool {
	return c.Mode == DatabaseModeEmbedded
}

// IsExternal reports whether the configuration selects external mode.
func (c *DatabaseConfig) IsExternal() bool {
	return c.Mode == DatabaseModeExternal
}

// GetMigrationPath returns the migration directory for the active mode.
func (c *DatabaseConfig) GetMigrationPath() string {
	if c.IsEmbedded() && c.Embedded != nil {
		return c.Embedded.MigrationPath
	}
	if c.IsExternal() && c.External != nil {
		return c.External.MigrationPath
	}
	return ""
}

// GetDatabaseType returns the normalized database type string used for
// driver selection (sqlite, postgresql, mysql).
func (c *DatabaseConfig) GetDatabaseType() string {
	if c.Type != "" {
		return c.Type
	}
	if c.IsEmbedded() && c.Embedded != nil {
		return c.Embedded.Type
	}
	if c.IsExternal() && c.External != nil {
		return c.External.Type
	}
	return "sqlite"
}

// GetConnectionString returns the embedded-mode DSN.
func (c *DatabaseConfig) GetConnectionString() (string, error) {
	if !c.IsEmbedded() || c.Embedded == nil {
		return "", fmt.Errorf("database is not configured for embedded mode")
	}
	dsn := c.Embedded.Path
	if c.Embedded.WALMode {
		dsn += "?_journal_mode=WAL"
	}
	return dsn, nil
}

// GetWriterConnectionString returns the external-mode writer DSN.
func (c *DatabaseConfig) GetWriterConnectionString() (string, error) {
	if !c.IsExternal() || c.External == nil {
		return "", fmt.Errorf("database is not configured for external mode")
	}
	return buildExternalDSN(c.External, c.External.WriterEndpoint)
}

// GetReaderConnectionString returns the external-mode reader DSN.
func (c *DatabaseConfig) GetReaderConnectionString() (string, error) {
	if !c.IsExternal() || c.External == nil {
		return "", fmt.Errorf("database is not configured for external mode")
	}
	endpoint := c.External.ReaderEndpoint
	if endpoint == "" {
		endpoint = c.External.WriterEndpoint
	}
	return buildExternalDSN(c.External, endpoint)
}

func buildExternalDSN(ext *ExternalDBConfig, endpoint string) (string, error) {
	if endpoint == "" {
		return "", fmt.Errorf("database endpoint is empty")
	}
	switch ext.Type {
	case "postgresql":
		sslMode := ext.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=%s",
			ext.Username, ext.Password, endpoint, ext.Database, sslMode), nil
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=true",
			ext.Username, ext.Password, endpoint, ext.Database), nil
	default:
		return "", fmt.Errorf("unsupported external database type: %s", ext.Type)
	}
}

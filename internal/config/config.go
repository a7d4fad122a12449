// Package config loads and validates the service configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the EMX_ prefix (e.g., EMX_DATABASE_HOST
// overrides database.host in the YAML).
//
// The JWT signing secret is not part of this struct; it is read from
// EMX_JWT_SECRET by the auth package so it never ends up in a config file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Sync modes for the start-up schema synchronization pass.
const (
	SyncModeBlocking   = "blocking"
	SyncModeBackground = "background"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Tenancy   TenancyConfig   `mapstructure:"tenancy"`
	Security  SecurityConfig  `mapstructure:"security"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database connection configuration. There is exactly one
// pool for the whole process; tenants never get their own credentials.
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// TenancyConfig controls schema provisioning and synchronization.
type TenancyConfig struct {
	// SyncMode is "blocking" (sync before the listener starts) or "background"
	// (serve immediately, answer 503 for tenants that are not synced yet).
	SyncMode string `mapstructure:"sync_mode"`
	// SyncConcurrency bounds how many namespaces are synchronized at once.
	// Keep it well below database.max_connections.
	SyncConcurrency int `mapstructure:"sync_concurrency"`
	// SyncInterval re-runs the synchronizer periodically when > 0.
	SyncInterval time.Duration `mapstructure:"sync_interval"`
	// SyncRunRetention keeps only the newest N sync runs, and their archived
	// reports, after each pass. 0 keeps everything.
	SyncRunRetention int `mapstructure:"sync_run_retention"`
	// MaxGenerateAttempts bounds identifier generation retries on collision.
	MaxGenerateAttempts int `mapstructure:"max_generate_attempts"`
	// CleanupTimeout bounds compensation and teardown, which run detached
	// from the request context.
	CleanupTimeout time.Duration `mapstructure:"cleanup_timeout"`
	// TokenTTL is the lifetime of the owner token returned on registration.
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// RateLimitingConfig holds rate limiting configuration
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
	// RedisURL, when set, keeps rate-limit counters in Redis so the limit is
	// shared by every replica. Empty means per-process limiting.
	RedisURL string `mapstructure:"redis_url"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// AuditConfig holds audit trail configuration. Audit events are written
// to a JSON-lines file, a webhook, or both.
type AuditConfig struct {
	Enabled bool               `mapstructure:"enabled"`
	File    AuditFileConfig    `mapstructure:"file"`
	Webhook AuditWebhookConfig `mapstructure:"webhook"`
}

// AuditFileConfig configures the file destination
type AuditFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// AuditWebhookConfig configures the webhook destination
type AuditWebhookConfig struct {
	URL           string            `mapstructure:"url"`
	Headers       map[string]string `mapstructure:"headers"`
	Timeout       time.Duration     `mapstructure:"timeout"`
	BatchSize     int               `mapstructure:"batch_size"`
	FlushInterval time.Duration     `mapstructure:"flush_interval"`
}

// ArchiveConfig controls where full sync reports are kept. The run table only
// holds counters; the archived JSON report lists every namespace and entity.
type ArchiveConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Backend string `mapstructure:"backend"`
	// Prefix is prepended to every object key, e.g. "emetrics/prod".
	Prefix string             `mapstructure:"prefix"`
	Azure  AzureStorageConfig `mapstructure:"azure"`
	S3     S3StorageConfig    `mapstructure:"s3"`
	GCS    GCSStorageConfig   `mapstructure:"gcs"`
	Local  LocalStorageConfig `mapstructure:"local"`
}

// AzureStorageConfig holds Azure Blob Storage configuration
type AzureStorageConfig struct {
	AccountName   string `mapstructure:"account_name"`
	AccountKey    string `mapstructure:"account_key"`
	ContainerName string `mapstructure:"container_name"`
}

// S3StorageConfig holds S3-compatible storage configuration
type S3StorageConfig struct {
	// Endpoint is the S3-compatible endpoint URL (optional, for MinIO and similar)
	Endpoint string `mapstructure:"endpoint"`
	Region   string `mapstructure:"region"`
	Bucket   string `mapstructure:"bucket"`

	// AuthMethod is "default", "static", "oidc" or "assume_role".
	AuthMethod string `mapstructure:"auth_method"`

	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`

	RoleARN         string `mapstructure:"role_arn"`
	RoleSessionName string `mapstructure:"role_session_name"`
	ExternalID      string `mapstructure:"external_id"`

	// WebIdentityTokenFile is required for auth_method "oidc".
	WebIdentityTokenFile string `mapstructure:"web_identity_token_file"`
}

// GCSStorageConfig holds Google Cloud Storage configuration
type GCSStorageConfig struct {
	Bucket string `mapstructure:"bucket"`

	// AuthMethod is "default", "service_account" or "workload_identity".
	AuthMethod      string `mapstructure:"auth_method"`
	CredentialsFile string `mapstructure:"credentials_file"`
	CredentialsJSON string `mapstructure:"credentials_json"`

	// Endpoint is an optional custom endpoint (for GCS emulators)
	Endpoint string `mapstructure:"endpoint"`
}

// LocalStorageConfig holds local filesystem storage configuration
type LocalStorageConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// AutomaticEnv() alone does not populate nested structs during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Server
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",

		// Database
		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		// Tenancy
		"tenancy.sync_mode",
		"tenancy.sync_concurrency",
		"tenancy.sync_interval",
		"tenancy.sync_run_retention",
		"tenancy.max_generate_attempts",
		"tenancy.cleanup_timeout",
		"tenancy.token_ttl",

		// Security
		"security.cors.allowed_origins",
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",
		"security.rate_limiting.redis_url",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",

		// Audit
		"audit.enabled",
		"audit.file.path",
		"audit.file.max_size_mb",
		"audit.file.max_backups",
		"audit.webhook.url",
		"audit.webhook.timeout",
		"audit.webhook.batch_size",
		"audit.webhook.flush_interval",

		// Archive
		"archive.enabled",
		"archive.backend",
		"archive.prefix",
		"archive.azure.account_name",
		"archive.azure.account_key",
		"archive.azure.container_name",
		"archive.s3.endpoint",
		"archive.s3.region",
		"archive.s3.bucket",
		"archive.s3.auth_method",
		"archive.s3.access_key_id",
		"archive.s3.secret_access_key",
		"archive.s3.role_arn",
		"archive.s3.role_session_name",
		"archive.s3.external_id",
		"archive.s3.web_identity_token_file",
		"archive.gcs.bucket",
		"archive.gcs.auth_method",
		"archive.gcs.credentials_file",
		"archive.gcs.credentials_json",
		"archive.gcs.endpoint",
		"archive.local.base_path",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	cfg, _, err := load(configPath)
	return cfg, err
}

// LoadAndWatch loads configuration like Load and, when a config file was
// found, calls onChange with the re-validated configuration every time the
// file changes. Invalid edits are logged and ignored.
func LoadAndWatch(configPath string, onChange func(*Config)) (*Config, error) {
	cfg, v, err := load(configPath)
	if err != nil {
		return nil, err
	}
	if v.ConfigFileUsed() != "" {
		v.OnConfigChange(reloadHandler(v, onChange))
		v.WatchConfig()
	}
	return cfg, nil
}

func reloadHandler(v *viper.Viper, onChange func(*Config)) func(fsnotify.Event) {
	return func(e fsnotify.Event) {
		cfg, err := unmarshal(v)
		if err != nil {
			slog.Warn("ignoring invalid configuration change", "file", e.Name, "error", err)
			return
		}
		slog.Info("configuration reloaded", "file", e.Name)
		onChange(cfg)
	}
}

func load(configPath string) (*Config, *viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/emetrics")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("EMX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, nil, err
	}

	cfg, err := unmarshal(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.Database.Password = os.ExpandEnv(cfg.Database.Password)
	cfg.Archive.Azure.AccountKey = os.ExpandEnv(cfg.Archive.Azure.AccountKey)
	cfg.Archive.S3.AccessKeyID = os.ExpandEnv(cfg.Archive.S3.AccessKeyID)
	cfg.Archive.S3.SecretAccessKey = os.ExpandEnv(cfg.Archive.S3.SecretAccessKey)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "emetrics")
	v.SetDefault("database.user", "emetrics")
	v.SetDefault("database.ssl_mode", "require")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	v.SetDefault("tenancy.sync_mode", SyncModeBlocking)
	v.SetDefault("tenancy.sync_concurrency", 4)
	v.SetDefault("tenancy.sync_interval", "0s")
	v.SetDefault("tenancy.sync_run_retention", 0)
	v.SetDefault("tenancy.max_generate_attempts", 5)
	v.SetDefault("tenancy.cleanup_timeout", "30s")
	v.SetDefault("tenancy.token_ttl", "24h")

	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 10)
	v.SetDefault("security.rate_limiting.burst", 5)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)

	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.file.max_size_mb", 100)
	v.SetDefault("audit.file.max_backups", 5)
	v.SetDefault("audit.webhook.timeout", "10s")
	v.SetDefault("audit.webhook.batch_size", 0)
	v.SetDefault("audit.webhook.flush_interval", "5s")

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.backend", "local")
	v.SetDefault("archive.local.base_path", "./archive")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.User == "" {
		return fmt.Errorf("database.user is required")
	}

	switch c.Tenancy.SyncMode {
	case SyncModeBlocking, SyncModeBackground:
	default:
		return fmt.Errorf("invalid tenancy.sync_mode: %s (must be blocking or background)", c.Tenancy.SyncMode)
	}
	if c.Tenancy.SyncConcurrency < 1 {
		return fmt.Errorf("tenancy.sync_concurrency must be at least 1, got %d", c.Tenancy.SyncConcurrency)
	}
	if c.Database.MaxConnections > 0 && c.Tenancy.SyncConcurrency >= c.Database.MaxConnections {
		return fmt.Errorf("tenancy.sync_concurrency (%d) must be lower than database.max_connections (%d)",
			c.Tenancy.SyncConcurrency, c.Database.MaxConnections)
	}
	if c.Tenancy.SyncRunRetention < 0 {
		return fmt.Errorf("tenancy.sync_run_retention must not be negative, got %d", c.Tenancy.SyncRunRetention)
	}
	if c.Tenancy.MaxGenerateAttempts < 1 {
		return fmt.Errorf("tenancy.max_generate_attempts must be at least 1, got %d", c.Tenancy.MaxGenerateAttempts)
	}
	if c.Tenancy.CleanupTimeout <= 0 {
		return fmt.Errorf("tenancy.cleanup_timeout must be positive")
	}

	if c.Audit.Enabled && c.Audit.File.Path == "" && c.Audit.Webhook.URL == "" {
		return fmt.Errorf("audit is enabled but neither audit.file.path nor audit.webhook.url is set")
	}

	if err := c.Archive.validate(); err != nil {
		return err
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

func (a *ArchiveConfig) validate() error {
	if !a.Enabled {
		return nil
	}
	switch a.Backend {
	case "local":
		if a.Local.BasePath == "" {
			return fmt.Errorf("archive.local.base_path is required when using the local backend")
		}
	case "s3":
		if a.S3.Bucket == "" {
			return fmt.Errorf("archive.s3.bucket is required when using the S3 backend")
		}
		if a.S3.Region == "" {
			return fmt.Errorf("archive.s3.region is required when using the S3 backend")
		}
	case "azure":
		if a.Azure.AccountName == "" || a.Azure.AccountKey == "" || a.Azure.ContainerName == "" {
			return fmt.Errorf("archive.azure.account_name, account_key and container_name are required when using the Azure backend")
		}
	case "gcs":
		if a.GCS.Bucket == "" {
			return fmt.Errorf("archive.gcs.bucket is required when using the GCS backend")
		}
	default:
		return fmt.Errorf("invalid archive backend: %s (must be local, s3, azure, or gcs)", a.Backend)
	}
	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Store driver names accepted in database.driver.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverMemory   = "memory"
)

// Config represents the application configuration.
type Config struct {
	Database       DatabaseConfig       `yaml:"database"`
	Server         ServerConfig         `yaml:"server"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	LeaderElection LeaderElectionConfig `yaml:"leader_election"`
	Sweep          SweepConfig          `yaml:"sweep"`
	Payments       PaymentsConfig       `yaml:"payments"`
	Redis          RedisConfig          `yaml:"redis"`
	Discord        DiscordConfig        `yaml:"discord"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	User        string `yaml:"user"`
	Password    string `yaml:"password"`
	DBName      string `yaml:"dbname"`
	SSLMode     string `yaml:"sslmode"`
	Driver      string `yaml:"driver"` // "postgres", "mysql" or "memory"
	AutoMigrate bool   `yaml:"auto_migrate"`
}

// DSN returns the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// MySQLDSN returns the go-sql-driver/mysql connection string.
func (d DatabaseConfig) MySQLDSN() string {
	return fmt.Sprintf(
		"%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		d.User, d.Password, d.Host, d.Port, d.DBName,
	)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// AdminToken guards the /api/ routes. Empty leaves them open, which
	// only suits local runs.
	AdminToken string `yaml:"admin_token"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	Insecure       bool   `yaml:"insecure"`
}

// LeaderElectionConfig holds Kubernetes leader election settings.
// Only the periodic sweeper is gated by it; request-triggered sweeps
// run on every replica.
type LeaderElectionConfig struct {
	Enabled        bool          `yaml:"enabled"`
	LeaseName      string        `yaml:"lease_name"`
	LeaseNamespace string        `yaml:"lease_namespace"`
	LeaseDuration  time.Duration `yaml:"lease_duration"`
	RenewDeadline  time.Duration `yaml:"renew_deadline"`
	RetryPeriod    time.Duration `yaml:"retry_period"`
}

// SweepConfig controls when and how much the closing sweep runs.
type SweepConfig struct {
	// Interval of the periodic sweeper. Zero disables it.
	Interval time.Duration `yaml:"interval"`
	// MaxLots caps the lots finalized per invocation.
	MaxLots int `yaml:"max_lots"`
	// MinGap is the minimum time between request-triggered sweeps.
	MinGap time.Duration `yaml:"min_gap"`
	// RequestTrigger runs the sweep opportunistically before page requests.
	RequestTrigger bool `yaml:"request_trigger"`
}

// PaymentsConfig holds payment request dispatch settings.
type PaymentsConfig struct {
	// AutoRequestDefault applies when the settings store has no value.
	AutoRequestDefault bool   `yaml:"auto_request_default"`
	CheckoutBaseURL    string `yaml:"checkout_base_url"`
	NATSURL            string `yaml:"nats_url"`
	SubjectPrefix      string `yaml:"subject_prefix"`
	// WebhookSecret must match the X-Webhook-Secret header of checkout
	// callbacks when set.
	WebhookSecret string `yaml:"webhook_secret"`
}

// RedisConfig configures the shared sweep throttle. An empty Addr keeps
// the throttle in-process.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DiscordConfig configures the admin closure feed. An empty Token
// disables it.
type DiscordConfig struct {
	Token     string `yaml:"token"`
	ChannelID string `yaml:"channel_id"`
}

// Load reads a YAML configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
			Driver:  DriverPostgres,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "auctiond",
			ServiceVersion: "0.1.0",
		},
		LeaderElection: LeaderElectionConfig{
			Enabled:        false,
			LeaseName:      "auctiond-sweeper",
			LeaseNamespace: "default",
			LeaseDuration:  15 * time.Second,
			RenewDeadline:  10 * time.Second,
			RetryPeriod:    2 * time.Second,
		},
		Sweep: SweepConfig{
			Interval:       time.Minute,
			MaxLots:        50,
			MinGap:         5 * time.Second,
			RequestTrigger: true,
		},
		Payments: PaymentsConfig{
			AutoRequestDefault: false,
			CheckoutBaseURL:    "http://localhost:8080/checkout",
			SubjectPrefix:      "payments.requested",
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	switch c.Database.Driver {
	case DriverPostgres, DriverMySQL, DriverMemory:
		// valid
	default:
		return fmt.Errorf("unsupported database driver %q: must be %q, %q or %q",
			c.Database.Driver, DriverPostgres, DriverMySQL, DriverMemory)
	}
	if c.Sweep.MaxLots <= 0 {
		return fmt.Errorf("sweep.max_lots must be positive, got %d", c.Sweep.MaxLots)
	}
	if c.Sweep.Interval < 0 || c.Sweep.MinGap < 0 {
		return fmt.Errorf("sweep durations must not be negative")
	}
	if c.Discord.Token != "" && c.Discord.ChannelID == "" {
		return fmt.Errorf("discord.channel_id is required when discord.token is set")
	}
	return nil
}

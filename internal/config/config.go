// ABOUTME: Configuration loading and parsing for fleet-gateway.
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete fleet-gateway configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Auth        AuthConfig        `yaml:"auth"`
	Workers     WorkersConfig     `yaml:"workers"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// ServerConfig holds listener address configuration.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	JWTSecret  string `yaml:"jwt_secret"`
	AdminToken string `yaml:"admin_token"`

	SessionTTL    time.Duration `yaml:"-"`
	SessionTTLRaw string        `yaml:"session_ttl"`
}

// WorkersConfig holds worker heartbeat and liveness timing.
type WorkersConfig struct {
	HeartbeatInterval time.Duration `yaml:"-"`
	HeartbeatTimeout  time.Duration `yaml:"-"`
	SweepInterval     time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval"`
	HeartbeatTimeoutRaw  string `yaml:"heartbeat_timeout"`
	SweepIntervalRaw     string `yaml:"sweep_interval"`
}

// SchedulerConfig holds task scheduling configuration.
type SchedulerConfig struct {
	TickInterval    time.Duration `yaml:"-"`
	TickIntervalRaw string        `yaml:"tick_interval"`

	// PendingHintLimit caps the pending-task hints on heartbeat acks.
	PendingHintLimit int `yaml:"pending_hint_limit"`
}

// CredentialsConfig holds credential broker configuration.
type CredentialsConfig struct {
	ResolveTimeout    time.Duration `yaml:"-"`
	ResolveTimeoutRaw string        `yaml:"resolve_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses raw YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied, suitable for
// ephemeral in-memory runs and tests.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// parseDurations converts the raw duration strings into time.Duration fields.
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"auth.session_ttl", cfg.Auth.SessionTTLRaw, &cfg.Auth.SessionTTL},
		{"workers.heartbeat_interval", cfg.Workers.HeartbeatIntervalRaw, &cfg.Workers.HeartbeatInterval},
		{"workers.heartbeat_timeout", cfg.Workers.HeartbeatTimeoutRaw, &cfg.Workers.HeartbeatTimeout},
		{"workers.sweep_interval", cfg.Workers.SweepIntervalRaw, &cfg.Workers.SweepInterval},
		{"scheduler.tick_interval", cfg.Scheduler.TickIntervalRaw, &cfg.Scheduler.TickInterval},
		{"credentials.resolve_timeout", cfg.Credentials.ResolveTimeoutRaw, &cfg.Credentials.ResolveTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("invalid duration for %s: %q", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}

// applyDefaults fills in zero-valued fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "localhost:8080"
	}
	if c.Database.Path == "" {
		c.Database.Path = "data/fleet.db"
	}
	if c.Auth.SessionTTL == 0 {
		c.Auth.SessionTTL = 30 * 24 * time.Hour
	}
	if c.Workers.HeartbeatInterval == 0 {
		c.Workers.HeartbeatInterval = 30 * time.Second
	}
	if c.Workers.HeartbeatTimeout == 0 {
		// 5x the expected heartbeat interval: a stalled network path can
		// leave a dead socket looking connected indefinitely.
		c.Workers.HeartbeatTimeout = 5 * c.Workers.HeartbeatInterval
	}
	if c.Workers.SweepInterval == 0 {
		c.Workers.SweepInterval = 15 * time.Second
	}
	if c.Scheduler.TickInterval == 0 {
		c.Scheduler.TickInterval = 5 * time.Second
	}
	if c.Scheduler.PendingHintLimit == 0 {
		c.Scheduler.PendingHintLimit = 10
	}
	if c.Credentials.ResolveTimeout == 0 {
		c.Credentials.ResolveTimeout = 5 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Workers.HeartbeatTimeout <= c.Workers.HeartbeatInterval {
		return fmt.Errorf("workers.heartbeat_timeout (%s) must exceed workers.heartbeat_interval (%s)",
			c.Workers.HeartbeatTimeout, c.Workers.HeartbeatInterval)
	}
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be positive")
	}
	return nil
}

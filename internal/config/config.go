// ABOUTME: Configuration loading and parsing for hearth
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the complete hearth configuration
type Config struct {
	Server       ServerConfig       `yaml:"server" toml:"server"`
	Tailscale    TailscaleConfig    `yaml:"tailscale" toml:"tailscale"`
	Database     DatabaseConfig     `yaml:"database" toml:"database"`
	Memory       MemoryConfig       `yaml:"memory" toml:"memory"`
	Runtime      RuntimeConfig      `yaml:"runtime" toml:"runtime"`
	Lock         LockConfig         `yaml:"lock" toml:"lock"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" toml:"orchestrator"`
	Tracing      TracingConfig      `yaml:"tracing" toml:"tracing"`
	Logging      LoggingConfig      `yaml:"logging" toml:"logging"`
	Metrics      MetricsConfig      `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr        string        `yaml:"grpc_addr" toml:"grpc_addr"` // empty disables gRPC
	ShutdownTimeout time.Duration `yaml:"-" toml:"-"`

	ShutdownTimeoutRaw string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPPort  int    `yaml:"http_port" toml:"http_port"` // default 80
	GRPCPort  int    `yaml:"grpc_port" toml:"grpc_port"` // default 50051
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // sqlite, sqlite3 or postgres
	Path   string `yaml:"path" toml:"path"`     // sqlite drivers
	DSN    string `yaml:"dsn" toml:"dsn"`       // postgres
}

// MemoryConfig holds the memory gateway configuration
type MemoryConfig struct {
	Backend  string        `yaml:"backend" toml:"backend"` // store or http
	URL      string        `yaml:"url" toml:"url"`
	Token    string        `yaml:"token" toml:"token"`
	Labels   []string      `yaml:"labels" toml:"labels"`
	PerLabel int           `yaml:"per_label" toml:"per_label"`
	Timeout  time.Duration `yaml:"-" toml:"-"`
	Capture  CaptureConfig `yaml:"capture" toml:"capture"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// CaptureConfig holds the background capture queue configuration
type CaptureConfig struct {
	QueueSize  int           `yaml:"queue_size" toml:"queue_size"`
	Workers    int           `yaml:"workers" toml:"workers"`
	Rate       float64       `yaml:"rate" toml:"rate"` // captures per second, 0 is unlimited
	Burst      int           `yaml:"burst" toml:"burst"`
	MaxElapsed time.Duration `yaml:"-" toml:"-"`
	Timeout    time.Duration `yaml:"-" toml:"-"`

	MaxElapsedRaw string `yaml:"max_elapsed" toml:"max_elapsed"`
	TimeoutRaw    string `yaml:"timeout" toml:"timeout"`
}

// RuntimeConfig selects and configures the execution runtime
type RuntimeConfig struct {
	Kind       string        `yaml:"kind" toml:"kind"` // echo, anthropic or openai
	APIKey     string        `yaml:"api_key" toml:"api_key"`
	BaseURL    string        `yaml:"base_url" toml:"base_url"`
	Model      string        `yaml:"model" toml:"model"`
	MaxTokens  int64         `yaml:"max_tokens" toml:"max_tokens"`
	System     string        `yaml:"system" toml:"system"`
	MaxHistory int           `yaml:"max_history" toml:"max_history"`
	ChunkDelay time.Duration `yaml:"-" toml:"-"` // echo only

	ChunkDelayRaw string `yaml:"chunk_delay" toml:"chunk_delay"`
}

// LockConfig selects the conversation lock
type LockConfig struct {
	Backend       string        `yaml:"backend" toml:"backend"` // local or redis
	RedisAddr     string        `yaml:"redis_addr" toml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password" toml:"redis_password"`
	RedisDB       int           `yaml:"redis_db" toml:"redis_db"`
	Prefix        string        `yaml:"prefix" toml:"prefix"`
	TTL           time.Duration `yaml:"-" toml:"-"`

	TTLRaw string `yaml:"ttl" toml:"ttl"`
}

// OrchestratorConfig holds turn execution settings
type OrchestratorConfig struct {
	AgentID        string        `yaml:"agent_id" toml:"agent_id"`
	TurnTimeout    time.Duration `yaml:"-" toml:"-"`
	PersistTimeout time.Duration `yaml:"-" toml:"-"`
	EventBuffer    int           `yaml:"event_buffer" toml:"event_buffer"`
	StreamLog      string        `yaml:"stream_log" toml:"stream_log"`
	IdempotencyTTL time.Duration `yaml:"-" toml:"-"`
	IdempotencyMax int           `yaml:"idempotency_max" toml:"idempotency_max"`

	TurnTimeoutRaw    string `yaml:"turn_timeout" toml:"turn_timeout"`
	PersistTimeoutRaw string `yaml:"persist_timeout" toml:"persist_timeout"`
	IdempotencyTTLRaw string `yaml:"idempotency_ttl" toml:"idempotency_ttl"`
}

// TracingConfig holds OpenTelemetry export configuration
type TracingConfig struct {
	Endpoint    string `yaml:"endpoint" toml:"endpoint"` // empty disables tracing
	Insecure    bool   `yaml:"insecure" toml:"insecure"`
	ServiceName string `yaml:"service_name" toml:"service_name"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // text or json
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// DefaultPath returns the config file location.
// Priority: HEARTH_CONFIG env var > XDG_CONFIG_HOME/hearth/config.yaml > ~/.config/hearth/config.yaml
func DefaultPath() string {
	if envPath := os.Getenv("HEARTH_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "hearth", "config.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
}

// Parse decodes configuration content, applies defaults and validates it
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
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

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Tailscale.HTTPPort == 0 {
		c.Tailscale.HTTPPort = 80
	}
	if c.Tailscale.GRPCPort == 0 {
		c.Tailscale.GRPCPort = 50051
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Memory.Backend == "" {
		c.Memory.Backend = "store"
	}
	if c.Runtime.Kind == "" {
		c.Runtime.Kind = "echo"
	}
	if c.Lock.Backend == "" {
		c.Lock.Backend = "local"
	}
	if c.Orchestrator.IdempotencyTTL == 0 {
		c.Orchestrator.IdempotencyTTL = 10 * time.Minute
	}
	if c.Orchestrator.IdempotencyMax == 0 {
		c.Orchestrator.IdempotencyMax = 10000
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "hearth"
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

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	switch c.Database.Driver {
	case "sqlite", "sqlite3":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for driver %s", c.Database.Driver)
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for driver postgres")
		}
	default:
		return fmt.Errorf("database.driver %q is not one of sqlite, sqlite3, postgres", c.Database.Driver)
	}

	switch c.Memory.Backend {
	case "store":
	case "http":
		if c.Memory.URL == "" {
			return fmt.Errorf("memory.url is required for the http backend")
		}
	default:
		return fmt.Errorf("memory.backend %q is not one of store, http", c.Memory.Backend)
	}

	switch c.Runtime.Kind {
	case "echo":
	case "anthropic", "openai":
		if c.Runtime.APIKey == "" {
			return fmt.Errorf("runtime.api_key is required for runtime %s", c.Runtime.Kind)
		}
	default:
		return fmt.Errorf("runtime.kind %q is not one of echo, anthropic, openai", c.Runtime.Kind)
	}

	switch c.Lock.Backend {
	case "local":
	case "redis":
		if c.Lock.RedisAddr == "" {
			return fmt.Errorf("lock.redis_addr is required for the redis lock")
		}
	default:
		return fmt.Errorf("lock.backend %q is not one of local, redis", c.Lock.Backend)
	}

	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	if !slices.Contains([]string{"text", "json"}, c.Logging.Format) {
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"memory.timeout", cfg.Memory.TimeoutRaw, &cfg.Memory.Timeout},
		{"memory.capture.max_elapsed", cfg.Memory.Capture.MaxElapsedRaw, &cfg.Memory.Capture.MaxElapsed},
		{"memory.capture.timeout", cfg.Memory.Capture.TimeoutRaw, &cfg.Memory.Capture.Timeout},
		{"runtime.chunk_delay", cfg.Runtime.ChunkDelayRaw, &cfg.Runtime.ChunkDelay},
		{"lock.ttl", cfg.Lock.TTLRaw, &cfg.Lock.TTL},
		{"orchestrator.turn_timeout", cfg.Orchestrator.TurnTimeoutRaw, &cfg.Orchestrator.TurnTimeout},
		{"orchestrator.persist_timeout", cfg.Orchestrator.PersistTimeoutRaw, &cfg.Orchestrator.PersistTimeout},
		{"orchestrator.idempotency_ttl", cfg.Orchestrator.IdempotencyTTLRaw, &cfg.Orchestrator.IdempotencyTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// ParseLevel maps a logging.level value to a slog level
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", level)
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"agent-engine/internal/policy"
)

// Config holds all daemon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Policy    PolicyConfig    `yaml:"policy"`
	Governor  GovernorConfig  `yaml:"governor"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Engine    EngineConfig    `yaml:"engine"`
	Database  DatabaseConfig  `yaml:"database"`
	Notify    NotifyConfig    `yaml:"notify"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// ServerConfig covers the operational HTTP endpoint (health, metrics).
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type SandboxConfig struct {
	Backend          string            `yaml:"backend"` // "auto" (default), "containerd", or "docker"
	ContainerdSocket string            `yaml:"containerd_socket"`
	Namespace        string            `yaml:"namespace"`
	MaxConcurrent    int               `yaml:"max_concurrent"`
	PullOnStart      bool              `yaml:"pull_on_start"`
	ImageOverrides   map[string]string `yaml:"image_overrides"` // profile name -> image ref
	DefaultLimits    LimitsConfig      `yaml:"default_limits"`
}

type LimitsConfig struct {
	WallClock time.Duration `yaml:"wall_clock"`
	CPUShares int64         `yaml:"cpu_shares"`
	MemoryMB  int64         `yaml:"memory_mb"`
	PidsLimit int64         `yaml:"pids_limit"`
	DiskMB    int64         `yaml:"disk_mb"`
}

type PolicyConfig struct {
	Version      string                  `yaml:"version"`
	MaxCodeLen   int                     `yaml:"max_code_len"`
	CacheEntries int64                   `yaml:"cache_entries"`
	ExtraImports []string                `yaml:"extra_imports"`
	ExtraBlocked []policy.BlockedPattern `yaml:"extra_blocked"`
}

// Build compiles the configured policy, including operator extensions.
func (p PolicyConfig) Build() (*policy.Policy, error) {
	return policy.FromConfig(p.Version, p.MaxCodeLen, p.ExtraImports, p.ExtraBlocked)
}

type GovernorConfig struct {
	MaxConcurrentPerUser int           `yaml:"max_concurrent_per_user"`
	MaxDailyPerUser      int           `yaml:"max_daily_per_user"`
	ReclaimGrace         time.Duration `yaml:"reclaim_grace"`
}

type SchedulerConfig struct {
	MinInterval  time.Duration `yaml:"min_interval"`
	PumpInterval time.Duration `yaml:"pump_interval"`
}

type EngineConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NotifyConfig selects the event sink. An empty NATS URL falls back to the
// log sink.
type NotifyConfig struct {
	NATSURL       string `yaml:"nats_url"`
	Stream        string `yaml:"stream"`
	SubjectPrefix string `yaml:"subject_prefix"`
	QueueSize     int    `yaml:"queue_size"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Sandbox: SandboxConfig{
			Backend:          "auto",
			ContainerdSocket: "/run/containerd/containerd.sock",
			Namespace:        "agent-engine",
			MaxConcurrent:    64,
			PullOnStart:      true,
			DefaultLimits: LimitsConfig{
				WallClock: 30 * time.Minute,
				CPUShares: 512,
				MemoryMB:  512,
				PidsLimit: 64,
				DiskMB:    128,
			},
		},
		Policy: PolicyConfig{
			Version:      "v1",
			MaxCodeLen:   10000,
			CacheEntries: 4096,
		},
		Governor: GovernorConfig{
			MaxConcurrentPerUser: 5,
			MaxDailyPerUser:      100,
			ReclaimGrace:         2 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			MinInterval:  5 * time.Minute,
			PumpInterval: 30 * time.Second,
		},
		Engine: EngineConfig{
			Workers:   8,
			QueueSize: 256,
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Notify: NotifyConfig{
			NATSURL:       "",
			Stream:        "AGENT_EVENTS",
			SubjectPrefix: "agent.events",
			QueueSize:     1024,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Sandbox.MaxConcurrent < 1 {
		return fmt.Errorf("sandbox.max_concurrent must be >= 1")
	}
	if c.Sandbox.DefaultLimits.WallClock < time.Second || c.Sandbox.DefaultLimits.WallClock > 2*time.Hour {
		return fmt.Errorf("sandbox.default_limits.wall_clock must be between 1s and 2h, got %s",
			c.Sandbox.DefaultLimits.WallClock)
	}
	if c.Sandbox.DefaultLimits.MemoryMB < 64 {
		return fmt.Errorf("sandbox.default_limits.memory_mb must be >= 64")
	}
	if c.Policy.Version == "" {
		return fmt.Errorf("policy.version must not be empty")
	}
	if c.Policy.MaxCodeLen < 1 {
		return fmt.Errorf("policy.max_code_len must be >= 1")
	}
	if c.Policy.CacheEntries < 1 {
		return fmt.Errorf("policy.cache_entries must be >= 1")
	}
	if c.Governor.MaxConcurrentPerUser < 1 {
		return fmt.Errorf("governor.max_concurrent_per_user must be >= 1")
	}
	if c.Governor.MaxDailyPerUser < 1 {
		return fmt.Errorf("governor.max_daily_per_user must be >= 1")
	}
	if c.Governor.ReclaimGrace < 0 {
		return fmt.Errorf("governor.reclaim_grace must not be negative")
	}
	if c.Scheduler.MinInterval < time.Minute {
		return fmt.Errorf("scheduler.min_interval must be >= 1m, got %s", c.Scheduler.MinInterval)
	}
	if c.Scheduler.PumpInterval < time.Second {
		return fmt.Errorf("scheduler.pump_interval must be >= 1s, got %s", c.Scheduler.PumpInterval)
	}
	if c.Engine.Workers < 1 {
		return fmt.Errorf("engine.workers must be >= 1")
	}
	if c.Engine.QueueSize < 1 {
		return fmt.Errorf("engine.queue_size must be >= 1")
	}
	if c.Notify.QueueSize < 1 {
		return fmt.Errorf("notify.queue_size must be >= 1")
	}
	if c.Tracing.Sample < 0 || c.Tracing.Sample > 1 {
		return fmt.Errorf("tracing.sample_rate must be in [0,1], got %f", c.Tracing.Sample)
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable — connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

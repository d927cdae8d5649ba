// Package config loads and validates the daemon configuration.
//
// Configuration is a single YAML file. Values of the form ${VAR} or
// ${VAR:default} are expanded from the environment before parsing. The
// file can be watched for changes, see Watcher.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/lifecycle"
	"github.com/lachen-nv/bare-metal-manager-core-sub001/pkg/telemetry"
)

// Config is the top-level daemon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	SLA       SLAConfig       `yaml:"sla"`
	Power     PowerConfig     `yaml:"power"`
	Agent     AgentConfig     `yaml:"agent"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig configures the resource API endpoint.
type ServerConfig struct {
	// ListenAddress is the host:port the API binds to.
	ListenAddress string `yaml:"listen_address" validate:"required"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig configures the SQLite state store.
type DatabaseConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// SchedulerConfig configures the reconcile loop.
type SchedulerConfig struct {
	// TickInterval is the pause between reconcile rounds.
	TickInterval Duration `yaml:"tick_interval"`

	// SettleWindow is how long a freshly issued configuration is treated
	// as still propagating.
	SettleWindow Duration `yaml:"settle_window"`

	// MaxParallel caps concurrent per-resource reconciles in one tick.
	MaxParallel int `yaml:"max_parallel" validate:"omitempty,min=1"`

	// LockTTL is the advisory work lock lease. Defaults to twice the
	// tick interval.
	LockTTL Duration `yaml:"lock_ttl"`

	// HolderID identifies this process in the work lock table. Defaults
	// to hostname plus pid.
	HolderID string `yaml:"holder_id"`
}

// SLAConfig overrides per-state residency thresholds. Keys are lifecycle
// state names; a zero duration removes the threshold for that state.
type SLAConfig struct {
	Thresholds map[string]Duration `yaml:"thresholds"`
}

// PowerConfig points at the out-of-band management plane that executes
// power cycle requests. Requests are logged and dropped when no endpoint
// is configured.
type PowerConfig struct {
	Endpoint string   `yaml:"endpoint"`
	Timeout  Duration `yaml:"timeout"`
}

// AgentConfig configures the on-device agent binary.
type AgentConfig struct {
	// ControlPlaneURL is the base URL of the resource API.
	ControlPlaneURL string `yaml:"control_plane_url"`

	// ResourceID is the resource this agent manages.
	ResourceID string `yaml:"resource_id"`

	// PollInterval is the pause between agent rounds.
	PollInterval Duration `yaml:"poll_interval"`

	// RequestTimeout bounds each control plane request.
	RequestTimeout Duration `yaml:"request_timeout"`
}

// TelemetryConfig is the YAML-facing subset of the telemetry settings.
type TelemetryConfig struct {
	Environment    string `yaml:"environment" validate:"omitempty,oneof=development staging production"`
	LogLevel       string `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error fatal"`
	LogFormat      string `yaml:"log_format" validate:"omitempty,oneof=console json"`
	LogOutput      string `yaml:"log_output"`
	TracingEnabled bool   `yaml:"tracing_enabled"`
	TraceExporter  string `yaml:"trace_exporter" validate:"omitempty,oneof=otlp stdout none"`
	TraceEndpoint  string `yaml:"trace_endpoint"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsListen  string `yaml:"metrics_listen"`
}

// Duration wraps time.Duration for YAML unmarshalling from strings like
// "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress:   ":8080",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "./bmcd.sqlite",
		},
		Scheduler: SchedulerConfig{
			TickInterval: Duration(15 * time.Second),
			SettleWindow: Duration(30 * time.Second),
			MaxParallel:  10,
			LockTTL:      Duration(30 * time.Second),
		},
		Power: PowerConfig{
			Timeout: Duration(30 * time.Second),
		},
		Agent: AgentConfig{
			PollInterval:   Duration(30 * time.Second),
			RequestTimeout: Duration(10 * time.Second),
		},
		Telemetry: TelemetryConfig{
			Environment:    "development",
			LogLevel:       "info",
			LogFormat:      "console",
			LogOutput:      "stdout",
			TracingEnabled: false,
			TraceExporter:  "stdout",
			MetricsEnabled: true,
			MetricsListen:  ":9090",
		},
	}
}

// Load reads the configuration file at path, applies defaults and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if c.Scheduler.TickInterval == 0 {
		c.Scheduler.TickInterval = def.Scheduler.TickInterval
	}
	if c.Scheduler.SettleWindow == 0 {
		c.Scheduler.SettleWindow = def.Scheduler.SettleWindow
	}
	if c.Scheduler.MaxParallel == 0 {
		c.Scheduler.MaxParallel = def.Scheduler.MaxParallel
	}
	if c.Scheduler.LockTTL == 0 {
		c.Scheduler.LockTTL = Duration(2 * c.Scheduler.TickInterval.Duration())
	}
	if c.Power.Timeout == 0 {
		c.Power.Timeout = Duration(30 * time.Second)
	}
	if c.Agent.PollInterval == 0 {
		c.Agent.PollInterval = def.Agent.PollInterval
	}
	if c.Agent.RequestTimeout == 0 {
		c.Agent.RequestTimeout = def.Agent.RequestTimeout
	}
	if c.Telemetry.LogLevel == "" {
		c.Telemetry.LogLevel = def.Telemetry.LogLevel
	}
	if c.Telemetry.LogFormat == "" {
		c.Telemetry.LogFormat = def.Telemetry.LogFormat
	}
	if c.Telemetry.LogOutput == "" {
		c.Telemetry.LogOutput = def.Telemetry.LogOutput
	}
	if c.Telemetry.TraceExporter == "" {
		c.Telemetry.TraceExporter = def.Telemetry.TraceExporter
	}
	if c.Telemetry.MetricsListen == "" {
		c.Telemetry.MetricsListen = def.Telemetry.MetricsListen
	}
	if c.Telemetry.Environment == "" {
		c.Telemetry.Environment = def.Telemetry.Environment
	}
}

var validate = validator.New()

// Validate checks the configuration for structural and semantic errors.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.Scheduler.SettleWindow.Duration() < 0 {
		return fmt.Errorf("invalid config: settle window must not be negative")
	}
	if c.Scheduler.LockTTL.Duration() < c.Scheduler.TickInterval.Duration() {
		return fmt.Errorf("invalid config: lock TTL %s is shorter than the tick interval %s",
			c.Scheduler.LockTTL.Duration(), c.Scheduler.TickInterval.Duration())
	}

	for name := range c.SLA.Thresholds {
		if _, err := lifecycle.ParseState(name); err != nil {
			return fmt.Errorf("invalid config: sla threshold: %w", err)
		}
	}
	return nil
}

// SLAThresholds converts the configured overrides into the scheduler's
// per-state threshold map.
func (c *Config) SLAThresholds() map[lifecycle.State]time.Duration {
	if len(c.SLA.Thresholds) == 0 {
		return nil
	}
	out := make(map[lifecycle.State]time.Duration, len(c.SLA.Thresholds))
	for name, d := range c.SLA.Thresholds {
		state, err := lifecycle.ParseState(name)
		if err != nil {
			// Validate rejects unknown states before this is reached.
			continue
		}
		out[state] = d.Duration()
	}
	return out
}

// TelemetryConfig builds the telemetry settings from the YAML section,
// layered over the environment profile.
func (c *Config) TelemetryConfig(serviceVersion string) *telemetry.Config {
	var tc *telemetry.Config
	if c.Telemetry.Environment == "production" {
		tc = telemetry.ProductionConfig()
	} else {
		tc = telemetry.DevelopmentConfig()
	}
	tc.ServiceVersion = serviceVersion
	tc.Environment = c.Telemetry.Environment
	tc.Logging.Level = c.Telemetry.LogLevel
	tc.Logging.Format = c.Telemetry.LogFormat
	tc.Logging.Output = c.Telemetry.LogOutput
	tc.Tracing.Enabled = c.Telemetry.TracingEnabled
	tc.Tracing.Exporter = c.Telemetry.TraceExporter
	tc.Tracing.Endpoint = c.Telemetry.TraceEndpoint
	tc.Metrics.Enabled = c.Telemetry.MetricsEnabled
	tc.Metrics.ListenAddress = c.Telemetry.MetricsListen
	return tc
}

// expandEnvVars expands ${VAR} and ${VAR:default} references.
func expandEnvVars(input string) string {
	re := regexp.MustCompile(`\$\{([^}:]+)(?::([^}]*))?\}`)

	return re.ReplaceAllStringFunc(input, func(match string) string {
		parts := re.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		varName := parts[1]
		defaultVal := ""
		if len(parts) >= 3 {
			defaultVal = parts[2]
		}

		if val := os.Getenv(varName); val != "" {
			return val
		}
		return defaultVal
	})
}

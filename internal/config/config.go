// Package config loads agentlink settings from config.yaml with
// environment overrides, applies defaults, and watches for file changes.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ConnectionConfig tunes the persistent gateway connection.
type ConnectionConfig struct {
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
	RequestTimeoutSeconds    int `yaml:"request_timeout_seconds"`
	DialTimeoutSeconds       int `yaml:"dial_timeout_seconds"`
	QueueLimit               int `yaml:"queue_limit"`
}

func (c ConnectionConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

func (c ConnectionConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func (c ConnectionConfig) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutSeconds) * time.Second
}

// ReconnectConfig tunes the backoff schedule after a dropped connection.
type ReconnectConfig struct {
	InitialDelayMS int     `yaml:"initial_delay_ms"`
	MaxDelayMS     int     `yaml:"max_delay_ms"`
	Multiplier     float64 `yaml:"multiplier"`
	MaxAttempts    int     `yaml:"max_attempts"`
}

func (r ReconnectConfig) InitialDelay() time.Duration {
	return time.Duration(r.InitialDelayMS) * time.Millisecond
}

func (r ReconnectConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMS) * time.Millisecond
}

// RESTConfig points at the gateway's HTTP fallback surface, used when the
// persistent connection is unavailable.
type RESTConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

func (r RESTConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// TelemetryConfig controls the OpenTelemetry pipeline.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Stdout      bool    `yaml:"stdout"`
	SampleRatio float64 `yaml:"sample_ratio"`
	ServiceName string  `yaml:"service_name"`
}

// AuditConfig controls the local decision audit trail.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// ScheduleConfig defines a cron-driven execution start.
type ScheduleConfig struct {
	Name    string `yaml:"name"`
	Cron    string `yaml:"cron"`
	AgentID string `yaml:"agent_id"`
	Prompt  string `yaml:"prompt"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	GatewayURL string `yaml:"gateway_url"`
	Token      string `yaml:"token"`
	LogLevel   string `yaml:"log_level"`

	Connection ConnectionConfig `yaml:"connection"`
	Reconnect  ReconnectConfig  `yaml:"reconnect"`
	REST       RESTConfig       `yaml:"rest"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Audit      AuditConfig      `yaml:"audit"`
	Schedules  []ScheduleConfig `yaml:"schedules"`
}

func defaultConfig() Config {
	return Config{
		GatewayURL: "ws://127.0.0.1:18790/session",
		LogLevel:   "info",
		Connection: ConnectionConfig{
			HeartbeatIntervalSeconds: 30,
			RequestTimeoutSeconds:    30,
			DialTimeoutSeconds:       15,
			QueueLimit:               256,
		},
		Reconnect: ReconnectConfig{
			InitialDelayMS: 1000,
			MaxDelayMS:     30000,
			Multiplier:     2,
			MaxAttempts:    10,
		},
		REST: RESTConfig{
			TimeoutSeconds: 30,
		},
		Telemetry: TelemetryConfig{
			SampleRatio: 1,
			ServiceName: "agentlink",
		},
		Audit: AuditConfig{
			Enabled: true,
		},
	}
}

// HomeDir returns the agentlink home directory, honoring AGENTLINK_HOME.
func HomeDir() string {
	if override := os.Getenv("AGENTLINK_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agentlink")
}

// ConfigPath returns the path to config.yaml within the given home
// directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the agentlink home, overlays environment
// variables, and fills in defaults. A missing file is not an error; the
// defaults plus environment carry a usable configuration.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create agentlink home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if cfg.GatewayURL == "" {
		cfg.GatewayURL = def.GatewayURL
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.Connection.HeartbeatIntervalSeconds <= 0 {
		cfg.Connection.HeartbeatIntervalSeconds = def.Connection.HeartbeatIntervalSeconds
	}
	if cfg.Connection.RequestTimeoutSeconds <= 0 {
		cfg.Connection.RequestTimeoutSeconds = def.Connection.RequestTimeoutSeconds
	}
	if cfg.Connection.DialTimeoutSeconds <= 0 {
		cfg.Connection.DialTimeoutSeconds = def.Connection.DialTimeoutSeconds
	}
	if cfg.Connection.QueueLimit <= 0 {
		cfg.Connection.QueueLimit = def.Connection.QueueLimit
	}
	if cfg.Reconnect.InitialDelayMS <= 0 {
		cfg.Reconnect.InitialDelayMS = def.Reconnect.InitialDelayMS
	}
	if cfg.Reconnect.MaxDelayMS < cfg.Reconnect.InitialDelayMS {
		cfg.Reconnect.MaxDelayMS = def.Reconnect.MaxDelayMS
	}
	if cfg.Reconnect.Multiplier < 1 {
		cfg.Reconnect.Multiplier = def.Reconnect.Multiplier
	}
	if cfg.Reconnect.MaxAttempts <= 0 {
		cfg.Reconnect.MaxAttempts = def.Reconnect.MaxAttempts
	}
	if cfg.REST.TimeoutSeconds <= 0 {
		cfg.REST.TimeoutSeconds = def.REST.TimeoutSeconds
	}
	if cfg.Telemetry.SampleRatio <= 0 || cfg.Telemetry.SampleRatio > 1 {
		cfg.Telemetry.SampleRatio = def.Telemetry.SampleRatio
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = def.Telemetry.ServiceName
	}
	if cfg.Audit.Dir == "" {
		cfg.Audit.Dir = filepath.Join(cfg.HomeDir, "audit")
	}
}

func validate(cfg *Config) error {
	for i, s := range cfg.Schedules {
		if s.Cron == "" {
			return fmt.Errorf("schedule %d (%s): empty cron expression", i, s.Name)
		}
		if s.AgentID == "" {
			return fmt.Errorf("schedule %d (%s): empty agent_id", i, s.Name)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("AGENTLINK_GATEWAY_URL"); raw != "" {
		cfg.GatewayURL = raw
	}
	if raw := os.Getenv("AGENTLINK_TOKEN"); raw != "" {
		cfg.Token = raw
	}
	if raw := os.Getenv("AGENTLINK_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("AGENTLINK_HEARTBEAT_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Connection.HeartbeatIntervalSeconds = v
		}
	}
	if raw := os.Getenv("AGENTLINK_REQUEST_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Connection.RequestTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("AGENTLINK_RECONNECT_MAX_ATTEMPTS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Reconnect.MaxAttempts = v
		}
	}
	if raw := os.Getenv("AGENTLINK_REST_BASE_URL"); raw != "" {
		cfg.REST.BaseURL = raw
	}
	if raw := os.Getenv("AGENTLINK_OTEL_ENDPOINT"); raw != "" {
		cfg.Telemetry.Endpoint = raw
		cfg.Telemetry.Enabled = true
	}
}

// Fingerprint returns a stable hash of the settings that change connection
// behavior, logged at startup so two processes can be compared at a glance.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "url=%s|log=%s|hb=%d|rt=%d|backoff=%d/%d/%v/%d|queue=%d",
		c.GatewayURL, c.LogLevel,
		c.Connection.HeartbeatIntervalSeconds, c.Connection.RequestTimeoutSeconds,
		c.Reconnect.InitialDelayMS, c.Reconnect.MaxDelayMS, c.Reconnect.Multiplier, c.Reconnect.MaxAttempts,
		c.Connection.QueueLimit)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

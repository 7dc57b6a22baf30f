// ABOUTME: Configuration loading and parsing for edge-agent
// ABOUTME: Supports YAML or TOML files, env var expansion, env overrides and role defaults

package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/2389/agent-edge/internal/anomaly"
	"github.com/2389/agent-edge/internal/ledger"
	"github.com/2389/agent-edge/internal/telemetry"
)

// Role selects which side of the pair this agent plays.
type Role string

const (
	RoleSensor  Role = "sensor"
	RoleControl Role = "control"
)

// Sensor source kinds.
const (
	SourceNone      = "none"
	SourceMCP       = "mcp"
	SourceSerial    = "serial"
	SourceSimulated = "simulated"
)

// Config represents the complete edge-agent configuration
type Config struct {
	Agent       AgentConfig        `yaml:"agent" toml:"agent"`
	Server      ServerConfig       `yaml:"server" toml:"server"`
	Peer        PeerConfig         `yaml:"peer" toml:"peer"`
	Sensor      SensorConfig       `yaml:"sensor" toml:"sensor"`
	Thresholds  anomaly.Thresholds `yaml:"thresholds" toml:"thresholds"`
	History     HistoryConfig      `yaml:"history" toml:"history"`
	Ledger      ledger.Config      `yaml:"ledger" toml:"ledger"`
	Reasoner    ReasonerConfig     `yaml:"reasoner" toml:"reasoner"`
	Transport   TransportConfig    `yaml:"transport" toml:"transport"`
	Heartbeat   HeartbeatConfig    `yaml:"heartbeat" toml:"heartbeat"`
	Coordinator CoordinatorConfig  `yaml:"coordinator" toml:"coordinator"`
	Tailscale   TailscaleConfig    `yaml:"tailscale" toml:"tailscale"`
	Logging     LoggingConfig      `yaml:"logging" toml:"logging"`
	Metrics     MetricsConfig      `yaml:"metrics" toml:"metrics"`
	Telemetry   telemetry.Config   `yaml:"telemetry" toml:"telemetry"`
}

// AgentConfig identifies this agent
type AgentConfig struct {
	ID           string   `yaml:"id" toml:"id"`
	Role         Role     `yaml:"role" toml:"role"`
	Location     string   `yaml:"location" toml:"location"`
	Capabilities []string `yaml:"capabilities" toml:"capabilities"`

	// AdvertiseHost is the host written into the agent card. Defaults to server.host.
	AdvertiseHost string `yaml:"advertise_host" toml:"advertise_host"`
}

// ServerConfig holds listener configuration
type ServerConfig struct {
	Host     string `yaml:"host" toml:"host"`
	Port     int    `yaml:"port" toml:"port"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	H2C      bool   `yaml:"h2c" toml:"h2c"`
}

// PeerConfig locates the other agent
type PeerConfig struct {
	URL          string        `yaml:"url" toml:"url"`
	StaleAfter   time.Duration `yaml:"-" toml:"-"`
	ProbeTimeout time.Duration `yaml:"-" toml:"-"`

	StaleAfterRaw   string `yaml:"stale_after" toml:"stale_after"`
	ProbeTimeoutRaw string `yaml:"probe_timeout" toml:"probe_timeout"`
}

// SensorConfig selects and tunes the reading source
type SensorConfig struct {
	Source        string        `yaml:"source" toml:"source"`
	PollInterval  time.Duration `yaml:"-" toml:"-"`
	Command       string        `yaml:"command" toml:"command"`
	Args          []string      `yaml:"args" toml:"args"`
	SerialPort    string        `yaml:"serial_port" toml:"serial_port"`
	SerialTimeout time.Duration `yaml:"-" toml:"-"`
	Seed          uint64        `yaml:"seed" toml:"seed"`
	SpikeEvery    int           `yaml:"spike_every" toml:"spike_every"`

	PollIntervalRaw  string `yaml:"poll_interval" toml:"poll_interval"`
	SerialTimeoutRaw string `yaml:"serial_timeout" toml:"serial_timeout"`
}

// HistoryConfig sizes the statistics window
type HistoryConfig struct {
	WindowHours float64 `yaml:"window_hours" toml:"window_hours"`
	// Restore reloads recent observations from the ledger at startup.
	Restore *bool `yaml:"restore" toml:"restore"`
}

// ReasonerConfig holds the Ollama connection
type ReasonerConfig struct {
	Enabled   bool          `yaml:"enabled" toml:"enabled"`
	URL       string        `yaml:"url" toml:"url"`
	Model     string        `yaml:"model" toml:"model"`
	MaxTokens int           `yaml:"max_tokens" toml:"max_tokens"`
	Timeout   time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// TransportConfig holds outbound retry policy
type TransportConfig struct {
	Timeout    time.Duration `yaml:"-" toml:"-"`
	MaxRetries int           `yaml:"max_retries" toml:"max_retries"`
	BaseDelay  time.Duration `yaml:"-" toml:"-"`
	H2C        bool          `yaml:"h2c" toml:"h2c"`

	TimeoutRaw   string `yaml:"timeout" toml:"timeout"`
	BaseDelayRaw string `yaml:"base_delay" toml:"base_delay"`
}

// HeartbeatConfig holds heartbeat timing
type HeartbeatConfig struct {
	Interval    time.Duration `yaml:"-" toml:"-"`
	IntervalRaw string        `yaml:"interval" toml:"interval"`
}

// CoordinatorConfig holds analysis exchange timing
type CoordinatorConfig struct {
	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	File   string `yaml:"file" toml:"file"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads the configuration file at path, which may be empty, then
// applies environment overrides and role defaults and validates the result.
// Environment variables in the format ${VAR_NAME} are expanded in the file.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyEnv(&cfg)
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return fmt.Errorf("parsing config file: %w", err)
		}
	default:
		dec := yaml.NewDecoder(strings.NewReader(expanded))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("parsing config file: %w", err)
		}
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"peer.stale_after", cfg.Peer.StaleAfterRaw, &cfg.Peer.StaleAfter},
		{"peer.probe_timeout", cfg.Peer.ProbeTimeoutRaw, &cfg.Peer.ProbeTimeout},
		{"sensor.poll_interval", cfg.Sensor.PollIntervalRaw, &cfg.Sensor.PollInterval},
		{"sensor.serial_timeout", cfg.Sensor.SerialTimeoutRaw, &cfg.Sensor.SerialTimeout},
		{"reasoner.timeout", cfg.Reasoner.TimeoutRaw, &cfg.Reasoner.Timeout},
		{"transport.timeout", cfg.Transport.TimeoutRaw, &cfg.Transport.Timeout},
		{"transport.base_delay", cfg.Transport.BaseDelayRaw, &cfg.Transport.BaseDelay},
		{"heartbeat.interval", cfg.Heartbeat.IntervalRaw, &cfg.Heartbeat.Interval},
		{"coordinator.timeout", cfg.Coordinator.TimeoutRaw, &cfg.Coordinator.Timeout},
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

// applyEnv overlays environment variables onto values read from the file.
func applyEnv(cfg *Config) {
	cfg.Agent.ID = envStr("EDGE_AGENT_ID", cfg.Agent.ID)
	cfg.Agent.Role = Role(envStr("EDGE_ROLE", string(cfg.Agent.Role)))
	cfg.Agent.Location = envStr("EDGE_LOCATION", cfg.Agent.Location)
	cfg.Server.Host = envStr("EDGE_HOST", cfg.Server.Host)
	cfg.Server.Port = envInt("EDGE_PORT", cfg.Server.Port)
	cfg.Peer.URL = envStr("EDGE_PEER_URL", cfg.Peer.URL)

	cfg.Sensor.Source = envStr("EDGE_SENSOR_SOURCE", cfg.Sensor.Source)
	cfg.Sensor.PollInterval = envDuration("EDGE_POLL_INTERVAL", cfg.Sensor.PollInterval)
	cfg.Sensor.SerialPort = envStr("SERIAL_PORT", cfg.Sensor.SerialPort)

	cfg.Thresholds.TempDelta = envFloat("EDGE_TEMP_DELTA", cfg.Thresholds.TempDelta)
	cfg.Thresholds.ECO2 = envInt("EDGE_ECO2", cfg.Thresholds.ECO2)
	cfg.Thresholds.TVOC = envInt("EDGE_TVOC", cfg.Thresholds.TVOC)
	cfg.Thresholds.AQI = envInt("EDGE_AQI", cfg.Thresholds.AQI)

	cfg.History.WindowHours = envFloat("EDGE_WINDOW_HOURS", cfg.History.WindowHours)
	cfg.Ledger.Path = envStr("EDGE_LOG_FILE", cfg.Ledger.Path)

	if v := os.Getenv("OLLAMA_URL"); v != "" {
		cfg.Reasoner.URL = v
		cfg.Reasoner.Enabled = true
	}
	cfg.Reasoner.Model = envStr("LFM_MODEL", cfg.Reasoner.Model)

	cfg.Telemetry.Endpoint = envStr("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Telemetry.Endpoint)
}

// Defaults per role: a Jetson sensor node and a Mac mini control node.
var roleDefaults = map[Role]struct {
	id, peerURL, ledgerBase, source string
	port                            int
	capabilities                    []string
}{
	RoleSensor: {
		id:           "jetson-site-a",
		port:         8080,
		peerURL:      "http://localhost:8081",
		ledgerBase:   "data/jetson_agent",
		source:       SourceMCP,
		capabilities: []string{"sensor_reading", "anomaly_detection", "lfm_reasoning"},
	},
	RoleControl: {
		id:           "macmini-control",
		port:         8081,
		peerURL:      "http://localhost:8080",
		ledgerBase:   "data/macmini_agent",
		source:       SourceNone,
		capabilities: []string{"historical_analysis", "lfm_reasoning", "dashboard_hosting"},
	},
}

// ApplyDefaults fills every unset value. The role defaults to sensor.
func (c *Config) ApplyDefaults() {
	if c.Agent.Role == "" {
		c.Agent.Role = RoleSensor
	}
	rd, ok := roleDefaults[c.Agent.Role]
	if !ok {
		return
	}

	if c.Agent.ID == "" {
		c.Agent.ID = rd.id
	}
	if len(c.Agent.Capabilities) == 0 {
		c.Agent.Capabilities = append([]string(nil), rd.capabilities...)
	}
	if c.Agent.Location == "" && c.Agent.Role == RoleSensor {
		c.Agent.Location = "Site A - Server Room"
	}

	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = rd.port
	}
	if c.Agent.AdvertiseHost == "" {
		c.Agent.AdvertiseHost = c.Server.Host
	}

	if c.Peer.URL == "" {
		c.Peer.URL = rd.peerURL
	}
	c.Peer.URL = strings.TrimRight(c.Peer.URL, "/")
	if c.Peer.StaleAfter == 0 {
		c.Peer.StaleAfter = 30 * time.Second
	}
	if c.Peer.ProbeTimeout == 0 {
		c.Peer.ProbeTimeout = 3 * time.Second
	}

	if c.Sensor.Source == "" {
		c.Sensor.Source = rd.source
	}
	if c.Sensor.PollInterval == 0 {
		c.Sensor.PollInterval = 5 * time.Second
	}
	if c.Sensor.Command == "" {
		c.Sensor.Command = "sensor-mcp"
	}
	if c.Sensor.SerialPort == "" {
		c.Sensor.SerialPort = "/dev/ttyACM0"
	}
	if c.Sensor.SerialTimeout == 0 {
		c.Sensor.SerialTimeout = 8 * time.Second
	}

	def := anomaly.DefaultThresholds()
	if c.Thresholds.TempDelta == 0 {
		c.Thresholds.TempDelta = def.TempDelta
	}
	if c.Thresholds.ECO2 == 0 {
		c.Thresholds.ECO2 = def.ECO2
	}
	if c.Thresholds.TVOC == 0 {
		c.Thresholds.TVOC = def.TVOC
	}
	if c.Thresholds.AQI == 0 {
		c.Thresholds.AQI = def.AQI
	}

	if c.History.WindowHours == 0 {
		c.History.WindowHours = 24
	}
	if c.History.Restore == nil {
		restore := true
		c.History.Restore = &restore
	}

	if c.Ledger.Backend == "" {
		c.Ledger.Backend = ledger.BackendJSONL
	}
	if c.Ledger.Path == "" {
		ext := ".jsonl"
		if c.Ledger.Backend == ledger.BackendSQLite {
			ext = ".db"
		}
		c.Ledger.Path = rd.ledgerBase + ext
	}

	if c.Reasoner.URL == "" {
		c.Reasoner.URL = "http://localhost:11434"
	}
	if c.Reasoner.Model == "" {
		c.Reasoner.Model = "lfm2.5-thinking"
	}
	if c.Reasoner.MaxTokens == 0 {
		c.Reasoner.MaxTokens = 256
	}
	if c.Reasoner.Timeout == 0 {
		c.Reasoner.Timeout = 120 * time.Second
	}

	if c.Transport.Timeout == 0 {
		c.Transport.Timeout = 5 * time.Second
	}
	if c.Transport.MaxRetries == 0 {
		c.Transport.MaxRetries = 3
	}
	if c.Transport.BaseDelay == 0 {
		c.Transport.BaseDelay = time.Second
	}

	if c.Heartbeat.Interval == 0 {
		c.Heartbeat.Interval = 10 * time.Second
	}
	if c.Coordinator.Timeout == 0 {
		c.Coordinator.Timeout = 120 * time.Second
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		c.Tailscale.Hostname = c.Agent.ID
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

// Validate checks that all configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if _, ok := roleDefaults[c.Agent.Role]; !ok {
		return fmt.Errorf("agent.role must be %q or %q, got %q", RoleSensor, RoleControl, c.Agent.Role)
	}
	if c.Agent.ID == "" {
		return fmt.Errorf("agent.id is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if c.Peer.URL == "" {
		return fmt.Errorf("peer.url is required")
	}

	switch c.Sensor.Source {
	case SourceNone, SourceMCP, SourceSerial, SourceSimulated:
	default:
		return fmt.Errorf("sensor.source %q is not one of none, mcp, serial, simulated", c.Sensor.Source)
	}

	if err := c.Thresholds.Validate(); err != nil {
		return err
	}
	if c.History.WindowHours <= 0 {
		return fmt.Errorf("history.window_hours must be positive")
	}

	for name, d := range map[string]time.Duration{
		"peer.stale_after":     c.Peer.StaleAfter,
		"peer.probe_timeout":   c.Peer.ProbeTimeout,
		"sensor.poll_interval": c.Sensor.PollInterval,
		"reasoner.timeout":     c.Reasoner.Timeout,
		"transport.timeout":    c.Transport.Timeout,
		"heartbeat.interval":   c.Heartbeat.Interval,
		"coordinator.timeout":  c.Coordinator.Timeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Transport.MaxRetries < 1 {
		return fmt.Errorf("transport.max_retries must be at least 1")
	}

	switch c.Ledger.Backend {
	case ledger.BackendJSONL, ledger.BackendSQLite:
	default:
		return fmt.Errorf("ledger.backend %q is not one of jsonl, sqlite", c.Ledger.Backend)
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// ListenAddr returns host:port for the HTTP listener.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// RestoreHistory reports whether the window is reloaded from the ledger.
func (c *Config) RestoreHistory() bool {
	return c.History.Restore == nil || *c.History.Restore
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

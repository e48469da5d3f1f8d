package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix namespaces every environment variable read by Load.
const EnvPrefix = "CUTCLIP"

// Config represents the complete application configuration
type Config struct {
	Home      string          `yaml:"home" envconfig:"HOME"`
	API       APIConfig       `yaml:"api" envconfig:"API"`
	Server    ServerConfig    `yaml:"server" envconfig:"STATUS"`
	Vault     VaultConfig     `yaml:"vault" envconfig:"VAULT"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
	WebSocket WebSocketConfig `yaml:"websocket" envconfig:"WEBSOCKET"`
	Session   SessionConfig   `yaml:"session" envconfig:"SESSION"`
}

// APIConfig describes the licensing backend
type APIConfig struct {
	BaseURL string        `yaml:"base_url" envconfig:"BASE_URL"`
	Timeout time.Duration `yaml:"timeout" envconfig:"TIMEOUT"`
}

// ServerConfig contains the local status API configuration
type ServerConfig struct {
	Addr            string        `yaml:"addr" envconfig:"ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	ActivationRPS   float64       `yaml:"activation_rps" envconfig:"ACTIVATION_RPS"`
	ActivationBurst int           `yaml:"activation_burst" envconfig:"ACTIVATION_BURST"`
}

// VaultConfig selects the SecureVault backend
type VaultConfig struct {
	Backend string `yaml:"backend" envconfig:"BACKEND"` // "file" or "memory"
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL"`
	Format   string `yaml:"format" envconfig:"FORMAT"`
	Output   string `yaml:"output" envconfig:"OUTPUT"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// TelemetryConfig contains OpenTelemetry configuration
type TelemetryConfig struct {
	Environment    string  `yaml:"environment" envconfig:"ENVIRONMENT"`
	TraceExporter  string  `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER"`   // "stdout", "none"
	MetricExporter string  `yaml:"metric_exporter" envconfig:"METRIC_EXPORTER"` // "prometheus", "none"
	SampleRatio    float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO"`
}

// WebSocketConfig contains WebSocket configuration
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE"`
	WriteBufferSize int           `yaml:"write_buffer_size" envconfig:"WRITE_BUFFER_SIZE"`
	PingPeriod      time.Duration `yaml:"ping_period" envconfig:"PING_PERIOD"`
	PongWait        time.Duration `yaml:"pong_wait" envconfig:"PONG_WAIT"`
}

// SessionConfig contains the sibling-subsystem signals the session watches
type SessionConfig struct {
	// BinaryPath is the clip tool whose presence marks provisioning as
	// complete. Empty means provisioning is not tracked.
	BinaryPath    string        `yaml:"binary_path" envconfig:"BINARY_PATH"`
	BinaryPoll    time.Duration `yaml:"binary_poll" envconfig:"BINARY_POLL"`
	ProbeInterval time.Duration `yaml:"probe_interval" envconfig:"PROBE_INTERVAL"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout" envconfig:"PROBE_TIMEOUT"`
}

// Load builds the configuration from defaults, the optional YAML file and
// the environment, in increasing order of precedence.
func Load() (*Config, error) {
	cfg := Default()

	// CUTCLIP_HOME decides where the config file lives, so read it first.
	if home := os.Getenv(EnvPrefix + "_HOME"); home != "" {
		cfg.Home = home
	}

	paths, err := GetPaths(cfg.Home)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve paths: %w", err)
	}

	configFile := os.Getenv(EnvPrefix + "_CONFIG")
	if configFile == "" {
		configFile = paths.ConfigFile
	}
	if FileExists(configFile) {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// Fields without a matching variable are left untouched.
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromFile overlays the YAML file onto cfg
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// Paths resolves the file system layout for this configuration
func (c *Config) Paths() (*Paths, error) {
	return GetPaths(c.Home)
}

// validate validates the configuration
func (c *Config) validate() error {
	c.API.BaseURL = strings.TrimRight(strings.TrimSpace(c.API.BaseURL), "/")
	if c.API.BaseURL == "" {
		return fmt.Errorf("api base url must not be empty")
	}
	u, err := url.Parse(c.API.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid api base url: %q", c.API.BaseURL)
	}

	if c.API.Timeout <= 0 {
		return fmt.Errorf("api timeout must be positive")
	}

	switch c.Vault.Backend {
	case "file", "memory":
	default:
		return fmt.Errorf("unsupported vault backend: %s", c.Vault.Backend)
	}

	if c.Server.Addr == "" {
		return fmt.Errorf("status server address must not be empty")
	}

	if c.Server.ActivationRPS <= 0 || c.Server.ActivationBurst <= 0 {
		return fmt.Errorf("activation rate limit must be positive")
	}

	if c.Session.ProbeInterval <= 0 || c.Session.ProbeTimeout <= 0 || c.Session.BinaryPoll <= 0 {
		return fmt.Errorf("session probe intervals must be positive")
	}

	if c.Logging.Format != "json" {
		c.Logging.Format = "json"
	}

	return nil
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		API: APIConfig{
			BaseURL: DefaultAPIBaseURL,
			Timeout: LicenseCheckTimeout,
		},
		Server: ServerConfig{
			Addr:            DefaultStatusAddr,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			ActivationRPS:   ActivationRateLimitRPS,
			ActivationBurst: ActivationRateBurst,
		},
		Vault: VaultConfig{
			Backend: "file",
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "file",
			FilePath: "",
		},
		Telemetry: TelemetryConfig{
			Environment:    "production",
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			SampleRatio:    1.0,
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			PingPeriod:      WebSocketPingPeriod,
			PongWait:        WebSocketPongWait,
		},
		Session: SessionConfig{
			BinaryPoll:    2 * time.Second,
			ProbeInterval: NetworkProbeInterval,
			ProbeTimeout:  NetworkProbeTimeout,
		},
	}
}

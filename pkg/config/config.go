package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Transport names accepted by the transport setting
const (
	TransportDirect = "direct"
	TransportBluez  = "bluez"
)

// Config holds application configuration
type Config struct {
	LogLevel     logrus.Level  `json:"log_level" yaml:"log_level"`
	ScanTimeout  time.Duration `json:"scan_timeout" yaml:"scan_timeout" default:"10s"`
	OutputFormat string        `json:"output_format" yaml:"output_format" default:"table"`

	// Transport selects the backend: "direct" (go-ble) or "bluez" (D-Bus)
	Transport string `json:"transport" yaml:"transport" default:"direct"`
	// Listen is the HTTP shell address
	Listen string `json:"listen" yaml:"listen" default:":3000"`

	Scan    ScanConfig    `json:"scan" yaml:"scan"`
	Connect ConnectConfig `json:"connect" yaml:"connect"`
	Events  EventsConfig  `json:"events" yaml:"events"`
	Monitor MonitorConfig `json:"monitor" yaml:"monitor"`
	MQTT    MQTTConfig    `json:"mqtt" yaml:"mqtt"`
}

// ScanConfig filters discovery
type ScanConfig struct {
	AllowDuplicates bool `json:"allow_duplicates" yaml:"allow_duplicates" default:"true"`
	// MinRSSI drops weaker advertisements; 0 disables the filter
	MinRSSI      int      `json:"min_rssi" yaml:"min_rssi"`
	AllowList    []string `json:"allow_list" yaml:"allow_list"`
	BlockList    []string `json:"block_list" yaml:"block_list"`
	ServiceUUIDs []string `json:"service_uuids" yaml:"service_uuids"`
}

// ConnectConfig holds connection timings for both transports
type ConnectConfig struct {
	Timeout        time.Duration `json:"timeout" yaml:"timeout" default:"20s"`
	ConfirmTimeout time.Duration `json:"confirm_timeout" yaml:"confirm_timeout" default:"15s"`
	MaxAttempts    int           `json:"max_attempts" yaml:"max_attempts" default:"3"`
	RetryDelay     time.Duration `json:"retry_delay" yaml:"retry_delay" default:"700ms"`
	PollInterval   time.Duration `json:"poll_interval" yaml:"poll_interval" default:"300ms"`
}

// EventsConfig sizes the event bus
type EventsConfig struct {
	Buffer           int `json:"buffer" yaml:"buffer" default:"100"`
	SubscriberBuffer int `json:"subscriber_buffer" yaml:"subscriber_buffer" default:"256"`
}

// MonitorConfig drives the health check and the periodic summary
type MonitorConfig struct {
	HealthInterval  time.Duration `json:"health_interval" yaml:"health_interval" default:"15s"`
	SummaryInterval time.Duration `json:"summary_interval" yaml:"summary_interval" default:"10s"`
	SummaryRows     int           `json:"summary_rows" yaml:"summary_rows" default:"50"`
}

// MQTTConfig enables the MQTT event sink when Broker is set
type MQTTConfig struct {
	Broker   string `json:"broker" yaml:"broker"`
	Topic    string `json:"topic" yaml:"topic" default:"blescope"`
	ClientID string `json:"client_id" yaml:"client_id" default:"blescope"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.LogLevel = logrus.InfoLevel
	return cfg
}

// Load reads an optional yaml file over the defaults, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Listen = ":" + v
	}
	if v := os.Getenv("BLE_TRANSPORT"); v != "" {
		cfg.Transport = strings.ToLower(v)
	}
	if v := os.Getenv("ALLOW_DUPLICATES"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid ALLOW_DUPLICATES %q: %w", v, err)
		}
		cfg.Scan.AllowDuplicates = b
	}
	if v := os.Getenv("FILTER_MIN_RSSI"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid FILTER_MIN_RSSI %q: %w", v, err)
		}
		cfg.Scan.MinRSSI = n
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	return nil
}

// Validate rejects settings no component can run with
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportDirect, TransportBluez:
	default:
		return fmt.Errorf("unknown transport %q (want %s or %s)", c.Transport, TransportDirect, TransportBluez)
	}
	if c.Connect.Timeout <= 0 || c.Connect.ConfirmTimeout <= 0 || c.Connect.PollInterval <= 0 {
		return fmt.Errorf("connect timeouts must be positive")
	}
	if c.Connect.MaxAttempts < 1 {
		return fmt.Errorf("connect.max_attempts must be at least 1, got %d", c.Connect.MaxAttempts)
	}
	if c.Events.Buffer < 1 || c.Events.SubscriberBuffer < 1 {
		return fmt.Errorf("event buffers must be positive")
	}
	return nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.LogLevel)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// Package config loads the agent configuration from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vitalvas/mqttv3"
)

// DefaultPath is the configuration file used when none is given.
const DefaultPath = "/etc/mqttv3/config.yaml"

// DefaultControlSocket is the agent control socket.
const DefaultControlSocket = "/run/mqttagent.sock"

// Config is the agent configuration.
type Config struct {
	Device  DeviceConfig  `yaml:"device"`
	Broker  BrokerConfig  `yaml:"broker"`
	Spooler SpoolerConfig `yaml:"spooler"`
	Logging LoggingConfig `yaml:"logging"`
	Control ControlConfig `yaml:"control"`
}

// DeviceConfig holds the device identity.
type DeviceConfig struct {
	// ID is the device identifier (IMEI): client id, username and topic
	// prefix.
	ID     string `yaml:"id"`
	Secret string `yaml:"secret"`

	// AutoConnect connects when the agent starts.
	AutoConnect bool `yaml:"auto_connect"`
}

// BrokerConfig holds the broker endpoint and session parameters.
type BrokerConfig struct {
	URL       string `yaml:"url"`
	Port      int    `yaml:"port"`
	KeepAlive int    `yaml:"keep_alive"`
	QoS       int    `yaml:"qos"`

	// Proxy is an http:// or socks5:// proxy URL. "env" uses the
	// HTTP_PROXY/NO_PROXY environment.
	Proxy string `yaml:"proxy"`

	// CommandTimeout is the acknowledgment timeout in seconds.
	CommandTimeout int `yaml:"command_timeout"`
	MaxRetries     int `yaml:"max_retries"`
}

// SpoolerConfig configures the CSV spooler.
type SpoolerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	OutboundDir string  `yaml:"outbound_dir"`
	InboundDir  string  `yaml:"inbound_dir"`
	Interval    int     `yaml:"interval"`
	MaxEntries  int     `yaml:"max_entries"`
	Rate        float64 `yaml:"rate"`
}

// LoggingConfig configures the agent logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// ControlConfig configures the control socket.
type ControlConfig struct {
	Socket string `yaml:"socket"`
}

// Default returns the configuration used for missing fields.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			URL:            mqttv3.DefaultBrokerURL,
			Port:           mqttv3.DefaultPort,
			KeepAlive:      mqttv3.DefaultKeepAlive,
			QoS:            mqttv3.DefaultQoS,
			CommandTimeout: int(mqttv3.DefaultCommandTimeout / time.Second),
			MaxRetries:     mqttv3.DefaultMaxRetries,
		},
		Spooler: SpoolerConfig{
			Interval:   30,
			MaxEntries: 50,
			Rate:       2,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Control: ControlConfig{
			Socket: DefaultControlSocket,
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults
// with environment overrides applied.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return cfg, err
	}

	cfg = Default()
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies MQTTV3_* environment variables.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("MQTTV3_DEVICE_ID"); v != "" {
		cfg.Device.ID = v
	}
	if v := os.Getenv("MQTTV3_SECRET"); v != "" {
		cfg.Device.Secret = v
	}
	if v := os.Getenv("MQTTV3_BROKER_URL"); v != "" {
		cfg.Broker.URL = v
	}
	if v := os.Getenv("MQTTV3_BROKER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MQTTV3_BROKER_PORT: %w", err)
		}
		cfg.Broker.Port = port
	}
	return nil
}

// Validate checks field ranges.
func (c *Config) Validate() error {
	var errs []string

	if c.Broker.URL == "" {
		errs = append(errs, "broker.url is required")
	} else if _, err := mqttv3.BrokerAddress(c.Broker.URL, c.Broker.Port); err != nil {
		errs = append(errs, "broker.url: "+err.Error())
	}
	if c.Broker.Port < 1 || c.Broker.Port > 65535 {
		errs = append(errs, "broker.port must be between 1 and 65535")
	}
	if c.Broker.KeepAlive < 0 || c.Broker.KeepAlive > 65535 {
		errs = append(errs, "broker.keep_alive must be between 0 and 65535")
	}
	if c.Broker.QoS < 0 || c.Broker.QoS > 2 {
		errs = append(errs, "broker.qos must be 0, 1, or 2")
	}
	if c.Broker.CommandTimeout < 0 {
		errs = append(errs, "broker.command_timeout must not be negative")
	}
	if c.Broker.MaxRetries < 0 {
		errs = append(errs, "broker.max_retries must not be negative")
	}

	if c.Spooler.Enabled && c.Spooler.OutboundDir == "" {
		errs = append(errs, "spooler.outbound_dir is required when the spooler is enabled")
	}

	if _, err := mqttv3.ParseLogLevel(c.Logging.Level); err != nil {
		errs = append(errs, "logging.level: "+err.Error())
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, "logging.format must be text or json")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ApplyBroker updates the broker fields. An empty url or a -1 number
// leaves that field unchanged. On error the configuration is not
// modified. It returns the previous broker configuration.
func (c *Config) ApplyBroker(url string, port, keepAlive, qos int) (BrokerConfig, error) {
	prev := c.Broker
	next := prev

	if url != "" {
		next.URL = url
	}
	if port != -1 {
		next.Port = port
	}
	if keepAlive != -1 {
		next.KeepAlive = keepAlive
	}
	if qos != -1 {
		next.QoS = qos
	}

	c.Broker = next
	if err := c.Validate(); err != nil {
		c.Broker = prev
		return prev, err
	}
	return prev, nil
}

// ManagerBroker returns the broker settings in connection manager form.
func (c *Config) ManagerBroker() mqttv3.BrokerConfig {
	return mqttv3.BrokerConfig{
		URL:       c.Broker.URL,
		Port:      c.Broker.Port,
		KeepAlive: c.Broker.KeepAlive,
		QoS:       c.Broker.QoS,
	}
}

// SessionOptions returns the session options derived from the broker
// settings.
func (c *Config) SessionOptions() []mqttv3.Option {
	var opts []mqttv3.Option

	if c.Broker.CommandTimeout > 0 {
		opts = append(opts, mqttv3.WithCommandTimeout(time.Duration(c.Broker.CommandTimeout)*time.Second))
	}
	if c.Broker.MaxRetries > 0 {
		opts = append(opts, mqttv3.WithMaxRetries(c.Broker.MaxRetries))
	}

	switch c.Broker.Proxy {
	case "":
	case "env":
		opts = append(opts, mqttv3.WithProxyFromEnvironment())
	default:
		opts = append(opts, mqttv3.WithProxy(c.Broker.Proxy))
	}
	return opts
}

// Save writes the configuration to path through a temporary file and a
// rename.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("writing config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing config: %w", err)
	}
	return nil
}

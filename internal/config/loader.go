package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Defaults applied to keys missing from the file
const (
	DefaultPollingInterval = 5
	DefaultKeyFile         = "data/webos-client-key"
	DefaultHomeKitPin      = "00102003"
	DefaultHomeKitStorage  = "data/homekit"
	DefaultAPIPort         = 8081
	DefaultTopicPrefix     = "tvbridge"
	DefaultLogLevel        = "info"
)

// Environment variables that override secrets from the file
const (
	EnvHomeKitPin   = "TVBRIDGE_HOMEKIT_PIN"
	EnvMQTTUsername = "TVBRIDGE_MQTT_USERNAME"
	EnvMQTTPassword = "TVBRIDGE_MQTT_PASSWORD"
)

// ErrInvalid is wrapped by every validation failure
var ErrInvalid = errors.New("invalid configuration")

// Config represents the tvbridge.yaml structure
type Config struct {
	Name           string        `yaml:"name"`
	IP             string        `yaml:"ip"`
	MAC            string        `yaml:"mac"`
	KeyFile        string        `yaml:"key_file"`
	CECAddress     int           `yaml:"cec_address"`
	VolumeControl  *bool         `yaml:"volume_control"`
	ChannelControl *bool         `yaml:"channel_control"`
	PollingEnabled bool          `yaml:"polling_enabled"`
	PollingSeconds int           `yaml:"polling_interval"`
	AppSwitch      AppList       `yaml:"app_switch"`
	HomeKit        HomeKitConfig `yaml:"homekit"`
	API            APIConfig     `yaml:"api"`
	MQTT           MQTTConfig    `yaml:"mqtt"`
	Logging        LoggingConfig `yaml:"logging"`
}

// HomeKitConfig configures the HAP server
type HomeKitConfig struct {
	Pin         string `yaml:"pin"`
	StoragePath string `yaml:"storage_path"`
	Port        int    `yaml:"port"`
}

// APIConfig configures the status API
type APIConfig struct {
	Enabled *bool `yaml:"enabled"`
	Port    int   `yaml:"port"`
}

// MQTTConfig configures the optional MQTT mirror
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// LoggingConfig configures zap
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// AppList accepts either a single app id or a list of them
type AppList []string

// stripSpace drops whitespace anywhere in an app id
func stripSpace(id string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, id)
}

// UnmarshalYAML implements yaml.Unmarshaler
func (a *AppList) UnmarshalYAML(value *yaml.Node) error {
	var raw []string
	switch value.Kind {
	case yaml.ScalarNode:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		raw = []string{s}
	case yaml.SequenceNode:
		if err := value.Decode(&raw); err != nil {
			return err
		}
	default:
		return fmt.Errorf("app_switch must be a string or a list of strings (line %d)", value.Line)
	}

	list := make(AppList, 0, len(raw))
	seen := make(map[string]bool)
	for _, app := range raw {
		app = stripSpace(app)
		if app == "" || seen[app] {
			continue
		}
		seen[app] = true
		list = append(list, app)
	}
	*a = list
	return nil
}

// Load reads, parses and validates a config file. Environment overrides are
// applied after parsing.
func Load(path string, logger *zap.Logger) (*Config, error) {
	logger.Debug("Loading config", zap.String("path", path))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.Info("Config loaded",
		zap.String("name", cfg.Name),
		zap.String("ip", cfg.IP),
		zap.Strings("apps", cfg.AppSwitch),
		zap.Bool("polling_enabled", cfg.PollingEnabled),
		zap.Bool("mqtt_enabled", cfg.MQTT.Enabled))
	return cfg, nil
}

// Parse decodes YAML and fills in defaults without validating
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	c.Name = strings.TrimSpace(c.Name)
	if c.VolumeControl == nil {
		c.VolumeControl = boolPtr(true)
	}
	if c.ChannelControl == nil {
		c.ChannelControl = boolPtr(true)
	}
	if c.PollingSeconds == 0 {
		c.PollingSeconds = DefaultPollingInterval
	}
	if c.KeyFile == "" {
		c.KeyFile = DefaultKeyFile
	}
	if c.HomeKit.Pin == "" {
		c.HomeKit.Pin = DefaultHomeKitPin
	}
	if c.HomeKit.StoragePath == "" {
		c.HomeKit.StoragePath = DefaultHomeKitStorage
	}
	if c.API.Enabled == nil {
		c.API.Enabled = boolPtr(true)
	}
	if c.API.Port == 0 {
		c.API.Port = DefaultAPIPort
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = DefaultTopicPrefix
	}
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
}

// ApplyEnv overrides secrets with non-empty environment values
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv(EnvHomeKitPin); v != "" {
		c.HomeKit.Pin = v
	}
	if v := getenv(EnvMQTTUsername); v != "" {
		c.MQTT.Username = v
	}
	if v := getenv(EnvMQTTPassword); v != "" {
		c.MQTT.Password = v
	}
}

// Validate reports the first invalid setting
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if c.IP == "" {
		return fmt.Errorf("%w: ip is required", ErrInvalid)
	}
	if c.MAC != "" {
		if _, err := net.ParseMAC(c.MAC); err != nil {
			return fmt.Errorf("%w: mac %q: %v", ErrInvalid, c.MAC, err)
		}
	}
	if c.CECAddress < 0 || c.CECAddress > 15 {
		return fmt.Errorf("%w: cec_address must be between 0 and 15, got %d", ErrInvalid, c.CECAddress)
	}
	if c.PollingSeconds < 0 {
		return fmt.Errorf("%w: polling_interval must be positive, got %d", ErrInvalid, c.PollingSeconds)
	}
	if !validPin(c.HomeKit.Pin) {
		return fmt.Errorf("%w: homekit pin must be 8 digits", ErrInvalid)
	}
	if c.HomeKit.Port < 0 || c.HomeKit.Port > 65535 {
		return fmt.Errorf("%w: homekit port %d out of range", ErrInvalid, c.HomeKit.Port)
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("%w: api port %d out of range", ErrInvalid, c.API.Port)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("%w: mqtt broker is required when mqtt is enabled", ErrInvalid)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: unknown log level %q", ErrInvalid, c.Logging.Level)
	}
	return nil
}

// URL is the control session endpoint
func (c *Config) URL() string {
	return "ws://" + c.ProbeAddr()
}

// ProbeAddr is the address the reachability prober dials
func (c *Config) ProbeAddr() string {
	return net.JoinHostPort(c.IP, "3000")
}

// PollingInterval is polling_interval as a duration
func (c *Config) PollingInterval() time.Duration {
	return time.Duration(c.PollingSeconds) * time.Second
}

// HomeKitAddr is the HAP listen address; empty picks a random port
func (c *Config) HomeKitAddr() string {
	if c.HomeKit.Port == 0 {
		return ""
	}
	return fmt.Sprintf(":%d", c.HomeKit.Port)
}

func validPin(pin string) bool {
	if len(pin) != 8 {
		return false
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func boolPtr(b bool) *bool {
	return &b
}

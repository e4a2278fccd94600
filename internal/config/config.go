// Package config handles ohmpub configuration loading.
package config

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/ohmpub/internal/paths"
	"github.com/nugget/ohmpub/internal/sensor"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/ohmpub/config.yaml, /etc/ohmpub/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "ohmpub", "config.yaml"))
	}

	paths = append(paths, "/etc/ohmpub/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// An empty path with a nil error means no file was found and the caller
// should fall back to [Default].
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", nil
}

// Config holds all ohmpub configuration.
type Config struct {
	// Machine is the source machine name used in topics and payloads.
	// Defaults to the host name.
	Machine   string        `yaml:"machine"`
	DataDir   string        `yaml:"data_dir"`
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"`
	Sensors   SensorsConfig `yaml:"sensors"`
	Polling   PollingConfig `yaml:"polling"`
	Filter    FilterConfig  `yaml:"filter"`
	MQTT      MQTTConfig    `yaml:"mqtt"`
	Files     FilesConfig   `yaml:"files"`
	History   HistoryConfig `yaml:"history"`
}

// SensorsConfig selects which readings are of interest.
type SensorsConfig struct {
	// Kinds are the sensor kinds to publish (case-insensitive).
	Kinds []string `yaml:"kinds"`
	// Components are the hardware groups sampled by the source:
	// cpu, gpu, mainboard, network, ram, storage.
	Components []string `yaml:"components"`
	// Patterns are regular expressions matched against raw sensor ids.
	// Empty means every id passes.
	Patterns []string `yaml:"patterns"`
}

// PollingConfig controls the sampling loop.
type PollingConfig struct {
	Continuous  bool `yaml:"continuous"`
	IntervalSec int  `yaml:"interval_sec"` // Default: 5
}

// FilterConfig controls per-kind debouncing and scaling.
type FilterConfig struct {
	// Thresholds maps a kind to the largest change that is still
	// suppressed. Kinds without a threshold are never delta-suppressed.
	Thresholds map[string]float64 `yaml:"thresholds"`
	// Multipliers maps a kind to a scale factor applied to raw values.
	Multipliers map[string]float64 `yaml:"multipliers"`
	// MinIntervalSec suppresses a sensor until this long after its last
	// publish. Zero disables the limit.
	MinIntervalSec int `yaml:"min_interval_sec"`
}

// MQTTConfig defines the broker connection and discovery settings.
type MQTTConfig struct {
	// Broker is a URL (mqtt://, mqtts://, ws://, wss://) or a bare host
	// name combined with Port.
	Broker       string `yaml:"broker"`
	Port         int    `yaml:"port"` // Default: 1883, only used with a bare host
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	TLS          bool   `yaml:"tls"`
	ValidateCert *bool  `yaml:"validate_cert"` // Default: true
	KeepAliveSec int    `yaml:"keep_alive_sec"`
	ClientID     string `yaml:"client_id"`
	// Availability publishes a retained online/offline status with a
	// will message and references it from discovery configs.
	Availability bool            `yaml:"availability"`
	Discovery    DiscoveryConfig `yaml:"discovery"`
	// InboundRateLimit caps inbound messages per minute.
	InboundRateLimit int `yaml:"inbound_rate_limit"`
}

// DiscoveryConfig controls Home Assistant MQTT discovery.
type DiscoveryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Prefix  string `yaml:"prefix"` // Default: homeassistant
	// QuitWithConsumer stops polling when the consumer reports offline.
	QuitWithConsumer bool `yaml:"quit_with_consumer"`
}

// HistoryConfig controls the run history database in DataDir.
type HistoryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// FilesConfig defines the flat-file sink.
type FilesConfig struct {
	Directory     string `yaml:"directory"`
	Create        bool   `yaml:"create"`
	MaxFileSizeKB int    `yaml:"max_file_size_kb"` // Default: 10
}

// Configured reports whether a broker has been set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// VerifyCert reports whether broker certificates are validated.
func (c MQTTConfig) VerifyCert() bool {
	return c.ValidateCert == nil || *c.ValidateCert
}

// BrokerURL resolves the broker setting into a URL autopaho understands.
// TLS upgrades mqtt:// to mqtts:// and ws:// to wss://.
func (c MQTTConfig) BrokerURL() (*url.URL, error) {
	raw := strings.TrimSpace(c.Broker)
	if raw == "" {
		return nil, errors.New("mqtt broker is empty")
	}
	if !strings.Contains(raw, "://") {
		port := c.Port
		if port == 0 {
			port = 1883
		}
		raw = "mqtt://" + raw + ":" + strconv.Itoa(port)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse mqtt broker URL: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("mqtt broker URL %q has no host", c.Broker)
	}

	switch u.Scheme {
	case "mqtt", "tcp":
		if c.TLS {
			u.Scheme = "mqtts"
		}
	case "ws":
		if c.TLS {
			u.Scheme = "wss"
		}
	case "mqtts", "ssl", "tls", "wss":
	default:
		return nil, fmt.Errorf("unsupported mqtt broker scheme %q", u.Scheme)
	}
	return u, nil
}

// UsesTLS reports whether the resolved broker URL is encrypted.
func UsesTLS(u *url.URL) bool {
	switch u.Scheme {
	case "mqtts", "ssl", "tls", "wss":
		return true
	}
	return false
}

// Load reads configuration from a YAML file. Defaults are applied and
// the result is validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Machine == "" {
		if host, err := os.Hostname(); err == nil {
			c.Machine = host
		} else {
			c.Machine = "localhost"
		}
	}
	if c.DataDir == "" {
		if dir, err := os.UserConfigDir(); err == nil {
			c.DataDir = filepath.Join(dir, "ohmpub")
		} else {
			c.DataDir = "."
		}
	}
	c.DataDir = paths.ExpandHome(c.DataDir)
	c.Files.Directory = paths.ExpandHome(c.Files.Directory)
	if len(c.Sensors.Kinds) == 0 {
		for _, k := range sensor.DefaultKinds {
			c.Sensors.Kinds = append(c.Sensors.Kinds, string(k))
		}
	}
	if len(c.Sensors.Components) == 0 {
		c.Sensors.Components = []string{"mainboard", "cpu", "gpu"}
	}
	if c.Polling.IntervalSec == 0 {
		c.Polling.IntervalSec = 5
	}
	if c.MQTT.KeepAliveSec == 0 {
		c.MQTT.KeepAliveSec = 10
	}
	if c.MQTT.Discovery.Prefix == "" {
		c.MQTT.Discovery.Prefix = "homeassistant"
	}
	if c.MQTT.InboundRateLimit == 0 {
		c.MQTT.InboundRateLimit = 60
	}
	if c.Files.MaxFileSizeKB == 0 {
		c.Files.MaxFileSizeKB = 10
	}
}

// KnownComponents are the hardware groups a source can sample.
var KnownComponents = []string{"cpu", "gpu", "mainboard", "network", "ram", "storage"}

// Validate checks the configuration for errors that must be reported
// before any sampling begins. All problems are returned together.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat))
	}

	if len(c.Sensors.Kinds) == 0 {
		errs = append(errs, errors.New("at least one sensor kind must be polled"))
	}
	if _, err := c.Kinds(); err != nil {
		errs = append(errs, err)
	}

	if len(c.Sensors.Components) == 0 {
		errs = append(errs, errors.New("at least one component must be polled"))
	}
	for _, comp := range c.Sensors.Components {
		if !isKnownComponent(comp) {
			errs = append(errs, fmt.Errorf("unknown component %q (valid: %s)", comp, strings.Join(KnownComponents, ", ")))
		}
	}

	for _, p := range c.Sensors.Patterns {
		if _, err := regexp.Compile(p); err != nil {
			errs = append(errs, fmt.Errorf("invalid sensor pattern %q: %w", p, err))
		}
	}

	if _, err := kindFloats("threshold", c.Filter.Thresholds, false); err != nil {
		errs = append(errs, err)
	}
	if _, err := kindFloats("multiplier", c.Filter.Multipliers, true); err != nil {
		errs = append(errs, err)
	}
	if c.Filter.MinIntervalSec < 0 {
		errs = append(errs, fmt.Errorf("filter.min_interval_sec must not be negative, got %d", c.Filter.MinIntervalSec))
	}

	if c.Polling.IntervalSec <= 0 {
		errs = append(errs, fmt.Errorf("polling.interval_sec must be greater than zero, got %d", c.Polling.IntervalSec))
	}

	if c.MQTT.Configured() {
		if _, err := c.MQTT.BrokerURL(); err != nil {
			errs = append(errs, err)
		}
		if c.MQTT.Port < 0 || c.MQTT.Port > 65535 {
			errs = append(errs, fmt.Errorf("mqtt.port %d out of range", c.MQTT.Port))
		}
		if c.MQTT.KeepAliveSec < 0 || c.MQTT.KeepAliveSec > math.MaxUint16 {
			errs = append(errs, fmt.Errorf("mqtt.keep_alive_sec %d out of range", c.MQTT.KeepAliveSec))
		}
	}
	if c.MQTT.InboundRateLimit < 0 {
		errs = append(errs, fmt.Errorf("mqtt.inbound_rate_limit must not be negative, got %d", c.MQTT.InboundRateLimit))
	}

	if c.Files.MaxFileSizeKB < 0 {
		errs = append(errs, fmt.Errorf("files.max_file_size_kb must not be negative, got %d", c.Files.MaxFileSizeKB))
	}

	return errors.Join(errs...)
}

// Kinds returns the configured kinds of interest.
func (c *Config) Kinds() ([]sensor.Kind, error) {
	kinds := make([]sensor.Kind, 0, len(c.Sensors.Kinds))
	for _, s := range c.Sensors.Kinds {
		k, err := sensor.ParseKind(s)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// Thresholds returns the per-kind delta thresholds.
func (c *Config) Thresholds() (map[sensor.Kind]float64, error) {
	return kindFloats("threshold", c.Filter.Thresholds, false)
}

// Multipliers returns the per-kind value multipliers.
func (c *Config) Multipliers() (map[sensor.Kind]float64, error) {
	return kindFloats("multiplier", c.Filter.Multipliers, true)
}

// Interval returns the polling interval.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Polling.IntervalSec) * time.Second
}

// MinInterval returns the minimum time between publishes of one sensor.
func (c *Config) MinInterval() time.Duration {
	return time.Duration(c.Filter.MinIntervalSec) * time.Second
}

func kindFloats(what string, in map[string]float64, allowNegative bool) (map[sensor.Kind]float64, error) {
	out := make(map[sensor.Kind]float64, len(in))
	for name, v := range in {
		k, err := sensor.ParseKind(name)
		if err != nil {
			return nil, fmt.Errorf("%s for %q: %w", what, name, err)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%s for %s must be a finite number", what, k)
		}
		if !allowNegative && v < 0 {
			return nil, fmt.Errorf("%s for %s must not be negative, got %v", what, k, v)
		}
		out[k] = v
	}
	return out, nil
}

func isKnownComponent(name string) bool {
	for _, c := range KnownComponents {
		if strings.EqualFold(c, strings.TrimSpace(name)) {
			return true
		}
	}
	return false
}

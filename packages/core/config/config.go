package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration written as a Go duration string ("30s") in
// both JSON and TOML files.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// LogLevel is the logging verbosity.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogFormat is the log output encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  LogLevel  `json:"level,omitempty" toml:"level"`
	Format LogFormat `json:"format,omitempty" toml:"format"`
	File   string    `json:"file,omitempty" toml:"file"`
}

// NotifyConfig holds run-completion notification settings.
type NotifyConfig struct {
	// On is one of always, failure, success, recovery.
	On           string `json:"on,omitempty" toml:"on"`
	SlackWebhook string `json:"slack_webhook,omitempty" toml:"slack_webhook"`
	SlackChannel string `json:"slack_channel,omitempty" toml:"slack_channel"`
	TeamsWebhook string `json:"teams_webhook,omitempty" toml:"teams_webhook"`
}

// Config represents the kestrel configuration
type Config struct {
	MaxParallel         int           `json:"max_parallel,omitempty" toml:"max_parallel"` // 0 means one per CPU
	RunTimeout          Duration      `json:"run_timeout,omitempty" toml:"run_timeout"`
	DiscoveryTimeout    Duration      `json:"discovery_timeout,omitempty" toml:"discovery_timeout"`
	DefaultTestTimeout  Duration      `json:"default_test_timeout,omitempty" toml:"default_test_timeout"`
	HookTimeout         Duration      `json:"hook_timeout,omitempty" toml:"hook_timeout"`
	StallTimeout        Duration      `json:"stall_timeout,omitempty" toml:"stall_timeout"`
	RetryDelay          Duration      `json:"retry_delay,omitempty" toml:"retry_delay"`
	AdmissionRate       float64       `json:"admission_rate,omitempty" toml:"admission_rate"` // starts per second, 0 is unlimited
	GenericStrategy     string        `json:"generic_strategy,omitempty" toml:"generic_strategy"`
	FailFast            *bool         `json:"fail_fast,omitempty" toml:"fail_fast"`
	Reporters           []string      `json:"reporters,omitempty" toml:"reporters"`
	OutputDir           string        `json:"output_dir,omitempty" toml:"output_dir"`
	NoColor             *bool         `json:"no_color,omitempty" toml:"no_color"`
	History             string        `json:"history,omitempty" toml:"history"` // sqlite path, empty disables
	MetricsFile         string        `json:"metrics_file,omitempty" toml:"metrics_file"`
	EnvFiles            []string      `json:"env_files,omitempty" toml:"env_files"`
	CITimeoutMultiplier float64       `json:"ci_timeout_multiplier,omitempty" toml:"ci_timeout_multiplier"`
	Logging             LoggingConfig `json:"logging,omitempty" toml:"logging"`
	Notify              NotifyConfig  `json:"notify,omitempty" toml:"notify"`
}

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool {
	return &b
}

func getBool(b *bool, defaultVal bool) bool {
	if b == nil {
		return defaultVal
	}
	return *b
}

// GetFailFast returns the fail-fast setting, defaulting to false
func (c *Config) GetFailFast() bool {
	return getBool(c.FailFast, false)
}

// GetNoColor returns the no color setting, defaulting to false
func (c *Config) GetNoColor() bool {
	return getBool(c.NoColor, false)
}

// ConfigFilenames contains the possible config file names, in search order.
var ConfigFilenames = []string{
	".kestrel.json",
	"kestrel.json",
	".kestrel.toml",
	"kestrel.toml",
}

// LoadConfig loads configuration from the specified path or searches for config files
func LoadConfig(path string) (*Config, error) {
	if path != "" {
		return loadConfigFromFile(path)
	}
	return FindAndLoadConfig(".")
}

// FindAndLoadConfig searches for a config file in the given directory
func FindAndLoadConfig(dir string) (*Config, error) {
	for _, filename := range ConfigFilenames {
		configPath := filepath.Join(dir, filename)
		if _, err := os.Stat(configPath); err == nil {
			return loadConfigFromFile(configPath)
		}
	}

	// Return defaults if no config file found
	return DefaultConfig(), nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := DefaultConfig()
	if isTOML(path) {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.MaxParallel < 0 {
		return fmt.Errorf("max_parallel must not be negative")
	}
	if c.AdmissionRate < 0 {
		return fmt.Errorf("admission_rate must not be negative")
	}
	if c.CITimeoutMultiplier < 0 {
		return fmt.Errorf("ci_timeout_multiplier must not be negative")
	}
	for name, d := range map[string]Duration{
		"run_timeout":          c.RunTimeout,
		"discovery_timeout":    c.DiscoveryTimeout,
		"default_test_timeout": c.DefaultTestTimeout,
		"hook_timeout":         c.HookTimeout,
		"stall_timeout":        c.StallTimeout,
		"retry_delay":          c.RetryDelay,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	switch strings.ToLower(c.GenericStrategy) {
	case "", "aot", "runtime":
	default:
		return fmt.Errorf("generic_strategy must be aot or runtime, got %q", c.GenericStrategy)
	}
	switch c.Logging.Level {
	case "", LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", LogFormatJSON, LogFormatText:
	default:
		return fmt.Errorf("logging.format %q is not one of json, text", c.Logging.Format)
	}
	return nil
}

// Merge merges another config into this one, with other taking precedence
func (c *Config) Merge(other *Config) *Config {
	if other == nil {
		return c
	}

	result := *c // Copy

	if other.MaxParallel > 0 {
		result.MaxParallel = other.MaxParallel
	}
	if other.RunTimeout > 0 {
		result.RunTimeout = other.RunTimeout
	}
	if other.DiscoveryTimeout > 0 {
		result.DiscoveryTimeout = other.DiscoveryTimeout
	}
	if other.DefaultTestTimeout > 0 {
		result.DefaultTestTimeout = other.DefaultTestTimeout
	}
	if other.HookTimeout > 0 {
		result.HookTimeout = other.HookTimeout
	}
	if other.StallTimeout > 0 {
		result.StallTimeout = other.StallTimeout
	}
	if other.RetryDelay > 0 {
		result.RetryDelay = other.RetryDelay
	}
	if other.AdmissionRate > 0 {
		result.AdmissionRate = other.AdmissionRate
	}
	if other.GenericStrategy != "" {
		result.GenericStrategy = other.GenericStrategy
	}
	if other.OutputDir != "" {
		result.OutputDir = other.OutputDir
	}
	if other.History != "" {
		result.History = other.History
	}
	if other.MetricsFile != "" {
		result.MetricsFile = other.MetricsFile
	}
	if len(other.EnvFiles) > 0 {
		result.EnvFiles = other.EnvFiles
	}
	if other.CITimeoutMultiplier > 0 {
		result.CITimeoutMultiplier = other.CITimeoutMultiplier
	}

	// Boolean flags - only override if explicitly set in other config
	if other.FailFast != nil {
		result.FailFast = other.FailFast
	}
	if other.NoColor != nil {
		result.NoColor = other.NoColor
	}

	if len(other.Reporters) > 0 {
		result.Reporters = other.Reporters
	}

	if other.Logging.Level != "" {
		result.Logging.Level = other.Logging.Level
	}
	if other.Logging.Format != "" {
		result.Logging.Format = other.Logging.Format
	}
	if other.Logging.File != "" {
		result.Logging.File = other.Logging.File
	}

	if other.Notify.On != "" {
		result.Notify.On = other.Notify.On
	}
	if other.Notify.SlackWebhook != "" {
		result.Notify.SlackWebhook = other.Notify.SlackWebhook
	}
	if other.Notify.SlackChannel != "" {
		result.Notify.SlackChannel = other.Notify.SlackChannel
	}
	if other.Notify.TeamsWebhook != "" {
		result.Notify.TeamsWebhook = other.Notify.TeamsWebhook
	}

	return &result
}

// SaveConfig saves the configuration to a file. The format follows the
// file extension.
func (c *Config) SaveConfig(path string) error {
	var data []byte
	if isTOML(path) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return err
		}
		data = buf.Bytes()
	} else {
		var err error
		data, err = json.MarshalIndent(c, "", "  ")
		if err != nil {
			return err
		}
	}

	return os.WriteFile(path, data, 0644)
}

// LogFile returns the log file path resolved against baseDir.
func (c *Config) LogFile(baseDir string) string {
	if c.Logging.File == "" || filepath.IsAbs(c.Logging.File) {
		return c.Logging.File
	}
	return filepath.Join(baseDir, c.Logging.File)
}

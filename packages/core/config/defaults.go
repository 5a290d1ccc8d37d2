package config

import "time"

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		MaxParallel:         0,
		DiscoveryTimeout:    Duration(30 * time.Second),
		StallTimeout:        Duration(time.Minute),
		GenericStrategy:     "aot",
		FailFast:            BoolPtr(false),
		Reporters:           []string{"console"},
		NoColor:             BoolPtr(false),
		CITimeoutMultiplier: 2,
		Logging: LoggingConfig{
			Level:  LogLevelWarn,
			Format: LogFormatText,
		},
		Notify: NotifyConfig{
			On: "failure",
		},
	}
}

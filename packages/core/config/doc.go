// Package config handles configuration loading and management for kestrel.
//
// It provides functionality for:
//   - Loading configuration from .kestrel.json or .kestrel.toml files
//   - Default configuration values
//   - Scaling timeouts when running under CI or in a container
package config

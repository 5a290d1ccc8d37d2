package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30*time.Second, cfg.DiscoveryTimeout.Std())
	assert.Equal(t, time.Minute, cfg.StallTimeout.Std())
	assert.Equal(t, []string{"console"}, cfg.Reporters)
	assert.False(t, cfg.GetFailFast())
	assert.False(t, cfg.GetNoColor())
	assert.Equal(t, 2.0, cfg.CITimeoutMultiplier)
}

func TestFindAndLoadConfig(t *testing.T) {
	t.Run("no file returns defaults", func(t *testing.T) {
		cfg, err := FindAndLoadConfig(t.TempDir())
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("json", func(t *testing.T) {
		dir := t.TempDir()
		content := `{
  "max_parallel": 4,
  "default_test_timeout": "1m30s",
  "fail_fast": true,
  "reporters": ["console", "junit"],
  "logging": {"level": "debug"}
}`
		require.NoError(t, os.WriteFile(filepath.Join(dir, ".kestrel.json"), []byte(content), 0644))

		cfg, err := FindAndLoadConfig(dir)
		require.NoError(t, err)
		assert.Equal(t, 4, cfg.MaxParallel)
		assert.Equal(t, 90*time.Second, cfg.DefaultTestTimeout.Std())
		assert.True(t, cfg.GetFailFast())
		assert.Equal(t, []string{"console", "junit"}, cfg.Reporters)
		assert.Equal(t, LogLevelDebug, cfg.Logging.Level)
		// untouched fields keep their defaults
		assert.Equal(t, LogFormatText, cfg.Logging.Format)
		assert.Equal(t, 30*time.Second, cfg.DiscoveryTimeout.Std())
	})

	t.Run("toml", func(t *testing.T) {
		dir := t.TempDir()
		content := `
max_parallel = 2
hook_timeout = "10s"
generic_strategy = "runtime"
admission_rate = 5.5

[logging]
format = "json"
file = "logs/kestrel.log"

[notify]
on = "always"
slack_webhook = "https://hooks.example.com/x"
`
		require.NoError(t, os.WriteFile(filepath.Join(dir, "kestrel.toml"), []byte(content), 0644))

		cfg, err := FindAndLoadConfig(dir)
		require.NoError(t, err)
		assert.Equal(t, 2, cfg.MaxParallel)
		assert.Equal(t, 10*time.Second, cfg.HookTimeout.Std())
		assert.Equal(t, "runtime", cfg.GenericStrategy)
		assert.Equal(t, 5.5, cfg.AdmissionRate)
		assert.Equal(t, LogFormatJSON, cfg.Logging.Format)
		assert.Equal(t, filepath.Join(dir, "logs/kestrel.log"), cfg.LogFile(dir))
		assert.Equal(t, "always", cfg.Notify.On)
		assert.Equal(t, "https://hooks.example.com/x", cfg.Notify.SlackWebhook)
	})

	t.Run("json wins over toml", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, ".kestrel.json"), []byte(`{"max_parallel": 7}`), 0644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "kestrel.toml"), []byte(`max_parallel = 3`), 0644))

		cfg, err := FindAndLoadConfig(dir)
		require.NoError(t, err)
		assert.Equal(t, 7, cfg.MaxParallel)
	})
}

func TestLoadConfig_Errors(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfig(filepath.Join(dir, "nope.json"))
		assert.Error(t, err)
	})

	t.Run("bad duration", func(t *testing.T) {
		path := filepath.Join(dir, "bad.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"run_timeout": "soon"}`), 0644))
		_, err := LoadConfig(path)
		assert.ErrorContains(t, err, "invalid duration")
	})

	t.Run("invalid strategy", func(t *testing.T) {
		path := filepath.Join(dir, "bad.toml")
		require.NoError(t, os.WriteFile(path, []byte(`generic_strategy = "jit"`), 0644))
		_, err := LoadConfig(path)
		assert.ErrorContains(t, err, "generic_strategy")
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"negative parallel", func(c *Config) { c.MaxParallel = -1 }, "max_parallel"},
		{"negative rate", func(c *Config) { c.AdmissionRate = -1 }, "admission_rate"},
		{"negative timeout", func(c *Config) { c.StallTimeout = Duration(-time.Second) }, "stall_timeout"},
		{"bad level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.errMsg)
		})
	}
}

func TestMerge(t *testing.T) {
	base := DefaultConfig()
	base.MaxParallel = 8

	t.Run("nil other", func(t *testing.T) {
		assert.Same(t, base, base.Merge(nil))
	})

	t.Run("override if set", func(t *testing.T) {
		merged := base.Merge(&Config{
			RunTimeout: Duration(time.Hour),
			FailFast:   BoolPtr(true),
			Reporters:  []string{"json"},
			Logging:    LoggingConfig{Level: LogLevelError},
		})
		assert.Equal(t, 8, merged.MaxParallel)
		assert.Equal(t, time.Hour, merged.RunTimeout.Std())
		assert.True(t, merged.GetFailFast())
		assert.Equal(t, []string{"json"}, merged.Reporters)
		assert.Equal(t, LogLevelError, merged.Logging.Level)
		assert.Equal(t, LogFormatText, merged.Logging.Format)
		// base is not modified
		assert.False(t, base.GetFailFast())
	})

	t.Run("explicit false overrides", func(t *testing.T) {
		withColor := base.Merge(&Config{NoColor: BoolPtr(true)})
		merged := withColor.Merge(&Config{NoColor: BoolPtr(false)})
		assert.False(t, merged.GetNoColor())
	})
}

func TestSaveConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.RetryDelay = Duration(250 * time.Millisecond)
	cfg.History = "history.db"
	cfg.EnvFiles = []string{".env", ".env.ci"}

	for _, name := range []string{"out.json", "out.toml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			require.NoError(t, cfg.SaveConfig(path))

			loaded, err := LoadConfig(path)
			require.NoError(t, err)
			assert.Equal(t, 250*time.Millisecond, loaded.RetryDelay.Std())
			assert.Equal(t, "history.db", loaded.History)
			assert.Equal(t, []string{".env", ".env.ci"}, loaded.EnvFiles)
		})
	}
}

func TestDetectEnvironment(t *testing.T) {
	noFiles := func(string) bool { return false }
	env := func(vars map[string]string) func(string) string {
		return func(k string) string { return vars[k] }
	}

	t.Run("local", func(t *testing.T) {
		e := detectEnvironment(env(nil), noFiles)
		assert.False(t, e.Slow())
	})

	t.Run("github actions", func(t *testing.T) {
		e := detectEnvironment(env(map[string]string{"GITHUB_ACTIONS": "true", "CI": "true"}), noFiles)
		assert.True(t, e.CI)
		assert.Equal(t, "github-actions", e.Name)
	})

	t.Run("ci false is ignored", func(t *testing.T) {
		e := detectEnvironment(env(map[string]string{"CI": "false"}), noFiles)
		assert.False(t, e.CI)
	})

	t.Run("docker", func(t *testing.T) {
		e := detectEnvironment(env(nil), func(p string) bool { return p == "/.dockerenv" })
		assert.True(t, e.Container)
		assert.Equal(t, "docker", e.Name)
	})

	t.Run("kubernetes", func(t *testing.T) {
		e := detectEnvironment(env(map[string]string{"KUBERNETES_SERVICE_HOST": "10.0.0.1"}), noFiles)
		assert.True(t, e.Container)
		assert.Equal(t, "kubernetes", e.Name)
	})
}

func TestScaledFor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultTestTimeout = Duration(10 * time.Second)
	cfg.RetryDelay = Duration(time.Second)

	local := cfg.ScaledFor(Environment{})
	assert.Equal(t, 10*time.Second, local.DefaultTestTimeout.Std())

	ci := cfg.ScaledFor(Environment{CI: true})
	assert.Equal(t, 20*time.Second, ci.DefaultTestTimeout.Std())
	assert.Equal(t, time.Minute, ci.DiscoveryTimeout.Std())
	assert.Equal(t, 2*time.Minute, ci.StallTimeout.Std())
	// zero means unlimited and stays zero
	assert.Zero(t, ci.RunTimeout)
	assert.Equal(t, time.Second, ci.RetryDelay.Std())
	// original untouched
	assert.Equal(t, 10*time.Second, cfg.DefaultTestTimeout.Std())

	cfg.CITimeoutMultiplier = 1
	assert.Equal(t, 10*time.Second, cfg.ScaledFor(Environment{Container: true}).DefaultTestTimeout.Std())
}

package config

import "os"

// Environment describes where the process is running.
type Environment struct {
	CI        bool
	Container bool
	// Name is the detected CI provider or container runtime, if known.
	Name string
}

// Slow reports whether timeouts should be stretched.
func (e Environment) Slow() bool {
	return e.CI || e.Container
}

var ciVariables = []struct {
	env  string
	name string
}{
	{"GITHUB_ACTIONS", "github-actions"},
	{"GITLAB_CI", "gitlab"},
	{"BUILDKITE", "buildkite"},
	{"CI", "ci"},
}

// DetectEnvironment inspects the process environment and filesystem.
func DetectEnvironment() Environment {
	return detectEnvironment(os.Getenv, func(path string) bool {
		_, err := os.Stat(path)
		return err == nil
	})
}

func detectEnvironment(getenv func(string) string, exists func(string) bool) Environment {
	var env Environment
	for _, v := range ciVariables {
		if val := getenv(v.env); val != "" && val != "false" && val != "0" {
			env.CI = true
			env.Name = v.name
			break
		}
	}
	switch {
	case getenv("KUBERNETES_SERVICE_HOST") != "":
		env.Container = true
		if env.Name == "" {
			env.Name = "kubernetes"
		}
	case exists("/.dockerenv"):
		env.Container = true
		if env.Name == "" {
			env.Name = "docker"
		}
	}
	return env
}

// Scaled returns a copy with timeouts multiplied by CITimeoutMultiplier when
// running under CI or in a container.
func (c *Config) Scaled() *Config {
	return c.ScaledFor(DetectEnvironment())
}

// ScaledFor is Scaled for an explicit environment.
func (c *Config) ScaledFor(env Environment) *Config {
	result := *c
	if !env.Slow() || c.CITimeoutMultiplier <= 0 || c.CITimeoutMultiplier == 1 {
		return &result
	}
	scale := func(d Duration) Duration {
		return Duration(float64(d) * c.CITimeoutMultiplier)
	}
	result.RunTimeout = scale(c.RunTimeout)
	result.DiscoveryTimeout = scale(c.DiscoveryTimeout)
	result.DefaultTestTimeout = scale(c.DefaultTestTimeout)
	result.HookTimeout = scale(c.HookTimeout)
	result.StallTimeout = scale(c.StallTimeout)
	return &result
}

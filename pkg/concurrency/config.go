package concurrency

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// DispatchMode defines how a partition manager sends event groups to clones
type DispatchMode string

const (
	DispatchModeParallel   DispatchMode = "parallel"
	DispatchModeSequential DispatchMode = "sequential"
)

// ConfigSource indicates where the configuration came from
type ConfigSource string

const (
	ConfigSourceEnvVar     ConfigSource = "environment_variable"
	ConfigSourceAutoDetect ConfigSource = "auto_detect"
	ConfigSourceDefault    ConfigSource = "default"
)

// Config holds concurrency configuration parameters
type Config struct {
	MaxConcurrent int
	DispatchMode  DispatchMode
	Source        ConfigSource
	IsKubernetes  bool
	EffectiveCPUs int
}

// DefaultConfig returns a sequential configuration with one slot per CPU.
func DefaultConfig() *Config {
	cpus := runtime.GOMAXPROCS(0)
	return &Config{
		MaxConcurrent: cpus,
		DispatchMode:  DispatchModeSequential,
		Source:        ConfigSourceDefault,
		EffectiveCPUs: cpus,
	}
}

// LoadConfig loads concurrency configuration with priority: env vars > auto-detection > defaults
func LoadConfig() *Config {
	config := &Config{}

	config.IsKubernetes = isKubernetes()

	// Respects cgroup limits once GOMAXPROCS has been adjusted
	config.EffectiveCPUs = runtime.GOMAXPROCS(0)

	if maxConcurrent := getEnvInt("ARGUS_MAX_CONCURRENT", 0); maxConcurrent > 0 {
		config.MaxConcurrent = maxConcurrent
		config.Source = ConfigSourceEnvVar
	} else if multiplier := getEnvInt("ARGUS_CONCURRENCY_MULTIPLIER", 0); multiplier > 0 {
		config.MaxConcurrent = config.EffectiveCPUs * multiplier
		config.Source = ConfigSourceEnvVar
	} else {
		config.MaxConcurrent = getDefaultMaxConcurrent(config.IsKubernetes, config.EffectiveCPUs)
		config.Source = ConfigSourceAutoDetect
	}

	if config.MaxConcurrent < 1 {
		config.MaxConcurrent = 1
	}

	config.DispatchMode = DispatchMode(strings.ToLower(getEnv("ARGUS_DISPATCH_MODE", string(DispatchModeSequential))))
	if config.DispatchMode != DispatchModeParallel && config.DispatchMode != DispatchModeSequential {
		config.DispatchMode = DispatchModeSequential
	}

	return config
}

// Parallel reports whether event groups are dispatched concurrently.
func (c *Config) Parallel() bool {
	return c != nil && c.DispatchMode == DispatchModeParallel
}

// isKubernetes detects if the application is running in Kubernetes
func isKubernetes() bool {
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

// getDefaultMaxConcurrent returns sensible defaults based on environment
func getDefaultMaxConcurrent(isK8s bool, cpus int) int {
	if isK8s {
		// Conservative for Kubernetes to prevent resource exhaustion
		return cpus * 2
	}
	return cpus * 4
}

// getEnvInt retrieves an integer from environment variable with default fallback
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnv retrieves a string from environment variable with default fallback
func getEnv(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// String returns a formatted string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{MaxConcurrent: %d, DispatchMode: %s, IsK8s: %t, CPUs: %d, Source: %s}",
		c.MaxConcurrent,
		c.DispatchMode,
		c.IsKubernetes,
		c.EffectiveCPUs,
		c.Source,
	)
}

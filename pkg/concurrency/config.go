package concurrency

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// ExecutionMode defines how the nodes of a priority group are run.
type ExecutionMode string

const (
	ModeConcurrent ExecutionMode = "concurrent"
	// ModeSequential runs one node at a time. Meant for debugging.
	ModeSequential ExecutionMode = "sequential"
)

// ConfigSource indicates where the configuration came from
type ConfigSource string

const (
	ConfigSourceEnvVar  ConfigSource = "environment_variable"
	ConfigSourceDefault ConfigSource = "default"
)

const (
	// DefaultMaxConcurrentNodes is the per-group worker ceiling.
	DefaultMaxConcurrentNodes = 5
	// DefaultNodeTimeout bounds a single node invocation.
	DefaultNodeTimeout = 60 * time.Second
)

// Config holds the concurrency settings of the execution engine.
type Config struct {
	// MaxConcurrentNodes caps the workers running one priority group.
	MaxConcurrentNodes int
	// MaxInflight caps inference calls across all runs sharing a Limiter.
	MaxInflight   int
	NodeTimeout   time.Duration
	Mode          ExecutionMode
	Source        ConfigSource
	IsKubernetes  bool
	EffectiveCPUs int
}

// LoadConfig reads ARGUS_* environment variables and falls back to defaults:
//
//	ARGUS_MAX_CONCURRENT_NODES  per-group ceiling (default 5)
//	ARGUS_MAX_INFLIGHT          process-wide inference ceiling (default CPUs*4, CPUs*2 on Kubernetes)
//	ARGUS_NODE_TIMEOUT          Go duration (default 60s)
//	ARGUS_EXECUTION_MODE        concurrent | sequential
func LoadConfig() *Config {
	cfg := &Config{
		IsKubernetes:  isKubernetes(),
		EffectiveCPUs: runtime.GOMAXPROCS(0),
		Source:        ConfigSourceDefault,
	}

	cfg.MaxConcurrentNodes = DefaultMaxConcurrentNodes
	if v := getEnvInt("ARGUS_MAX_CONCURRENT_NODES", 0); v > 0 {
		cfg.MaxConcurrentNodes = v
		cfg.Source = ConfigSourceEnvVar
	}

	cfg.MaxInflight = defaultMaxInflight(cfg.IsKubernetes, cfg.EffectiveCPUs)
	if v := getEnvInt("ARGUS_MAX_INFLIGHT", 0); v > 0 {
		cfg.MaxInflight = v
		cfg.Source = ConfigSourceEnvVar
	}

	cfg.NodeTimeout = DefaultNodeTimeout
	if raw := os.Getenv("ARGUS_NODE_TIMEOUT"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			cfg.NodeTimeout = d
			cfg.Source = ConfigSourceEnvVar
		}
	}

	cfg.Mode = ModeConcurrent
	if mode := ExecutionMode(strings.ToLower(os.Getenv("ARGUS_EXECUTION_MODE"))); mode == ModeSequential {
		cfg.Mode = ModeSequential
		cfg.Source = ConfigSourceEnvVar
	}

	return cfg
}

func isKubernetes() bool {
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

// defaultMaxInflight is conservative inside Kubernetes where CPU quotas are
// usually tight.
func defaultMaxInflight(isK8s bool, cpus int) int {
	if cpus < 1 {
		cpus = 1
	}
	if isK8s {
		return cpus * 2
	}
	return cpus * 4
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// String returns a formatted string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{MaxConcurrentNodes: %d, MaxInflight: %d, NodeTimeout: %s, Mode: %s, IsK8s: %t, CPUs: %d, Source: %s}",
		c.MaxConcurrentNodes,
		c.MaxInflight,
		c.NodeTimeout,
		c.Mode,
		c.IsKubernetes,
		c.EffectiveCPUs,
		c.Source,
	)
}

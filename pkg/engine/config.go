package engine

import (
	"time"

	"github.com/wehubfusion/Argus/pkg/concurrency"
)

// Config configures the executor.
type Config struct {
	// MaxConcurrentNodes caps the workers of one group. Extra nodes queue.
	MaxConcurrentNodes int
	// NodeTimeout bounds every node invocation.
	NodeTimeout time.Duration
	// Mode selects concurrent or sequential group execution.
	Mode concurrency.ExecutionMode
}

// DefaultConfig returns the defaults: 5 workers, 60s timeout, concurrent.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentNodes: concurrency.DefaultMaxConcurrentNodes,
		NodeTimeout:        concurrency.DefaultNodeTimeout,
		Mode:               concurrency.ModeConcurrent,
	}
}

// ConfigFrom derives an executor config from the environment-driven
// concurrency config.
func ConfigFrom(c *concurrency.Config) Config {
	if c == nil {
		return DefaultConfig()
	}
	cfg := Config{
		MaxConcurrentNodes: c.MaxConcurrentNodes,
		NodeTimeout:        c.NodeTimeout,
		Mode:               c.Mode,
	}
	cfg.Validate()
	return cfg
}

// LoadConfig reads the ARGUS_* environment variables.
func LoadConfig() Config {
	return ConfigFrom(concurrency.LoadConfig())
}

// Validate applies defaults to unset or invalid fields.
func (c *Config) Validate() {
	if c.MaxConcurrentNodes <= 0 {
		c.MaxConcurrentNodes = concurrency.DefaultMaxConcurrentNodes
	}
	if c.NodeTimeout <= 0 {
		c.NodeTimeout = concurrency.DefaultNodeTimeout
	}
	if c.Mode != concurrency.ModeSequential {
		c.Mode = concurrency.ModeConcurrent
	}
}

// WithMaxConcurrentNodes sets the per-group worker ceiling.
func (c Config) WithMaxConcurrentNodes(n int) Config {
	c.MaxConcurrentNodes = n
	return c
}

// WithNodeTimeout sets the per-node timeout.
func (c Config) WithNodeTimeout(d time.Duration) Config {
	c.NodeTimeout = d
	return c
}

// WithSequential switches to one-node-at-a-time execution.
func (c Config) WithSequential(sequential bool) Config {
	if sequential {
		c.Mode = concurrency.ModeSequential
	} else {
		c.Mode = concurrency.ModeConcurrent
	}
	return c
}

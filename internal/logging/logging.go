// Package logging builds the zap loggers used by the argus binary.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
)

// Environment variables read by FromEnv.
const (
	EnvLevel       = "ARGUS_LOG_LEVEL"
	EnvDevelopment = "ARGUS_LOG_DEVELOPMENT"
)

// New returns a production JSON logger, or a console logger when development
// is set. An empty level means info.
func New(level string, development bool) (*zap.Logger, error) {
	if level == "" {
		level = "info"
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = lvl
	return cfg.Build()
}

// FromEnv calls New with ARGUS_LOG_LEVEL and ARGUS_LOG_DEVELOPMENT.
func FromEnv() (*zap.Logger, error) {
	dev := os.Getenv(EnvDevelopment)
	return New(os.Getenv(EnvLevel), dev == "1" || dev == "true")
}

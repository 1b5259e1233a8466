package node

import "errors"

var (
	// ErrInvalidConfig is returned when a node definition or config is malformed.
	ErrInvalidConfig = errors.New("invalid node configuration")

	// ErrUnknownKind is returned when no creator is registered for a config kind.
	ErrUnknownKind = errors.New("no creator registered for node kind")

	// ErrValidation is returned when a node's payload is rejected by its schema
	// or its custom validator.
	ErrValidation = errors.New("node output failed validation")
)

// ConfigError describes which field of which node failed construction.
type ConfigError struct {
	Node   string
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return ErrInvalidConfig.Error() + ": node " + e.Node + ": " + e.Field + ": " + e.Reason
}

// Unwrap lets errors.Is match ErrInvalidConfig.
func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfig
}

func newConfigError(node, field, reason string) *ConfigError {
	return &ConfigError{Node: node, Field: field, Reason: reason}
}

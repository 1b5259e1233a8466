package node

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/wehubfusion/Argus/pkg/inference"
)

// Dependencies are handed to every Creator.
type Dependencies struct {
	Provider inference.Provider
	Schemas  SchemaSource
	Logger   *zap.Logger
}

// Creator builds a node of one kind from a validated Config.
type Creator func(cfg Config, deps Dependencies) (Node, error)

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithSchemaSource sets where SchemaRef names are resolved.
func WithSchemaSource(src SchemaSource) FactoryOption {
	return func(f *Factory) { f.deps.Schemas = src }
}

// WithFactoryLogger sets the logger handed to creators.
func WithFactoryLogger(logger *zap.Logger) FactoryOption {
	return func(f *Factory) {
		if logger != nil {
			f.deps.Logger = logger
		}
	}
}

// Factory turns Config records into nodes. It keeps a thread-safe registry
// of creators keyed by kind; the schema kind is always registered.
type Factory struct {
	creators map[string]Creator
	deps     Dependencies
	mu       sync.RWMutex
}

// NewFactory creates a factory whose schema nodes call provider.
func NewFactory(provider inference.Provider, opts ...FactoryOption) *Factory {
	f := &Factory{
		creators: make(map[string]Creator),
		deps: Dependencies{
			Provider: provider,
			Schemas:  MapSchemaSource{},
			Logger:   zap.NewNop(),
		},
	}
	for _, opt := range opts {
		opt(f)
	}
	f.creators[KindSchema] = newSchemaNodeCreator
	return f
}

// Register registers a creator for kind, replacing any existing one.
func (f *Factory) Register(kind string, creator Creator) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creators[kind] = creator
}

// HasCreator reports whether kind is registered.
func (f *Factory) HasCreator(kind string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.creators[kind]
	return ok
}

// Kinds returns the registered kinds in sorted order.
func (f *Factory) Kinds() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	kinds := make([]string, 0, len(f.creators))
	for k := range f.creators {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Create validates cfg and builds the node. Any error is a construction
// error and must stop the caller before documents are processed.
func (f *Factory) Create(cfg Config) (Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kind := cfg.Kind
	if kind == "" {
		kind = KindSchema
	}

	f.mu.RLock()
	creator, ok := f.creators[kind]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s (node %s)", ErrUnknownKind, kind, cfg.Name)
	}

	n, err := creator(cfg, f.deps)
	if err != nil {
		return nil, fmt.Errorf("failed to create node %s (%s): %w", cfg.Name, kind, err)
	}
	return n, nil
}

// CreateAll builds every config in order and stops at the first error.
func (f *Factory) CreateAll(cfgs []Config) ([]Node, error) {
	nodes := make([]Node, 0, len(cfgs))
	for _, cfg := range cfgs {
		n, err := f.Create(cfg)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

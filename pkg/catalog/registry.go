// Package catalog holds the registered processing nodes and selects the ones
// a document's feature flags call for.
//
// A Registry is owned by its caller. Create one per server, per test or per
// tenant; nothing in this package is global.
package catalog

import (
	"errors"
	"fmt"
	"sync"

	"github.com/wehubfusion/Argus/pkg/document"
	"github.com/wehubfusion/Argus/pkg/node"
)

var (
	// ErrDuplicateNode is returned when a node name is registered twice.
	ErrDuplicateNode = errors.New("node already registered")

	// ErrTargetConflict is returned when two nodes declare the same target
	// field and the registry does not allow shared targets.
	ErrTargetConflict = errors.New("target field already claimed by another node")

	// ErrMultipleMainReport is returned when a second main-report node is
	// registered.
	ErrMultipleMainReport = errors.New("a main report node is already registered")

	// ErrNilNode is returned when Register is called with nil.
	ErrNilNode = errors.New("node is nil")
)

// Option configures a Registry.
type Option func(*Registry)

// WithSharedTargets allows several nodes to write the same target field.
// The aggregator then keeps the payload of the node that comes last in
// execution order and reports the field as overwritten.
func WithSharedTargets() Option {
	return func(r *Registry) { r.allowSharedTargets = true }
}

// Registry is an ordered catalog of nodes. Registration order is the
// selection order.
type Registry struct {
	nodes              []node.Node
	defs               []node.Definition
	byName             map[string]int
	targets            map[string]string
	mainReport         string
	allowSharedTargets bool
	mu                 sync.RWMutex
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		byName:  make(map[string]int),
		targets: make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds n to the catalog. Its definition is validated and copied;
// it never changes afterwards.
func (r *Registry) Register(n node.Node) error {
	if n == nil {
		return ErrNilNode
	}
	def := n.Definition()
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, def.Name)
	}
	if def.Output.IsMainReport {
		if r.mainReport != "" {
			return fmt.Errorf("%w: %s (have %s)", ErrMultipleMainReport, def.Name, r.mainReport)
		}
	} else if owner, claimed := r.targets[def.Output.TargetField]; claimed && !r.allowSharedTargets {
		return fmt.Errorf("%w: %q is written by %s, cannot register %s", ErrTargetConflict, def.Output.TargetField, owner, def.Name)
	}

	r.byName[def.Name] = len(r.nodes)
	r.nodes = append(r.nodes, n)
	r.defs = append(r.defs, def)
	if def.Output.IsMainReport {
		r.mainReport = def.Name
	} else if _, claimed := r.targets[def.Output.TargetField]; !claimed {
		r.targets[def.Output.TargetField] = def.Name
	}
	return nil
}

// MustRegister registers every node and panics on the first error.
func (r *Registry) MustRegister(nodes ...node.Node) {
	for _, n := range nodes {
		if err := r.Register(n); err != nil {
			panic(err)
		}
	}
}

// Select returns, in registration order, every node with at least one true
// trigger flag. It has no side effects.
func (r *Registry) Select(flags document.Flags) []node.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	selected := make([]node.Node, 0, len(r.nodes))
	for i, n := range r.nodes {
		if flags.AnyTrue(r.defs[i].TriggerFlags) {
			selected = append(selected, n)
		}
	}
	return selected
}

// Get returns the node registered under name.
func (r *Registry) Get(name string) (node.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return r.nodes[idx], true
}

// Nodes returns every registered node in registration order.
func (r *Registry) Nodes() []node.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]node.Node, len(r.nodes))
	copy(out, r.nodes)
	return out
}

// Definitions returns the registered definitions in registration order.
func (r *Registry) Definitions() []node.Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]node.Definition, len(r.defs))
	copy(out, r.defs)
	return out
}

// MainReport returns the name of the main-report node, if any.
func (r *Registry) MainReport() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mainReport, r.mainReport != ""
}

// Len returns the number of registered nodes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

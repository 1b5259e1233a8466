// Package node provides the processing units the orchestrator schedules.
//
// A Node is a self-contained extraction task that is selected when at least
// one of its trigger flags is true. Most nodes are built from a declarative
// Config by a Factory and run as a SchemaNode, which hands a JSON schema to
// the inference provider. Bespoke nodes can be written with NewFunc.
//
// Nodes never mutate the SharedState they are given. They return a
// PartialResult and the engine merges it once the node's priority group has
// settled.
package node

import (
	"context"
	"fmt"
	"time"

	"github.com/wehubfusion/Argus/pkg/document"
	"github.com/wehubfusion/Argus/pkg/progress"
)

// OutputMapping declares where a node's payload lands in the report.
type OutputMapping struct {
	// TargetField is the report key the payload is written under.
	TargetField string `json:"targetField" yaml:"targetField"`
	// UnwrapField, when set and present on the payload, replaces the payload
	// with that nested value before it is written.
	UnwrapField string `json:"unwrapField,omitempty" yaml:"unwrapField,omitempty"`
	// IsMainReport merges the payload onto the report's top level.
	IsMainReport bool `json:"isMainReport,omitempty" yaml:"isMainReport,omitempty"`
}

// Definition is the immutable catalog metadata of a node.
type Definition struct {
	Name         string
	Description  string
	TriggerFlags []string
	// Priority is the precedence tier. Lower values run earlier.
	Priority int
	Output   OutputMapping
}

// PrimaryFlag returns the first trigger flag.
func (d Definition) PrimaryFlag() string {
	if len(d.TriggerFlags) == 0 {
		return ""
	}
	return d.TriggerFlags[0]
}

// Validate checks the construction constraints of a definition.
func (d Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if len(d.TriggerFlags) == 0 {
		return newConfigError(d.Name, "triggerFlags", "at least one trigger flag is required")
	}
	for _, f := range d.TriggerFlags {
		if f == "" {
			return newConfigError(d.Name, "triggerFlags", "trigger flag names must not be empty")
		}
	}
	if d.Priority < 1 {
		return newConfigError(d.Name, "priority", fmt.Sprintf("must be a positive integer, got %d", d.Priority))
	}
	if !d.Output.IsMainReport && d.Output.TargetField == "" {
		return newConfigError(d.Name, "targetField", "required unless isMainReport is set")
	}
	return nil
}

// clone returns a deep copy so callers cannot alter registered metadata.
func (d Definition) clone() Definition {
	flags := make([]string, len(d.TriggerFlags))
	copy(flags, d.TriggerFlags)
	d.TriggerFlags = flags
	return d
}

// Node is the capability every processing unit implements.
type Node interface {
	// Definition returns a copy of the node's catalog metadata.
	Definition() Definition

	// Selects reports whether the node should run for the given flags.
	Selects(flags document.Flags) bool

	// Run performs the extraction. It must honour ctx and must not mutate
	// state.
	Run(ctx context.Context, state *SharedState) (*PartialResult, error)
}

// ResultMetadata describes how a result was produced.
type ResultMetadata struct {
	ProcessingTimeMs int64               `json:"processingTimeMs"`
	TokensUsed       int                 `json:"tokensUsed"`
	TokenUsage       document.TokenUsage `json:"tokenUsage"`
	Confidence       float64             `json:"confidence"`
	Provider         string              `json:"provider,omitempty"`
}

// PartialResult is what a node returns. A nil Data is valid and means the
// node ran and found nothing.
type PartialResult struct {
	Data     interface{}    `json:"data"`
	Metadata ResultMetadata `json:"metadata"`
}

// SharedState is the read-only snapshot handed to every node of a group.
type SharedState struct {
	RunID      string
	Flags      document.Flags
	Document   document.Document
	Language   string
	TokenUsage document.TokenUsage
	// Outputs holds the payloads of nodes from earlier groups, keyed by node
	// name.
	Outputs  map[string]interface{}
	Progress progress.Sink
}

// NewSharedState creates the initial snapshot of a run.
func NewSharedState(runID string, doc document.Document, flags document.Flags, sink progress.Sink) *SharedState {
	if sink == nil {
		sink = progress.NoOp{}
	}
	return &SharedState{
		RunID:    runID,
		Flags:    flags.Clone(),
		Document: doc,
		Language: doc.Language,
		Outputs:  map[string]interface{}{},
		Progress: sink,
	}
}

// Output returns the payload an earlier node produced.
func (s *SharedState) Output(nodeName string) (interface{}, bool) {
	v, ok := s.Outputs[nodeName]
	return v, ok
}

// WithResults returns a new snapshot that also carries results. The receiver
// is left untouched. Names are applied in order.
func (s *SharedState) WithResults(results map[string]*PartialResult, order []string) *SharedState {
	next := *s
	next.Outputs = make(map[string]interface{}, len(s.Outputs)+len(results))
	for k, v := range s.Outputs {
		next.Outputs[k] = v
	}
	for _, name := range order {
		r, ok := results[name]
		if !ok || r == nil {
			continue
		}
		next.Outputs[name] = r.Data
		next.TokenUsage = next.TokenUsage.Add(r.Metadata.TokenUsage)
	}
	return &next
}

// RunFunc is the body of a hand-written node.
type RunFunc func(ctx context.Context, state *SharedState) (*PartialResult, error)

// Func is a node whose behaviour is a Go function.
type Func struct {
	def Definition
	fn  RunFunc
}

// NewFunc builds a node from a definition and a run function.
func NewFunc(def Definition, fn RunFunc) (*Func, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, newConfigError(def.Name, "run", "run function is required")
	}
	return &Func{def: def.clone(), fn: fn}, nil
}

// MustFunc is like NewFunc but panics on an invalid definition.
func MustFunc(def Definition, fn RunFunc) *Func {
	n, err := NewFunc(def, fn)
	if err != nil {
		panic(err)
	}
	return n
}

// Definition implements Node.
func (n *Func) Definition() Definition { return n.def.clone() }

// Selects implements Node.
func (n *Func) Selects(flags document.Flags) bool { return flags.AnyTrue(n.def.TriggerFlags) }

// Run implements Node. The processing time is filled in when fn leaves it
// empty.
func (n *Func) Run(ctx context.Context, state *SharedState) (*PartialResult, error) {
	start := time.Now()
	res, err := n.fn(ctx, state)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &PartialResult{}
	}
	if res.Metadata.ProcessingTimeMs == 0 {
		res.Metadata.ProcessingTimeMs = time.Since(start).Milliseconds()
	}
	return res, nil
}

var _ Node = (*Func)(nil)

package node

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/wehubfusion/Argus/pkg/document"
	"github.com/wehubfusion/Argus/pkg/inference"
)

// SchemaNode is the generic, data-driven node. Its behaviour is entirely
// described by a Config: the schema goes to the inference provider and the
// returned payload is validated, scored and stamped.
type SchemaNode struct {
	def         Definition
	provider    inference.Provider
	schemaJSON  json.RawMessage
	schema      *jsonschema.Schema
	temperature float64
	validator   Validator
	logger      *zap.Logger
	now         func() time.Time
}

func newSchemaNodeCreator(cfg Config, deps Dependencies) (Node, error) {
	return NewSchemaNode(cfg, deps)
}

// NewSchemaNode builds a schema-driven node. The schema and validator
// script are compiled here so broken configs fail before any run.
func NewSchemaNode(cfg Config, deps Dependencies) (*SchemaNode, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Provider == nil {
		return nil, newConfigError(cfg.Name, "provider", "an inference provider is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	raw, err := cfg.schemaJSON()
	if err != nil {
		return nil, err
	}
	if cfg.SchemaRef != "" {
		if deps.Schemas == nil {
			return nil, newConfigError(cfg.Name, "schemaRef", "no schema source configured")
		}
		raw, err = deps.Schemas.Schema(cfg.SchemaRef)
		if err != nil {
			return nil, newConfigError(cfg.Name, "schemaRef", err.Error())
		}
	}

	n := &SchemaNode{
		def:         cfg.Definition().clone(),
		provider:    deps.Provider,
		schemaJSON:  raw,
		temperature: inference.DefaultTemperature,
		validator:   cfg.CustomValidator,
		logger:      logger.With(zap.String("node", cfg.Name)),
		now:         time.Now,
	}
	if cfg.Temperature != nil {
		n.temperature = *cfg.Temperature
	}

	if len(raw) > 0 {
		n.schema, err = CompileSchema(cfg.Name, raw)
		if err != nil {
			return nil, newConfigError(cfg.Name, "schema", err.Error())
		}
	}

	if n.validator == nil && cfg.Validator != "" {
		sv, err := NewScriptValidator(cfg.Name, cfg.Validator, n.def.PrimaryFlag())
		if err != nil {
			return nil, err
		}
		n.validator = sv
	}

	return n, nil
}

// Definition implements Node.
func (n *SchemaNode) Definition() Definition { return n.def.clone() }

// Selects implements Node.
func (n *SchemaNode) Selects(flags document.Flags) bool { return flags.AnyTrue(n.def.TriggerFlags) }

// Run implements Node.
func (n *SchemaNode) Run(ctx context.Context, state *SharedState) (*PartialResult, error) {
	start := n.now()

	req := inference.Request{
		Node:     n.def.Name,
		Schema:   n.schemaJSON,
		Document: state.Document,
		Options: inference.Options{
			Language:    state.Language,
			Temperature: n.temperature,
		}.Normalize(),
	}

	resp, err := n.provider.Extract(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}
	if resp == nil {
		resp = &inference.Response{}
	}

	data := resp.Data
	var confidence float64
	if data != nil {
		if n.schema != nil {
			if err := validateAgainst(n.schema, data); err != nil {
				return nil, err
			}
		}
		if n.validator != nil {
			confidence, err = n.validator.Validate(ctx, data, state)
			if err != nil {
				return nil, err
			}
		} else {
			confidence = DefaultConfidence(data, n.def.PrimaryFlag())
		}
	}

	elapsed := n.now().Sub(start)
	n.logger.Debug("schema node extracted",
		zap.Duration("duration", elapsed),
		zap.Int("tokens", resp.TokenUsage.Total),
		zap.Float64("confidence", confidence))

	return &PartialResult{
		Data: EnhanceResult(data, n.def.Name, n.def.Priority, n.now()),
		Metadata: ResultMetadata{
			ProcessingTimeMs: elapsed.Milliseconds(),
			TokensUsed:       resp.TokenUsage.Total,
			TokenUsage:       resp.TokenUsage,
			Confidence:       confidence,
			Provider:         resp.Provider,
		},
	}, nil
}

var _ Node = (*SchemaNode)(nil)

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	natsconn "github.com/wehubfusion/Argus/internal/nats"
	"github.com/wehubfusion/Argus/pkg/catalog"
	"github.com/wehubfusion/Argus/pkg/concurrency"
	"github.com/wehubfusion/Argus/pkg/document"
	"github.com/wehubfusion/Argus/pkg/engine"
	"github.com/wehubfusion/Argus/pkg/inference"
	"github.com/wehubfusion/Argus/pkg/inference/natsrpc"
	"github.com/wehubfusion/Argus/pkg/node"
	"github.com/wehubfusion/Argus/pkg/orchestrator"
)

// pipelineFlags are shared by run and serve.
type pipelineFlags struct {
	catalogPath     string
	schemaDir       string
	sharedTargets   bool
	natsURL         string
	inferencePrefix string
	inferenceTTL    time.Duration
	maxNodes        int
	nodeTimeout     time.Duration
	sequential      bool
}

func addPipelineFlags(cmd *cobra.Command, p *pipelineFlags) {
	f := cmd.Flags()
	f.StringVar(&p.catalogPath, "catalog", envOr("ARGUS_CATALOG", "catalog.yaml"), "Node catalog YAML")
	f.StringVar(&p.schemaDir, "schema-dir", envOr("ARGUS_SCHEMA_DIR", "schemas"), "Directory holding <schemaRef>.json files")
	f.BoolVar(&p.sharedTargets, "shared-targets", false, "Allow several nodes to write the same target field")
	f.StringVar(&p.natsURL, "nats-url", "", "NATS server URL (default: $"+natsconn.EnvURL+" or "+nats.DefaultURL+")")
	f.StringVar(&p.inferencePrefix, "inference-prefix", envOr("ARGUS_INFERENCE_PREFIX", natsrpc.DefaultPrefix), "Subject prefix of the inference service")
	f.DurationVar(&p.inferenceTTL, "inference-timeout", natsrpc.DefaultTimeout, "Timeout of inference calls without a deadline")
	f.IntVar(&p.maxNodes, "max-concurrent-nodes", 0, "Workers per priority group (default: $ARGUS_MAX_CONCURRENT_NODES or 5)")
	f.DurationVar(&p.nodeTimeout, "node-timeout", 0, "Per-node timeout (default: $ARGUS_NODE_TIMEOUT or 60s)")
	f.BoolVar(&p.sequential, "sequential", false, "Run the nodes of a group one at a time")
}

// engineConfig layers command-line overrides on top of the environment.
func (p pipelineFlags) engineConfig(env *concurrency.Config) engine.Config {
	cfg := engine.ConfigFrom(env)
	if p.maxNodes > 0 {
		cfg = cfg.WithMaxConcurrentNodes(p.maxNodes)
	}
	if p.nodeTimeout > 0 {
		cfg = cfg.WithNodeTimeout(p.nodeTimeout)
	}
	if p.sequential {
		cfg = cfg.WithSequential(true)
	}
	return cfg
}

func (p pipelineFlags) connect(ctx context.Context) (*nats.Conn, error) {
	cfg, err := natsconn.LoadConnectionConfig()
	if err != nil {
		return nil, err
	}
	if p.natsURL != "" {
		cfg.URL = p.natsURL
	}
	logger.Info("Connecting to NATS", zap.String("url", cfg.URL), zap.String("name", cfg.Name))
	return natsconn.Connect(ctx, cfg, logger)
}

// pipeline holds everything a run needs.
type pipeline struct {
	registry *catalog.Registry
	executor *engine.Executor
	client   *natsrpc.Client
}

func (p pipelineFlags) build(conn natsrpc.Requester, execOpts ...engine.Option) (*pipeline, error) {
	client, err := natsrpc.New(conn, p.inferencePrefix,
		natsrpc.WithTimeout(p.inferenceTTL),
		natsrpc.WithLogger(logger.Named("inference")))
	if err != nil {
		return nil, err
	}

	registry, err := p.registry(client)
	if err != nil {
		return nil, err
	}

	env := concurrency.LoadConfig()
	cfg := p.engineConfig(env)
	logger.Info("Pipeline configured",
		zap.String("catalog", p.catalogPath),
		zap.Int("nodes", registry.Len()),
		zap.Int("max_concurrent_nodes", cfg.MaxConcurrentNodes),
		zap.Duration("node_timeout", cfg.NodeTimeout),
		zap.String("mode", string(cfg.Mode)))

	opts := append([]engine.Option{engine.WithLogger(logger.Named("engine"))}, execOpts...)
	return &pipeline{
		registry: registry,
		executor: engine.NewExecutor(cfg, opts...),
		client:   client,
	}, nil
}

func (p pipelineFlags) registry(provider inference.Provider) (*catalog.Registry, error) {
	cfgs, err := catalog.LoadFile(p.catalogPath)
	if err != nil {
		return nil, err
	}

	factory := node.NewFactory(provider,
		node.WithSchemaSource(node.DirSchemaSource(p.schemaDir)),
		node.WithFactoryLogger(logger.Named("node")))

	var regOpts []catalog.Option
	if p.sharedTargets {
		regOpts = append(regOpts, catalog.WithSharedTargets())
	}
	reg := catalog.New(regOpts...)
	if err := catalog.Build(reg, factory, cfgs); err != nil {
		return nil, fmt.Errorf("build catalog %s: %w", p.catalogPath, err)
	}
	return reg, nil
}

func (pl *pipeline) orchestrator(opts ...orchestrator.Option) *orchestrator.Orchestrator {
	base := []orchestrator.Option{
		orchestrator.WithDetector(pl.client),
		orchestrator.WithLogger(logger.Named("orchestrator")),
	}
	return orchestrator.New(pl.registry, pl.executor, pl.client, append(base, opts...)...)
}

// parseFeatureFlags turns "name" and "name=bool" entries into Flags. No
// entries yields nil so the detector runs.
func parseFeatureFlags(values []string) (document.Flags, error) {
	if len(values) == 0 {
		return nil, nil
	}
	flags := make(document.Flags, len(values))
	for _, v := range values {
		name, raw, hasValue := strings.Cut(v, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("invalid feature flag %q", v)
		}
		if !hasValue {
			flags[name] = true
			continue
		}
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid feature flag %q: %w", v, err)
		}
		flags[name] = b
	}
	return flags, nil
}

// loadDocument reads a JSON document, or treats any other file as plain
// text.
func loadDocument(path string) (document.Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return document.Document{}, fmt.Errorf("read document: %w", err)
	}

	if strings.EqualFold(filepath.Ext(path), ".json") {
		var doc document.Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return document.Document{}, fmt.Errorf("decode document %s: %w", path, err)
		}
		if doc.ID == "" {
			doc.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}
		return doc, nil
	}

	return document.Document{
		ID:       filepath.Base(path),
		Text:     string(raw),
		MimeType: "text/plain",
	}, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

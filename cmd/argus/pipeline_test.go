package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Argus/pkg/concurrency"
	"github.com/wehubfusion/Argus/pkg/document"
	"github.com/wehubfusion/Argus/pkg/inference"
)

func TestParseFeatureFlags(t *testing.T) {
	tests := []struct {
		name    string
		in      []string
		want    document.Flags
		wantErr bool
	}{
		{name: "none means detect", in: nil, want: nil},
		{name: "bare names", in: []string{"has_tables", "has_images"}, want: document.Flags{"has_tables": true, "has_images": true}},
		{name: "explicit values", in: []string{"has_tables=false", "has_sig = true"}, want: document.Flags{"has_tables": false, "has_sig": true}},
		{name: "bad value", in: []string{"has_tables=maybe"}, wantErr: true},
		{name: "empty name", in: []string{"=true"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFeatureFlags(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadDocument(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "invoice.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"text":"total 12","language":"de"}`), 0o600))
	doc, err := loadDocument(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, "invoice", doc.ID)
	assert.Equal(t, "total 12", doc.Text)
	assert.Equal(t, "de", doc.Language)

	txtPath := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(txtPath, []byte("plain words"), 0o600))
	doc, err = loadDocument(txtPath)
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", doc.ID)
	assert.Equal(t, "plain words", doc.Text)
	assert.Equal(t, "text/plain", doc.MimeType)

	badPath := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(badPath, []byte(`{`), 0o600))
	_, err = loadDocument(badPath)
	assert.Error(t, err)

	_, err = loadDocument(filepath.Join(dir, "missing.txt"))
	assert.Error(t, err)
}

func TestEngineConfig(t *testing.T) {
	env := &concurrency.Config{MaxConcurrentNodes: 3, NodeTimeout: time.Second, Mode: concurrency.ModeConcurrent}

	cfg := pipelineFlags{}.engineConfig(env)
	assert.Equal(t, 3, cfg.MaxConcurrentNodes)
	assert.Equal(t, time.Second, cfg.NodeTimeout)

	cfg = pipelineFlags{maxNodes: 8, nodeTimeout: 2 * time.Minute, sequential: true}.engineConfig(env)
	assert.Equal(t, 8, cfg.MaxConcurrentNodes)
	assert.Equal(t, 2*time.Minute, cfg.NodeTimeout)
	assert.Equal(t, concurrency.ModeSequential, cfg.Mode)
}

func TestPipelineRegistry(t *testing.T) {
	dir := t.TempDir()
	schemaDir := filepath.Join(dir, "schemas")
	require.NoError(t, os.Mkdir(schemaDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(schemaDir, "tables.json"), []byte(`{"type":"object"}`), 0o600))

	catalogPath := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(catalogPath, []byte(`
nodes:
  - name: tables
    triggerFlags: [has_tables]
    priority: 1
    targetField: tables
    schemaRef: tables
  - name: totals
    triggerFlags: [has_totals]
    priority: 2
    targetField: tables
    schema: {type: object}
`), 0o600))

	provider := inference.ProviderFunc(func(ctx context.Context, req inference.Request) (*inference.Response, error) {
		return &inference.Response{}, nil
	})

	_, err := pipelineFlags{catalogPath: catalogPath, schemaDir: schemaDir}.registry(provider)
	assert.Error(t, err, "two nodes share a target without --shared-targets")

	reg, err := pipelineFlags{catalogPath: catalogPath, schemaDir: schemaDir, sharedTargets: true}.registry(provider)
	require.NoError(t, err)
	assert.Equal(t, 2, reg.Len())

	_, err = pipelineFlags{catalogPath: catalogPath, schemaDir: filepath.Join(dir, "nowhere"), sharedTargets: true}.registry(provider)
	assert.Error(t, err, "unresolvable schemaRef")
}

func TestEnvOr(t *testing.T) {
	t.Setenv("ARGUS_TEST_ENV_OR", "")
	assert.Equal(t, "fallback", envOr("ARGUS_TEST_ENV_OR", "fallback"))
	t.Setenv("ARGUS_TEST_ENV_OR", "set")
	assert.Equal(t, "set", envOr("ARGUS_TEST_ENV_OR", "fallback"))
}

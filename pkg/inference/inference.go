// Package inference defines the external collaborators the orchestrator
// depends on: feature detection, schema-driven extraction and the legacy
// single-pass analysis used as a fallback.
package inference

import (
	"context"
	"encoding/json"

	"golang.org/x/text/language"

	"github.com/wehubfusion/Argus/pkg/document"
)

// DefaultTemperature is used when a node does not configure one.
const DefaultTemperature = 0.1

// Options tune a single extraction call.
type Options struct {
	Language    string  `json:"language"`
	Temperature float64 `json:"temperature"`
}

// Normalize canonicalises the language tag. Unparseable or empty tags
// become "und".
func (o Options) Normalize() Options {
	tag, err := language.Parse(o.Language)
	if err != nil {
		tag = language.Und
	}
	o.Language = tag.String()
	if o.Temperature < 0 {
		o.Temperature = 0
	}
	return o
}

// Request asks the provider to fill Schema from Document.
type Request struct {
	Node     string            `json:"node"`
	Schema   json.RawMessage   `json:"schema,omitempty"`
	Document document.Document `json:"document"`
	Options  Options           `json:"options"`
}

// Response is the structured payload produced for a Request.
type Response struct {
	Data       interface{}         `json:"data"`
	TokenUsage document.TokenUsage `json:"tokenUsage"`
	Provider   string              `json:"provider"`
}

// Provider turns a schema and content into structured data. Implementations
// must honour ctx cancellation; the engine cancels ctx when a node times out.
type Provider interface {
	Extract(ctx context.Context, req Request) (*Response, error)
}

// FeatureDetector produces the feature flags that drive node selection.
type FeatureDetector interface {
	Detect(ctx context.Context, doc document.Document) (document.Flags, error)
}

// LegacyResult is the output of the single-pass analysis.
type LegacyResult struct {
	Content    map[string]interface{} `json:"content"`
	TokenUsage document.TokenUsage    `json:"tokenUsage"`
}

// LegacyAnalyzer runs the monolithic extraction used when the multi-node
// pipeline fails outright.
type LegacyAnalyzer interface {
	Analyze(ctx context.Context, doc document.Document, language string) (*LegacyResult, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, req Request) (*Response, error)

// Extract calls f.
func (f ProviderFunc) Extract(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// DetectorFunc adapts a function to FeatureDetector.
type DetectorFunc func(ctx context.Context, doc document.Document) (document.Flags, error)

// Detect calls f.
func (f DetectorFunc) Detect(ctx context.Context, doc document.Document) (document.Flags, error) {
	return f(ctx, doc)
}

// LegacyFunc adapts a function to LegacyAnalyzer.
type LegacyFunc func(ctx context.Context, doc document.Document, language string) (*LegacyResult, error)

// Analyze calls f.
func (f LegacyFunc) Analyze(ctx context.Context, doc document.Document, language string) (*LegacyResult, error) {
	return f(ctx, doc, language)
}

// Package report merges per-node results into the single document report
// returned to callers.
package report

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Argus/pkg/document"
	"github.com/wehubfusion/Argus/pkg/engine"
	"github.com/wehubfusion/Argus/pkg/inference"
)

const (
	// LegacyNodeName is the processed node reported for a fallback run.
	LegacyNodeName = "legacy-analysis"

	// MessageNothingSelected is the summary message of a run with no
	// selected nodes.
	MessageNothingSelected = "no specialized processing was required"

	// excludedMainKey is never copied from the main node onto the top level.
	excludedMainKey = "report"
)

// Reserved top-level JSON keys. They take precedence over fields of the
// same name when a Report is encoded.
const (
	KeyTokenUsage       = "tokenUsage"
	KeyErrors           = "errors"
	KeyMultiNodeResults = "multiNodeResults"
)

// Summary describes how a report was produced.
type Summary struct {
	ProcessedNodes       []string `json:"processedNodes"`
	SuccessCount         int      `json:"successCount"`
	FailureCount         int      `json:"failureCount"`
	ElapsedMs            int64    `json:"elapsedMs"`
	ParallelGroups       int      `json:"parallelGroups"`
	Message              string   `json:"message,omitempty"`
	Fallback             bool     `json:"fallback"`
	OverwrittenFields    []string `json:"overwrittenFields,omitempty"`
	MainReportNormalized bool     `json:"mainReportNormalized,omitempty"`
}

// Report is the unified result of a run. Fields holds the merged node
// payloads and is flattened onto the top level when encoded.
type Report struct {
	Fields           map[string]interface{}
	TokenUsage       document.TokenUsage
	Errors           []engine.ErrorRecord
	MultiNodeResults Summary
}

// Field returns a top-level field.
func (r *Report) Field(name string) (interface{}, bool) {
	v, ok := r.Fields[name]
	return v, ok
}

// MarshalJSON flattens Fields next to the reserved keys.
func (r Report) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(r.Fields)+3)
	for k, v := range r.Fields {
		out[k] = v
	}
	errs := r.Errors
	if errs == nil {
		errs = []engine.ErrorRecord{}
	}
	out[KeyTokenUsage] = r.TokenUsage
	out[KeyErrors] = errs
	out[KeyMultiNodeResults] = r.MultiNodeResults
	return json.Marshal(out)
}

// UnmarshalJSON reverses MarshalJSON.
func (r *Report) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*r = Report{Fields: make(map[string]interface{}, len(raw)), Errors: []engine.ErrorRecord{}}
	for k, v := range raw {
		var err error
		switch k {
		case KeyTokenUsage:
			err = json.Unmarshal(v, &r.TokenUsage)
		case KeyErrors:
			err = json.Unmarshal(v, &r.Errors)
		case KeyMultiNodeResults:
			err = json.Unmarshal(v, &r.MultiNodeResults)
		default:
			var field interface{}
			err = json.Unmarshal(v, &field)
			r.Fields[k] = field
		}
		if err != nil {
			return fmt.Errorf("decode report field %s: %w", k, err)
		}
	}
	if r.Errors == nil {
		r.Errors = []engine.ErrorRecord{}
	}
	return nil
}

// Aggregator builds reports from engine runs.
type Aggregator struct {
	logger *zap.Logger
	now    func() time.Time
}

// NewAggregator creates an Aggregator. A nil logger disables logging.
func NewAggregator(logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{logger: logger, now: time.Now}
}

// Aggregate builds a report with a silent aggregator.
func Aggregate(run *engine.RunResult, plan *engine.Plan, elapsed time.Duration) *Report {
	return NewAggregator(nil).Aggregate(run, plan, elapsed)
}

// Aggregate merges the successful results of run following the output
// mapping of each planned node. Results are applied in execution order, so
// when two nodes write the same field the later one wins and the field is
// listed in Summary.OverwrittenFields.
func (a *Aggregator) Aggregate(run *engine.RunResult, plan *engine.Plan, elapsed time.Duration) *Report {
	if run == nil {
		run = &engine.RunResult{}
	}
	if plan == nil {
		plan = engine.BuildPlan(nil)
	}

	rep := &Report{
		Fields:     make(map[string]interface{}),
		TokenUsage: run.TokenUsage,
		Errors:     make([]engine.ErrorRecord, 0, len(run.Errors)),
	}
	rep.Errors = append(rep.Errors, run.Errors...)

	written := make(map[string]string)
	overwritten := make(map[string]struct{})
	write := func(field, nodeName string, value interface{}) {
		if prev, ok := written[field]; ok && prev != nodeName {
			overwritten[field] = struct{}{}
			a.logger.Warn("report field overwritten",
				zap.String("field", field),
				zap.String("previous_node", prev),
				zap.String("node", nodeName))
		}
		written[field] = nodeName
		rep.Fields[field] = value
	}

	succeeded := 0
	for _, name := range plan.ExecutionOrder {
		res, ok := run.Results[name]
		if !ok || res == nil {
			continue
		}
		def, ok := plan.Definition(name)
		if !ok {
			continue
		}

		if def.Output.IsMainReport {
			fields, normalized, err := mainReportFields(res.Data)
			if err != nil {
				rep.Errors = append(rep.Errors, engine.ErrorRecord{
					Node:      name,
					Error:     err.Error(),
					Kind:      engine.KindValidation,
					Timestamp: a.now(),
				})
				continue
			}
			if normalized {
				rep.MultiNodeResults.MainReportNormalized = true
				a.logger.Warn("main report payload was an array, using its first element",
					zap.String("node", name))
			}
			for k, v := range fields {
				if k == excludedMainKey {
					continue
				}
				write(k, name, v)
			}
			succeeded++
			continue
		}

		payload := res.Data
		if def.Output.UnwrapField != "" {
			if m, ok := payload.(map[string]interface{}); ok {
				if inner, ok := m[def.Output.UnwrapField]; ok {
					payload = inner
				}
			}
		}
		write(def.Output.TargetField, name, payload)
		succeeded++
	}

	processed := make([]string, len(plan.ExecutionOrder))
	copy(processed, plan.ExecutionOrder)

	rep.MultiNodeResults.ProcessedNodes = processed
	rep.MultiNodeResults.SuccessCount = succeeded
	rep.MultiNodeResults.FailureCount = len(rep.Errors)
	rep.MultiNodeResults.ElapsedMs = elapsed.Milliseconds()
	rep.MultiNodeResults.ParallelGroups = len(plan.Groups)
	rep.MultiNodeResults.Message = summaryMessage(plan, succeeded)

	if len(overwritten) > 0 {
		fields := make([]string, 0, len(overwritten))
		for f := range overwritten {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		rep.MultiNodeResults.OverwrittenFields = fields
	}

	a.logger.Debug("report aggregated",
		zap.Int("processed", len(processed)),
		zap.Int("succeeded", succeeded),
		zap.Int("failed", len(rep.Errors)),
		zap.Int("fields", len(rep.Fields)))

	return rep
}

// FromLegacy reshapes a legacy single-pass result into a report with the
// same shape as a normal run.
func FromLegacy(res *inference.LegacyResult, elapsed time.Duration) *Report {
	rep := &Report{
		Fields: make(map[string]interface{}),
		Errors: []engine.ErrorRecord{},
		MultiNodeResults: Summary{
			ProcessedNodes: []string{LegacyNodeName},
			ElapsedMs:      elapsed.Milliseconds(),
			Message:        "processed by legacy single-pass analysis",
			Fallback:       true,
		},
	}
	if res == nil {
		return rep
	}
	for k, v := range res.Content {
		rep.Fields[k] = v
	}
	rep.TokenUsage = res.TokenUsage
	rep.MultiNodeResults.SuccessCount = 1
	return rep
}

// mainReportFields returns the object to merge for the main node. An array
// payload is reduced to its first element; normalized reports that.
func mainReportFields(data interface{}) (fields map[string]interface{}, normalized bool, err error) {
	switch v := data.(type) {
	case nil:
		return map[string]interface{}{}, false, nil
	case map[string]interface{}:
		return v, false, nil
	case []interface{}:
		if len(v) == 0 {
			return map[string]interface{}{}, true, nil
		}
		first, ok := v[0].(map[string]interface{})
		if !ok {
			return nil, true, fmt.Errorf("main report array element is %T, want object", v[0])
		}
		return first, true, nil
	case []map[string]interface{}:
		if len(v) == 0 {
			return map[string]interface{}{}, true, nil
		}
		return v[0], true, nil
	default:
		return nil, false, fmt.Errorf("main report payload is %T, want object", data)
	}
}

func summaryMessage(plan *engine.Plan, succeeded int) string {
	if plan.Len() == 0 {
		return MessageNothingSelected
	}
	return fmt.Sprintf("%d of %d nodes succeeded in %d groups", succeeded, plan.Len(), len(plan.Groups))
}

package node

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator checks a node payload and returns its confidence score.
// Returning an error fails the node with a validation error.
type Validator interface {
	Validate(ctx context.Context, data interface{}, state *SharedState) (float64, error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, data interface{}, state *SharedState) (float64, error)

// Validate calls f.
func (f ValidatorFunc) Validate(ctx context.Context, data interface{}, state *SharedState) (float64, error) {
	return f(ctx, data, state)
}

// CompileSchema compiles a JSON schema document for payload validation.
func CompileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	url := name + ".json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// validateAgainst checks data against schema. Data is round-tripped through
// JSON first so Go values built by hand validate like decoded ones.
func validateAgainst(schema *jsonschema.Schema, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("%w: payload is not JSON encodable: %v", ErrValidation, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// DefaultScriptTimeout bounds a single validator script evaluation.
const DefaultScriptTimeout = 2 * time.Second

// ScriptValidator evaluates a JavaScript expression with goja. The script
// sees two globals, `result` (the payload) and `flags` (the detected flags).
// A numeric value is used as the confidence, true falls back to
// DefaultConfidence, anything falsy or a thrown exception rejects the payload.
type ScriptValidator struct {
	name        string
	program     *goja.Program
	primaryFlag string
	timeout     time.Duration
}

// NewScriptValidator compiles source. A compile error is a construction
// error.
func NewScriptValidator(nodeName, source, primaryFlag string) (*ScriptValidator, error) {
	program, err := goja.Compile(nodeName+".validator.js", source, true)
	if err != nil {
		return nil, newConfigError(nodeName, "validator", err.Error())
	}
	return &ScriptValidator{
		name:        nodeName,
		program:     program,
		primaryFlag: primaryFlag,
		timeout:     DefaultScriptTimeout,
	}, nil
}

// Validate implements Validator. A fresh runtime is used per call because
// goja runtimes are not safe for concurrent use.
func (v *ScriptValidator) Validate(ctx context.Context, data interface{}, state *SharedState) (confidence float64, err error) {
	vm := goja.New()
	if err := sandbox(vm); err != nil {
		return 0, err
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: validator panic: %v", ErrValidation, r)
		}
	}()

	timeoutCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	done := make(chan struct{})
	defer close(done)
	var interruptMu sync.Mutex
	interrupted := false
	go func() {
		select {
		case <-timeoutCtx.Done():
			interruptMu.Lock()
			interrupted = true
			interruptMu.Unlock()
			vm.Interrupt("validator timeout")
		case <-done:
		}
	}()

	if err := vm.Set("result", data); err != nil {
		return 0, fmt.Errorf("set result: %w", err)
	}
	var flags map[string]bool
	if state != nil {
		flags = state.Flags
	}
	if err := vm.Set("flags", flags); err != nil {
		return 0, fmt.Errorf("set flags: %w", err)
	}

	value, err := vm.RunProgram(v.program)
	if err != nil {
		interruptMu.Lock()
		wasInterrupted := interrupted
		interruptMu.Unlock()
		if wasInterrupted {
			return 0, fmt.Errorf("%w: validator for %s timed out after %v", ErrValidation, v.name, v.timeout)
		}
		return 0, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	switch out := value.Export().(type) {
	case bool:
		if !out {
			return 0, fmt.Errorf("%w: validator for %s returned false", ErrValidation, v.name)
		}
		return DefaultConfidence(data, v.primaryFlag), nil
	case int64:
		return clamp(float64(out)), nil
	case float64:
		return clamp(out), nil
	case nil:
		return 0, fmt.Errorf("%w: validator for %s returned no value", ErrValidation, v.name)
	default:
		return 0, fmt.Errorf("%w: validator for %s returned %T", ErrValidation, v.name, out)
	}
}

// sandbox removes host-escape globals and disables eval.
func sandbox(vm *goja.Runtime) error {
	for _, name := range []string{"require", "module", "exports", "process", "global", "Buffer"} {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}
	restrictedEval := func(call goja.FunctionCall) goja.Value {
		panic(vm.NewGoError(fmt.Errorf("eval is not allowed in validators")))
	}
	return vm.Set("eval", restrictedEval)
}

var _ Validator = (*ScriptValidator)(nil)

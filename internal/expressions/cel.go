package expressions

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"sync"

	"github.com/google/cel-go/cel"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/schuttebj/ryvr-frontend-sub001/pkg/schema"
)

// celVariables are the names bound by formula stages.
var celVariables = []string{"value", "item", "index"}

var structValueType = reflect.TypeOf(&structpb.Value{})

// CELEngine implements Engine using Google's Common Expression Language.
// Selected with `lang:cel` on formula stages.
// Thread-safe: compiled programs are cached and reused across goroutines.
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a CEL engine whose environment declares value, item
// and index as dynamically typed variables.
func NewCELEngine() (*CELEngine, error) {
	opts := make([]cel.EnvOption, 0, len(celVariables))
	for _, name := range celVariables {
		opts = append(opts, cel.Variable(name, cel.DynType))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	return &CELEngine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return "cel"
}

// Evaluate compiles (or retrieves from cache) a CEL expression and evaluates it
// against data. Results are converted to plain JSON-like Go values.
func (e *CELEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	out, _, err := prg.Eval(buildActivation(data))
	if err != nil {
		// CEL has no implicit int/double conversion, so `value * 2` fails on a
		// float64 value. Retry with whole numbers bound as int64.
		if alt, _, altErr := prg.Eval(intActivation(data)); altErr == nil {
			out, err = alt, nil
		}
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	if native, err := out.ConvertToNative(structValueType); err == nil {
		if pv, ok := native.(*structpb.Value); ok {
			return pv.AsInterface(), nil
		}
	}
	return out.Value(), nil
}

// getOrCompile returns a cached compiled program or compiles and caches a new one.
func (e *CELEngine) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL program error for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

// buildActivation binds every declared variable, defaulting missing ones to null.
func buildActivation(data map[string]any) map[string]any {
	activation := make(map[string]any, len(celVariables))
	for _, key := range celVariables {
		activation[key] = data[key]
	}
	return activation
}

// intActivation is buildActivation with every whole float64 turned into an
// int64, recursively.
func intActivation(data map[string]any) map[string]any {
	activation := buildActivation(data)
	trail := make(map[identity]bool)
	for k, v := range activation {
		activation[k] = wholeNumbersAsInts(v, trail)
	}
	return activation
}

func wholeNumbersAsInts(v any, trail map[identity]bool) any {
	if f, ok := v.(float64); ok {
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f)
		}
		return f
	}

	if id, ok := identityOf(v); ok {
		if trail[id] {
			return nil
		}
		trail[id] = true
		defer delete(trail, id)
	}

	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = wholeNumbersAsInts(item, trail)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = wholeNumbersAsInts(item, trail)
		}
		return out
	}
	return v
}

var _ Engine = (*CELEngine)(nil)

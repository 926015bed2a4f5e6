package datastore

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/schuttebj/ryvr-frontend-sub001/pkg/schema"
)

// outputSchemas holds compiled per-step output schemas.
type outputSchemas struct {
	mu      sync.RWMutex
	byStep  map[string]*jsonschema.Schema
	counter int
}

func newOutputSchemas() *outputSchemas {
	return &outputSchemas{byStep: make(map[string]*jsonschema.Schema)}
}

func (o *outputSchemas) set(stepID string, schemaJSON []byte) error {
	if len(schemaJSON) == 0 {
		o.mu.Lock()
		delete(o.byStep, stepID)
		o.mu.Unlock()
		return nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(schemaJSON)))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid output schema for step %q", stepID).
			WithStep(stepID).WithCause(err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	// Each schema gets a unique URL; a fresh compiler avoids resource collisions.
	o.counter++
	url := fmt.Sprintf("ryvr://output-schema/%d", o.counter)

	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid output schema for step %q", stepID).
			WithStep(stepID).WithCause(err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "cannot compile output schema for step %q", stepID).
			WithStep(stepID).WithCause(err)
	}

	o.byStep[stepID] = compiled
	return nil
}

func (o *outputSchemas) validate(stepID string, output any) error {
	o.mu.RLock()
	compiled, ok := o.byStep[stepID]
	o.mu.RUnlock()
	if !ok {
		return nil
	}

	doc, err := toJSONValue(output)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "cannot serialize output of step %q", stepID).
			WithStep(stepID).WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toRyvrError(stepID, err)
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func toRyvrError(stepID string, err error) *schema.RyvrError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithStep(stepID)
	}

	violations := collectViolations(verr)
	msg := fmt.Sprintf("output does not match schema (%d violations)", len(violations))
	if len(violations) == 1 {
		msg = violations[0]
	}
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithStep(stepID).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}

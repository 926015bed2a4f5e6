// Package datastore records step outputs for a workflow run and hands out
// immutable snapshots that the templating engine reads without locking.
package datastore

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/schuttebj/ryvr-frontend-sub001/pkg/schema"
)

// Store holds the recorded output of every completed step in one workflow run.
// It enforces:
//   - Step outputs are immutable after completion (frozen on insert).
//   - Append-only: a step ID can be recorded once.
//   - Optional per-step JSON Schema validation of the recorded output.
//
// Writers call Record/RecordJSON; readers take a Snapshot. The mutex orders
// every write before any snapshot taken after it.
type Store struct {
	mu      sync.RWMutex
	runID   string
	steps   map[string]any
	schemas *outputSchemas
}

// New creates an empty Store with a random run ID.
func New() *Store {
	return NewWithRunID(uuid.NewString())
}

// NewWithRunID creates an empty Store for the given run ID.
func NewWithRunID(runID string) *Store {
	return &Store{
		runID:   runID,
		steps:   make(map[string]any),
		schemas: newOutputSchemas(),
	}
}

// RunID returns the identifier of the run this store belongs to.
func (s *Store) RunID() string {
	return s.runID
}

// Record registers a completed step's output. The value is deep-copied and
// numeric kinds are normalised to float64. Recording the same step twice is
// rejected.
func (s *Store) Record(stepID string, output any) error {
	if stepID == "" {
		return schema.NewError(schema.ErrCodeValidation, "step id must not be empty")
	}

	frozen := freeze(output)
	if err := s.schemas.validate(stepID, frozen); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.steps[stepID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"output for step %q already recorded; step outputs are immutable after completion", stepID).
			WithStep(stepID)
	}

	s.steps[stepID] = frozen
	return nil
}

// RecordJSON registers a step output supplied as raw JSON. An empty payload
// records a null output.
func (s *Store) RecordJSON(stepID string, raw []byte) error {
	if len(raw) == 0 {
		return s.Record(stepID, nil)
	}
	if !gjson.ValidBytes(raw) {
		return schema.NewErrorf(schema.ErrCodeValidation, "output for step %q is not valid JSON", stepID).
			WithStep(stepID)
	}
	return s.Record(stepID, gjson.ParseBytes(raw).Value())
}

// SetOutputSchema attaches a JSON Schema that every later Record for the step
// must satisfy.
func (s *Store) SetOutputSchema(stepID string, schemaJSON []byte) error {
	return s.schemas.set(stepID, schemaJSON)
}

// Has reports whether output for the step has been recorded.
func (s *Store) Has(stepID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.steps[stepID]
	return ok
}

// Steps returns the recorded step IDs in sorted order.
func (s *Store) Steps() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.steps)
}

// Snapshot returns an immutable view of the outputs recorded so far.
// Recorded values are never mutated, so the snapshot shares them.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	steps := make(map[string]any, len(s.steps))
	for k, v := range s.steps {
		steps[k] = v
	}
	return Snapshot{runID: s.runID, steps: steps}
}

// Snapshot is a read-only view of step outputs. Safe for concurrent readers.
type Snapshot struct {
	runID string
	steps map[string]any
}

// FromMap builds a Snapshot from plain data, deep-copying it.
func FromMap(runID string, steps map[string]any) Snapshot {
	cp := make(map[string]any, len(steps))
	for k, v := range steps {
		cp[k] = freeze(v)
	}
	return Snapshot{runID: runID, steps: cp}
}

// Lookup returns the recorded output for a step.
func (s Snapshot) Lookup(stepID string) (any, bool) {
	v, ok := s.steps[stepID]
	return v, ok
}

// RunID returns the run the snapshot was taken from.
func (s Snapshot) RunID() string {
	return s.runID
}

// Steps returns the step IDs present in the snapshot, sorted.
func (s Snapshot) Steps() []string {
	return sortedKeys(s.steps)
}

// Len returns the number of recorded steps.
func (s Snapshot) Len() int {
	return len(s.steps)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// --- Deep copy ---

// freeze deep-copies v into the JSON-like shapes the engine understands.
// Self-references are cut to nil so a recorded value is always a tree.
func freeze(v any) any {
	return freezeValue(v, make(map[uintptr]bool))
}

func freezeValue(v any, visiting map[uintptr]bool) any {
	switch val := v.(type) {
	case map[string]any:
		if val == nil {
			return nil
		}
		id := reflect.ValueOf(val).Pointer()
		if visiting[id] {
			return nil
		}
		visiting[id] = true
		defer delete(visiting, id)

		cp := make(map[string]any, len(val))
		for k, item := range val {
			cp[k] = freezeValue(item, visiting)
		}
		return cp
	case []any:
		if val == nil {
			return nil
		}
		var id uintptr
		if len(val) > 0 {
			id = reflect.ValueOf(val).Pointer()
			if visiting[id] {
				return nil
			}
			visiting[id] = true
			defer delete(visiting, id)
		}

		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = freezeValue(item, visiting)
		}
		return cp
	case []string:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = item
		}
		return cp
	case map[string]string:
		cp := make(map[string]any, len(val))
		for k, item := range val {
			cp[k] = item
		}
		return cp
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case uint:
		return float64(val)
	case uint32:
		return float64(val)
	case uint64:
		return float64(val)
	case float32:
		return float64(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	default:
		return freezeReflect(v, visiting)
	}
}

// freezeReflect copies typed containers such as []map[string]any or
// map[string]int into the generic shapes, and unwraps named scalar kinds.
func freezeReflect(v any, visiting map[uintptr]bool) any {
	if v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool()
	case reflect.String:
		return rv.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return float64(rv.Uint())
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		id := rv.Pointer()
		if visiting[id] {
			return nil
		}
		visiting[id] = true
		defer delete(visiting, id)

		cp := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			cp[mapKey(iter.Key())] = freezeValue(iter.Value().Interface(), visiting)
		}
		return cp
	case reflect.Slice:
		if rv.IsNil() {
			return nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return append([]byte(nil), rv.Bytes()...)
		}
		if rv.Len() > 0 {
			id := rv.Pointer()
			if visiting[id] {
				return nil
			}
			visiting[id] = true
			defer delete(visiting, id)
		}
		return freezeElems(rv, visiting)
	case reflect.Array:
		return freezeElems(rv, visiting)
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return freezeValue(rv.Elem().Interface(), visiting)
	case reflect.Struct:
		return v
	default:
		// Functions, channels and other kinds have no JSON shape.
		return nil
	}
}

// mapKey renders a map key the way encoding/json does for non-string keys.
func mapKey(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	return fmt.Sprint(k.Interface())
}

func freezeElems(rv reflect.Value, visiting map[uintptr]bool) any {
	cp := make([]any, rv.Len())
	for i := range cp {
		cp[i] = freezeValue(rv.Index(i).Interface(), visiting)
	}
	return cp
}

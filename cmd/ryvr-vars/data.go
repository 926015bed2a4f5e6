package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"github.com/schuttebj/ryvr-frontend-sub001/internal/datastore"
)

// loadStore reads a fixture file whose top-level keys are step IDs and records
// each value as that step's output. YAML files (.yaml, .yml) go through
// yaml.v3; anything else is read as JSON. schemas maps step IDs to JSON Schema
// files that are attached before recording.
func loadStore(path string, schemas map[string]string) (*datastore.Store, error) {
	store := datastore.New()

	stepIDs := make([]string, 0, len(schemas))
	for id := range schemas {
		stepIDs = append(stepIDs, id)
	}
	sort.Strings(stepIDs)
	for _, id := range stepIDs {
		raw, err := os.ReadFile(schemas[id])
		if err != nil {
			return nil, fmt.Errorf("read schema for %q: %w", id, err)
		}
		if err := store.SetOutputSchema(id, raw); err != nil {
			return nil, err
		}
	}

	if path == "" {
		return store, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read data file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = recordYAML(store, raw)
	default:
		err = recordJSON(store, raw)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return store, nil
}

func recordYAML(store *datastore.Store, raw []byte) error {
	var steps map[string]any
	if err := yaml.Unmarshal(raw, &steps); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	ids := make([]string, 0, len(steps))
	for id := range steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := store.Record(id, steps[id]); err != nil {
			return err
		}
	}
	return nil
}

func recordJSON(store *datastore.Store, raw []byte) error {
	if !gjson.ValidBytes(raw) {
		return fmt.Errorf("invalid JSON")
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return fmt.Errorf("top level must be an object of step outputs")
	}

	var err error
	doc.ForEach(func(key, value gjson.Result) bool {
		err = store.RecordJSON(key.String(), []byte(value.Raw))
		return err == nil
	})
	return err
}

// parseSchemaFlags turns step=file pairs into a map.
func parseSchemaFlags(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		id, file, ok := strings.Cut(p, "=")
		id, file = strings.TrimSpace(id), strings.TrimSpace(file)
		if !ok || id == "" || file == "" {
			return nil, fmt.Errorf("invalid --schema %q, expected step=file.json", p)
		}
		out[id] = file
	}
	return out, nil
}

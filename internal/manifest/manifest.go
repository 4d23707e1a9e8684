// Package manifest loads and validates connector manifest files.
//
// Manifests are JSON documents declaring a connector's capabilities, native
// message schemas, and formatting rules. Each file is validated against an
// embedded JSON Schema before the structural checks in models run, so a
// malformed manifest is rejected with a precise schema error instead of a
// zero-valued struct.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/msgrelay/relayhub/internal/models"
)

//go:embed manifest_schema.json
var manifestSchemaJSON string

const schemaResource = "manifest_schema.json"

// Loader validates and decodes connector manifests.
type Loader struct {
	schema *jsonschema.Schema
}

// NewLoader compiles the embedded manifest schema.
func NewLoader() (*Loader, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(manifestSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to decode embedded manifest schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaResource, doc); err != nil {
		return nil, fmt.Errorf("failed to add manifest schema resource: %w", err)
	}
	schema, err := compiler.Compile(schemaResource)
	if err != nil {
		return nil, fmt.Errorf("failed to compile manifest schema: %w", err)
	}
	return &Loader{schema: schema}, nil
}

// Load parses and validates one manifest document.
func (l *Loader) Load(data []byte) (models.ConnectorManifest, error) {
	var m models.ConnectorManifest

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return m, fmt.Errorf("manifest is not valid JSON: %w", err)
	}
	if err := l.schema.Validate(inst); err != nil {
		return m, fmt.Errorf("manifest failed schema validation: %w", err)
	}

	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("failed to decode manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return m, fmt.Errorf("manifest %q invalid: %w", m.Name, err)
	}
	return m, nil
}

// LoadFile parses and validates one manifest file.
func (l *Loader) LoadFile(path string) (models.ConnectorManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.ConnectorManifest{}, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	return l.Load(data)
}

// LoadDir loads every *.json manifest in dir, keyed by connector name.
// A file that fails validation is skipped with an error log; one bad
// manifest does not block the others.
func (l *Loader) LoadDir(dir string) (map[string]models.ConnectorManifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest directory %s: %w", dir, err)
	}

	manifests := make(map[string]models.ConnectorManifest)
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		m, err := l.LoadFile(path)
		if err != nil {
			slog.Error("Loader.LoadDir: skipping invalid manifest", "path", path, "error", err)
			continue
		}
		if _, exists := manifests[m.Name]; exists {
			slog.Warn("Loader.LoadDir: duplicate manifest name, keeping first", "name", m.Name, "path", path)
			continue
		}
		manifests[m.Name] = m
		slog.Debug("Loader.LoadDir: loaded manifest", "name", m.Name, "inbound", m.Inbound, "outbound", m.Outbound)
	}
	return manifests, nil
}

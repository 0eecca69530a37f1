package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Manifest describes a service to spawn: its registry name, a semver
// version, and the inbox queue capacity.
type Manifest struct {
	Name          string `json:"name"`
	Version       string `json:"version"`
	QueueCapacity int    `json:"queue_capacity,omitempty"`
}

const manifestSchemaURL = "https://zos.schemas.local/service/manifest.schema.json"

const manifestSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "version"],
  "properties": {
    "name": {"type": "string", "minLength": 1, "maxLength": 64},
    "version": {"type": "string", "minLength": 1},
    "queue_capacity": {"type": "integer", "minimum": 1, "maximum": 4096}
  },
  "additionalProperties": false
}`

var compiledManifestSchema = mustCompileManifestSchema()

func mustCompileManifestSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(manifestSchemaURL, strings.NewReader(manifestSchema)); err != nil {
		panic(fmt.Sprintf("registry: load manifest schema: %v", err))
	}
	schema, err := c.Compile(manifestSchemaURL)
	if err != nil {
		panic(fmt.Sprintf("registry: compile manifest schema: %v", err))
	}
	return schema
}

// ParseManifest validates raw against the manifest schema, checks the
// version field parses as semver, and decodes the document.
func ParseManifest(raw []byte) (*Manifest, *semver.Version, error) {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, nil, fmt.Errorf("registry: manifest is not JSON: %w", err)
	}
	if err := compiledManifestSchema.Validate(doc); err != nil {
		return nil, nil, fmt.Errorf("registry: manifest schema validation failed: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, nil, fmt.Errorf("registry: decode manifest: %w", err)
	}
	v, err := semver.NewVersion(m.Version)
	if err != nil {
		return nil, nil, fmt.Errorf("registry: manifest version %q: %w", m.Version, err)
	}
	return &m, v, nil
}

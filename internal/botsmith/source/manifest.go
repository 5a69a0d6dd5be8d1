// Package source provides access to tenant workload source payloads. The
// control plane treats source storage as an external collaborator; the Dir
// implementation here serves local trees and tests.
package source

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed bot_manifest.schema.json
var manifestSchemaJSON string

var manifestSchema = jsonschema.MustCompileString("bot_manifest.schema.json", manifestSchemaJSON)

// Manifest is the per-bot bot.yaml document describing how the workload runs.
type Manifest struct {
	// Entrypoint is the file the runtime image executes. Defaults to "main.py".
	Entrypoint string `yaml:"entrypoint"`
	// Image is the container image the workload runs in.
	Image string `yaml:"image"`
	// Env holds extra environment variables for the workload.
	Env map[string]string `yaml:"env"`
	// Description is free-form operator documentation.
	Description string `yaml:"description"`
}

// ParseManifest decodes and validates a bot.yaml document.
func ParseManifest(data []byte) (*Manifest, error) {
	// Validate the generic document against the schema first so tenants get
	// schema-level errors instead of Go type errors.
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("manifest parse: %w", err)
	}
	jsonDoc, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("manifest to json: %w", err)
	}
	var doc any
	if err := json.Unmarshal(jsonDoc, &doc); err != nil {
		return nil, fmt.Errorf("manifest from json: %w", err)
	}
	if err := manifestSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("manifest invalid: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest decode: %w", err)
	}
	if m.Entrypoint == "" {
		m.Entrypoint = "main.py"
	}
	return &m, nil
}

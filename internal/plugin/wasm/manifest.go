package wasm

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/basket/lagbot/internal/plugin"
)

// ManifestFile is the manifest name inside each plugin directory.
const ManifestFile = "plugin.yaml"

//go:embed manifest.schema.json
var manifestSchemaJSON string

var manifestSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(manifestSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("parse manifest schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("manifest.json", doc); err != nil {
		panic(fmt.Sprintf("add manifest schema: %v", err))
	}
	s, err := c.Compile("manifest.json")
	if err != nil {
		panic(fmt.Sprintf("compile manifest schema: %v", err))
	}
	return s
}

// Manifest describes one wasm plugin.
type Manifest struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description"`
	Commands    []string `yaml:"commands" json:"commands"`
	Triggers    []string `yaml:"triggers" json:"triggers"`
	Handler     bool     `yaml:"handler" json:"handler"`
	Module      string   `yaml:"module" json:"module"`
}

// Capabilities derives the declared capability set. A manifest declaring
// nothing is a handler.
func (m *Manifest) Capabilities() plugin.Capability {
	var caps plugin.Capability
	if len(m.Commands) > 0 {
		caps |= plugin.CapCommands
	}
	if len(m.Triggers) > 0 {
		caps |= plugin.CapTriggers
	}
	if m.Handler {
		caps |= plugin.CapHandler
	}
	return caps
}

// ParseManifest decodes and validates a plugin.yaml document.
func ParseManifest(data []byte) (*Manifest, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("parse manifest: empty document")
	}
	// Round-trip through JSON so the validator sees JSON types.
	js, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(js)))
	if err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := manifestSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(js, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if m.Module == "" {
		m.Module = m.Name + ".wasm"
	}
	return &m, nil
}

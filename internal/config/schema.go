package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema/config-v1.json
var configSchemaJSON string

func compileSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("config-v1.json", strings.NewReader(configSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile("config-v1.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return schema, nil
}

// ValidateFile checks the config file as written, before defaults and
// environment overrides are applied.
func ValidateFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	return ValidateYAML(data)
}

func ValidateYAML(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid YAML: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}

	// yaml -> JSON-Datenmodell, damit der Validator die Typen kennt
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("config is not representable as JSON: %w", err)
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return err
	}

	schema, err := compileSchema()
	if err != nil {
		return err
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

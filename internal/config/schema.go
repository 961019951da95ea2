package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var embeddedSchema []byte

const schemaResourceURL = "https://visorhq.dev/schema/config.json"

var compiledSchema *jsonschema.Schema

func compileSchema() (*jsonschema.Schema, error) {
	if compiledSchema != nil {
		return compiledSchema, nil
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaResourceURL, bytes.NewReader(embeddedSchema)); err != nil {
		return nil, fmt.Errorf("compile embedded schema: %w", err)
	}
	s, err := c.Compile(schemaResourceURL)
	if err != nil {
		return nil, fmt.Errorf("compile embedded schema: %w", err)
	}
	compiledSchema = s
	return s, nil
}

// validateSchema validates doc against the embedded JSON-Schema. yaml.v3
// decodes maps as map[string]any with Go-native scalar types (int, not
// float64), so doc is round-tripped through encoding/json first: the
// jsonschema package expects the JSON type model (numbers as float64).
func validateSchema(doc map[string]any) ([]Warning, error) {
	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}

	jsonCompatible, err := toJSONCompatible(doc)
	if err != nil {
		return nil, &ConfigError{Message: fmt.Sprintf("normalize for validation: %v", err)}
	}

	if err := schema.Validate(jsonCompatible); err != nil {
		return nil, &ConfigError{Message: err.Error()}
	}
	return nil, nil
}

func toJSONCompatible(v map[string]any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// parseYAMLDoc is a small helper kept alongside the schema machinery so
// tests can build a doc without going through the full Load/extends path.
func parseYAMLDoc(data []byte) (map[string]any, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

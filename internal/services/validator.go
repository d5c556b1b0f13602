// Package services holds request validation shared by the HTTP surface and
// the generation pipeline.
package services

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const modelConfigSchema = "model_config"

// ErrValidation can be used with errors.Is to detect validation failures.
var ErrValidation = errors.New("validation failed")

// Validator checks generation inputs per media kind and project model
// configurations against the embedded JSON schemas.
type Validator struct {
	inputSchemas map[string]*jsonschema.Schema
	modelConfig  *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	entries, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		return nil, fmt.Errorf("read schemas: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	compiler.AssertFormat = true

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		data, err := schemaFS.ReadFile("schemas/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", e.Name(), err)
		}
		if err := compiler.AddResource(schemaURL(name), bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema %q: %w", name, err)
		}
		names = append(names, name)
	}

	v := &Validator{inputSchemas: make(map[string]*jsonschema.Schema)}
	for _, name := range names {
		schema, err := compiler.Compile(schemaURL(name))
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", name, err)
		}
		if name == modelConfigSchema {
			v.modelConfig = schema
			continue
		}
		v.inputSchemas[name] = schema
	}
	if v.modelConfig == nil {
		return nil, errors.New("model_config schema missing")
	}
	return v, nil
}

func schemaURL(name string) string {
	return "https://filmgen.dev/schemas/" + name + ".json"
}

// Kinds lists the media kinds with an input schema.
func (v *Validator) Kinds() []string {
	out := make([]string, 0, len(v.inputSchemas))
	for k := range v.inputSchemas {
		out = append(out, k)
	}
	return out
}

// ValidateInput rejects a generation input that does not match the kind's
// schema.
func (v *Validator) ValidateInput(kind string, input json.RawMessage) error {
	schema, ok := v.inputSchemas[kind]
	if !ok {
		return fmt.Errorf("%w: unknown kind %q", ErrValidation, kind)
	}
	return validate(schema, input)
}

// ValidateModelConfig checks a project's per-kind provider selection. An
// empty config is valid and means "use the defaults".
func (v *Validator) ValidateModelConfig(cfg json.RawMessage) error {
	if len(bytes.TrimSpace(cfg)) == 0 {
		return nil
	}
	return validate(v.modelConfig, cfg)
}

func validate(schema *jsonschema.Schema, raw json.RawMessage) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", ErrValidation, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

package service

import (
	"encoding/json"
	"fmt"
	"gear-queue/internal/models"
	"sort"

	"github.com/getkin/kin-openapi/openapi3"
)

// manifest keys that are not JSON schema keywords
var manifestOnlyKeys = []string{"optional"}

func schemaFromDocument(doc map[string]any) (*openapi3.Schema, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	schema := openapi3.NewSchema()
	if err := json.Unmarshal(raw, schema); err != nil {
		return nil, err
	}
	return schema, nil
}

// configSchema builds an object schema from the gear's config options.
// Options without a default and not marked optional are required.
func configSchema(gear *models.Gear) (*openapi3.Schema, error) {
	props := make(map[string]any, len(gear.Config))
	var required []string
	for name, opt := range gear.Config {
		prop := make(map[string]any, len(opt))
		for k, v := range opt {
			prop[k] = v
		}
		for _, k := range manifestOnlyKeys {
			delete(prop, k)
		}
		props[name] = prop

		_, hasDefault := opt["default"]
		optional, _ := opt["optional"].(bool)
		if !hasDefault && !optional {
			required = append(required, name)
		}
	}
	sort.Strings(required)

	doc := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return schemaFromDocument(doc)
}

// ConfigDefaults returns the default value of every config option that has one
func ConfigDefaults(gear *models.Gear) map[string]any {
	defaults := make(map[string]any)
	for name, opt := range gear.Config {
		if v, ok := opt["default"]; ok {
			defaults[name] = v
		}
	}
	return defaults
}

// ValidateConfig fills defaults into config and checks it against the gear's
// declared config schema. The input map is not modified.
func ValidateConfig(gear *models.Gear, config map[string]any) (map[string]any, error) {
	filled := ConfigDefaults(gear)
	for k, v := range config {
		filled[k] = v
	}

	// Round-trip through JSON so Go literals validate like decoded payloads.
	raw, err := json.Marshal(filled)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	schema, err := configSchema(gear)
	if err != nil {
		return nil, fmt.Errorf("%w: gear %s config schema: %v", ErrInvalidGear, gear.Name, err)
	}
	if err := schema.VisitJSON(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return doc, nil
}

// inputMatcher tests candidate files against one gear input's schema
type inputMatcher struct {
	name   string
	input  models.GearInput
	schema *openapi3.Schema
}

func newInputMatcher(name string, input models.GearInput) (*inputMatcher, error) {
	m := &inputMatcher{name: name, input: input}
	if len(input.Schema) == 0 {
		return m, nil
	}
	schema, err := schemaFromDocument(input.Schema)
	if err != nil {
		return nil, fmt.Errorf("%w: input %s schema: %v", ErrInvalidGear, name, err)
	}
	m.schema = schema
	return m, nil
}

func (m *inputMatcher) matches(file models.File) bool {
	if m.schema == nil {
		return true
	}
	doc, err := file.Document()
	if err != nil {
		return false
	}
	return m.schema.VisitJSON(doc) == nil
}

// fileInputMatchers returns matchers for the gear's file inputs, sorted by name
func fileInputMatchers(gear *models.Gear) ([]*inputMatcher, error) {
	names := gear.FileInputNames()
	matchers := make([]*inputMatcher, 0, len(names))
	for _, name := range names {
		m, err := newInputMatcher(name, gear.Inputs[name])
		if err != nil {
			return nil, err
		}
		matchers = append(matchers, m)
	}
	return matchers, nil
}

// ValidateGear rejects manifests whose schemas cannot be built
func ValidateGear(gear *models.Gear) error {
	if gear.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidGear)
	}
	if gear.Image == "" {
		return fmt.Errorf("%w: image is required", ErrInvalidGear)
	}
	for name, in := range gear.Inputs {
		if in.Base != models.InputBaseFile && in.Base != models.InputBaseContext {
			return fmt.Errorf("%w: input %s has unknown base %q", ErrInvalidGear, name, in.Base)
		}
	}
	if _, err := fileInputMatchers(gear); err != nil {
		return err
	}
	if _, err := configSchema(gear); err != nil {
		return fmt.Errorf("%w: config schema: %v", ErrInvalidGear, err)
	}
	return nil
}

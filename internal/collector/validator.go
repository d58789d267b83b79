package collector

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"aegisflux/agents/mitigation-agent/internal/types"
)

//go:embed schemas/observation.json
var observationSchema []byte

// Validator checks inbound observation JSON against the observation schema
type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the embedded schema
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("observation.json", bytes.NewReader(observationSchema)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	schema, err := compiler.Compile("observation.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Decode validates data and unmarshals it into an Observation
func (v *Validator) Decode(data []byte) (types.Observation, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return types.Observation{}, fmt.Errorf("invalid observation json: %w", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return types.Observation{}, fmt.Errorf("validation failed: %w", err)
	}

	var obs types.Observation
	if err := json.Unmarshal(data, &obs); err != nil {
		return types.Observation{}, fmt.Errorf("failed to decode observation: %w", err)
	}
	if obs.Timestamp.IsZero() {
		obs.Timestamp = time.Now()
	}
	return obs, nil
}

package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// profileSchema constrains the shape of the managed profile. Range
// enforcement happens in Load by clamping; the schema only rejects
// structurally malformed documents (wrong types, unknown shapes).
const profileSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "capture_interval_sec": {"type": "integer"},
    "batch_size": {"type": "integer"},
    "batch_interval_sec": {"type": "integer"},
    "idle_timeout_sec": {"type": "integer"},
    "allow_list": {"type": "array", "items": {"type": "string"}},
    "block_list": {"type": "array", "items": {"type": "string"}},
    "endpoint": {"type": "string"}
  },
  "additionalProperties": false
}`

var compiledProfileSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("profile.schema.json", strings.NewReader(profileSchema)); err != nil {
		panic(fmt.Sprintf("config: add profile schema: %v", err))
	}
	schema, err := compiler.Compile("profile.schema.json")
	if err != nil {
		panic(fmt.Sprintf("config: compile profile schema: %v", err))
	}
	return schema
}

// ParseProfile validates and decodes a managed profile document.
func ParseProfile(data []byte) (*Profile, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse profile: %w", err)
	}
	if err := compiledProfileSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("config: invalid profile: %w", err)
	}

	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("config: decode profile: %w", err)
	}
	return &p, nil
}

// LoadProfileFile reads, validates, and clamps a managed profile from disk.
// A missing file yields the default snapshot: the agent runs with safe
// defaults until management delivers a profile.
func LoadProfileFile(path string, log *slog.Logger) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Load(nil, log), nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read profile: %w", err)
	}

	p, err := ParseProfile(data)
	if err != nil {
		return nil, err
	}
	return Load(p, log), nil
}

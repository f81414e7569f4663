package config

import (
	"encoding/json"
	"fmt"
	"path"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/invopop/jsonschema"
	validator "github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	schemaOnce     sync.Once
	schemaJSON     []byte
	schemaCompiled *validator.Schema
	schemaErr      error
)

var durationType = reflect.TypeOf(time.Duration(0))

// schemaTypeName qualifies types from other packages so storage.Config and
// Config get distinct $defs entries.
func schemaTypeName(t reflect.Type) string {
	if t.PkgPath() == "" || t.PkgPath() == reflect.TypeOf(Config{}).PkgPath() {
		return t.Name()
	}
	pkg := path.Base(t.PkgPath())
	return strings.ToUpper(pkg[:1]) + pkg[1:] + t.Name()
}

// JSONSchema returns the JSON Schema for the Config struct.
func JSONSchema() ([]byte, error) {
	initSchema()
	return schemaJSON, schemaErr
}

func initSchema() {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			FieldNameTag:               "yaml",
			Anonymous:                  true,
			RequiredFromJSONSchemaTags: true,
			Namer:                      schemaTypeName,
			Mapper: func(t reflect.Type) *jsonschema.Schema {
				if t == durationType {
					return Duration(0).JSONSchema()
				}
				return nil
			},
		}
		schema := r.Reflect(&Config{})
		schemaJSON, schemaErr = json.MarshalIndent(schema, "", "  ")
		if schemaErr != nil {
			return
		}
		schemaCompiled, schemaErr = validator.CompileString("config.schema.json", string(schemaJSON))
	})
}

// ValidateRaw checks a raw document against the config schema.
func ValidateRaw(raw map[string]any) error {
	initSchema()
	if schemaErr != nil {
		return fmt.Errorf("config schema: %w", schemaErr)
	}
	// Round-trip so YAML and TOML scalars reach the validator as JSON types.
	payload, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return err
	}
	if err := schemaCompiled.Validate(doc); err != nil {
		return fmt.Errorf("config does not match schema: %w", err)
	}
	return nil
}

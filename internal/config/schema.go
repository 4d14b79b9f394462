package config

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
)

// JSONSchema describes the config file for editors, keyed by the YAML field
// names. Only version is required; every other key falls back to Default().
var JSONSchema = sync.OnceValues(func() ([]byte, error) {
	r := &jsonschema.Reflector{
		FieldNameTag:               "yaml",
		DoNotReference:             true,
		Anonymous:                  true,
		RequiredFromJSONSchemaTags: true,
	}
	schema := r.Reflect(&Config{})
	schema.Title = "steward configuration"
	schema.Description = "Configuration for the steward agent loop. Values may reference ${ENV} variables and pull in other files with $include."
	schema.Required = []string{"version"}
	if version, ok := schema.Properties.Get("version"); ok && version != nil {
		version.Const = CurrentVersion
	}
	// $include is consumed by the loader before decoding.
	schema.Properties.Set(includeKey, &jsonschema.Schema{
		Description: "Files merged underneath this one, relative to it. Globs are allowed.",
		OneOf: []*jsonschema.Schema{
			{Type: "string"},
			{Type: "array", Items: &jsonschema.Schema{Type: "string"}},
		},
	})
	return json.MarshalIndent(schema, "", "  ")
})

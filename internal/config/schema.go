package config

import (
	"encoding/json"
	"reflect"

	"github.com/invopop/jsonschema"

	"shardfleet/internal/shardalloc"
)

var countType = reflect.TypeOf(shardalloc.Count{})

// Schema describes the fleet file.
func Schema() *jsonschema.Schema {
	reflector := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
		ExpandedStruct:            true,
		Mapper: func(t reflect.Type) *jsonschema.Schema {
			if t == countType {
				return countSchema()
			}
			return nil
		},
	}
	schema := reflector.Reflect(&File{})
	if schema.Version == "" {
		schema.Version = jsonschema.Version
	}
	schema.Title = "shardfleet fleet file"
	return schema
}

// SchemaJSON renders Schema as indented JSON.
func SchemaJSON() ([]byte, error) {
	return json.MarshalIndent(Schema(), "", "  ")
}

func (Duration) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		OneOf: []*jsonschema.Schema{
			{Type: "string", Pattern: `^-?([0-9]+(\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$`},
			{Type: "integer", Description: "milliseconds"},
		},
	}
}

func countSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		OneOf: []*jsonschema.Schema{
			{Type: "integer", Minimum: json.Number("1")},
			{Type: "string", Enum: []any{"auto"}},
		},
	}
}

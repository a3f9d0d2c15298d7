package store

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/invopop/jsonschema"
)

// Schema returns the JSON Schema of the state type S. The schema is closed:
// additional properties are not allowed, matching what Set accepts.
func Schema[S any]() ([]byte, error) {
	t := reflect.TypeOf((*S)(nil)).Elem()
	if _, err := buildSchema(t); err != nil {
		return nil, err
	}

	reflector := jsonschema.Reflector{
		ExpandedStruct:            true,
		DoNotReference:            true, // Avoid $ref so the schema reads as a single document
		AllowAdditionalProperties: false,
	}

	data, err := json.Marshal(reflector.ReflectFromType(t))
	if err != nil {
		return nil, fmt.Errorf("failed to encode schema: %w", err)
	}
	return data, nil
}

// Schema returns the JSON Schema of the store's state type.
func (s *Store[S]) Schema() ([]byte, error) {
	return Schema[S]()
}

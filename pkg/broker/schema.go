package broker

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
)

// generateSchema reflects a Go type into a JSON schema map, the same
// reflection-based approach used elsewhere in this codebase for
// function-tool argument schemas.
func generateSchema[T any]() (map[string]any, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}

	schema := reflector.Reflect(new(T))

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("broker: marshal schema: %w", err)
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("broker: unmarshal schema: %w", err)
	}
	delete(result, "$schema")
	delete(result, "$id")
	return result, nil
}

var (
	argSchemaOnce sync.Once
	argSchema     map[string]any
	argSchemaErr  error
)

// argumentSchema returns the tools/call argument schema. It is the
// same shape for every adapter since the broker always builds a scan
// request from the same argument struct, so it is computed once.
func argumentSchema() (map[string]any, error) {
	argSchemaOnce.Do(func() {
		argSchema, argSchemaErr = generateSchema[callArguments]()
	})
	return argSchema, argSchemaErr
}

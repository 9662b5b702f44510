package capability

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// GenerateSchema reflects a Go argument struct into a JSON schema map,
// the same struct-tag-driven approach used elsewhere in this codebase
// for describing callable parameters to external callers.
//
// Supported tags: `json:"name"`, `json:",omitempty"`,
// `jsonschema:"required"`, `jsonschema:"description=..."`,
// `jsonschema:"enum=a,enum=b,enum=c"`.
func GenerateSchema[T any]() (map[string]any, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}

	schema := reflector.Reflect(new(T))

	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("capability: marshal schema: %w", err)
	}

	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("capability: unmarshal schema: %w", err)
	}

	if out["type"] == "object" {
		result := map[string]any{
			"type":       "object",
			"properties": out["properties"],
		}
		if required, ok := out["required"]; ok {
			result["required"] = required
		}
		return result, nil
	}

	return out, nil
}

package wire

import (
	"sort"

	"github.com/vani-protocol/vani-gateway/pkg/core/types"
)

// ToolParameters renders a tool's input schema as a JSON Schema object.
func ToolParameters(t types.ToolSchema) map[string]any {
	props := make(map[string]any, len(t.Properties))
	for name, p := range t.Properties {
		prop := map[string]any{"type": jsonType(p.Type)}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Pattern != "" {
			prop["pattern"] = p.Pattern
		}
		props[name] = prop
	}
	schema := map[string]any{"type": "object", "properties": props}
	if len(t.Required) > 0 {
		req := append([]string(nil), t.Required...)
		sort.Strings(req)
		schema["required"] = req
	}
	return schema
}

func jsonType(t string) string {
	switch t {
	case "string", "number", "integer", "boolean", "array", "object":
		return t
	default:
		return "string"
	}
}

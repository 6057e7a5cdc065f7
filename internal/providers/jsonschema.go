package providers

import "github.com/peakyragnar/heretix/internal/schema"

// JSONSchemaFor renders a Spec as a JSON-Schema object for providers that
// accept structured-output schemas. Required fields become required members;
// the object is closed with additionalProperties=false to mirror strict
// validation.
func JSONSchemaFor(spec schema.Spec) map[string]any {
	return objectSchema(spec.Fields)
}

func objectSchema(fields []schema.Field) map[string]any {
	props := make(map[string]any, len(fields))
	var required []string
	for _, f := range fields {
		props[f.Name] = fieldSchema(f)
		if f.Required {
			required = append(required, f.Name)
		}
	}
	out := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

func fieldSchema(f schema.Field) map[string]any {
	switch f.Kind {
	case schema.KindNumber:
		s := map[string]any{"type": "number"}
		if f.Min != nil {
			s["minimum"] = *f.Min
		}
		if f.Max != nil {
			s["maximum"] = *f.Max
		}
		return s
	case schema.KindString:
		s := map[string]any{"type": "string"}
		if len(f.Enum) > 0 {
			s["enum"] = f.Enum
		}
		return s
	case schema.KindBool:
		return map[string]any{"type": "boolean"}
	case schema.KindStringList:
		return map[string]any{
			"type":  "array",
			"items": map[string]any{"type": "string"},
		}
	case schema.KindObject:
		return objectSchema(f.Nested)
	}
	return map[string]any{}
}

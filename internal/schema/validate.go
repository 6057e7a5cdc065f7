package schema

import (
	"fmt"
	"strconv"
)

// Validate checks obj against the spec. In strict mode unknown fields and
// type mismatches fail; in lenient mode unknown fields are dropped and
// string-encoded numbers are coerced in place. The caller decides whether a
// lenient pass warrants a WarnCoerced warning.
func (s Spec) Validate(obj map[string]any, lenient bool) error {
	return validateFields(s.Name, s.Fields, obj, lenient)
}

func validateFields(schemaName string, fields []Field, obj map[string]any, lenient bool) error {
	known := make(map[string]Field, len(fields))
	for _, f := range fields {
		known[f.Name] = f
	}

	for name := range obj {
		if _, ok := known[name]; !ok {
			if !lenient {
				return &SchemaError{Schema: schemaName, Detail: "unknown field " + name}
			}
			delete(obj, name)
		}
	}

	for _, f := range fields {
		raw, present := obj[f.Name]
		if !present || raw == nil {
			if f.Required {
				return &SchemaError{Schema: schemaName, Detail: "missing field " + f.Name}
			}
			continue
		}
		coerced, err := checkValue(schemaName, f, raw, lenient)
		if err != nil {
			return err
		}
		obj[f.Name] = coerced
	}
	return nil
}

func checkValue(schemaName string, f Field, raw any, lenient bool) (any, error) {
	switch f.Kind {
	case KindNumber:
		n, ok := raw.(float64)
		if !ok {
			s, isStr := raw.(string)
			if !lenient || !isStr {
				return nil, &SchemaError{Schema: schemaName, Detail: f.Name + " is not a number"}
			}
			parsed, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, &SchemaError{Schema: schemaName, Detail: f.Name + " is not a number"}
			}
			n = parsed
		}
		if f.Min != nil && n < *f.Min {
			return nil, &SchemaError{Schema: schemaName, Detail: fmt.Sprintf("%s below %g", f.Name, *f.Min)}
		}
		if f.Max != nil && n > *f.Max {
			return nil, &SchemaError{Schema: schemaName, Detail: fmt.Sprintf("%s above %g", f.Name, *f.Max)}
		}
		return n, nil

	case KindString:
		s, ok := raw.(string)
		if !ok {
			return nil, &SchemaError{Schema: schemaName, Detail: f.Name + " is not a string"}
		}
		if f.NonEmpty && s == "" {
			return nil, &SchemaError{Schema: schemaName, Detail: f.Name + " is empty"}
		}
		if len(f.Enum) > 0 {
			for _, allowed := range f.Enum {
				if s == allowed {
					return s, nil
				}
			}
			return nil, &SchemaError{Schema: schemaName, Detail: f.Name + " has disallowed value " + s}
		}
		return s, nil

	case KindBool:
		b, ok := raw.(bool)
		if !ok {
			return nil, &SchemaError{Schema: schemaName, Detail: f.Name + " is not a bool"}
		}
		return b, nil

	case KindStringList:
		items, ok := raw.([]any)
		if !ok {
			return nil, &SchemaError{Schema: schemaName, Detail: f.Name + " is not a list"}
		}
		out := make([]any, 0, len(items))
		for _, it := range items {
			s, ok := it.(string)
			if !ok {
				if !lenient {
					return nil, &SchemaError{Schema: schemaName, Detail: f.Name + " contains a non-string"}
				}
				s = fmt.Sprintf("%v", it)
			}
			out = append(out, s)
		}
		if f.NonEmpty && len(out) == 0 {
			return nil, &SchemaError{Schema: schemaName, Detail: f.Name + " is empty"}
		}
		return out, nil

	case KindObject:
		nested, ok := raw.(map[string]any)
		if !ok {
			return nil, &SchemaError{Schema: schemaName, Detail: f.Name + " is not an object"}
		}
		if err := validateFields(schemaName, f.Nested, nested, lenient); err != nil {
			return nil, err
		}
		return nested, nil
	}
	return nil, &SchemaError{Schema: schemaName, Detail: "unhandled kind for " + f.Name}
}

// Number reads a float field from a validated object, descending one level
// for dotted paths like "belief.prob_true".
func Number(obj map[string]any, path ...string) (float64, bool) {
	cur := obj
	for i, p := range path {
		if i == len(path)-1 {
			n, ok := cur[p].(float64)
			return n, ok
		}
		next, ok := cur[p].(map[string]any)
		if !ok {
			return 0, false
		}
		cur = next
	}
	return 0, false
}

// Str reads a string field from a validated object along a path.
func Str(obj map[string]any, path ...string) (string, bool) {
	cur := obj
	for i, p := range path {
		if i == len(path)-1 {
			s, ok := cur[p].(string)
			return s, ok
		}
		next, ok := cur[p].(map[string]any)
		if !ok {
			return "", false
		}
		cur = next
	}
	return "", false
}

// StrList reads a string list field, tolerating the []any representation
// produced by json.Unmarshal.
func StrList(obj map[string]any, name string) []string {
	items, ok := obj[name].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

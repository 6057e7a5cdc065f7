// Package schema defines the closed payload shapes exchanged with language
// models and the tolerant extraction path that turns raw model output into a
// validated object plus warnings.
package schema

import "fmt"

// Warning flags a non-fatal deviation observed while parsing or validating
// model output. Warnings ride along with the sample and lower nothing by
// themselves; compliance accounting happens in the runner.
type Warning string

const (
	// WarnJSONRepaired means strict parsing failed and the object was
	// recovered by stripping fences or trimming to the first balanced block.
	WarnJSONRepaired Warning = "json_repaired_simple"
	// WarnCoerced means strict validation failed and lenient coercion
	// (string-to-number, unknown-field drop) produced a valid object.
	WarnCoerced Warning = "validation_coerced"
)

// ParseError means no JSON object could be recovered from the model output.
type ParseError struct {
	Detail string
}

func (e *ParseError) Error() string {
	return "no JSON object in model output: " + e.Detail
}

// SchemaError means JSON was recovered but does not satisfy the target
// schema even under lenient validation.
type SchemaError struct {
	Schema string
	Detail string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("output does not match schema %s: %s", e.Schema, e.Detail)
}

// Kind is the expected JSON type of a field.
type Kind int

const (
	KindNumber Kind = iota
	KindString
	KindBool
	KindStringList
	KindObject
)

// Field describes one member of a closed schema.
type Field struct {
	Name     string
	Kind     Kind
	Required bool
	Enum     []string // allowed values for KindString
	Min, Max *float64 // bounds for KindNumber
	NonEmpty bool     // for KindString / KindStringList
	Nested   []Field  // members for KindObject
}

// Spec is a closed field set. Unknown members are rejected in strict mode
// and dropped with a warning in lenient mode.
type Spec struct {
	Name   string
	Fields []Field
}

func f64(v float64) *float64 { return &v }

// RPLSampleV1 is the belief probe response schema.
var RPLSampleV1 = Spec{
	Name: "RPLSampleV1",
	Fields: []Field{
		{Name: "belief", Kind: KindObject, Required: true, Nested: []Field{
			{Name: "prob_true", Kind: KindNumber, Required: true, Min: f64(0), Max: f64(1)},
			{Name: "label", Kind: KindString, Required: true,
				Enum: []string{"very_unlikely", "unlikely", "uncertain", "likely", "very_likely"}},
		}},
		{Name: "reasoning_bullets", Kind: KindStringList},
		{Name: "assumptions", Kind: KindStringList},
		{Name: "notes", Kind: KindStringList},
	},
}

// WELDocV1 is the per-shard evidence stance schema.
var WELDocV1 = Spec{
	Name: "WELDocV1",
	Fields: []Field{
		{Name: "stance_prob_true", Kind: KindNumber, Required: true, Min: f64(0), Max: f64(1)},
		{Name: "stance_label", Kind: KindString, Required: true,
			Enum: []string{"supports", "contradicts", "mixed", "irrelevant"}},
		{Name: "support_bullets", Kind: KindStringList},
		{Name: "oppose_bullets", Kind: KindStringList},
		{Name: "notes", Kind: KindStringList},
	},
}

// DocVerdictV1 is the single-document resolver verdict schema.
var DocVerdictV1 = Spec{
	Name: "DocVerdictV1",
	Fields: []Field{
		{Name: "stance", Kind: KindString, Required: true,
			Enum: []string{"support", "contradict", "unclear"}},
		{Name: "quote", Kind: KindString},
		{Name: "field", Kind: KindString},
		{Name: "value", Kind: KindString},
	},
}

// SimpleExplV1 is the plain-language explanation schema.
var SimpleExplV1 = Spec{
	Name: "SimpleExplV1",
	Fields: []Field{
		{Name: "title", Kind: KindString, Required: true, NonEmpty: true},
		{Name: "paragraphs", Kind: KindStringList, Required: true, NonEmpty: true},
	},
}

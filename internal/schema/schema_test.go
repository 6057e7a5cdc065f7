package schema

import (
	"errors"
	"testing"
)

func validSample() string {
	return `{"belief":{"prob_true":0.82,"label":"likely"},"reasoning_bullets":["a","b"]}`
}

func TestExtractStrictJSON(t *testing.T) {
	obj, warnings, err := ExtractAndValidate(validSample(), RPLSampleV1)
	if err != nil {
		t.Fatalf("ExtractAndValidate() error: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("warnings = %v, want none", warnings)
	}
	if p, ok := Number(obj, "belief", "prob_true"); !ok || p != 0.82 {
		t.Errorf("prob_true = %v (ok=%v), want 0.82", p, ok)
	}
}

func TestExtractStripsFences(t *testing.T) {
	raw := "Here is my answer:\n```json\n" + validSample() + "\n```\nDone."
	obj, warnings, err := ExtractAndValidate(raw, RPLSampleV1)
	if err != nil {
		t.Fatalf("ExtractAndValidate() error: %v", err)
	}
	if len(warnings) != 1 || warnings[0] != WarnJSONRepaired {
		t.Errorf("warnings = %v, want [%s]", warnings, WarnJSONRepaired)
	}
	if _, ok := Number(obj, "belief", "prob_true"); !ok {
		t.Error("expected prob_true after fence repair")
	}
}

func TestExtractFirstBalancedBlock(t *testing.T) {
	raw := "The probability is " + validSample() + " as requested"
	_, warnings, err := ExtractAndValidate(raw, RPLSampleV1)
	if err != nil {
		t.Fatalf("ExtractAndValidate() error: %v", err)
	}
	if len(warnings) != 1 || warnings[0] != WarnJSONRepaired {
		t.Errorf("warnings = %v, want [%s]", warnings, WarnJSONRepaired)
	}
}

func TestExtractStripsThinkTags(t *testing.T) {
	raw := "<think>let me reason about this <thinking>deeply</thinking></think>" + validSample()
	_, _, err := ExtractAndValidate(raw, RPLSampleV1)
	if err != nil {
		t.Fatalf("ExtractAndValidate() error: %v", err)
	}
}

func TestExtractNoJSON(t *testing.T) {
	_, _, err := ExtractAndValidate("I cannot answer that.", RPLSampleV1)
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want *ParseError", err)
	}
}

func TestExtractUnterminatedBlock(t *testing.T) {
	_, _, err := ExtractAndValidate(`{"belief":{"prob_true":0.5`, RPLSampleV1)
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want *ParseError", err)
	}
}

func TestLenientCoercesStringNumber(t *testing.T) {
	raw := `{"belief":{"prob_true":"0.7","label":"likely"}}`
	obj, warnings, err := ExtractAndValidate(raw, RPLSampleV1)
	if err != nil {
		t.Fatalf("ExtractAndValidate() error: %v", err)
	}
	found := false
	for _, w := range warnings {
		if w == WarnCoerced {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings = %v, want %s", warnings, WarnCoerced)
	}
	if p, ok := Number(obj, "belief", "prob_true"); !ok || p != 0.7 {
		t.Errorf("prob_true = %v (ok=%v), want coerced 0.7", p, ok)
	}
}

func TestLenientDropsUnknownFields(t *testing.T) {
	raw := `{"belief":{"prob_true":0.5,"label":"uncertain"},"confidence":"high"}`
	obj, warnings, err := ExtractAndValidate(raw, RPLSampleV1)
	if err != nil {
		t.Fatalf("ExtractAndValidate() error: %v", err)
	}
	if len(warnings) != 1 || warnings[0] != WarnCoerced {
		t.Errorf("warnings = %v, want [%s]", warnings, WarnCoerced)
	}
	if _, present := obj["confidence"]; present {
		t.Error("unknown field should have been dropped")
	}
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	raw := `{"belief":{"prob_true":1.4,"label":"likely"}}`
	_, _, err := ExtractAndValidate(raw, RPLSampleV1)
	var se *SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *SchemaError", err)
	}
}

func TestValidateRejectsBadEnum(t *testing.T) {
	raw := `{"belief":{"prob_true":0.5,"label":"maybe"}}`
	_, _, err := ExtractAndValidate(raw, RPLSampleV1)
	var se *SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *SchemaError", err)
	}
}

func TestValidateMissingRequired(t *testing.T) {
	raw := `{"reasoning_bullets":["x"]}`
	_, _, err := ExtractAndValidate(raw, RPLSampleV1)
	var se *SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *SchemaError", err)
	}
}

func TestSimpleExplRequiresNonEmpty(t *testing.T) {
	_, _, err := ExtractAndValidate(`{"title":"","paragraphs":["p"]}`, SimpleExplV1)
	var se *SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("empty title: error = %v, want *SchemaError", err)
	}
	_, _, err = ExtractAndValidate(`{"title":"t","paragraphs":[]}`, SimpleExplV1)
	if !errors.As(err, &se) {
		t.Fatalf("empty paragraphs: error = %v, want *SchemaError", err)
	}
}

func TestContainsURLToken(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{`{"notes":["see https://example.com"]}`, true},
		{`{"notes":["see HTTP://EXAMPLE.COM"]}`, true},
		{`{"notes":["per www.example.com"]}`, true},
		{`{"notes":["from my training data"]}`, false},
	}
	for _, tc := range cases {
		if got := ContainsURLToken(tc.in); got != tc.want {
			t.Errorf("ContainsURLToken(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestStrListToleratesAnySlice(t *testing.T) {
	obj := map[string]any{"paragraphs": []any{"a", "b"}}
	got := StrList(obj, "paragraphs")
	if len(got) != 2 || got[0] != "a" {
		t.Errorf("StrList = %v", got)
	}
	if StrList(obj, "missing") != nil {
		t.Error("missing field should yield nil")
	}
}

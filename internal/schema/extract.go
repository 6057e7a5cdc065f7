package schema

import (
	"encoding/json"
	"regexp"
	"strings"
)

// thinkTagPatterns match reasoning scratchpads some models wrap around their
// answer. RE2 has no backreferences, so each tag gets its own pattern.
var thinkTagPatterns = func() []*regexp.Regexp {
	tags := []string{"think", "thinking", "reasoning", "reflection", "scratchpad", "thought"}
	out := make([]*regexp.Regexp, 0, len(tags))
	for _, t := range tags {
		out = append(out, regexp.MustCompile(`(?is)<`+t+`>.*?</`+t+`>`))
	}
	return out
}()

var fencePattern = regexp.MustCompile("(?s)```[a-zA-Z0-9]*\n?(.*?)```")

// ExtractAndValidate turns raw model output into an object satisfying the
// spec. It strips reasoning tags to a fixed point, attempts a strict JSON
// parse, falls back to fence stripping plus the first balanced JSON block
// (emitting WarnJSONRepaired), then validates strictly and, on failure,
// leniently (emitting WarnCoerced). It fails with *ParseError when no JSON
// exists and *SchemaError when lenient validation also fails.
func ExtractAndValidate(raw string, spec Spec) (map[string]any, []Warning, error) {
	var warnings []Warning

	text := stripThinkTags(raw)

	obj, ok := tryParse(text)
	if !ok {
		repaired := repairText(text)
		obj, ok = tryParse(repaired)
		if !ok {
			return nil, warnings, &ParseError{Detail: excerpt(text)}
		}
		warnings = append(warnings, WarnJSONRepaired)
	}

	strictCopy := deepCopy(obj)
	if err := spec.Validate(strictCopy, false); err == nil {
		return strictCopy, warnings, nil
	}
	if err := spec.Validate(obj, true); err != nil {
		return nil, warnings, err
	}
	warnings = append(warnings, WarnCoerced)
	return obj, warnings, nil
}

// stripThinkTags removes scratchpad tag pairs repeatedly until none remain,
// which also handles nesting of distinct tags.
func stripThinkTags(text string) string {
	for {
		before := text
		for _, p := range thinkTagPatterns {
			text = p.ReplaceAllString(text, "")
		}
		if text == before {
			return strings.TrimSpace(text)
		}
	}
}

func tryParse(text string) (map[string]any, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// repairText strips Markdown code fences and trims to the first balanced
// {...} or [...] block.
func repairText(text string) string {
	if m := fencePattern.FindStringSubmatch(text); m != nil {
		text = m[1]
	}
	return balancedBlock(text)
}

// balancedBlock returns the first brace- or bracket-balanced region of text,
// honoring JSON string literals and escapes. Returns "" when no block opens
// or the block never closes.
func balancedBlock(text string) string {
	start := -1
	var opener, closer byte
	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			start = i
			opener = text[i]
			if opener == '{' {
				closer = '}'
			} else {
				closer = ']'
			}
			break
		}
	}
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case opener:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}

func deepCopy(obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		switch tv := v.(type) {
		case map[string]any:
			out[k] = deepCopy(tv)
		case []any:
			cp := make([]any, len(tv))
			copy(cp, tv)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}

func excerpt(text string) string {
	text = strings.TrimSpace(text)
	if len(text) > 120 {
		return text[:120] + "..."
	}
	return text
}

// ContainsURLToken reports whether a serialized sample carries URL-like
// content. Samples citing the web are non-compliant for the prior lens.
func ContainsURLToken(serialized string) bool {
	lower := strings.ToLower(serialized)
	return strings.Contains(lower, "http://") ||
		strings.Contains(lower, "https://") ||
		strings.Contains(lower, "www.")
}

package providers

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Inline schema instructions appended to every system prompt. These are
// canonical prose, identical across adapters for the same task, and are part
// of the hashed prompt identity.
const (
	rplInstructions = `Respond with a single JSON object and nothing else. The object has exactly one required member "belief": {"prob_true": <number between 0 and 1>, "label": one of "very_unlikely", "unlikely", "uncertain", "likely", "very_likely"}. Optional members: "reasoning_bullets", "assumptions", "notes" (each a list of strings). Do not cite or mention any URL.`

	welInstructions = `Respond with a single JSON object and nothing else: {"stance_prob_true": <number between 0 and 1>, "stance_label": one of "supports", "contradicts", "mixed", "irrelevant", "support_bullets": [strings], "oppose_bullets": [strings], "notes": [strings]}. Judge only from the provided snippets.`

	docVerdictInstructions = `Respond with a single JSON object and nothing else: {"stance": one of "support", "contradict", "unclear", "quote": <short verbatim quote or "">, "field": <the claim aspect the document speaks to>, "value": <the value the document asserts>}.`

	explainInstructions = `Respond with a single JSON object and nothing else: {"title": <short non-empty string>, "paragraphs": [one or more plain-language paragraphs]}.`
)

// Instructions returns the canonical inline schema prose for a task.
func Instructions(task Task) string {
	switch task {
	case TaskWEL:
		return welInstructions
	case TaskDocVerdict:
		return docVerdictInstructions
	case TaskExplain:
		return explainInstructions
	default:
		return rplInstructions
	}
}

// ComposePrompt builds the full instruction and user texts for a request and
// the SHA-256 identity of the rendered prompt. The paraphrase and template
// both substitute the literal {CLAIM} token.
func ComposePrompt(req ScoreRequest) (instructions, userText, promptSHA string) {
	instructions = req.SystemText + "\n\n" + Instructions(req.Task)

	paraphrase := strings.ReplaceAll(req.ParaphraseText, "{CLAIM}", req.Claim)
	userText = strings.ReplaceAll(req.UserTemplate, "{CLAIM}", req.Claim)
	if paraphrase != "" {
		userText = paraphrase + "\n\n" + userText
	}

	sum := sha256.Sum256([]byte(instructions + "\n\n" + userText))
	return instructions, userText, hex.EncodeToString(sum[:])
}

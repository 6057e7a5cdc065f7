package providers

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestComposePromptSubstitutesClaim(t *testing.T) {
	req := ScoreRequest{
		Task:           TaskRPL,
		Claim:          "the moon is made of rock",
		SystemText:     "You are estimating probabilities.",
		UserTemplate:   "Claim: {CLAIM}",
		ParaphraseText: "How likely is it that this is true? {CLAIM}",
	}
	instr, user, sha := ComposePrompt(req)

	if !strings.Contains(instr, req.SystemText) {
		t.Error("instructions should carry the system text")
	}
	if !strings.Contains(instr, `"belief"`) {
		t.Error("instructions should carry the inline schema prose")
	}
	if strings.Contains(user, "{CLAIM}") {
		t.Error("user text should have every {CLAIM} token substituted")
	}
	if !strings.HasPrefix(user, "How likely is it that this is true? the moon is made of rock") {
		t.Errorf("paraphrase should lead the user text, got %q", user)
	}
	if len(sha) != 64 {
		t.Errorf("promptSHA length = %d, want 64 hex chars", len(sha))
	}
}

func TestComposePromptDeterministicIdentity(t *testing.T) {
	req := ScoreRequest{Task: TaskRPL, Claim: "c", SystemText: "s", UserTemplate: "u {CLAIM}", ParaphraseText: "p {CLAIM}"}
	_, _, a := ComposePrompt(req)
	_, _, b := ComposePrompt(req)
	if a != b {
		t.Error("identical requests must hash identically")
	}

	req.Claim = "c2"
	_, _, c := ComposePrompt(req)
	if c == a {
		t.Error("a different claim must change the prompt hash")
	}
}

func TestComposePromptOmitsEmptyParaphrase(t *testing.T) {
	req := ScoreRequest{Task: TaskExplain, Claim: "c", SystemText: "s", UserTemplate: "explain {CLAIM}"}
	_, user, _ := ComposePrompt(req)
	if user != "explain c" {
		t.Errorf("user = %q, want no paraphrase prefix", user)
	}
}

func TestInstructionsVaryByTask(t *testing.T) {
	seen := map[string]Task{}
	for _, task := range []Task{TaskRPL, TaskWEL, TaskDocVerdict, TaskExplain} {
		text := Instructions(task)
		if prev, dup := seen[text]; dup {
			t.Errorf("tasks %s and %s share instructions", prev, task)
		}
		seen[text] = task
	}
}

func TestSchemaFor(t *testing.T) {
	cases := map[Task]string{
		TaskRPL:        "RPLSampleV1",
		TaskWEL:        "WELDocV1",
		TaskDocVerdict: "DocVerdictV1",
		TaskExplain:    "SimpleExplV1",
	}
	for task, want := range cases {
		if got := SchemaFor(task).Name; got != want {
			t.Errorf("SchemaFor(%s) = %s, want %s", task, got, want)
		}
	}
}

type stubScorer struct{ name string }

func (s *stubScorer) Provider() string { return s.name }
func (s *stubScorer) Score(context.Context, ScoreRequest) (ScoreResult, error) {
	return ScoreResult{}, nil
}

func TestRegistryAliasNormalization(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubScorer{name: "openai"}, "GPT-5", " gpt-4o ")

	for _, alias := range []string{"gpt-5", "GPT-5", "gpt-4o"} {
		s, err := r.Get(alias)
		if err != nil {
			t.Fatalf("Get(%q) error: %v", alias, err)
		}
		if s.Provider() != "openai" {
			t.Errorf("Get(%q) resolved provider %s", alias, s.Provider())
		}
	}

	_, err := r.Get("claude-4")
	var ume *UnknownModelError
	if !errors.As(err, &ume) {
		t.Fatalf("error = %v, want *UnknownModelError", err)
	}
	if ume.Alias != "claude-4" {
		t.Errorf("alias = %q", ume.Alias)
	}
}

func TestRegistryLaterRegistrationWins(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubScorer{name: "openai"}, "gpt-5")
	r.Register(&stubScorer{name: "mock"}, "gpt-5")

	s, err := r.Get("gpt-5")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if s.Provider() != "mock" {
		t.Errorf("provider = %s, want the later registration", s.Provider())
	}
	if len(r.Aliases()) != 1 {
		t.Errorf("aliases = %v, want one entry", r.Aliases())
	}
}

func TestCapabilitiesResolveModel(t *testing.T) {
	caps := Capabilities{
		DefaultModel: "gpt-5",
		APIModelMap:  map[string]string{"gpt-5": "gpt-5-2025"},
	}
	if got := caps.ResolveModel(""); got != "gpt-5" {
		t.Errorf("empty logical = %q, want default", got)
	}
	if got := caps.ResolveModel("gpt-5"); got != "gpt-5-2025" {
		t.Errorf("mapped logical = %q", got)
	}
	if got := caps.ResolveModel("o3"); got != "o3" {
		t.Errorf("unmapped logical = %q, want pass-through", got)
	}
}

func TestCapabilitiesModelAllowed(t *testing.T) {
	open := Capabilities{}
	if !open.ModelAllowed("anything") {
		t.Error("empty allow-list should allow everything")
	}
	closed := Capabilities{AllowedModels: []string{"gpt-5-2025"}}
	if !closed.ModelAllowed("gpt-5-2025") || closed.ModelAllowed("gpt-4o") {
		t.Error("allow-list should be exact")
	}
}

func TestCapabilityCacheLoadsOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "openai.yaml")
	write := func(content string) {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("provider: openai\ndefault_model: gpt-5\nsupports_json_schema: true\n")

	cc := NewCapabilityCache()
	caps, err := cc.Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if caps.Provider != "openai" || !caps.SupportsJSONSchema {
		t.Errorf("caps = %+v", caps)
	}

	// A second Load serves the cached record; Reload re-reads.
	write("provider: openai\ndefault_model: gpt-4o\n")
	cached, err := cc.Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cached.DefaultModel != "gpt-5" {
		t.Errorf("cached DefaultModel = %q, want gpt-5", cached.DefaultModel)
	}
	fresh, err := cc.Reload(path)
	if err != nil {
		t.Fatalf("Reload() error: %v", err)
	}
	if fresh.DefaultModel != "gpt-4o" {
		t.Errorf("reloaded DefaultModel = %q, want gpt-4o", fresh.DefaultModel)
	}
}

func TestCapabilityCacheRequiresProvider(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(path, []byte("default_model: gpt-5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewCapabilityCache().Load(path); err == nil {
		t.Fatal("expected error for missing provider field")
	}
}

func TestStatusErrorTruncatesBody(t *testing.T) {
	e := &StatusError{StatusCode: 500, Body: strings.Repeat("x", 500)}
	if len(e.Error()) > 250 {
		t.Errorf("error message length = %d, want truncated body", len(e.Error()))
	}
}

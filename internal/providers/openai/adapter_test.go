package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/peakyragnar/heretix/internal/providers"
	"github.com/peakyragnar/heretix/internal/ratelimit"
	"github.com/peakyragnar/heretix/internal/schema"
)

func testCaps() providers.Capabilities {
	return providers.Capabilities{
		Provider:           "openai",
		DefaultModel:       "gpt-5",
		APIModelMap:        map[string]string{"gpt-5": "gpt-5-2025"},
		SupportsJSONSchema: true,
		MaxOutputTokens:    1024,
	}
}

func testLimiters() *ratelimit.Registry {
	return ratelimit.NewRegistry(ratelimit.Limit{RatePerSec: 1000, Burst: 1000})
}

func scoreReq() providers.ScoreRequest {
	return providers.ScoreRequest{
		Task:            providers.TaskRPL,
		Claim:           "water boils at 100C at sea level",
		SystemText:      "system",
		UserTemplate:    "Claim: {CLAIM}",
		ParaphraseText:  "assess {CLAIM}",
		LogicalModel:    "gpt-5",
		MaxOutputTokens: 512,
	}
}

func responsesBody(text string) string {
	out, _ := json.Marshal(map[string]any{
		"id":         "resp_123",
		"model":      "gpt-5-2025",
		"created_at": 1756000000,
		"output": []map[string]any{
			{"type": "message", "content": []map[string]any{
				{"type": "output_text", "text": text},
			}},
		},
		"usage": map[string]int{"input_tokens": 100, "output_tokens": 30},
	})
	return string(out)
}

func TestScoreResponsesAPI(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/responses" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}
		_ = json.NewDecoder(r.Body).Decode(&captured)
		fmt.Fprint(w, responsesBody(`{"belief":{"prob_true":0.91,"label":"very_likely"}}`))
	}))
	defer srv.Close()

	a := New("sk-test", srv.URL, testCaps(), testLimiters())
	res, err := a.Score(context.Background(), scoreReq())
	if err != nil {
		t.Fatalf("Score() error: %v", err)
	}

	if captured["model"] != "gpt-5-2025" {
		t.Errorf("api model = %v, want the mapped concrete ID", captured["model"])
	}
	if captured["max_output_tokens"] != float64(512) {
		t.Errorf("max_output_tokens = %v, want 512", captured["max_output_tokens"])
	}
	text, _ := captured["text"].(map[string]any)
	format, _ := text["format"].(map[string]any)
	if format["type"] != "json_schema" {
		t.Errorf("format type = %v, want json_schema", format["type"])
	}

	p, ok := schema.Number(res.Sample, "belief", "prob_true")
	if !ok || p != 0.91 {
		t.Errorf("prob_true = %v (ok=%v)", p, ok)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("warnings = %v, want none", res.Warnings)
	}
	if res.Telemetry.TokensIn != 100 || res.Telemetry.TokensOut != 30 {
		t.Errorf("telemetry = %+v", res.Telemetry)
	}
	if res.Meta.ProviderModelID != "gpt-5-2025" || res.Meta.ResponseID != "resp_123" {
		t.Errorf("meta = %+v", res.Meta)
	}
}

func TestScoreCapsMaxOutputTokens(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		fmt.Fprint(w, responsesBody(`{"belief":{"prob_true":0.5,"label":"uncertain"}}`))
	}))
	defer srv.Close()

	a := New("sk-test", srv.URL, testCaps(), testLimiters())
	req := scoreReq()
	req.MaxOutputTokens = 99999
	if _, err := a.Score(context.Background(), req); err != nil {
		t.Fatalf("Score() error: %v", err)
	}
	if captured["max_output_tokens"] != float64(1024) {
		t.Errorf("max_output_tokens = %v, want capability cap 1024", captured["max_output_tokens"])
	}
}

func TestScoreFallsBackToChat(t *testing.T) {
	var chatCalled bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/responses":
			http.Error(w, `{"error":"schema mode unsupported"}`, http.StatusBadRequest)
		case "/v1/chat/completions":
			chatCalled = true
			var payload map[string]any
			_ = json.NewDecoder(r.Body).Decode(&payload)
			rf, _ := payload["response_format"].(map[string]any)
			if rf["type"] != "json_object" {
				t.Errorf("response_format = %v", rf)
			}
			out, _ := json.Marshal(map[string]any{
				"id":      "chatcmpl_1",
				"model":   "gpt-5-2025",
				"created": 1756000000,
				"choices": []map[string]any{
					{"message": map[string]string{
						"content": `{"belief":{"prob_true":0.42,"label":"uncertain"}}`,
					}},
				},
				"usage": map[string]int{"prompt_tokens": 90, "completion_tokens": 25},
			})
			_, _ = w.Write(out)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	a := New("sk-test", srv.URL, testCaps(), testLimiters())
	res, err := a.Score(context.Background(), scoreReq())
	if err != nil {
		t.Fatalf("Score() error: %v", err)
	}
	if !chatCalled {
		t.Fatal("chat completions fallback was not used")
	}
	p, ok := schema.Number(res.Sample, "belief", "prob_true")
	if !ok || p != 0.42 {
		t.Errorf("prob_true = %v (ok=%v)", p, ok)
	}
	if res.Meta.ResponseID != "chatcmpl_1" {
		t.Errorf("ResponseID = %q", res.Meta.ResponseID)
	}
}

func TestScoreRetriesUnparseableOutputOnChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/responses":
			fmt.Fprint(w, responsesBody("I will not answer in JSON."))
		case "/v1/chat/completions":
			out, _ := json.Marshal(map[string]any{
				"id": "chatcmpl_2", "model": "gpt-5-2025", "created": 1756000000,
				"choices": []map[string]any{
					{"message": map[string]string{
						"content": `{"belief":{"prob_true":0.6,"label":"likely"}}`,
					}},
				},
				"usage": map[string]int{"prompt_tokens": 90, "completion_tokens": 25},
			})
			_, _ = w.Write(out)
		}
	}))
	defer srv.Close()

	a := New("sk-test", srv.URL, testCaps(), testLimiters())
	res, err := a.Score(context.Background(), scoreReq())
	if err != nil {
		t.Fatalf("Score() error: %v", err)
	}
	p, ok := schema.Number(res.Sample, "belief", "prob_true")
	if !ok || p != 0.6 {
		t.Errorf("prob_true = %v (ok=%v), want the chat retry result", p, ok)
	}
	// Token accounting sums both attempts.
	if res.Telemetry.TokensIn != 190 {
		t.Errorf("TokensIn = %d, want 190", res.Telemetry.TokensIn)
	}
}

func TestScoreUnrecoverableOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/responses":
			fmt.Fprint(w, responsesBody("no json here"))
		case "/v1/chat/completions":
			out, _ := json.Marshal(map[string]any{
				"id": "chatcmpl_3", "model": "gpt-5-2025", "created": 1756000000,
				"choices": []map[string]any{
					{"message": map[string]string{"content": "still no json"}},
				},
			})
			_, _ = w.Write(out)
		}
	}))
	defer srv.Close()

	a := New("sk-test", srv.URL, testCaps(), testLimiters())
	res, err := a.Score(context.Background(), scoreReq())
	if err != nil {
		t.Fatalf("Score() error: %v", err)
	}
	if len(res.Sample) != 0 {
		t.Errorf("Sample = %v, want empty", res.Sample)
	}
	found := false
	for _, w := range res.Warnings {
		if w == WarnSchemaError {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings = %v, want %s", res.Warnings, WarnSchemaError)
	}
}

func TestScoreModelWarning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, responsesBody(`{"belief":{"prob_true":0.5,"label":"uncertain"}}`))
	}))
	defer srv.Close()

	caps := testCaps()
	caps.AllowedModels = []string{"gpt-5-other"}
	a := New("sk-test", srv.URL, caps, testLimiters())
	res, err := a.Score(context.Background(), scoreReq())
	if err != nil {
		t.Fatalf("Score() error: %v", err)
	}
	found := false
	for _, w := range res.Warnings {
		if w == WarnModel {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings = %v, want %s", res.Warnings, WarnModel)
	}
}

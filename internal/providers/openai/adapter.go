// Package openai implements the OpenAI scorer against the Responses API,
// with JSON-object and Chat-Completions fallbacks for models that reject
// schema mode.
package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/peakyragnar/heretix/internal/providers"
	"github.com/peakyragnar/heretix/internal/ratelimit"
	"github.com/peakyragnar/heretix/internal/schema"
)

// WarnSchemaError is attached when the output stayed unparseable after the
// alternate-endpoint retry; the sample is returned empty and counted as
// non-compliant by the runner.
const WarnSchemaError schema.Warning = "schema_error"

// WarnModel is attached when the provider answered with a concrete model ID
// outside the configured allow-list.
const WarnModel schema.Warning = "model_warning"

type Adapter struct {
	apiKey   string
	baseURL  string
	client   *http.Client
	caps     providers.Capabilities
	limiters *ratelimit.Registry
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout sets the per-call HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.client.Timeout = d }
}

// WithTransport sets the HTTP transport (used to inject the tracing
// round-tripper).
func WithTransport(rt http.RoundTripper) Option {
	return func(a *Adapter) { a.client.Transport = rt }
}

func New(apiKey, baseURL string, caps providers.Capabilities, limiters *ratelimit.Registry, opts ...Option) *Adapter {
	a := &Adapter{
		apiKey:   apiKey,
		baseURL:  baseURL,
		client:   &http.Client{Timeout: 60 * time.Second},
		caps:     caps,
		limiters: limiters,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) Provider() string { return "openai" }

func (a *Adapter) Score(ctx context.Context, req providers.ScoreRequest) (providers.ScoreResult, error) {
	apiModel := a.caps.ResolveModel(req.LogicalModel)
	instructions, userText, promptSHA := providers.ComposePrompt(req)

	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 || (a.caps.MaxOutputTokens > 0 && maxTokens > a.caps.MaxOutputTokens) {
		maxTokens = a.caps.MaxOutputTokens
	}

	if err := a.limiters.Bucket("openai", req.LogicalModel).Acquire(ctx); err != nil {
		return providers.ScoreResult{}, err
	}

	start := time.Now()
	raw, usage, meta, err := a.callResponses(ctx, apiModel, instructions, userText, maxTokens, req.Task)
	usedChat := false
	if err != nil {
		// Structured mode failed outright; the Chat-Completions endpoint is
		// the alternative surface.
		raw, usage, meta, err = a.callChat(ctx, apiModel, instructions, userText, maxTokens)
		usedChat = true
		if err != nil {
			return providers.ScoreResult{}, err
		}
	}

	result := providers.ScoreResult{
		Raw: raw,
		Meta: providers.Meta{
			ProviderModelID: meta.model,
			PromptSHA256:    promptSHA,
			ResponseID:      meta.id,
			Created:         meta.created,
		},
		Telemetry: providers.Telemetry{
			Provider:     "openai",
			LogicalModel: req.LogicalModel,
			APIModel:     apiModel,
			TokensIn:     usage.in,
			TokensOut:    usage.out,
		},
	}

	spec := providers.SchemaFor(req.Task)
	obj, warnings, perr := schema.ExtractAndValidate(raw, spec)
	if perr != nil && !usedChat {
		// One recovery attempt against the alternative endpoint.
		raw2, usage2, meta2, err2 := a.callChat(ctx, apiModel, instructions, userText, maxTokens)
		if err2 == nil {
			result.Raw = raw2
			result.Meta.ResponseID = meta2.id
			result.Telemetry.TokensIn += usage2.in
			result.Telemetry.TokensOut += usage2.out
			obj, warnings, perr = schema.ExtractAndValidate(raw2, spec)
		}
	}
	if perr != nil {
		result.Sample = map[string]any{}
		result.Warnings = append(warnings, WarnSchemaError)
	} else {
		result.Sample = obj
		result.Warnings = warnings
	}

	if !a.caps.ModelAllowed(result.Meta.ProviderModelID) {
		result.Warnings = append(result.Warnings, WarnModel)
	}

	result.Telemetry.LatencyMs = time.Since(start).Milliseconds()
	return result, nil
}

type tokenUsage struct{ in, out int }

type respMeta struct {
	id      string
	model   string
	created time.Time
}

// callResponses targets the Responses API, preferring json_schema format and
// degrading to json_object when the capability record says schema mode is
// unsupported.
func (a *Adapter) callResponses(ctx context.Context, apiModel, instructions, userText string, maxTokens int, task providers.Task) (string, tokenUsage, respMeta, error) {
	payload := map[string]any{
		"model":        apiModel,
		"instructions": instructions,
		"input":        userText,
	}
	if maxTokens > 0 {
		payload["max_output_tokens"] = maxTokens
	}
	switch {
	case a.caps.SupportsJSONSchema:
		payload["text"] = map[string]any{
			"format": map[string]any{
				"type":   "json_schema",
				"name":   string(task) + "_v1",
				"strict": true,
				"schema": providers.JSONSchemaFor(providers.SchemaFor(task)),
			},
		}
	case a.caps.SupportsJSONMode:
		payload["text"] = map[string]any{
			"format": map[string]any{"type": "json_object"},
		}
	}

	body, err := providers.DoJSON(ctx, a.client, a.baseURL+"/v1/responses", payload, a.headers())
	if err != nil {
		return "", tokenUsage{}, respMeta{}, err
	}

	var resp struct {
		ID        string  `json:"id"`
		Model     string  `json:"model"`
		CreatedAt float64 `json:"created_at"`
		Output    []struct {
			Type    string `json:"type"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"output"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", tokenUsage{}, respMeta{}, err
	}

	// First message content carrying non-empty output text wins.
	var text string
	for _, out := range resp.Output {
		for _, c := range out.Content {
			if c.Type == "output_text" && c.Text != "" {
				text = c.Text
				break
			}
		}
		if text != "" {
			break
		}
	}

	return text,
		tokenUsage{in: resp.Usage.InputTokens, out: resp.Usage.OutputTokens},
		respMeta{id: resp.ID, model: resp.Model, created: time.Unix(int64(resp.CreatedAt), 0).UTC()},
		nil
}

// callChat targets the legacy Chat-Completions endpoint with JSON-object
// response format.
func (a *Adapter) callChat(ctx context.Context, apiModel, instructions, userText string, maxTokens int) (string, tokenUsage, respMeta, error) {
	payload := map[string]any{
		"model": apiModel,
		"messages": []map[string]string{
			{"role": "system", "content": instructions},
			{"role": "user", "content": userText},
		},
		"response_format": map[string]string{"type": "json_object"},
	}
	if maxTokens > 0 {
		payload["max_tokens"] = maxTokens
	}

	body, err := providers.DoJSON(ctx, a.client, a.baseURL+"/v1/chat/completions", payload, a.headers())
	if err != nil {
		return "", tokenUsage{}, respMeta{}, err
	}

	var resp struct {
		ID      string `json:"id"`
		Model   string `json:"model"`
		Created int64  `json:"created"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", tokenUsage{}, respMeta{}, err
	}

	var text string
	if len(resp.Choices) > 0 {
		text = resp.Choices[0].Message.Content
	}
	return text,
		tokenUsage{in: resp.Usage.PromptTokens, out: resp.Usage.CompletionTokens},
		respMeta{id: resp.ID, model: resp.Model, created: time.Unix(resp.Created, 0).UTC()},
		nil
}

func (a *Adapter) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + a.apiKey}
}

package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/require"

	"github.com/peakyragnar/heretix/internal/artifacts"
	"github.com/peakyragnar/heretix/internal/cache"
	"github.com/peakyragnar/heretix/internal/events"
	"github.com/peakyragnar/heretix/internal/pipeline"
	"github.com/peakyragnar/heretix/internal/prompts"
	"github.com/peakyragnar/heretix/internal/providers"
	"github.com/peakyragnar/heretix/internal/providers/mock"
	"github.com/peakyragnar/heretix/internal/rpl"
	"github.com/peakyragnar/heretix/internal/store"
	"github.com/peakyragnar/heretix/internal/usage"
)

func newTestDeps(t *testing.T) (Dependencies, chi.Router) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	reg := providers.NewRegistry()
	reg.Register(mock.New(), "mock")
	lib := prompts.NewLibrary("")
	require.NoError(t, lib.Register(prompts.Default()))

	sampleMem := cache.NewMemory(time.Minute, 256)
	t.Cleanup(sampleMem.Stop)
	runMem := cache.NewMemory(time.Minute, 64)
	t.Cleanup(runMem.Stop)

	d := Dependencies{
		Pipeline: &pipeline.Pipeline{
			Runner: &rpl.Runner{
				Providers: reg,
				Prompts:   lib,
				Samples:   rpl.NewSampleCache(sampleMem, s, nil),
			},
			Providers:   reg,
			Store:       s,
			RunCacheMem: runMem,
			Artifacts:   artifacts.Disabled{},
		},
		Usage:    usage.NewManager(s),
		EventBus: events.NewBus(),
	}
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	MountRoutes(r, d)
	return d, r
}

func runBody(claim string, mock bool) *bytes.Buffer {
	body, _ := json.Marshal(map[string]any{
		"claim": claim,
		"mode":  "baseline",
		"k":     4, "r": 1, "t": 4, "b": 100,
		"mock": mock,
	})
	return bytes.NewBuffer(body)
}

func TestRunHandlerAnonymousMock(t *testing.T) {
	_, r := newTestDeps(t)

	req := httptest.NewRequest("POST", "/checks/run", runBody("the universe is expanding", true))
	req.RemoteAddr = "10.0.0.1:5000"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp pipeline.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, strings.HasPrefix(resp.RunID, "heretix-rpl-"))
	require.Equal(t, usage.PlanAnonymous, resp.Plan)
	require.Equal(t, usage.QuotaFor(usage.PlanAnonymous), resp.ChecksAllowed)
	require.Equal(t, 1, resp.ChecksUsed)
	require.InDelta(t, resp.Prior.P, resp.Combined.P, 1e-12)
}

func TestRunHandlerAnonymousLiveRejected(t *testing.T) {
	_, r := newTestDeps(t)

	req := httptest.NewRequest("POST", "/checks/run", runBody("live claim", false))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusPaymentRequired, w.Code)
	require.Contains(t, w.Body.String(), "mock")
}

func TestRunHandlerValidation(t *testing.T) {
	_, r := newTestDeps(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/checks/run", runBody("   ", true)))
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	body, _ := json.Marshal(map[string]any{"claim": "x", "mode": "psychic", "mock": true})
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/checks/run", bytes.NewBuffer(body)))
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/checks/run", strings.NewReader("{not json")))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRunHandlerWithToken(t *testing.T) {
	d, r := newTestDeps(t)
	plaintext, _, err := d.Usage.Issue(context.Background(), "test", usage.PlanPro)
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/checks/run", runBody("tokened claim", true))
	req.Header.Set("Authorization", "Bearer "+plaintext)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp pipeline.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, usage.PlanPro, resp.Plan)
	require.Equal(t, usage.QuotaFor(usage.PlanPro)-1, resp.Remaining)
}

func TestRunHandlerInvalidToken(t *testing.T) {
	_, r := newTestDeps(t)

	req := httptest.NewRequest("POST", "/checks/run", runBody("claim", true))
	req.Header.Set("Authorization", "Bearer hx_0000000000000000")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRunHandlerQuotaExhausted(t *testing.T) {
	_, r := newTestDeps(t)
	quota := usage.QuotaFor(usage.PlanAnonymous)

	for i := 0; i < quota; i++ {
		req := httptest.NewRequest("POST", "/checks/run", runBody(fmt.Sprintf("claim %d", i), true))
		req.RemoteAddr = "10.0.0.2:1234"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code, "run %d: %s", i, w.Body.String())
	}

	req := httptest.NewRequest("POST", "/checks/run", runBody("one too many", true))
	req.RemoteAddr = "10.0.0.2:1234"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusPaymentRequired, w.Code)

	// A different IP still has quota.
	req = httptest.NewRequest("POST", "/checks/run", runBody("fresh caller", true))
	req.RemoteAddr = "10.0.0.3:1234"
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestUsageHandler(t *testing.T) {
	d, r := newTestDeps(t)
	plaintext, _, err := d.Usage.Issue(context.Background(), "test", usage.PlanFree)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/v1/usage", nil)
	req.Header.Set("Authorization", "Bearer "+plaintext)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var state pipeline.Usage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &state))
	require.Equal(t, usage.PlanFree, state.Plan)
	require.Equal(t, usage.QuotaFor(usage.PlanFree), state.ChecksAllowed)
	require.Equal(t, 0, state.ChecksUsed)
}

func TestHealthz(t *testing.T) {
	_, r := newTestDeps(t)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestRunsListAndGet(t *testing.T) {
	_, r := newTestDeps(t)

	req := httptest.NewRequest("POST", "/checks/run", runBody("recorded claim", true))
	req.RemoteAddr = "10.0.0.9:5000"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp pipeline.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/runs", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Runs  []store.RunRecord `json:"runs"`
		Count int               `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)
	require.Equal(t, resp.RunID, list.Runs[0].RunID)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/runs/"+resp.RunID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	var rec store.RunRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rec))
	require.Equal(t, resp.ExecutionID, rec.ExecutionID)
	require.Equal(t, "recorded claim", rec.Claim)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/runs/heretix-rpl-nope", nil))
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestWorkflowsWithoutTemporal(t *testing.T) {
	_, r := newTestDeps(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/workflows", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"temporal_enabled":false`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/workflows/some-id", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSSEStreamsRunEvents(t *testing.T) {
	d, r := newTestDeps(t)
	srv := httptest.NewServer(r)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", srv.URL+"/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "event: connected", strings.TrimSpace(line))

	// Drain the connected event's data and blank line, then publish.
	_, _ = reader.ReadString('\n')
	_, _ = reader.ReadString('\n')
	d.EventBus.Publish(events.Event{Type: events.EventRunCompleted, RunID: "heretix-rpl-xyz"})

	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "event: run_completed", strings.TrimSpace(line))
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, line, "heretix-rpl-xyz")
}

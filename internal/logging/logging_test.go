package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func newBufLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, nil)
	return slog.New(&RedactingHandler{base: base}), &buf
}

func TestRedactsCredentialKeys(t *testing.T) {
	logger, buf := newBufLogger()
	logger.Info("call",
		slog.String("api_key", "sk-live-secret"),
		slog.String("serper_token", "abcd"),
		slog.String("authorization", "Bearer hx_123"),
		slog.String("db_password", "hunter2"),
		slog.String("provider", "openai"),
	)

	out := buf.String()
	for _, leaked := range []string{"sk-live-secret", "abcd", "hx_123", "hunter2"} {
		if strings.Contains(out, leaked) {
			t.Errorf("log output leaked %q: %s", leaked, out)
		}
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Error("expected [REDACTED] placeholders")
	}
	if !strings.Contains(out, "openai") {
		t.Error("non-sensitive attrs should pass through")
	}
}

func TestRedactsWithAttrs(t *testing.T) {
	logger, buf := newBufLogger()
	logger.With(slog.String("openai_api_key", "sk-persistent")).Info("boot")

	if strings.Contains(buf.String(), "sk-persistent") {
		t.Errorf("WithAttrs leaked the key: %s", buf.String())
	}
}

func TestWithRunCarriesIDs(t *testing.T) {
	logger, buf := newBufLogger()
	WithRun(logger, "heretix-rpl-abc", "exec-def").Info("step")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if line["run_id"] != "heretix-rpl-abc" || line["execution_id"] != "exec-def" {
		t.Errorf("line = %v", line)
	}
}

func TestSetLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: globalLevel})
	logger := slog.New(&RedactingHandler{base: base})

	SetLevel("info")
	logger.Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("debug line emitted at info level: %s", buf.String())
	}

	SetLevel("debug")
	logger.Debug("visible")
	if buf.Len() == 0 {
		t.Error("debug line missing at debug level")
	}

	SetLevel("nonsense")
	if !logger.Handler().Enabled(context.Background(), slog.LevelInfo) {
		t.Error("unknown level should fall back to info")
	}
	SetLevel("info")
}

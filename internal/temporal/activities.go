package temporal

import (
	"context"
	"log/slog"

	"github.com/peakyragnar/heretix/internal/pipeline"
)

// Activities holds the dependencies the verification activities need. One
// instance is registered on the worker at startup.
type Activities struct {
	Pipeline *pipeline.Pipeline
	Logger   *slog.Logger
}

// ExecuteCheck runs the full verification pipeline for one request. The
// pipeline handles its own caching, degradation, and persistence; the
// activity exists so the run survives process restarts.
func (a *Activities) ExecuteCheck(ctx context.Context, input VerifyInput) (*pipeline.Response, error) {
	return a.Pipeline.Run(ctx, input.Request)
}

// RecordOutcome logs the workflow bookend. Run-level events and metrics are
// already published by the pipeline itself, so this only ties the outcome to
// the workflow's request id.
func (a *Activities) RecordOutcome(_ context.Context, input OutcomeInput) error {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		slog.String("request_id", input.RequestID),
		slog.String("mode", input.Mode),
		slog.String("model", input.Model),
		slog.Int64("latency_ms", input.LatencyMs),
		slog.Bool("success", input.Success),
	}
	if input.RunID != "" {
		attrs = append(attrs, slog.String("run_id", input.RunID))
	}
	if input.ErrorKind != "" {
		attrs = append(attrs, slog.String("error_kind", input.ErrorKind))
	}
	logger.Info("workflow check finished", attrs...)
	return nil
}

// Package temporal runs verification checks as durable workflows. A check
// becomes a single long activity (the pipeline run) plus a bookkeeping
// activity, so an interrupted server resumes in-flight checks instead of
// losing them. The HTTP layer falls back to in-process execution when the
// Temporal cluster is unreachable.
package temporal

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/peakyragnar/heretix/internal/pipeline"
)

const (
	// checkTimeout bounds one pipeline run inside the workflow; it tracks
	// the pipeline's own run deadline with headroom for activity dispatch.
	checkTimeout    = 11 * time.Minute
	outcomeTimeout  = 10 * time.Second
	heartbeatWindow = 60 * time.Second
)

// VerifyWorkflow executes one verification check durably.
func VerifyWorkflow(ctx workflow.Context, input VerifyInput) (VerifyOutput, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: checkTimeout,
		HeartbeatTimeout:    heartbeatWindow,
		RetryPolicy: &temporal.RetryPolicy{
			// The pipeline degrades and caches internally; re-running a
			// failed check would re-bill provider tokens.
			MaximumAttempts: 1,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	start := workflow.Now(ctx)

	var resp *pipeline.Response
	err := workflow.ExecuteActivity(ctx, (*Activities).ExecuteCheck, input).Get(ctx, &resp)
	latencyMs := workflow.Now(ctx).Sub(start).Milliseconds()

	outcome := OutcomeInput{
		RequestID: input.RequestID,
		Subject:   input.Subject,
		Mode:      input.Request.Mode,
		Model:     input.Request.Model,
		LatencyMs: latencyMs,
		Success:   err == nil,
	}
	if resp != nil {
		outcome.RunID = resp.RunID
	}
	if err != nil {
		outcome.ErrorKind = pipeline.KindInternal
	}

	octx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: outcomeTimeout,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 3},
	})
	_ = workflow.ExecuteActivity(octx, (*Activities).RecordOutcome, outcome).Get(octx, nil)

	if err != nil {
		return VerifyOutput{
			LatencyMs: latencyMs,
			Error:     err.Error(),
			ErrorKind: pipeline.KindInternal,
		}, err
	}
	return VerifyOutput{Response: resp, LatencyMs: latencyMs}, nil
}

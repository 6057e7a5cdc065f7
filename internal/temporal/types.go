package temporal

import (
	"github.com/peakyragnar/heretix/internal/pipeline"
)

// VerifyInput starts one durable verification run.
type VerifyInput struct {
	RequestID string           `json:"request_id"`
	Subject   string           `json:"subject"`
	Request   pipeline.Request `json:"request"`
}

// VerifyOutput is the workflow result. Error is set instead of a response
// when the check failed; ErrorKind carries the taxonomy label for the
// transport layer.
type VerifyOutput struct {
	Response  *pipeline.Response `json:"response,omitempty"`
	LatencyMs int64              `json:"latency_ms"`
	Error     string             `json:"error,omitempty"`
	ErrorKind string             `json:"error_kind,omitempty"`
}

// OutcomeInput is the bookkeeping record written after every check, success
// or failure.
type OutcomeInput struct {
	RequestID string `json:"request_id"`
	Subject   string `json:"subject"`
	RunID     string `json:"run_id,omitempty"`
	Mode      string `json:"mode"`
	Model     string `json:"model"`
	LatencyMs int64  `json:"latency_ms"`
	Success   bool   `json:"success"`
	ErrorKind string `json:"error_kind,omitempty"`
}

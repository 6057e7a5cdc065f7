package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.temporal.io/api/workflowservice/v1"
)

// WorkflowsListHandler handles GET /v1/workflows?limit=50&status=Running:
// the durable check executions Temporal knows about.
func WorkflowsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if d.TemporalClient == nil {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"workflows":        []any{},
				"temporal_enabled": false,
			})
			return
		}

		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
				limit = n
			}
		}
		query := ""
		if status := r.URL.Query().Get("status"); status != "" {
			query = "ExecutionStatus = '" + status + "'"
		}

		resp, err := d.TemporalClient.ListWorkflow(r.Context(), &workflowservice.ListWorkflowExecutionsRequest{
			PageSize: int32(limit),
			Query:    query,
		})
		if err != nil {
			jsonError(w, "internal", "temporal query error: "+err.Error(), http.StatusInternalServerError)
			return
		}

		var workflows []map[string]any
		for _, exec := range resp.Executions {
			wf := map[string]any{
				"workflow_id": exec.Execution.WorkflowId,
				"run_id":      exec.Execution.RunId,
				"type":        exec.Type.Name,
				"status":      exec.Status.String(),
				"start_time":  exec.StartTime.AsTime().Format(time.RFC3339),
			}
			if exec.CloseTime != nil {
				wf["close_time"] = exec.CloseTime.AsTime().Format(time.RFC3339)
				wf["duration_ms"] = exec.CloseTime.AsTime().Sub(exec.StartTime.AsTime()).Milliseconds()
			}
			workflows = append(workflows, wf)
		}

		_ = json.NewEncoder(w).Encode(map[string]any{
			"workflows":        workflows,
			"temporal_enabled": true,
		})
	}
}

// WorkflowDescribeHandler handles GET /v1/workflows/{id}.
func WorkflowDescribeHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.TemporalClient == nil {
			jsonError(w, "internal", "temporal not enabled", http.StatusServiceUnavailable)
			return
		}

		workflowID := chi.URLParam(r, "id")
		desc, err := d.TemporalClient.DescribeWorkflowExecution(r.Context(), workflowID, "")
		if err != nil {
			jsonError(w, "internal", "describe error: "+err.Error(), http.StatusInternalServerError)
			return
		}

		info := desc.WorkflowExecutionInfo
		result := map[string]any{
			"workflow_id": info.Execution.WorkflowId,
			"run_id":      info.Execution.RunId,
			"type":        info.Type.Name,
			"status":      info.Status.String(),
			"start_time":  info.StartTime.AsTime().Format(time.RFC3339),
		}
		if info.CloseTime != nil {
			result["close_time"] = info.CloseTime.AsTime().Format(time.RFC3339)
			result["duration_ms"] = info.CloseTime.AsTime().Sub(info.StartTime.AsTime()).Milliseconds()
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(result)
	}
}

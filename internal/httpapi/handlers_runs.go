package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/peakyragnar/heretix/internal/pipeline"
)

// RunsListHandler handles GET /v1/runs?limit=50&offset=0 over the immutable
// run record audit log.
func RunsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Pipeline == nil || d.Pipeline.Store == nil {
			jsonError(w, "internal", "run records unavailable", http.StatusServiceUnavailable)
			return
		}
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
				limit = n
			}
		}
		offset := 0
		if v := r.URL.Query().Get("offset"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				offset = n
			}
		}

		recs, err := d.Pipeline.Store.ListRunRecords(r.Context(), limit, offset)
		if err != nil {
			kind := pipeline.ErrorKind(err)
			jsonError(w, kind, err.Error(), statusForKind(kind))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"runs":  recs,
			"count": len(recs),
		})
	}
}

// RunGetHandler handles GET /v1/runs/{run_id}: the latest audit row for a
// run identity.
func RunGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Pipeline == nil || d.Pipeline.Store == nil {
			jsonError(w, "internal", "run records unavailable", http.StatusServiceUnavailable)
			return
		}
		runID := chi.URLParam(r, "run_id")
		rec, err := d.Pipeline.Store.GetRunRecord(r.Context(), runID)
		if err != nil {
			kind := pipeline.ErrorKind(err)
			jsonError(w, kind, err.Error(), statusForKind(kind))
			return
		}
		if rec == nil {
			jsonError(w, pipeline.KindValidation, "no run record for "+runID, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(rec)
	}
}

package httpapi

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.temporal.io/sdk/client"

	"github.com/peakyragnar/heretix/internal/pipeline"
	temporalpkg "github.com/peakyragnar/heretix/internal/temporal"
	"github.com/peakyragnar/heretix/internal/usage"
)

// caller identifies who is being charged for a run.
type caller struct {
	Subject string // "tok:<id>" or "ip:<addr>"
	Plan    string
}

// resolveCaller authenticates the request. A Bearer token maps to its plan;
// no token means an anonymous, IP-keyed caller.
func resolveCaller(r *http.Request, mgr *usage.Manager) (caller, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return caller{Subject: "ip:" + clientIP(r), Plan: usage.PlanAnonymous}, nil
	}
	token := strings.TrimPrefix(auth, "Bearer ")
	if token == auth || mgr == nil {
		return caller{}, usage.ErrInvalidToken
	}
	tok, err := mgr.Validate(r.Context(), token)
	if err != nil {
		return caller{}, err
	}
	return caller{Subject: "tok:" + tok.ID, Plan: tok.Plan}, nil
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RunHandler executes one verification check: authenticate, charge quota,
// run (durably via Temporal when available), and attach the caller's usage
// state to the canonical response.
func RunHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req pipeline.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, pipeline.KindValidation, "malformed JSON body", http.StatusBadRequest)
			return
		}

		c, err := resolveCaller(r, d.Usage)
		if err != nil {
			jsonError(w, pipeline.KindAuth, "invalid or missing usage token", http.StatusUnauthorized)
			return
		}
		if usage.MockOnly(c.Plan) && !req.Mock {
			jsonError(w, pipeline.KindQuota,
				"anonymous callers may only run mock checks; supply a usage token for live runs",
				http.StatusPaymentRequired)
			return
		}

		now := time.Now()
		if d.Usage != nil {
			if err := d.Usage.Charge(r.Context(), c.Subject, c.Plan, now); err != nil {
				kind := pipeline.ErrorKind(err)
				jsonError(w, kind, err.Error(), statusForKind(kind))
				return
			}
		}

		resp, err := runCheck(r, d, c, req)
		if err != nil {
			kind := pipeline.ErrorKind(err)
			jsonError(w, kind, err.Error(), statusForKind(kind))
			return
		}

		if d.Usage != nil {
			quota := usage.QuotaFor(c.Plan)
			used, uerr := d.Usage.Used(r.Context(), c.Subject, now)
			if uerr == nil {
				resp.Usage = pipeline.Usage{
					Plan:          c.Plan,
					ChecksAllowed: quota,
					ChecksUsed:    used,
					Remaining:     remaining(quota, used),
				}
			}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// runCheck dispatches through Temporal when the circuit allows it, falling
// back to in-process execution on cluster failure.
func runCheck(r *http.Request, d Dependencies, c caller, req pipeline.Request) (*pipeline.Response, error) {
	if d.TemporalClient == nil || d.CircuitBreaker == nil || !d.CircuitBreaker.Allow() {
		return d.Pipeline.Run(r.Context(), req)
	}

	requestID := middleware.GetReqID(r.Context())
	input := temporalpkg.VerifyInput{
		RequestID: requestID,
		Subject:   c.Subject,
		Request:   req,
	}
	run, err := d.TemporalClient.ExecuteWorkflow(r.Context(), client.StartWorkflowOptions{
		ID:        fmt.Sprintf("check-%s", requestID),
		TaskQueue: d.TemporalTaskQueue,
	}, temporalpkg.VerifyWorkflow, input)
	if err != nil {
		d.CircuitBreaker.RecordFailure()
		return d.Pipeline.Run(r.Context(), req)
	}

	var output temporalpkg.VerifyOutput
	if err := run.Get(r.Context(), &output); err != nil {
		// Distinguish cluster trouble from a check that genuinely failed:
		// a completed-but-failed workflow carries the taxonomy kind.
		if output.ErrorKind != "" {
			d.CircuitBreaker.RecordSuccess()
			return nil, fmt.Errorf("%s", output.Error)
		}
		d.CircuitBreaker.RecordFailure()
		return d.Pipeline.Run(r.Context(), req)
	}
	d.CircuitBreaker.RecordSuccess()
	return output.Response, nil
}

func remaining(quota, used int) int {
	if quota <= 0 {
		return -1 // unlimited
	}
	if used > quota {
		return 0
	}
	return quota - used
}

// UsageHandler reports the caller's current plan and quota state.
func UsageHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := resolveCaller(r, d.Usage)
		if err != nil {
			jsonError(w, pipeline.KindAuth, "invalid usage token", http.StatusUnauthorized)
			return
		}
		quota := usage.QuotaFor(c.Plan)
		used := 0
		if d.Usage != nil {
			used, _ = d.Usage.Used(r.Context(), c.Subject, time.Now())
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(pipeline.Usage{
			Plan:          c.Plan,
			ChecksAllowed: quota,
			ChecksUsed:    used,
			Remaining:     remaining(quota, used),
		})
	}
}

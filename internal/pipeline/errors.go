package pipeline

import (
	"context"
	"errors"

	"github.com/peakyragnar/heretix/internal/providers"
	"github.com/peakyragnar/heretix/internal/rpl"
	"github.com/peakyragnar/heretix/internal/store"
	"github.com/peakyragnar/heretix/internal/usage"
)

// Error kinds attached to run_failed events and metrics labels.
const (
	KindValidation    = "validation"
	KindEmptyClaim    = "empty_claim"
	KindPromptTooLong = "prompt_too_long"
	KindInsufficient  = "insufficient_samples"
	KindUnknownModel  = "unknown_model"
	KindQuota         = "quota_exceeded"
	KindAuth          = "auth"
	KindProvider      = "provider"
	KindStore         = "store"
	KindTimeout       = "timeout"
	KindCanceled      = "canceled"
	KindInternal      = "internal"
)

// errorKind classifies a run failure for events and metrics. The HTTP layer
// maps these same kinds to status codes.
func errorKind(err error) string {
	var (
		ve *ValidationError
		ec *EmptyClaimError
		pl *rpl.PromptTooLongError
		is *rpl.InsufficientSamplesError
		um *providers.UnknownModelError
		qe *usage.QuotaExceededError
		se *store.StoreError
	)
	switch {
	case errors.As(err, &ec):
		return KindEmptyClaim
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &pl):
		return KindPromptTooLong
	case errors.As(err, &is):
		return KindInsufficient
	case errors.As(err, &um):
		return KindUnknownModel
	case errors.As(err, &qe):
		return KindQuota
	case errors.Is(err, usage.ErrInvalidToken):
		return KindAuth
	case errors.As(err, &se):
		return KindStore
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		var st *providers.StatusError
		if errors.As(err, &st) {
			return KindProvider
		}
		return KindInternal
	}
}

// ErrorKind is the exported classifier used by the transport layer.
func ErrorKind(err error) string { return errorKind(err) }

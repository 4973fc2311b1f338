package web

import (
	"context"
	"errors"
	"net/http"

	"github.com/khanhromvn/flexbrowser/internal/automation"
)

// SlowServiceMessage is shown when a polling budget against a remote site
// runs out.
const SlowServiceMessage = "the service is slow, check your connection"

// AutomationError writes err with the status its cause maps to.
func AutomationError(w http.ResponseWriter, err error, details map[string]any) {
	var challenge *automation.ChallengeError
	switch {
	case automation.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		ErrorCode(w, http.StatusGatewayTimeout, "timeout", SlowServiceMessage, true, withCause(details, err))
	case errors.As(err, &challenge):
		ErrorCode(w, http.StatusConflict, "challenge", err.Error(), true, details)
	case errors.Is(err, automation.ErrUnknownSite):
		ErrorCode(w, http.StatusBadRequest, "unknown_site", err.Error(), false, details)
	case errors.Is(err, automation.ErrPageUnreachable):
		ErrorCode(w, http.StatusServiceUnavailable, "view_gone", err.Error(), true, details)
	case errors.Is(err, automation.ErrProviderButtonNotFound), errors.Is(err, automation.ErrElementNotFound):
		ErrorCode(w, http.StatusBadGateway, "page_changed", err.Error(), false, details)
	case errors.Is(err, context.Canceled):
		ErrorCode(w, http.StatusServiceUnavailable, "canceled", err.Error(), true, details)
	default:
		ErrorCode(w, http.StatusInternalServerError, "automation_failed", err.Error(), false, details)
	}
}

func withCause(details map[string]any, err error) map[string]any {
	out := make(map[string]any, len(details)+1)
	for k, v := range details {
		out[k] = v
	}
	out["cause"] = err.Error()
	return out
}

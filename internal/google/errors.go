package google

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"

	"convene/internal/calendar"
)

// classify maps a Google API or transport error to a typed gateway error.
func classify(err error, op, participant string) *calendar.Error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return calendar.NewError(calendar.KindProviderUnavailable, op, participant, "request aborted", err)
	}

	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		return calendar.NewError(calendar.KindUnauthorized, op, participant, "token rejected", err)
	}

	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return calendar.NewError(calendar.KindProviderUnavailable, op, participant, "request failed", err)
	}

	switch {
	case gerr.Code == http.StatusUnauthorized:
		return calendar.NewError(calendar.KindUnauthorized, op, participant, "token expired or revoked", err)
	case gerr.Code == http.StatusForbidden && isRateLimited(gerr):
		return calendar.NewError(calendar.KindProviderUnavailable, op, participant, "rate limited", err)
	case gerr.Code == http.StatusForbidden:
		return calendar.NewError(calendar.KindInsufficientScope, op, participant, "missing calendar permission", err)
	case gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone:
		return calendar.NewError(calendar.KindNotFound, op, participant, "event not found", err)
	case gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500:
		return calendar.NewError(calendar.KindProviderUnavailable, op, participant, "provider unavailable", err)
	case gerr.Code == http.StatusBadRequest:
		return calendar.NewError(calendar.KindMalformed, op, participant, "request rejected", err)
	default:
		return calendar.NewError(calendar.KindProviderUnavailable, op, participant, "unexpected status", err)
	}
}

func isRateLimited(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return strings.Contains(strings.ToLower(gerr.Message), "rate limit")
}

// freeBusyError maps a per-calendar error embedded in a free/busy response.
func freeBusyError(e *gcal.Error, participant string) *calendar.Error {
	msg := e.Domain + ": " + e.Reason
	switch e.Reason {
	case "internalError", "backendError":
		return calendar.NewError(calendar.KindProviderUnavailable, calendar.OpBusy, participant, msg, nil)
	case "notFound", "forbidden":
		return calendar.NewError(calendar.KindInsufficientScope, calendar.OpBusy, participant, msg, nil)
	default:
		return calendar.NewError(calendar.KindMalformed, calendar.OpBusy, participant, msg, nil)
	}
}

package availability

import (
	"errors"
	"fmt"
	"strings"

	"convene/internal/calendar"
)

// ErrorKind classifies a failed resolution.
type ErrorKind string

const (
	// KindParticipantUnavailable means at least one participant's
	// credential could not be resolved.
	KindParticipantUnavailable ErrorKind = "participant_unavailable"
	// KindNoCommonSlot means every stage succeeded but no slot is free for
	// everyone.
	KindNoCommonSlot ErrorKind = "no_common_slot"
	// KindInvalidRequest means the window, duration or event state cannot
	// be resolved.
	KindInvalidRequest ErrorKind = "invalid_request"
)

// ParticipantFailure describes why one participant could not be consulted.
type ParticipantFailure struct {
	UserID  string        `json:"userId"`
	Email   string        `json:"email,omitempty"`
	Kind    calendar.Kind `json:"kind"`
	Message string        `json:"message"`
	Err     error         `json:"-"`
}

func newFailure(userID, email string, err error) ParticipantFailure {
	kind := calendar.KindOf(err)
	if kind == "" {
		kind = calendar.KindProviderUnavailable
	}
	msg := err.Error()
	var cerr *calendar.Error
	if errors.As(err, &cerr) && cerr.Message != "" {
		msg = cerr.Message
	}
	return ParticipantFailure{UserID: userID, Email: email, Kind: kind, Message: msg, Err: err}
}

// ResolutionError is returned by Resolve when no slots can be offered.
type ResolutionError struct {
	Kind     ErrorKind
	Message  string
	Failures []ParticipantFailure
}

func (e *ResolutionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "availability: %s", e.Kind)
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if len(e.Failures) > 0 {
		users := make([]string, len(e.Failures))
		for i, f := range e.Failures {
			users[i] = f.UserID + " (" + string(f.Kind) + ")"
		}
		b.WriteString(" [" + strings.Join(users, ", ") + "]")
	}
	return b.String()
}

// Is matches a sentinel ResolutionError of the same Kind.
func (e *ResolutionError) Is(target error) bool {
	var t *ResolutionError
	if errors.As(target, &t) {
		return t.Message == "" && t.Failures == nil && e.Kind == t.Kind
	}
	return false
}

// Sentinels for errors.Is.
var (
	ErrParticipantUnavailable = &ResolutionError{Kind: KindParticipantUnavailable}
	ErrNoCommonSlot           = &ResolutionError{Kind: KindNoCommonSlot}
	ErrInvalidRequest         = &ResolutionError{Kind: KindInvalidRequest}
)

func invalidRequest(format string, args ...any) *ResolutionError {
	return &ResolutionError{Kind: KindInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

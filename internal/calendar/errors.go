package calendar

import (
	"errors"
	"fmt"
)

// Kind classifies a gateway failure.
type Kind string

const (
	// KindUnauthorized means the credential is expired, revoked or missing.
	KindUnauthorized Kind = "unauthorized"
	// KindInsufficientScope means the credential is valid but lacks a required permission.
	KindInsufficientScope Kind = "insufficient_scope"
	// KindProviderUnavailable covers network failures, throttling and 5xx responses.
	KindProviderUnavailable Kind = "provider_unavailable"
	// KindMalformed means the provider answered with an unexpected payload.
	KindMalformed Kind = "malformed"
	// KindNotFound means the referenced provider event does not exist.
	KindNotFound Kind = "not_found"
)

// Gateway operations, used in Error.Op.
const (
	OpToken  = "token"
	OpBusy   = "busy"
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// IsCredential reports whether k is a credential problem the participant
// must fix by reconnecting.
func (k Kind) IsCredential() bool {
	return k == KindUnauthorized || k == KindInsufficientScope
}

// Error is a typed gateway failure for one participant.
type Error struct {
	Kind        Kind
	Op          string
	Participant string
	Message     string
	cause       error
}

// NewError creates an Error wrapping cause.
func NewError(kind Kind, op, participant, msg string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Participant: participant, Message: msg, cause: cause}
}

func (e *Error) Error() string {
	s := fmt.Sprintf("calendar %s: %s", e.Op, e.Kind)
	if e.Participant != "" {
		s += " for " + e.Participant
	}
	if e.Message != "" {
		s += ": " + e.Message
	}
	if e.cause != nil {
		s += ": " + e.cause.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches another *Error of the same Kind, so sentinels such as
// ErrUnauthorized work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Op == "" && t.Participant == "" && e.Kind == t.Kind
	}
	return false
}

// Sentinels for errors.Is.
var (
	ErrUnauthorized        = &Error{Kind: KindUnauthorized}
	ErrInsufficientScope   = &Error{Kind: KindInsufficientScope}
	ErrProviderUnavailable = &Error{Kind: KindProviderUnavailable}
	ErrMalformed           = &Error{Kind: KindMalformed}
	ErrNotFound            = &Error{Kind: KindNotFound}
)

// KindOf returns the Kind of err, or "" when err is not a gateway error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

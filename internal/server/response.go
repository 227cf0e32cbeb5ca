package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"convene/internal/availability"
	"convene/internal/models"
	"convene/internal/scheduler"
	"convene/internal/store"
)

// Envelope is the JSON shape of every response.
type Envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, env Envelope, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		logger.Error("Failed to encode JSON response", "error", err)
	}
}

func (s *Server) respond(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, Envelope{Success: true, Data: data}, s.logger)
}

func (s *Server) fail(w http.ResponseWriter, status int, code, message string, details any) {
	writeJSON(w, status, Envelope{Error: message, Code: code, Details: details}, s.logger)
}

// writeError maps domain errors to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr   *ValidationError
		rerr   *availability.ResolutionError
		commit *scheduler.CommitError
	)
	switch {
	case errors.As(err, &verr):
		s.fail(w, http.StatusBadRequest, "validation_failed", verr.Message, verr.Fields)
	case errors.Is(err, store.ErrNotFound):
		s.fail(w, http.StatusNotFound, "not_found", "not found", nil)
	case errors.Is(err, scheduler.ErrForbidden):
		s.fail(w, http.StatusForbidden, "forbidden", "not allowed for this user", nil)
	case errors.As(err, &rerr):
		switch rerr.Kind {
		case availability.KindInvalidRequest:
			s.fail(w, http.StatusBadRequest, string(rerr.Kind), rerr.Message, nil)
		case availability.KindParticipantUnavailable:
			s.fail(w, http.StatusFailedDependency, string(rerr.Kind), rerr.Message, rerr.Failures)
		default:
			s.fail(w, http.StatusConflict, string(rerr.Kind), rerr.Message, rerr.Failures)
		}
	case errors.As(err, &commit):
		status := http.StatusBadGateway
		switch commit.Op {
		case scheduler.OpCredential:
			status = http.StatusFailedDependency
		case scheduler.OpPersist:
			status = http.StatusInternalServerError
		}
		s.logger.Error("Commit failed", "path", r.URL.Path, "error", err)
		s.fail(w, status, "commit_"+commit.Op, err.Error(), nil)
	case errors.Is(err, scheduler.ErrInvalidSlot),
		errors.Is(err, scheduler.ErrInvalidInvitee),
		errors.Is(err, models.ErrInvalidEvent),
		errors.Is(err, store.ErrInvariant):
		s.fail(w, http.StatusBadRequest, "invalid_request", err.Error(), nil)
	case errors.Is(err, scheduler.ErrInvalidState):
		s.fail(w, http.StatusConflict, "invalid_state", err.Error(), nil)
	case errors.Is(err, context.DeadlineExceeded):
		s.fail(w, http.StatusGatewayTimeout, "timeout", "request timed out", nil)
	default:
		s.logger.Error("Request failed", "path", r.URL.Path, "error", err)
		s.fail(w, http.StatusInternalServerError, "internal", "internal server error", nil)
	}
}

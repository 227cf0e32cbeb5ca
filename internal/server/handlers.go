package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"convene/internal/models"
	"convene/internal/scheduler"
)

type createEventRequest struct {
	Title       string   `json:"title" validate:"required,max=200"`
	Description string   `json:"description" validate:"max=5000"`
	Location    string   `json:"location" validate:"max=500"`
	Duration    int      `json:"duration" validate:"required,oneof=15 30 45 60 90 120"`
	ContactIDs  []string `json:"contactIds" validate:"dive,required"`
}

type editEventRequest struct {
	Title       *string `json:"title" validate:"omitempty,min=1,max=200"`
	Description *string `json:"description" validate:"omitempty,max=5000"`
	Location    *string `json:"location" validate:"omitempty,max=500"`
}

// windowRequest asks for availability within [start, end). Duration 0 uses
// the event's duration.
type windowRequest struct {
	Start    *time.Time `json:"start" validate:"required"`
	End      *time.Time `json:"end" validate:"required"`
	Duration int        `json:"duration" validate:"omitempty,oneof=15 30 45 60 90 120"`
}

func (req windowRequest) window() models.TimeSlot {
	return models.TimeSlot{Start: *req.Start, End: *req.End}
}

type confirmRequest struct {
	Start *time.Time `json:"start" validate:"required"`
	End   *time.Time `json:"end" validate:"required"`
}

type respondRequest struct {
	Status string `json:"status" validate:"required,oneof=accepted declined"`
}

type participantResponse struct {
	ContactID string                   `json:"contactId"`
	UserID    string                   `json:"userId,omitempty"`
	Email     string                   `json:"email"`
	Status    models.ParticipantStatus `json:"status"`
}

type eventResponse struct {
	ID              string                `json:"id"`
	OwnerID         string                `json:"ownerId"`
	Title           string                `json:"title"`
	Description     string                `json:"description,omitempty"`
	Location        string                `json:"location,omitempty"`
	Duration        models.Minutes        `json:"duration"`
	Status          models.EventStatus    `json:"status"`
	Selected        *models.TimeSlot      `json:"selected,omitempty"`
	ProviderEventID string                `json:"providerEventId,omitempty"`
	Participants    []participantResponse `json:"participants,omitempty"`
	CreatedAt       time.Time             `json:"createdAt"`
	UpdatedAt       time.Time             `json:"updatedAt"`
	Warnings        []scheduler.Warning   `json:"warnings,omitempty"`
}

func toEventResponse(v *scheduler.EventView) eventResponse {
	ev := v.Event
	resp := eventResponse{
		ID:              ev.ID,
		OwnerID:         ev.OwnerID,
		Title:           ev.Title,
		Description:     ev.Description,
		Location:        ev.Location,
		Duration:        ev.Duration,
		Status:          ev.Status,
		Selected:        ev.Selected,
		ProviderEventID: ev.ProviderEventID,
		Participants:    make([]participantResponse, 0, len(v.Participants)),
		CreatedAt:       ev.CreatedAt,
		UpdatedAt:       ev.UpdatedAt,
	}
	for _, p := range v.Participants {
		resp.Participants = append(resp.Participants, participantResponse{
			ContactID: p.ContactID,
			UserID:    p.UserID,
			Email:     p.Email,
			Status:    p.Status,
		})
	}
	return resp
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request) {
	var req createEventRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	view, err := s.svc.Planner.Create(r.Context(), getUserID(r.Context()), scheduler.CreateInput{
		Title:       req.Title,
		Description: req.Description,
		Location:    req.Location,
		Duration:    models.Minutes(req.Duration),
		ContactIDs:  req.ContactIDs,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusCreated, toEventResponse(view))
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.svc.Planner.List(r.Context(), getUserID(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]eventResponse, 0, len(events))
	for _, ev := range events {
		resp := toEventResponse(&scheduler.EventView{Event: ev})
		resp.Participants = nil
		out = append(out, resp)
	}
	s.respond(w, http.StatusOK, out)
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.Planner.Get(r.Context(), getUserID(r.Context()), chi.URLParam(r, "eventID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, toEventResponse(view))
}

func (s *Server) handleEditEvent(w http.ResponseWriter, r *http.Request) {
	var req editEventRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	view, warnings, err := s.svc.Planner.Edit(r.Context(), getUserID(r.Context()), chi.URLParam(r, "eventID"), scheduler.EditInput{
		Title:       req.Title,
		Description: req.Description,
		Location:    req.Location,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := toEventResponse(view)
	resp.Warnings = warnings
	s.respond(w, http.StatusOK, resp)
}

// handleResolve runs an availability resolution within the request.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	var req windowRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.svc.Planner.Get(r.Context(), getUserID(r.Context()), eventID); err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.svc.ResolveTimeout)
	defer cancel()

	res, err := s.svc.Resolver.Resolve(ctx, eventID, req.window(), models.Minutes(req.Duration))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, res)
}

// handleStartCheck starts a background resolution and returns its id.
func (s *Server) handleStartCheck(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	var req windowRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	userID := getUserID(r.Context())
	if _, err := s.svc.Planner.Get(r.Context(), userID, eventID); err != nil {
		s.writeError(w, r, err)
		return
	}

	check, err := s.svc.Checks.Start(r.Context(), userID, eventID, req.window(), models.Minutes(req.Duration))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/checks/"+check.ID)
	s.respond(w, http.StatusAccepted, check)
}

func (s *Server) handleGetCheck(w http.ResponseWriter, r *http.Request) {
	check, ok := s.svc.Checks.Get(chi.URLParam(r, "checkID"))
	if !ok || check.OwnerID != getUserID(r.Context()) {
		s.fail(w, http.StatusNotFound, "not_found", "check not found", nil)
		return
	}
	s.respond(w, http.StatusOK, check)
}

func (s *Server) handleCancelCheck(w http.ResponseWriter, r *http.Request) {
	checkID := chi.URLParam(r, "checkID")
	check, ok := s.svc.Checks.Get(checkID)
	if !ok || check.OwnerID != getUserID(r.Context()) {
		s.fail(w, http.StatusNotFound, "not_found", "check not found", nil)
		return
	}
	check, _ = s.svc.Checks.Cancel(checkID)
	s.respond(w, http.StatusOK, check)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	eventID := chi.URLParam(r, "eventID")
	var req confirmRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.svc.Planner.Authorize(r.Context(), getUserID(r.Context()), eventID); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.svc.Committer.Confirm(r.Context(), eventID, models.TimeSlot{Start: *req.Start, End: *req.End})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, res)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.release(w, r, s.svc.Committer.Cancel)
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	s.release(w, r, s.svc.Committer.Archive)
}

func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	s.release(w, r, s.svc.Committer.Delete)
}

func (s *Server) release(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (*scheduler.ReleaseResult, error)) {
	eventID := chi.URLParam(r, "eventID")
	if _, err := s.svc.Planner.Authorize(r.Context(), getUserID(r.Context()), eventID); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := op(r.Context(), eventID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, res)
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if err := s.decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	err := s.svc.Planner.Respond(r.Context(), getUserID(r.Context()),
		chi.URLParam(r, "eventID"), chi.URLParam(r, "contactID"), models.ParticipantStatus(req.Status))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": req.Status})
}

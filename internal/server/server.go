// Package server provides the HTTP API for events, availability checks and
// slot confirmation.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"convene/internal/availability"
	"convene/internal/checks"
	"convene/internal/scheduler"
	"convene/internal/store"
)

// UserHeader carries the caller's user id, set by the fronting identity
// proxy.
const UserHeader = "X-User-ID"

type contextKey string

const contextKeyUserID contextKey = "user_id"

// Services are the handlers' dependencies.
type Services struct {
	Users     store.Users
	Planner   *scheduler.Planner
	Committer *scheduler.Committer
	Resolver  *availability.Resolver
	Checks    *checks.Registry
	// ResolveTimeout bounds synchronous availability requests.
	ResolveTimeout time.Duration
}

// Server holds dependencies for HTTP handlers.
type Server struct {
	svc       Services
	validator *Validator
	router    *chi.Mux
	logger    *slog.Logger
}

// New creates a Server with all routes configured.
func New(svc Services, logger *slog.Logger) *Server {
	if svc.ResolveTimeout <= 0 {
		svc.ResolveTimeout = checks.DefaultTimeout
	}
	s := &Server{
		svc:       svc,
		validator: NewValidator(),
		router:    chi.NewRouter(),
		logger:    logger,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.logRequests)
	s.router.Use(middleware.Recoverer)
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealthCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.requireUser)

		r.Route("/events", func(r chi.Router) {
			r.Get("/", s.handleListEvents)
			r.Post("/", s.handleCreateEvent)
			r.Get("/{eventID}", s.handleGetEvent)
			r.Patch("/{eventID}", s.handleEditEvent)
			r.Delete("/{eventID}", s.handleDeleteEvent)

			r.Post("/{eventID}/availability", s.handleResolve)
			r.Post("/{eventID}/checks", s.handleStartCheck)

			r.Post("/{eventID}/confirm", s.handleConfirm)
			r.Post("/{eventID}/cancel", s.handleCancel)
			r.Post("/{eventID}/archive", s.handleArchive)

			r.Post("/{eventID}/participants/{contactID}/respond", s.handleRespond)
		})

		r.Get("/checks/{checkID}", s.handleGetCheck)
		r.Delete("/checks/{checkID}", s.handleCancelCheck)
	})
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// requireUser attaches the caller's id to the request context. Unknown
// users are rejected.
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get(UserHeader))
		if userID == "" {
			s.fail(w, http.StatusUnauthorized, "unauthorized", "missing "+UserHeader+" header", nil)
			return
		}
		if _, err := s.svc.Users.GetUser(r.Context(), userID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				s.fail(w, http.StatusUnauthorized, "unauthorized", "unknown user", nil)
				return
			}
			s.writeError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), contextKeyUserID, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// getUserID returns the id attached by requireUser.
func getUserID(ctx context.Context) string {
	if userID, ok := ctx.Value(contextKeyUserID).(string); ok {
		return userID
	}
	return ""
}

// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/okian/rollcall/internal/adapters/broadcast"
	"github.com/okian/rollcall/internal/adapters/media"
	"github.com/okian/rollcall/internal/adapters/repository"
	"github.com/okian/rollcall/internal/domain/model"
	"github.com/okian/rollcall/internal/domain/types"
	"github.com/okian/rollcall/pkg/logger"
)

// StatsProvider serves the dashboard summary.
type StatsProvider interface {
	Stats(ctx context.Context) (types.Stats, error)
}

// UserService manages registered users.
type UserService interface {
	Users(ctx context.Context) ([]types.UserSummary, error)
	CreateUser(ctx context.Context, req types.CreateUserRequest) (types.UserSummary, error)
}

// AttendanceService reads and writes attendance records.
type AttendanceService interface {
	Attendance(ctx context.Context, f repository.Filter) ([]types.AttendanceEntry, error)
	Weekly(ctx context.Context) ([]types.WeeklyDay, error)
	ExportCSV(ctx context.Context, w io.Writer, f repository.Filter) error
	Mark(ctx context.Context, id model.Identity, status model.Status) (types.MarkResponse, error)
}

// RecognitionController drives the recognition loop.
type RecognitionController interface {
	StartRecognition() (bool, error)
	StopRecognition() bool
	RecognitionStatus() types.RecognitionStatus
	RunCycle(ctx context.Context) types.CycleResult
	ReleaseCooldown(ctx context.Context, id model.Identity) bool
}

// Subscriber attaches live event consumers.
type Subscriber interface {
	Subscribe() (*broadcast.Subscription, error)
	Unsubscribe(id string) bool
}

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to implementations in other packages.
type Dependencies interface {
	StatsProvider
	UserService
	AttendanceService
	RecognitionController
	Subscriber
}

// Option applies a configuration option to the Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(log logger.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.logger = log
		}
	}
}

// WithOrigins sets the CORS allow list. Empty allows any origin.
func WithOrigins(origins []string) Option {
	return func(s *Server) {
		s.origins = origins
	}
}

// WithUploadsDir serves stored photos from dir under /uploads/.
func WithUploadsDir(dir string) Option {
	return func(s *Server) {
		s.uploadsDir = dir
	}
}

// WithLocation sets how dates in query strings are interpreted.
func WithLocation(loc *time.Location) Option {
	return func(s *Server) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// Server wires HTTP routes for the business API.
type Server struct {
	healthHandler      *HealthHandler
	statsHandler       *StatsHandler
	usersHandler       *UsersHandler
	attendanceHandler  *AttendanceHandler
	recognitionHandler *RecognitionHandler
	eventsHandler      *EventsHandler

	origins    []string
	uploadsDir string
	loc        *time.Location
	logger     logger.Logger
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, opts ...Option) *Server {
	s := &Server{
		loc:    time.Local,
		logger: logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.healthHandler = NewHealthHandler()
	s.statsHandler = NewStatsHandler(deps)
	s.usersHandler = NewUsersHandler(deps)
	s.attendanceHandler = NewAttendanceHandler(deps, s.loc)
	s.recognitionHandler = NewRecognitionHandler(deps)
	s.eventsHandler = NewEventsHandler(deps, s.logger.Named("sse"))
	return s
}

// Router returns a chi router with the middleware stack and every API
// route registered. Other adapters mount their routes on it.
func (s *Server) Router(ctx context.Context) *chi.Mux {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(RequestLogger(s.logger))
	r.Use(chiMiddleware.Recoverer)
	r.Use(CORS(s.origins))
	r.Use(MetricsMiddleware)
	s.Register(ctx, r)
	return r
}

// Register attaches all API routes to r.
func (s *Server) Register(_ context.Context, r chi.Router) {
	r.Get("/healthz", s.healthHandler.HandleHealth)
	r.Get("/metrics", s.healthHandler.HandleMetrics)

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", s.statsHandler.HandleStats)

		r.Get("/users", s.usersHandler.HandleList)
		r.Post("/users", s.usersHandler.HandleCreate)

		r.Get("/attendance", s.attendanceHandler.HandleList)
		r.Get("/attendance/weekly", s.attendanceHandler.HandleWeekly)
		r.Get("/attendance/export", s.attendanceHandler.HandleExport)
		r.Post("/attendance/mark", s.attendanceHandler.HandleMark)

		r.Post("/recognition/start", s.recognitionHandler.HandleStart)
		r.Post("/recognition/stop", s.recognitionHandler.HandleStop)
		r.Get("/recognition/status", s.recognitionHandler.HandleStatus)
		r.Post("/recognition/cycle", s.recognitionHandler.HandleCycle)
		r.Delete("/recognition/cooldown/{identity}", s.recognitionHandler.HandleRelease)

		r.Get("/events", s.eventsHandler.HandleStream)
	})

	if s.uploadsDir != "" {
		files := http.StripPrefix("/uploads/", http.FileServer(http.Dir(s.uploadsDir)))
		r.Get("/uploads/*", files.ServeHTTP)
	}
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// writeFailure maps store and validation errors to a status and code.
func writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err)
	case errors.Is(err, repository.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err)
	case errors.Is(err, repository.ErrInvalidInput),
		errors.Is(err, media.ErrInvalidImage),
		errors.Is(err, ErrBadRequest):
		writeError(w, http.StatusBadRequest, "bad_request", err)
	default:
		writeError(w, http.StatusInternalServerError, "internal", err)
	}
}

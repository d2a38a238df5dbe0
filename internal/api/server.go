package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"notification-fanout/internal/auth"
	"notification-fanout/internal/models"
	"notification-fanout/internal/notification"
	"notification-fanout/internal/telemetry"
)

// Limiter is the per-admin request rate limiter.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Exporter writes a delivery report and returns its location.
type Exporter interface {
	Export(ctx context.Context, notificationID string) (string, error)
}

// DLQ exposes dead-lettered chunk messages.
type DLQ interface {
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Server wires HTTP handlers for the admin API.
type Server struct {
	svc      *notification.Service
	exporter Exporter
	dlq      DLQ
	limiter  Limiter
	verifier *auth.Verifier
	log      zerolog.Logger
}

// New constructs the API server. limiter, exporter and dlq may be nil.
func New(svc *notification.Service, verifier *auth.Verifier, limiter Limiter, exporter Exporter, dlq DLQ, log zerolog.Logger) *Server {
	return &Server{
		svc:      svc,
		exporter: exporter,
		dlq:      dlq,
		limiter:  limiter,
		verifier: verifier,
		log:      log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeOK(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.verifier.Middleware(func(w http.ResponseWriter, _ *http.Request) {
			writeError(w, http.StatusUnauthorized, string(notification.CodeUnauthorized), "valid admin bearer token required")
		}))
		r.Use(s.rateLimit)

		r.Post("/notifications", s.handleCreate)
		r.Get("/notifications", s.handleList)
		r.Get("/notifications/{id}", s.handleGet)
		r.Patch("/notifications/{id}", s.handleUpdate)
		r.Post("/notifications/{id}/cancel", s.handleCancel)
		r.Get("/notifications/{id}/summary", s.handleSummary)
		r.Post("/notifications/{id}/report", s.handleReport)
		r.Get("/dlq", s.handleDLQ)
	})
	return r
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		adminID, _ := auth.CurrentAdmin(r.Context())
		allowed, _, err := s.limiter.Allow(r.Context(), "rl:"+adminID)
		if err != nil {
			s.log.Error().Err(err).Msg("rate limiter unavailable")
			writeError(w, http.StatusInternalServerError, string(notification.CodeInternal), "rate limit error")
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req notification.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(notification.CodeValidation), "invalid json")
		return
	}
	n, err := s.svc.Create(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeOK(w, http.StatusCreated, n)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	status := models.NotificationStatus(r.URL.Query().Get("status"))
	items, err := s.svc.List(r.Context(), status, limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if items == nil {
		items = []models.Notification{}
	}
	writeOK(w, http.StatusOK, items)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeOK(w, http.StatusOK, n)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req notification.UpdateInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(notification.CodeValidation), "invalid json")
		return
	}
	n, err := s.svc.Update(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeOK(w, http.StatusOK, n)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeOK(w, http.StatusOK, n)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.svc.Summary(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeOK(w, http.StatusOK, sum)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil {
		writeError(w, http.StatusNotImplemented, string(notification.CodeInternal), "report export not configured")
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := s.svc.Get(r.Context(), id); err != nil {
		s.writeServiceError(w, err)
		return
	}
	location, err := s.exporter.Export(r.Context(), id)
	if err != nil {
		s.log.Error().Err(err).Str("notification_id", id).Msg("report export failed")
		writeError(w, http.StatusInternalServerError, string(notification.CodeInternal), "report export failed")
		return
	}
	writeOK(w, http.StatusAccepted, map[string]string{"location": location})
}

// handleDLQ returns the dead-lettered message ids.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if s.dlq == nil {
		writeOK(w, http.StatusOK, map[string]any{"items": []string{}})
		return
	}
	items, err := s.dlq.DLQPeek(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, string(notification.CodeInternal), "failed to read dlq")
		return
	}
	if items == nil {
		items = []string{}
	}
	writeOK(w, http.StatusOK, map[string]any{"items": items})
}

var statusByCode = map[notification.Code]int{
	notification.CodeValidation:           http.StatusBadRequest,
	notification.CodeUnauthorized:         http.StatusUnauthorized,
	notification.CodeNotFound:             http.StatusNotFound,
	notification.CodeNotEditable:          http.StatusConflict,
	notification.CodeSchedulerUnavailable: http.StatusBadGateway,
	notification.CodeInternal:             http.StatusInternalServerError,
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var se *notification.Error
	if !errors.As(err, &se) {
		se = &notification.Error{Code: notification.CodeInternal, Message: "internal error", Err: err}
	}
	status, ok := statusByCode[se.Code]
	if !ok {
		status = http.StatusInternalServerError
	}
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("code", string(se.Code)).Msg("request failed")
	}
	writeError(w, status, string(se.Code), se.Message)
}

type envelope struct {
	OK    bool       `json:"ok"`
	Data  any        `json:"data,omitempty"`
	Error *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeOK(w http.ResponseWriter, code int, data any) {
	writeJSON(w, code, envelope{OK: true, Data: data})
}

func writeError(w http.ResponseWriter, code int, errCode, msg string) {
	writeJSON(w, code, envelope{OK: false, Error: &errorBody{Code: errCode, Message: msg}})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

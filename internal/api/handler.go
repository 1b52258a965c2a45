package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/djlord-it/easy-notify/internal/auth"
	"github.com/djlord-it/easy-notify/internal/dispatcher"
	"github.com/djlord-it/easy-notify/internal/domain"
	"github.com/djlord-it/easy-notify/internal/notify"
)

// DefaultMaxBodyBytes caps request bodies at 1 MiB.
const DefaultMaxBodyBytes = 1 << 20

// Service is the notification service as seen by the HTTP layer.
type Service interface {
	Schedule(ctx context.Context, userID string, req notify.ScheduleRequest) (notify.Result, error)
	Get(ctx context.Context, userID string, id uuid.UUID) (domain.Notification, error)
	List(ctx context.Context, userID string, limit, offset int) (notify.Page, error)
	Update(ctx context.Context, userID string, id uuid.UUID, req notify.UpdateRequest) (domain.Notification, error)
	Cancel(ctx context.Context, userID string, id uuid.UUID) (domain.Notification, error)
	Attempts(ctx context.Context, userID string, id uuid.UUID) ([]domain.DeliveryAttempt, error)
}

type Authenticator interface {
	RequireAuth(next http.Handler) http.Handler
	Logout(ctx context.Context, id auth.Identity) error
}

// HealthChecker is pinged by verbose /health requests.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to HealthChecker.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type Handler struct {
	svc          Service
	authn        Authenticator
	health       map[string]HealthChecker
	maxBodyBytes int64
	corsOrigins  []string
	logger       logrus.FieldLogger
}

func NewHandler(svc Service, authn Authenticator, logger logrus.FieldLogger) *Handler {
	return &Handler{
		svc:          svc,
		authn:        authn,
		health:       make(map[string]HealthChecker),
		maxBodyBytes: DefaultMaxBodyBytes,
		logger:       logger.WithField("component", "api"),
	}
}

// WithHealthCheck registers a named component for verbose /health responses.
func (h *Handler) WithHealthCheck(name string, c HealthChecker) *Handler {
	if c != nil {
		h.health[name] = c
	}
	return h
}

func (h *Handler) WithMaxBodyBytes(n int64) *Handler {
	if n > 0 {
		h.maxBodyBytes = n
	}
	return h
}

// WithCORS enables CORS for the given origins. Empty disables it.
func (h *Handler) WithCORS(origins []string) *Handler {
	h.corsOrigins = origins
	return h
}

// Routes builds the router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(recoverer(h.logger))
	if len(h.corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: h.corsOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         300,
		}))
	}
	r.Use(h.limitBody)

	r.Get("/health", h.healthz)

	r.Group(func(r chi.Router) {
		r.Use(h.authn.RequireAuth)
		r.Post("/schedule", h.schedule)
		r.Post("/api/schedule", h.schedule)
		r.Post("/logout", h.logout)
		r.Get("/api/jobs", h.listJobs)
		r.Get("/api/jobs/{id}", h.getJob)
		r.Get("/api/jobs/{id}/attempts", h.listAttempts)
		r.Put("/api/jobs/{id}", h.updateJob)
		r.Delete("/api/jobs/{id}", h.cancelJob)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

func (h *Handler) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"
	if !verbose || len(h.health) == 0 {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string, len(h.health)),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.health))
	for name := range h.health {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := h.health[name].Ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.Components[name] = "unhealthy: " + err.Error()
		} else {
			resp.Components[name] = "healthy"
		}
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, resp)
}

func (h *Handler) schedule(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	var req notify.ScheduleRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.svc.Schedule(r.Context(), id.UserID, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	msg := "notification scheduled"
	if res.Status == domain.StatusSent {
		msg = "notification sent"
	}
	writeJSON(w, http.StatusCreated, ScheduleResponse{
		Message: msg,
		JobID:   res.ID.String(),
		Status:  string(res.Status),
	})
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	page, err := h.svc.List(r.Context(), id.UserID, limit, offset)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	resp := ListJobsResponse{
		Jobs:   make([]JobResponse, len(page.Jobs)),
		Counts: toCounts(page.Counts),
	}
	for i, n := range page.Jobs {
		resp.Jobs[i] = toJobResponse(n)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getJob(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}

	n, err := h.svc.Get(r.Context(), id.UserID, jobID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(n))
}

func (h *Handler) listAttempts(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}

	attempts, err := h.svc.Attempts(r.Context(), id.UserID, jobID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp := AttemptsResponse{JobID: jobID.String(), Attempts: make([]AttemptResponse, 0, len(attempts))}
	for _, a := range attempts {
		resp.Attempts = append(resp.Attempts, toAttemptResponse(a))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) updateJob(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}

	var req notify.UpdateRequest
	if !h.decode(w, r, &req) {
		return
	}

	n, err := h.svc.Update(r.Context(), id.UserID, jobID, req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(n))
}

func (h *Handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}

	n, err := h.svc.Cancel(r.Context(), id.UserID, jobID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResponse(n))
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	if err := h.authn.Logout(r.Context(), id); err != nil {
		h.logger.WithError(err).WithField("user_id", id.UserID).Error("logout failed")
		writeError(w, http.StatusServiceUnavailable, "logout unavailable")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

// fail maps a service error onto a status code. Unexpected errors are logged
// and reported as a generic 500.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve      domain.ValidationError
		failed  *dispatcher.DeliveryFailedError
		backend *domain.SchedulingBackendError
	)
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: ve.Message, Field: ve.Field})
	case errors.Is(err, domain.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, domain.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "notification not found")
	case errors.Is(err, domain.ErrNotScheduled):
		writeError(w, http.StatusConflict, "notification is no longer scheduled")
	case errors.As(err, &failed):
		h.logger.WithError(err).WithField("job_id", failed.ID).Warn("immediate delivery failed")
		writeJSON(w, http.StatusBadGateway, ErrorResponse{
			Error: "notification could not be delivered",
			JobID: failed.ID.String(),
		})
	case errors.As(err, &backend):
		h.logger.WithError(err).Error("scheduling backend unavailable")
		writeError(w, http.StatusServiceUnavailable, "scheduling backend unavailable")
	default:
		h.logger.WithError(err).WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// parsePagination extracts and validates limit/offset query parameters.
// A missing or zero limit becomes notify.DefaultListLimit.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = notify.DefaultListLimit

	if s := r.URL.Query().Get("limit"); s != "" {
		limit, err = strconv.Atoi(s)
		if err != nil {
			return 0, 0, errors.New("limit must be an integer")
		}
		if limit < 0 {
			return 0, 0, errors.New("limit must not be negative")
		}
		if limit > notify.MaxListLimit {
			return 0, 0, &limitExceededError{max: notify.MaxListLimit}
		}
		if limit == 0 {
			limit = notify.DefaultListLimit
		}
	}

	if s := r.URL.Query().Get("offset"); s != "" {
		offset, err = strconv.Atoi(s)
		if err != nil {
			return 0, 0, errors.New("offset must be an integer")
		}
		if offset < 0 {
			return 0, 0, errors.New("offset must not be negative")
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}

// Package incidentapi exposes the incident service over HTTP.
package incidentapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/breachlog/internal/authmw"
	"github.com/linnemanlabs/breachlog/internal/incident"
)

// IncidentService defines the business operations incidentapi needs.
type IncidentService interface {
	Create(ctx context.Context, n incident.NewIncident) (*incident.Incident, error)
	Get(ctx context.Context, id string) (*incident.Incident, bool, error)
	List(ctx context.Context, filter incident.Filter) ([]incident.Incident, error)
	ApplyTransition(ctx context.Context, id string, to incident.Status) (*incident.Incident, error)
	Delete(ctx context.Context, id string) (bool, error)
	ListTimeline(ctx context.Context, id string) ([]incident.TimelineEvent, error)
	AddNote(ctx context.Context, id, author, text string) (*incident.TimelineEvent, error)
	Report(ctx context.Context, r incident.Report) (*incident.ReportResult, error)
	CheckDuplicate(ctx context.Context, title, source string) (incident.DuplicationResult, error)
}

// Option configures an API.
type Option func(*API)

// WithAuthenticator installs middleware that authenticates every /api/v1
// request and stores an authmw.Principal in the context. Role checks are
// enforced only when an authenticator is configured.
func WithAuthenticator(mw func(http.Handler) http.Handler) Option {
	return func(a *API) { a.auth = mw }
}

// WithStream serves h at GET /api/v1/stream.
func WithStream(h http.Handler) Option {
	return func(a *API) { a.stream = h }
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    IncidentService
	auth   func(http.Handler) http.Handler
	stream http.Handler
}

// New creates a new API handler.
func New(logger log.Logger, svc IncidentService, opts ...Option) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("incident service is required"))
	}
	a := &API{
		logger: logger,
		svc:    svc,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	viewer := a.require(authmw.RoleViewer)
	analyst := a.require(authmw.RoleAnalyst)
	admin := a.require(authmw.RoleAdmin)

	r.Route("/api/v1", func(r chi.Router) {
		if a.auth != nil {
			r.Use(a.auth)
		}

		r.With(viewer).Get("/incidents", a.handleListIncidents)
		r.With(analyst).Post("/incidents", a.handleCreateIncident)
		r.With(viewer).Get("/incidents/{id}", a.handleGetIncident)
		r.With(admin).Delete("/incidents/{id}", a.handleDeleteIncident)
		r.With(admin).Patch("/incidents/{id}/status", a.handleTransition)
		r.With(viewer).Get("/incidents/{id}/timeline", a.handleListTimeline)
		r.With(analyst).Post("/incidents/{id}/timeline", a.handleAddNote)

		r.With(analyst).Post("/reports", a.handleReport)
		r.With(viewer).Post("/dedup/check", a.handleCheckDuplicate)

		if a.stream != nil {
			r.With(viewer).Get("/stream", a.stream.ServeHTTP)
		}
	})
}

func (a *API) require(role authmw.Role) func(http.Handler) http.Handler {
	if a.auth == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return authmw.RequireRole(role)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing to do with errors here
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps service errors onto status codes. Unexpected errors
// are logged and hidden behind a generic body.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error, msg string, kv ...any) {
	var (
		verr *incident.ValidationError
		terr *incident.TransitionError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": verr.Error(),
			"field": verr.Field,
		})
	case errors.Is(err, incident.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.As(err, &terr):
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "invalid status transition",
			"from":  string(terr.From),
			"to":    string(terr.To),
		})
	case errors.Is(err, incident.ErrStatusConflict):
		writeError(w, http.StatusConflict, "incident status changed concurrently, retry")
	default:
		a.logger.Error(r.Context(), err, msg, kv...)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

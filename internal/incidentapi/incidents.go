package incidentapi

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/breachlog/internal/authmw"
	"github.com/linnemanlabs/breachlog/internal/incident"
	"github.com/linnemanlabs/breachlog/internal/request"
)

type createIncidentRequest struct {
	Title           string            `json:"title" validate:"notblank"`
	Description     string            `json:"description" validate:"notblank"`
	Severity        incident.Severity `json:"severity" validate:"omitempty,oneof=critical high medium low"`
	DiscoveryDate   time.Time         `json:"discovery_date"`
	SourceIDs       []string          `json:"source_ids" validate:"omitempty,dive,notblank"`
	Classifications []string          `json:"classifications"`
}

type transitionRequest struct {
	Status incident.Status `json:"status" validate:"notblank"`
}

type noteRequest struct {
	Text string `json:"text" validate:"notblank"`
}

type listResponse struct {
	Incidents []incident.Incident `json:"incidents"`
	Count     int                 `json:"count"`
}

type timelineResponse struct {
	IncidentID string                   `json:"incident_id"`
	Events     []incident.TimelineEvent `json:"events"`
}

func annotate(r *http.Request, id string) trace.Span {
	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("breachlog.incident.id", id))
	return span
}

func (a *API) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := incident.Filter{
		Status:   incident.Status(q.Get("status")),
		Severity: incident.Severity(q.Get("severity")),
	}

	incs, err := a.svc.List(r.Context(), filter)
	if err != nil {
		a.writeServiceError(w, r, err, "failed to list incidents")
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Incidents: incs, Count: len(incs)})
}

func (a *API) handleCreateIncident(w http.ResponseWriter, r *http.Request) {
	var req createIncidentRequest
	if err := request.Decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	inc, err := a.svc.Create(r.Context(), incident.NewIncident{
		Title:           req.Title,
		Description:     req.Description,
		Severity:        req.Severity,
		DiscoveredAt:    req.DiscoveryDate,
		SourceIDs:       req.SourceIDs,
		Classifications: req.Classifications,
	})
	if err != nil {
		a.writeServiceError(w, r, err, "failed to create incident")
		return
	}

	annotate(r, inc.ID).SetAttributes(attribute.String("breachlog.incident.severity", string(inc.Severity)))
	w.Header().Set("Location", "/api/v1/incidents/"+inc.ID)
	writeJSON(w, http.StatusCreated, inc)
}

func (a *API) handleGetIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	span := annotate(r, id)

	inc, ok, err := a.svc.Get(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get incident", "id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	span.SetAttributes(attribute.String("breachlog.incident.status", string(inc.Status)))
	writeJSON(w, http.StatusOK, inc)
}

func (a *API) handleDeleteIncident(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	annotate(r, id)

	existed, err := a.svc.Delete(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, r, err, "failed to delete incident", "id", id)
		return
	}
	if !existed {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleTransition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	span := annotate(r, id)

	var req transitionRequest
	if err := request.Decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	inc, err := a.svc.ApplyTransition(r.Context(), id, req.Status)
	if err != nil {
		a.writeServiceError(w, r, err, "failed to apply transition", "id", id, "to", req.Status)
		return
	}

	span.SetAttributes(attribute.String("breachlog.incident.status", string(inc.Status)))
	writeJSON(w, http.StatusOK, inc)
}

func (a *API) handleListTimeline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	annotate(r, id)

	// the ledger answers empty for unknown incidents, the API answers 404
	if _, ok, err := a.svc.Get(r.Context(), id); err != nil {
		a.logger.Error(r.Context(), err, "failed to get incident", "id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	} else if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	events, err := a.svc.ListTimeline(r.Context(), id)
	if err != nil {
		a.writeServiceError(w, r, err, "failed to list timeline", "id", id)
		return
	}
	writeJSON(w, http.StatusOK, timelineResponse{IncidentID: id, Events: events})
}

func (a *API) handleAddNote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	annotate(r, id)

	var req noteRequest
	if err := request.Decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var author string
	if p, ok := authmw.PrincipalFromContext(r.Context()); ok {
		author = p.Subject
	}

	ev, err := a.svc.AddNote(r.Context(), id, author, req.Text)
	if err != nil {
		a.writeServiceError(w, r, err, "failed to add note", "id", id)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

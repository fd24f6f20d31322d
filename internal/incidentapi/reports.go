package incidentapi

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/breachlog/internal/incident"
	"github.com/linnemanlabs/breachlog/internal/request"
)

type reportRequest struct {
	Title           string            `json:"title" validate:"notblank"`
	Description     string            `json:"description" validate:"notblank"`
	Source          string            `json:"source" validate:"notblank"`
	PublishedAt     time.Time         `json:"published_at"`
	Severity        incident.Severity `json:"severity" validate:"omitempty,oneof=critical high medium low"`
	Classifications []string          `json:"classifications"`
}

type dedupCheckRequest struct {
	Title  string `json:"title" validate:"notblank"`
	Source string `json:"source"`
}

func (a *API) handleReport(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if err := request.Decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("breachlog.report.source", req.Source))

	res, err := a.svc.Report(r.Context(), incident.Report{
		Title:           req.Title,
		Description:     req.Description,
		Source:          req.Source,
		PublishedAt:     req.PublishedAt,
		Severity:        req.Severity,
		Classifications: req.Classifications,
	})
	if err != nil {
		a.writeServiceError(w, r, err, "failed to ingest report", "source", req.Source)
		return
	}

	span.SetAttributes(
		attribute.String("breachlog.incident.id", res.Incident.ID),
		attribute.Bool("breachlog.dedup.duplicate", res.Duplicate),
	)
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (a *API) handleCheckDuplicate(w http.ResponseWriter, r *http.Request) {
	var req dedupCheckRequest
	if err := request.Decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := a.svc.CheckDuplicate(r.Context(), req.Title, req.Source)
	if err != nil {
		a.writeServiceError(w, r, err, "failed to check duplicate")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

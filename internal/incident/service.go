package incident

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Field length bounds enforced on create.
const (
	MinTitleLen       = 5
	MaxTitleLen       = 500
	MinDescriptionLen = 10
	MaxDescriptionLen = 5000
)

const tracerName = "github.com/linnemanlabs/breachlog/internal/incident"

// maxConflictRetries bounds how often a transition is re-evaluated after the
// store reports that another writer changed the status first.
const maxConflictRetries = 3

// Options carries the optional collaborators of a Service.
type Options struct {
	// Deduplicator scores candidates. Nil uses DefaultDeduplicator.
	Deduplicator *Deduplicator

	// DisableReportDedup makes Report create an incident for every report.
	DisableReportDedup bool

	// Notifier receives NEW_INCIDENT, STATUS_CHANGE and INCIDENT_DELETED
	// notifications. Nil disables notifications.
	Notifier Notifier

	Metrics *Metrics

	// Now overrides the clock. Nil uses time.Now.
	Now func() time.Time
}

// Service is the business boundary for incident operations. It owns the
// lifecycle rules and timeline bookkeeping; persistence is delegated to the
// injected Store and Ledger.
type Service struct {
	store       Store
	ledger      Ledger
	dedup       *Deduplicator
	reportDedup bool
	notifier    Notifier
	metrics     *Metrics
	logger      log.Logger
	now         func() time.Time

	locks    keyedMutex
	inflight sync.WaitGroup

	// notifications are delivered one at a time in dispatch order
	queueMu  sync.Mutex
	queue    []queuedNotification
	draining bool
}

type queuedNotification struct {
	ctx context.Context
	n   *Notification
}

// NewService creates a new incident service.
func NewService(store Store, ledger Ledger, logger log.Logger, opts Options) *Service {
	if store == nil {
		panic(xerrors.New("incident.NewService: store is nil"))
	}
	if ledger == nil {
		panic(xerrors.New("incident.NewService: ledger is nil"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	if opts.Deduplicator == nil {
		opts.Deduplicator = DefaultDeduplicator()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:       store,
		ledger:      ledger,
		dedup:       opts.Deduplicator,
		reportDedup: !opts.DisableReportDedup,
		notifier:    opts.Notifier,
		metrics:     opts.Metrics,
		logger:      logger,
		now:         opts.Now,
	}
}

// Create validates n, stores a new incident in status reported and appends
// its created event. The stored incident is removed again if the event
// cannot be recorded.
func (s *Service) Create(ctx context.Context, n NewIncident) (*Incident, error) {
	ctx, span := startSpan(ctx, "incident.Create")
	defer span.End()

	inc, err := s.create(ctx, n)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("breachlog.incident.id", inc.ID))

	s.dispatch(ctx, &Notification{Kind: NotifyNewIncident, Incident: inc.Clone(), Timestamp: inc.UpdatedAt})
	return inc, nil
}

func (s *Service) create(ctx context.Context, n NewIncident) (*Incident, error) {
	now := s.now()
	if err := validateNew(&n, now); err != nil {
		return nil, err
	}

	inc := &Incident{
		ID:              ulid.Make().String(),
		Title:           n.Title,
		Description:     n.Description,
		Severity:        n.Severity,
		Status:          StatusReported,
		DiscoveredAt:    n.DiscoveredAt,
		UpdatedAt:       now,
		SourceIDs:       uniqueNonEmpty(n.SourceIDs),
		Classifications: uniqueNonEmpty(n.Classifications),
	}

	if err := s.store.Create(ctx, inc); err != nil {
		return nil, fmt.Errorf("create incident: %w", err)
	}

	if _, err := s.ledger.Append(ctx, inc.ID, EventCreated, map[string]any{
		"title":    inc.Title,
		"severity": string(inc.Severity),
		"status":   string(inc.Status),
	}); err != nil {
		if _, derr := s.store.Delete(ctx, inc.ID); derr != nil {
			s.logger.Error(ctx, derr, "failed to remove incident after timeline append failure", "incident_id", inc.ID)
		}
		return nil, fmt.Errorf("append created event: %w", err)
	}

	s.metrics.created(inc.Severity)
	s.metrics.appended(EventCreated)
	s.logger.Info(ctx, "incident created",
		"incident_id", inc.ID,
		"severity", inc.Severity,
		"sources", len(inc.SourceIDs),
	)
	return inc, nil
}

// Get retrieves an incident by ID.
func (s *Service) Get(ctx context.Context, id string) (*Incident, bool, error) {
	return s.store.Get(ctx, id)
}

// List returns incidents matching filter in creation order.
func (s *Service) List(ctx context.Context, filter Filter) ([]Incident, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, invalid("status", "must be one of %v", Statuses)
	}
	if filter.Severity != "" && !filter.Severity.Valid() {
		return nil, invalid("severity", "must be one of critical, high, medium, low")
	}
	return s.store.List(ctx, filter)
}

// ApplyTransition moves an incident to status to if the lifecycle table allows
// it, then appends one status_changed event. Transitions of the same incident
// are serialized. On any failure status and timeline are left unchanged.
func (s *Service) ApplyTransition(ctx context.Context, id string, to Status) (*Incident, error) {
	ctx, span := startSpan(ctx, "incident.ApplyTransition",
		attribute.String("breachlog.incident.id", id),
		attribute.String("breachlog.status.to", string(to)),
	)
	defer span.End()

	inc, from, err := s.applyTransition(ctx, id, to)
	if err != nil {
		recordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.String("breachlog.status.from", string(from)))
	return inc, nil
}

func (s *Service) applyTransition(ctx context.Context, id string, to Status) (*Incident, Status, error) {
	if !to.Valid() {
		return nil, "", invalid("status", "must be one of %v", Statuses)
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	// The keyed mutex is per process. A writer elsewhere can move the status
	// between Get and UpdateStatus; on ErrStatusConflict the move is judged
	// again against the fresh status.
	var (
		lastErr  error
		lastFrom Status
	)
	for attempt := 0; attempt <= maxConflictRetries; attempt++ {
		inc, from, err := s.tryTransition(ctx, id, to)
		if !errors.Is(err, ErrStatusConflict) {
			return inc, from, err
		}
		lastErr, lastFrom = err, from
		s.logger.Warn(ctx, "incident status changed concurrently, re-reading",
			"incident_id", id, "to", to, "attempt", attempt+1)
	}
	s.metrics.transition(lastFrom, to, "conflict")
	return nil, lastFrom, fmt.Errorf("update incident %s status: %w", id, lastErr)
}

// tryTransition makes one read-check-update pass. The caller holds the
// incident's lock.
func (s *Service) tryTransition(ctx context.Context, id string, to Status) (*Incident, Status, error) {
	cur, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, "", fmt.Errorf("get incident %s: %w", id, err)
	}
	if !ok {
		return nil, "", ErrNotFound
	}

	from := cur.Status
	if err := checkTransition(from, to); err != nil {
		s.metrics.transition(from, to, "rejected")
		return nil, from, err
	}

	at := s.now()
	if at.Before(cur.DiscoveredAt) {
		at = cur.DiscoveredAt
	}

	updated, err := s.store.UpdateStatus(ctx, id, from, to, at)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, from, ErrNotFound
	case errors.Is(err, ErrStatusConflict):
		return nil, from, err
	case err != nil:
		return nil, from, fmt.Errorf("update incident %s status: %w", id, err)
	}

	if _, err := s.ledger.Append(ctx, id, EventStatusChanged, map[string]any{
		"old_status": string(from),
		"new_status": string(to),
	}); err != nil {
		if _, rerr := s.store.UpdateStatus(ctx, id, to, from, cur.UpdatedAt); rerr != nil {
			s.logger.Error(ctx, rerr, "failed to revert status after timeline append failure",
				"incident_id", id, "from", from, "to", to)
		}
		return nil, from, fmt.Errorf("append status_changed event: %w", err)
	}

	s.metrics.transition(from, to, "applied")
	s.metrics.appended(EventStatusChanged)
	s.logger.Info(ctx, "incident status changed", "incident_id", id, "from", from, "to", to)

	// queued under the lock so changes of one incident notify in order
	s.dispatch(ctx, &Notification{
		Kind:      NotifyStatusChange,
		Incident:  updated.Clone(),
		OldStatus: from,
		NewStatus: to,
		Timestamp: updated.UpdatedAt,
	})
	return updated, from, nil
}

// ListTimeline returns the incident's events in append order. Unknown
// incidents yield an empty slice.
func (s *Service) ListTimeline(ctx context.Context, id string) ([]TimelineEvent, error) {
	events, err := s.ledger.List(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list timeline %s: %w", id, err)
	}
	return events, nil
}

// AddNote appends a free-form note event to an existing incident.
func (s *Service) AddNote(ctx context.Context, id, author, text string) (*TimelineEvent, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, invalid("note", "is required")
	}
	if utf8.RuneCountInString(text) > MaxDescriptionLen {
		return nil, invalid("note", "must not exceed %d characters", MaxDescriptionLen)
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	if _, ok, err := s.store.Get(ctx, id); err != nil {
		return nil, fmt.Errorf("get incident %s: %w", id, err)
	} else if !ok {
		return nil, ErrNotFound
	}

	details := map[string]any{"text": text}
	if author != "" {
		details["author"] = author
	}
	ev, err := s.ledger.Append(ctx, id, EventNote, details)
	if err != nil {
		return nil, fmt.Errorf("append note: %w", err)
	}
	s.metrics.appended(EventNote)
	return ev, nil
}

// CheckDuplicate scores a candidate against every known incident. It never
// mutates anything.
func (s *Service) CheckDuplicate(ctx context.Context, title, source string) (DuplicationResult, error) {
	ctx, span := startSpan(ctx, "incident.CheckDuplicate")
	defer span.End()

	pool, err := s.store.List(ctx, Filter{})
	if err != nil {
		recordError(span, err)
		return DuplicationResult{}, fmt.Errorf("list incidents: %w", err)
	}

	res := s.dedup.Check(title, source, pool)
	s.metrics.dedupChecked(res)
	span.SetAttributes(
		attribute.Int("breachlog.dedup.pool_size", len(pool)),
		attribute.Bool("breachlog.dedup.duplicate", res.IsDuplicate),
	)
	return res, nil
}

// Report ingests a candidate from an external source. A duplicate is recorded
// on the matched incident's timeline and the matched incident is returned;
// otherwise a new incident is created from the report.
func (s *Service) Report(ctx context.Context, r Report) (*ReportResult, error) {
	ctx, span := startSpan(ctx, "incident.Report", attribute.String("breachlog.report.source", r.Source))
	defer span.End()

	res, err := s.report(ctx, r)
	if err != nil {
		recordError(span, err)
		s.metrics.reported("error")
		return nil, err
	}
	span.SetAttributes(
		attribute.String("breachlog.incident.id", res.Incident.ID),
		attribute.Bool("breachlog.dedup.duplicate", res.Duplicate),
	)
	return res, nil
}

func (s *Service) report(ctx context.Context, r Report) (*ReportResult, error) {
	r.Source = strings.TrimSpace(r.Source)
	if r.Source == "" {
		return nil, invalid("source", "is required")
	}

	n := NewIncident{
		Title:           r.Title,
		Description:     r.Description,
		Severity:        r.Severity,
		DiscoveredAt:    r.PublishedAt,
		SourceIDs:       []string{r.Source},
		Classifications: r.Classifications,
	}
	if n.Severity == "" {
		n.Severity = ClassifySeverity(r.Title, r.Description)
	}
	if err := validateNew(&n, s.now()); err != nil {
		return nil, err
	}

	if s.reportDedup {
		dup, err := s.CheckDuplicate(ctx, n.Title, r.Source)
		if err != nil {
			return nil, err
		}
		if dup.IsDuplicate {
			inc, err := s.recordDuplicate(ctx, dup, n.Title, r.Source)
			if err != nil {
				return nil, err
			}
			if inc != nil {
				s.metrics.reported("duplicate")
				return &ReportResult{Incident: inc, Duplicate: true, Similarity: dup.Similarity}, nil
			}
			// matched incident was deleted after the scan; treat the report as new
		}
	}

	inc, err := s.Create(ctx, n)
	if err != nil {
		return nil, err
	}
	s.metrics.reported("created")
	return &ReportResult{Incident: inc}, nil
}

// recordDuplicate appends a duplicate_reported event to the matched incident.
// It returns nil without error when the incident no longer exists.
func (s *Service) recordDuplicate(ctx context.Context, dup DuplicationResult, title, source string) (*Incident, error) {
	unlock := s.locks.Lock(dup.MatchedID)
	defer unlock()

	inc, ok, err := s.store.Get(ctx, dup.MatchedID)
	if err != nil {
		return nil, fmt.Errorf("get incident %s: %w", dup.MatchedID, err)
	}
	if !ok {
		return nil, nil
	}

	if _, err := s.ledger.Append(ctx, inc.ID, EventDuplicateReported, map[string]any{
		"source":     source,
		"title":      title,
		"similarity": dup.Similarity,
	}); err != nil {
		return nil, fmt.Errorf("append duplicate_reported event: %w", err)
	}
	s.metrics.appended(EventDuplicateReported)
	s.logger.Info(ctx, "duplicate report recorded",
		"incident_id", inc.ID,
		"source", source,
		"similarity", dup.Similarity,
	)
	return inc, nil
}

// Delete removes an incident and its whole timeline. It reports whether the
// incident existed.
func (s *Service) Delete(ctx context.Context, id string) (bool, error) {
	ctx, span := startSpan(ctx, "incident.Delete", attribute.String("breachlog.incident.id", id))
	defer span.End()

	unlock := s.locks.Lock(id)
	defer unlock()

	inc, _, err := s.store.Get(ctx, id)
	if err != nil {
		recordError(span, err)
		return false, fmt.Errorf("get incident %s: %w", id, err)
	}

	// Timeline first: if the incident delete then fails, the incident is
	// still reachable and a retried Delete finishes the job. The other order
	// could strand events of an incident that no longer exists.
	if _, err := s.ledger.DeleteAll(ctx, id); err != nil {
		recordError(span, err)
		return false, fmt.Errorf("delete timeline %s: %w", id, err)
	}
	existed, err := s.store.Delete(ctx, id)
	if err != nil {
		recordError(span, err)
		return false, fmt.Errorf("delete incident %s: %w", id, err)
	}
	if !existed {
		return false, nil
	}

	s.metrics.deleted()
	s.logger.Info(ctx, "incident deleted", "incident_id", id)
	if inc != nil {
		s.dispatch(ctx, &Notification{Kind: NotifyIncidentDeleted, Incident: inc, Timestamp: s.now()})
	}
	return true, nil
}

// Wait blocks until in-flight notifications have been delivered.
func (s *Service) Wait() {
	s.inflight.Wait()
}

// dispatch queues n for asynchronous delivery. A single goroutine drains the
// queue, so notifiers see notifications in dispatch order. Delivery failures
// are logged only.
func (s *Service) dispatch(ctx context.Context, n *Notification) {
	if s.notifier == nil {
		return
	}
	s.inflight.Add(1)

	s.queueMu.Lock()
	s.queue = append(s.queue, queuedNotification{ctx: context.WithoutCancel(ctx), n: n})
	start := !s.draining
	s.draining = true
	s.queueMu.Unlock()

	if start {
		go s.drainQueue()
	}
}

func (s *Service) drainQueue() {
	for {
		s.queueMu.Lock()
		if len(s.queue) == 0 {
			s.draining = false
			s.queueMu.Unlock()
			return
		}
		q := s.queue[0]
		s.queue[0] = queuedNotification{}
		s.queue = s.queue[1:]
		s.queueMu.Unlock()

		s.deliver(q.ctx, q.n)
		s.inflight.Done()
	}
}

func (s *Service) deliver(ctx context.Context, n *Notification) {
	err := s.notifier.Notify(ctx, n)
	s.metrics.notified(n.Kind, err)
	if err != nil {
		s.logger.Error(ctx, err, "notification delivery failed",
			"kind", n.Kind,
			"incident_id", n.Incident.ID,
		)
	}
}

func validateNew(n *NewIncident, now time.Time) error {
	n.Title = strings.TrimSpace(n.Title)
	n.Description = strings.TrimSpace(n.Description)

	switch l := utf8.RuneCountInString(n.Title); {
	case l == 0:
		return invalid("title", "is required")
	case l < MinTitleLen:
		return invalid("title", "must be at least %d characters", MinTitleLen)
	case l > MaxTitleLen:
		return invalid("title", "must not exceed %d characters", MaxTitleLen)
	}

	switch l := utf8.RuneCountInString(n.Description); {
	case l == 0:
		return invalid("description", "is required")
	case l < MinDescriptionLen:
		return invalid("description", "must be at least %d characters", MinDescriptionLen)
	case l > MaxDescriptionLen:
		return invalid("description", "must not exceed %d characters", MaxDescriptionLen)
	}

	if n.Severity == "" {
		n.Severity = SeverityMedium
	}
	if !n.Severity.Valid() {
		return invalid("severity", "must be one of critical, high, medium, low")
	}

	if n.DiscoveredAt.IsZero() {
		n.DiscoveredAt = now
	}
	if n.DiscoveredAt.After(now) {
		return invalid("discovery_date", "must not be in the future")
	}
	return nil
}

// uniqueNonEmpty trims values and drops blanks and repeats, keeping first-seen
// order. The result is never nil.
func uniqueNonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.GetTracerProvider().Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

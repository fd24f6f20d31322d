package incident

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the incident subsystem.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	IncidentsCreated  *prometheus.CounterVec
	IncidentsDeleted  prometheus.Counter
	TransitionsTotal  *prometheus.CounterVec
	DedupChecksTotal  *prometheus.CounterVec
	DedupSimilarity   prometheus.Histogram
	TimelineAppends   *prometheus.CounterVec
	NotificationsSent *prometheus.CounterVec
	ReportsTotal      *prometheus.CounterVec
}

// NewMetrics registers and returns incident metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IncidentsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "breachlog_incidents_created_total",
			Help: "Total incidents created by severity.",
		}, []string{"severity"}),
		IncidentsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "breachlog_incidents_deleted_total",
			Help: "Total incidents deleted.",
		}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "breachlog_transitions_total",
			Help: "Status transitions by from, to and outcome.",
		}, []string{"from", "to", "outcome"}),
		DedupChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "breachlog_dedup_checks_total",
			Help: "Duplicate checks by result.",
		}, []string{"result"}),
		DedupSimilarity: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "breachlog_dedup_match_similarity",
			Help:    "Similarity score of matched duplicates.",
			Buckets: prometheus.LinearBuckets(0.7, 0.05, 7), // 0.70 .. 1.00
		}),
		TimelineAppends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "breachlog_timeline_appends_total",
			Help: "Timeline events appended by kind.",
		}, []string{"event"}),
		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "breachlog_notifications_total",
			Help: "Notification dispatches by kind and status.",
		}, []string{"kind", "status"}),
		ReportsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "breachlog_reports_total",
			Help: "Ingested reports by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.IncidentsCreated,
		m.IncidentsDeleted,
		m.TransitionsTotal,
		m.DedupChecksTotal,
		m.DedupSimilarity,
		m.TimelineAppends,
		m.NotificationsSent,
		m.ReportsTotal,
	)

	return m
}

func (m *Metrics) created(sev Severity) {
	if m == nil {
		return
	}
	m.IncidentsCreated.WithLabelValues(string(sev)).Inc()
}

func (m *Metrics) deleted() {
	if m == nil {
		return
	}
	m.IncidentsDeleted.Inc()
}

func (m *Metrics) transition(from, to Status, outcome string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(string(from), string(to), outcome).Inc()
}

func (m *Metrics) dedupChecked(r DuplicationResult) {
	if m == nil {
		return
	}
	if !r.IsDuplicate {
		m.DedupChecksTotal.WithLabelValues("unique").Inc()
		return
	}
	m.DedupChecksTotal.WithLabelValues("duplicate").Inc()
	m.DedupSimilarity.Observe(r.Similarity)
}

func (m *Metrics) appended(kind string) {
	if m == nil {
		return
	}
	m.TimelineAppends.WithLabelValues(kind).Inc()
}

func (m *Metrics) notified(kind NotificationKind, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.NotificationsSent.WithLabelValues(string(kind), status).Inc()
}

func (m *Metrics) reported(result string) {
	if m == nil {
		return
	}
	m.ReportsTotal.WithLabelValues(result).Inc()
}

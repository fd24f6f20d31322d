package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/breachlog/internal/authmw"
	bc "github.com/linnemanlabs/breachlog/internal/cfg"
	"github.com/linnemanlabs/breachlog/internal/incident"
	"github.com/linnemanlabs/breachlog/internal/incident/memstore"
	"github.com/linnemanlabs/breachlog/internal/incident/pgstore"
	"github.com/linnemanlabs/breachlog/internal/incidentapi"
	"github.com/linnemanlabs/breachlog/internal/notify/slack"
	"github.com/linnemanlabs/breachlog/internal/notify/webhook"
	"github.com/linnemanlabs/breachlog/internal/postgres"
	"github.com/linnemanlabs/breachlog/internal/stream"
)

// maxRequestBody caps API request bodies. Reports carry at most 5000
// characters of description, so 64KB leaves plenty of room.
const maxRequestBody = 64 << 10

// openStores picks postgres when a database URL is configured and the
// in-memory store otherwise. closeFn is never nil.
func openStores(ctx context.Context, c *bc.Config, L log.Logger) (incident.Store, incident.Ledger, func(), error) {
	if c.DatabaseURL == "" {
		L.Info(ctx, "using in-memory store, incidents are lost on restart")
		return memstore.New(), memstore.NewLedger(), func() {}, nil
	}

	if c.AutoMigrate {
		if err := postgres.Migrate(ctx, c.DatabaseURL); err != nil {
			return nil, nil, nil, fmt.Errorf("postgres migrate: %w", err)
		}
		L.Info(ctx, "database schema up to date")
	}
	pool, err := postgres.NewPool(ctx, c.DatabaseURL, postgres.TracerOptions{
		SlowQuery: time.Duration(c.SlowQueryMillis) * time.Millisecond,
		LogArgs:   c.LogQueryArgs,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("postgres pool: %w", err)
	}
	L.Info(ctx, "using postgres store")
	return pgstore.New(pool), pgstore.NewLedger(pool), pool.Close, nil
}

// observeDBQueries registers the per-query histogram and points the pgx
// tracer at it.
func observeDBQueries(reg prometheus.Registerer) {
	hist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "breachlog_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "operation", "outcome"})
	reg.MustRegister(hist)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(func(_ context.Context, q postgres.QueryStats) {
		hist.WithLabelValues(q.Method, q.Route, q.Operation, q.Outcome).Observe(q.Duration.Seconds())
	}))
}

// buildNotifiers assembles the configured notification sinks. The hub is
// returned separately because it also serves the stream endpoint and has
// to be closed on shutdown. notifier is nil when nothing is configured.
func buildNotifiers(ctx context.Context, c *bc.Config, L log.Logger) (incident.Notifier, *stream.Hub) {
	var (
		fanout incident.Notifiers
		hub    *stream.Hub
	)
	if c.SlackWebhookURL != "" {
		fanout = append(fanout, slack.New(c.SlackWebhookURL, L))
		L.Info(ctx, "notifier enabled", "type", "slack")
	}
	if urls := c.Webhooks(); len(urls) > 0 {
		fanout = append(fanout, webhook.New(webhook.Config{
			URLs:       urls,
			Timeout:    time.Duration(c.WebhookTimeoutSeconds) * time.Second,
			MaxRetries: c.WebhookMaxRetries,
		}, L))
		L.Info(ctx, "notifier enabled", "type", "webhook", "endpoints", len(urls))
	}
	if c.StreamEnabled {
		hub = stream.NewHub(L, stream.Options{})
		fanout = append(fanout, hub)
		L.Info(ctx, "notifier enabled", "type", "stream")
	}
	if len(fanout) == 0 {
		return nil, hub
	}
	return fanout, hub
}

// apiOptions wires authentication and, when enabled, the stream endpoint.
func apiOptions(c *bc.Config, hub *stream.Hub) ([]incidentapi.Option, error) {
	var iss *authmw.Issuer
	if c.JWTSecret != "" {
		var err error
		if iss, err = authmw.NewIssuer(c.JWTSecret, c.JWTIssuer); err != nil {
			return nil, fmt.Errorf("jwt issuer: %w", err)
		}
	}
	opts := []incidentapi.Option{incidentapi.WithAuthenticator(authmw.Authenticate(iss, c.APIToken))}
	if hub != nil {
		opts = append(opts, incidentapi.WithStream(hub))
	}
	return opts, nil
}

// dbStats counts the queries each request issues and records the totals on
// the request span.
func dbStats(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := postgres.NewReqDBStatsContext(postgres.WithHTTPMethod(r.Context(), r.Method))
		next.ServeHTTP(w, r.WithContext(ctx))

		st, ok := postgres.ReqDBStatsFromContext(ctx)
		if !ok {
			return
		}
		if n, total, errs := st.Snapshot(); n > 0 {
			trace.SpanFromContext(ctx).SetAttributes(
				attribute.Int("db.query_count", n),
				attribute.Float64("db.query_total_ms", float64(total.Microseconds())/1000),
				attribute.Int("db.query_errors", errs),
			)
		}
	})
}

// apiRouter is the chi router for the public listener: probes plus the
// incident API.
func apiRouter(api *incidentapi.API, healthz, readyz http.HandlerFunc) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Compress(5, "application/json"))
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(dbStats)
	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(maxRequestBody))

	r.Get("/-/healthy", healthz)
	r.Get("/-/ready", readyz)
	api.RegisterRoutes(r)
	return r
}

func isProbe(r *http.Request) bool {
	return r.URL.Path == "/-/healthy" || r.URL.Path == "/-/ready"
}

// wrapAPI applies the outer middleware, innermost first. Request-scoped
// logging sits inside tracing so log lines carry trace IDs; recovery and
// security headers sit outside everything else.
func wrapAPI(h http.Handler, L log.Logger, instrument func(http.Handler) http.Handler, ipOpts httpmw.ClientIPOptions) http.Handler {
	h = httpmw.WithLogger(L)(h)
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool { return !isProbe(r) }),
		// renamed to the route pattern by AnnotateHTTPRoute
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
	)
	h = instrument(h)
	h = httpmw.ClientIPWithOptions(ipOpts)(h)
	h = httpmw.RequestID("X-Request-Id")(h)
	h = httpmw.Recover(L, nil)(h)
	return httpmw.SecurityHeaders(h)
}

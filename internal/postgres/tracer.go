package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

// modulePrefix identifies frames that belong to this repository.
const modulePrefix = "github.com/linnemanlabs/breachlog/"

var queryObserver atomic.Pointer[queryObserverHolder]

type queryObserverHolder struct{ QueryObserver }

type (
	queryKey      struct{}
	httpMethodKey struct{}
	dbStatsKey    struct{}
)

// queryInfo is stashed in the context between TraceQueryStart and TraceQueryEnd.
type queryInfo struct {
	sql     string
	nargs   int
	args    []any
	start   time.Time
	caller  string
	handler string
}

// QueryObserver receives per-query timings (wired by main for Prometheus).
type QueryObserver interface {
	ObserveQuery(ctx context.Context, q QueryStats)
}

// QueryStats describes one finished query for a QueryObserver.
type QueryStats struct {
	Method    string // HTTP method of the originating request, or "none"
	Route     string // chi route pattern, or "none"
	Operation string // first word of the command tag, e.g. SELECT
	Outcome   string // ok or error
	Duration  time.Duration
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, q QueryStats)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, q QueryStats) { f(ctx, q) }

// SetQueryObserver sets the process-wide query observer. Nil clears it.
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		queryObserver.Store(nil)
		return
	}
	queryObserver.Store(&queryObserverHolder{QueryObserver: o})
}

func getQueryObserver() QueryObserver {
	if h := queryObserver.Load(); h != nil {
		return h.QueryObserver
	}
	return nil
}

// ReqDBStats accumulates database statistics for one request.
type ReqDBStats struct {
	mu            sync.Mutex
	QueryCount    int
	TotalDuration time.Duration
	ErrorCount    int
}

// AddQuery records a single query execution.
func (s *ReqDBStats) AddQuery(dur time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.QueryCount++
	s.TotalDuration += dur
	if err != nil {
		s.ErrorCount++
	}
}

// Snapshot returns the counters under the lock.
func (s *ReqDBStats) Snapshot() (count int, total time.Duration, errs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.QueryCount, s.TotalDuration, s.ErrorCount
}

// NewReqDBStatsContext returns ctx carrying an empty ReqDBStats.
func NewReqDBStatsContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, dbStatsKey{}, &ReqDBStats{})
}

// ReqDBStatsFromContext extracts the ReqDBStats from ctx, if present.
func ReqDBStatsFromContext(ctx context.Context) (*ReqDBStats, bool) {
	s, ok := ctx.Value(dbStatsKey{}).(*ReqDBStats)
	return s, ok
}

// WithHTTPMethod stores the HTTP method in ctx for query metric labels.
func WithHTTPMethod(ctx context.Context, method string) context.Context {
	if method == "" {
		return ctx
	}
	return context.WithValue(ctx, httpMethodKey{}, method)
}

func httpMethodFromContext(ctx context.Context) string {
	v, _ := ctx.Value(httpMethodKey{}).(string)
	return v
}

func routePatternFromContext(ctx context.Context) string {
	if rc := chi.RouteContext(ctx); rc != nil {
		return rc.RoutePattern()
	}
	return ""
}

// TracerOptions tunes the query tracer.
type TracerOptions struct {
	// SlowQuery suppresses logging of successful queries faster than this.
	// Zero logs every query.
	SlowQuery time.Duration

	// LogArgs includes bound query arguments in log lines. Incident text is
	// user supplied, so this is off unless explicitly enabled.
	LogArgs bool
}

// queryTracer wraps another pgx.QueryTracer (otelpgx) and adds a structured
// log line, per-request stats and observer callbacks for every query.
type queryTracer struct {
	inner pgx.QueryTracer
	opts  TracerOptions
}

func wrapQueryTracer(inner pgx.QueryTracer, opts TracerOptions) pgx.QueryTracer {
	return queryTracer{inner: inner, opts: opts}
}

func (t queryTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	qi := &queryInfo{
		sql:   data.SQL,
		nargs: len(data.Args),
		start: time.Now(),
	}
	if t.opts.LogArgs {
		qi.args = data.Args
	}
	qi.caller, qi.handler = findDBCallerAndHandler()

	// inner tracer opens the span first so attributes land on it
	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		if qi.caller != "" {
			span.SetAttributes(attribute.String("db.caller", qi.caller))
		}
		if qi.handler != "" {
			span.SetAttributes(attribute.String("db.handler", qi.handler))
		}
	}

	return context.WithValue(ctx, queryKey{}, qi)
}

func (t queryTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	qi, _ := ctx.Value(queryKey{}).(*queryInfo)
	if qi == nil {
		return
	}
	dur := time.Since(qi.start)

	if s, ok := ReqDBStatsFromContext(ctx); ok {
		s.AddQuery(dur, data.Err)
	}

	op := commandOperation(data.CommandTag)
	outcome := "ok"
	if data.Err != nil {
		outcome = "error"
	}

	if obs := getQueryObserver(); obs != nil {
		obs.ObserveQuery(ctx, QueryStats{
			Method:    orNone(httpMethodFromContext(ctx)),
			Route:     orNone(routePatternFromContext(ctx)),
			Operation: orNone(op),
			Outcome:   outcome,
			Duration:  dur,
		})
	}

	if data.Err == nil && t.opts.SlowQuery > 0 && dur < t.opts.SlowQuery {
		return
	}

	fields := []any{
		"db.statement", qi.sql,
		"db.arg_count", qi.nargs,
		"db.duration", dur.Seconds(),
	}
	if qi.args != nil {
		fields = append(fields, "db.args", qi.args)
	}
	if op != "" {
		fields = append(fields,
			"db.operation.name", op,
			"db.rows", data.CommandTag.RowsAffected(),
		)
	}
	if qi.caller != "" {
		fields = append(fields, "db.caller", qi.caller)
	}
	if qi.handler != "" {
		fields = append(fields, "db.handler", qi.handler)
	}

	L := log.FromContext(ctx)
	if data.Err != nil {
		var pgErr *pgconn.PgError
		if errors.As(data.Err, &pgErr) {
			fields = append(fields,
				"db.error_code", pgErr.Code,
				"db.error_constraint", pgErr.ConstraintName,
			)
		}
		L.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	L.Info(ctx, "db query", fields...)
}

func commandOperation(tag pgconn.CommandTag) string {
	parts := strings.Fields(tag.String())
	if len(parts) == 0 {
		return ""
	}
	return strings.ToUpper(parts[0])
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

// findDBCallerAndHandler walks the stack for the first frame of this module
// that issued the query (caller) and the first frame above it outside the
// storage packages (handler), typically a service method.
func findDBCallerAndHandler() (caller, handler string) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	for {
		fr, more := frames.Next()
		fn := fr.Function

		if strings.HasPrefix(fn, modulePrefix) && !strings.HasPrefix(fn, modulePrefix+"internal/postgres.") {
			switch {
			case caller == "":
				caller = shortenFuncName(fn)
			case !isStorageFrame(fn):
				return caller, shortenFuncName(fn)
			}
		}
		if !more {
			return caller, handler
		}
	}
}

func isStorageFrame(fn string) bool {
	return strings.Contains(fn, "/pgstore.")
}

// shortenFuncName drops the package path, keeping receiver and method.
func shortenFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}

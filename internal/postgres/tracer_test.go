package postgres

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/linnemanlabs/go-core/log"
)

func TestShortenFuncName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"full path", "github.com/linnemanlabs/breachlog/internal/incident/pgstore.(*Store).Get", "(*Store).Get"},
		{"already short", "(*Store).Get", "Get"},
		{"empty string", "", ""},
		{"no dots", "main", "main"},
		{"no slashes", "pgstore.(*Ledger).Append", "(*Ledger).Append"},
		{"single segment", "foo.Bar", "Bar"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := shortenFuncName(tt.in); got != tt.want {
				t.Errorf("shortenFuncName(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCommandOperation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tag  string
		want string
	}{
		{"SELECT 3", "SELECT"},
		{"insert 0 1", "INSERT"},
		{"", ""},
		{"  ", ""},
	}
	for _, tt := range tests {
		if got := commandOperation(pgconn.NewCommandTag(tt.tag)); got != tt.want {
			t.Errorf("commandOperation(%q) = %q, want %q", tt.tag, got, tt.want)
		}
	}
}

func TestReqDBStats_AddQuery(t *testing.T) {
	t.Parallel()

	s := &ReqDBStats{}
	s.AddQuery(10*time.Millisecond, nil)
	s.AddQuery(20*time.Millisecond, errors.New("timeout"))
	s.AddQuery(5*time.Millisecond, nil)

	count, total, errs := s.Snapshot()
	if count != 3 {
		t.Errorf("QueryCount = %d, want 3", count)
	}
	if total != 35*time.Millisecond {
		t.Errorf("TotalDuration = %v, want 35ms", total)
	}
	if errs != 1 {
		t.Errorf("ErrorCount = %d, want 1", errs)
	}
}

func TestReqDBStatsContext(t *testing.T) {
	t.Parallel()

	if _, ok := ReqDBStatsFromContext(context.Background()); ok {
		t.Error("expected ok=false for plain context")
	}

	ctx := NewReqDBStatsContext(context.Background())
	got, ok := ReqDBStatsFromContext(ctx)
	if !ok || got == nil {
		t.Fatal("expected stats in context")
	}
	got.AddQuery(time.Millisecond, nil)
	again, _ := ReqDBStatsFromContext(ctx)
	if n, _, _ := again.Snapshot(); n != 1 {
		t.Errorf("QueryCount = %d, want 1 (same pointer)", n)
	}
}

func TestWithHTTPMethod(t *testing.T) {
	t.Parallel()

	if got := httpMethodFromContext(WithHTTPMethod(context.Background(), "PATCH")); got != "PATCH" {
		t.Errorf("method = %q, want PATCH", got)
	}
	if got := httpMethodFromContext(WithHTTPMethod(context.Background(), "")); got != "" {
		t.Errorf("method = %q, want empty", got)
	}
}

// recordingTracer counts calls from the wrapper.
type recordingTracer struct {
	starts, ends int
}

func (r *recordingTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, _ pgx.TraceQueryStartData) context.Context {
	r.starts++
	return ctx
}

func (r *recordingTracer) TraceQueryEnd(context.Context, *pgx.Conn, pgx.TraceQueryEndData) {
	r.ends++
}

func TestQueryTracer_ObservesAndDelegates(t *testing.T) {
	// Not parallel: swaps the process-wide query observer.
	defer SetQueryObserver(nil)

	var mu sync.Mutex
	var got []QueryStats
	SetQueryObserver(QueryObserverFunc(func(_ context.Context, q QueryStats) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, q)
	}))

	inner := &recordingTracer{}
	tr := wrapQueryTracer(inner, TracerOptions{})

	ctx := log.WithContext(context.Background(), log.Nop())
	ctx = WithHTTPMethod(NewReqDBStatsContext(ctx), "GET")

	qctx := tr.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "SELECT 1", Args: []any{1}})
	tr.TraceQueryEnd(qctx, nil, pgx.TraceQueryEndData{CommandTag: pgconn.NewCommandTag("SELECT 1")})

	qctx = tr.TraceQueryStart(ctx, nil, pgx.TraceQueryStartData{SQL: "UPDATE x"})
	tr.TraceQueryEnd(qctx, nil, pgx.TraceQueryEndData{Err: errors.New("boom")})

	if inner.starts != 2 || inner.ends != 2 {
		t.Errorf("inner starts=%d ends=%d, want 2/2", inner.starts, inner.ends)
	}
	if len(got) != 2 {
		t.Fatalf("observed %d queries, want 2", len(got))
	}
	if got[0].Method != "GET" || got[0].Route != "none" || got[0].Operation != "SELECT" || got[0].Outcome != "ok" {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].Outcome != "error" || got[1].Operation != "none" {
		t.Errorf("second = %+v", got[1])
	}

	stats, _ := ReqDBStatsFromContext(ctx)
	if n, _, errs := stats.Snapshot(); n != 2 || errs != 1 {
		t.Errorf("stats count=%d errs=%d, want 2/1", n, errs)
	}
}

func TestQueryTracer_EndWithoutStart(t *testing.T) {
	t.Parallel()

	// must not panic when the context carries no query info
	tr := wrapQueryTracer(nil, TracerOptions{})
	tr.TraceQueryEnd(context.Background(), nil, pgx.TraceQueryEndData{})
}

func TestEmbeddedMigrations(t *testing.T) {
	t.Parallel()

	fsys, err := fs.Sub(embedded, "migrations")
	if err != nil {
		t.Fatalf("fs.Sub: %v", err)
	}
	b, err := fs.ReadFile(fsys, "00001_incidents.sql")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	sql := string(b)
	for _, want := range []string{"-- +goose Up", "-- +goose Down", "ON DELETE CASCADE", "CREATE TABLE incidents", "CREATE TABLE timeline_events"} {
		if !strings.Contains(sql, want) {
			t.Errorf("migration missing %q", want)
		}
	}
}

package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/breachlog/internal/incident"
)

func testNotification() *incident.Notification {
	return &incident.Notification{
		Kind: incident.NotifyNewIncident,
		Incident: &incident.Incident{
			ID:       "01JNWEBHOOK",
			Title:    "Exposed database snapshot",
			Severity: incident.SeverityHigh,
			Status:   incident.StatusReported,
		},
		Timestamp: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func newNotifier(maxRetries int, urls ...string) *Notifier {
	return New(Config{
		URLs:            urls,
		Timeout:         time.Second,
		MaxRetries:      maxRetries,
		InitialInterval: time.Millisecond,
	}, log.Nop())
}

func TestNotify_PostsPayload(t *testing.T) {
	t.Parallel()

	var (
		got      Payload
		delivery string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q", r.Header.Get("Content-Type"))
		}
		delivery = r.Header.Get(DeliveryHeader)
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := newNotifier(0, srv.URL).Notify(context.Background(), testNotification()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got.Type != incident.NotifyNewIncident || got.IncidentID != "01JNWEBHOOK" {
		t.Errorf("payload = %+v", got)
	}
	if got.ID == "" || got.ID != delivery {
		t.Errorf("delivery id body=%q header=%q", got.ID, delivery)
	}
	if got.Notification == nil || got.Notification.Incident.Title != "Exposed database snapshot" {
		t.Errorf("notification = %+v", got.Notification)
	}
}

func TestNotify_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := newNotifier(3, srv.URL).Notify(context.Background(), testNotification()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestNotify_GivesUpAfterMaxRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := newNotifier(2, srv.URL).Notify(context.Background(), testNotification())
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !strings.Contains(err.Error(), "502") {
		t.Errorf("error = %v, want status 502", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestNotify_ClientErrorIsPermanent(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	if err := newNotifier(5, srv.URL).Notify(context.Background(), testNotification()); err == nil {
		t.Fatal("expected error for 400")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestNotify_OneBadEndpointDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	var okCalls atomic.Int32
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		okCalls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer bad.Close()

	err := newNotifier(0, bad.URL, good.URL).Notify(context.Background(), testNotification())
	if err == nil || !strings.Contains(err.Error(), bad.URL) {
		t.Errorf("err = %v, want failure naming %s", err, bad.URL)
	}
	if okCalls.Load() != 1 {
		t.Errorf("good endpoint calls = %d, want 1", okCalls.Load())
	}
}

func TestNotify_AttemptTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	n := New(Config{URLs: []string{srv.URL}, Timeout: 20 * time.Millisecond}, nil)
	start := time.Now()
	if err := n.Notify(context.Background(), testNotification()); err == nil {
		t.Fatal("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Notify took %v, attempt timeout not applied", elapsed)
	}
}

func TestNotify_NoURLs(t *testing.T) {
	t.Parallel()

	if err := New(Config{}, nil).Notify(context.Background(), testNotification()); err != nil {
		t.Errorf("Notify with no URLs = %v, want nil", err)
	}
}

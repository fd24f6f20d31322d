package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/breachlog/internal/incident"
)

func testIncident() *incident.Incident {
	return &incident.Incident{
		ID:           "01JN123",
		Title:        "Ransomware on file servers",
		Description:  "Shares encrypted overnight.",
		Severity:     incident.SeverityCritical,
		Status:       incident.StatusConfirmed,
		DiscoveredAt: time.Date(2026, 2, 26, 14, 0, 0, 0, time.UTC),
		UpdatedAt:    time.Date(2026, 2, 26, 14, 23, 0, 0, time.UTC),
		SourceIDs:    []string{"soc", "feed-a"},
	}
}

func TestNotify_PostsToWebhook(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content-type = %q, want application/json", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := New(srv.URL, log.Nop())
	note := &incident.Notification{
		Kind:      incident.NotifyStatusChange,
		Incident:  testIncident(),
		OldStatus: incident.StatusReported,
		NewStatus: incident.StatusConfirmed,
		Timestamp: time.Date(2026, 2, 26, 14, 23, 0, 0, time.UTC),
	}

	if err := n.Notify(context.Background(), note); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	blocks, ok := got["blocks"].([]any)
	if !ok {
		t.Fatal("expected blocks array in payload")
	}

	// header, divider, fields, divider, description, divider, context = 7 blocks
	if len(blocks) != 7 {
		t.Errorf("blocks count = %d, want 7", len(blocks))
	}

	header := blocks[0].(map[string]any)
	headerText := header["text"].(map[string]any)["text"].(string)
	for _, want := range []string{"Ransomware on file servers", "reported", "confirmed", "\U0001f534"} {
		if !strings.Contains(headerText, want) {
			t.Errorf("header text = %q, want to contain %q", headerText, want)
		}
	}

	ctxText := blocks[6].(map[string]any)["elements"].([]any)[0].(map[string]any)["text"].(string)
	if !strings.Contains(ctxText, "01JN123") || !strings.Contains(ctxText, "2026-02-26 14:23 UTC") {
		t.Errorf("context text = %q", ctxText)
	}
}

func TestNotify_NoOpWithoutURL(t *testing.T) {
	t.Parallel()

	n := New("", nil)
	if err := n.Notify(context.Background(), &incident.Notification{Incident: testIncident()}); err != nil {
		t.Fatalf("Notify with empty URL should be no-op, got: %v", err)
	}
}

func TestNotify_TruncatesLongDescription(t *testing.T) {
	t.Parallel()

	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	inc := testIncident()
	inc.Description = strings.Repeat("x", 4000)
	n := New(srv.URL, log.Nop())
	if err := n.Notify(context.Background(), &incident.Notification{Kind: incident.NotifyNewIncident, Incident: inc}); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	blocks := got["blocks"].([]any)
	section := blocks[4].(map[string]any)
	text := section["text"].(map[string]any)["text"].(string)

	if len(text) > maxDescriptionLen+len("*Description*\n\n") {
		t.Errorf("description text length = %d, expected <= %d", len(text), maxDescriptionLen+len("*Description*\n\n"))
	}
	if !strings.HasSuffix(text, "...") {
		t.Error("expected truncated description to end with ...")
	}
}

func TestHeaderTitles(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind incident.NotificationKind
		want string
	}{
		{incident.NotifyNewIncident, "New Incident"},
		{incident.NotifyIncidentDeleted, "Incident Deleted"},
		{incident.NotificationKind("CUSTOM"), "CUSTOM"},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			t.Parallel()
			h := headerBlock(&incident.Notification{Kind: tt.kind, Incident: testIncident()})
			text := h["text"].(map[string]any)["text"].(string)
			if !strings.Contains(text, tt.want) {
				t.Errorf("header = %q, want to contain %q", text, tt.want)
			}
		})
	}
}

func TestSeverityEmoji(t *testing.T) {
	t.Parallel()

	tests := []struct {
		severity incident.Severity
		want     string
	}{
		{incident.SeverityCritical, "\U0001f534"},
		{incident.SeverityHigh, "\U0001f7e0"},
		{incident.SeverityMedium, "\U0001f7e1"},
		{incident.SeverityLow, "\U0001f7e2"},
		{"", "\U0001f7e2"},
	}

	for _, tt := range tests {
		t.Run(string(tt.severity), func(t *testing.T) {
			t.Parallel()
			if got := severityEmoji(tt.severity); got != tt.want {
				t.Errorf("severityEmoji(%q) = %q, want %q", tt.severity, got, tt.want)
			}
		})
	}
}

func TestTruncate_RuneSafe(t *testing.T) {
	t.Parallel()

	got := truncate(strings.Repeat("é", 20), 10)
	if !utf8.ValidString(got) {
		t.Fatalf("truncate produced invalid UTF-8: %q", got)
	}
	if utf8.RuneCountInString(got) != 10 {
		t.Errorf("rune count = %d, want 10", utf8.RuneCountInString(got))
	}
}

func FuzzSlackBuild(f *testing.F) {
	f.Add("Ransomware", "critical", "Shares encrypted.", "soc")
	f.Add("", "", "", "")
	f.Add("<@U123> mention", "high", "*bold* _italic_ ~strike~", "feed")
	f.Add("title\x00\x01\x02", "sev\nline", "desc\ttab", "s\x00rc")
	f.Add(strings.Repeat("A", 5000), "critical", strings.Repeat("x", 10000), "feed-a")

	f.Fuzz(func(t *testing.T, title, severity, description, source string) {
		note := &incident.Notification{
			Kind: incident.NotifyNewIncident,
			Incident: &incident.Incident{
				ID:          "fuzz-id",
				Title:       title,
				Description: description,
				Severity:    incident.Severity(severity),
				Status:      incident.StatusReported,
				SourceIDs:   []string{source},
			},
			Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		}

		// Must not panic
		msg := buildMessage(note)

		data, err := json.Marshal(msg)
		if err != nil {
			t.Fatalf("buildMessage produced non-marshalable output: %v", err)
		}

		var decoded map[string]any
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("buildMessage JSON does not round-trip: %v", err)
		}

		blocks, ok := decoded["blocks"].([]any)
		if !ok {
			t.Fatal("expected blocks array")
		}
		if len(blocks) != 7 {
			t.Fatalf("blocks count = %d, want 7", len(blocks))
		}
	})
}

func TestNotify_NonOKStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("internal error"))
	}))
	defer srv.Close()

	n := New(srv.URL, log.Nop())
	err := n.Notify(context.Background(), &incident.Notification{Kind: incident.NotifyNewIncident, Incident: testIncident()})
	if err == nil {
		t.Fatal("expected error on non-OK status")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error = %q, want to contain status code 500", err.Error())
	}
}

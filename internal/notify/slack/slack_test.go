package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/sentinel/internal/incident"
)

func testIncident() incident.Incident {
	return incident.Incident{
		ID:          "INC-1772115780-4",
		Source:      "db-2",
		Severity:    0.95,
		Description: "credential brute force",
		Timestamp:   time.Date(2026, 2, 26, 14, 23, 0, 0, time.UTC),
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
	if err := n.Notify(context.Background(), testIncident()); err != nil {
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
	if !strings.Contains(headerText, "db-2") {
		t.Errorf("header text = %q, want to contain db-2", headerText)
	}
	if !strings.Contains(headerText, "\U0001f534") {
		t.Errorf("header should contain red circle for severity 0.95")
	}

	ctxBlock := blocks[6].(map[string]any)
	ctxText := ctxBlock["elements"].([]any)[0].(map[string]any)["text"].(string)
	if !strings.Contains(ctxText, "INC-1772115780-4") || !strings.Contains(ctxText, "2026-02-26 14:23 UTC") {
		t.Errorf("context text = %q", ctxText)
	}
}

func TestNotify_NoOpWithoutURL(t *testing.T) {
	t.Parallel()

	n := New("", nil)
	if err := n.Notify(context.Background(), incident.Incident{}); err != nil {
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
	if err := New(srv.URL, log.Nop()).Notify(context.Background(), inc); err != nil {
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

func TestSeverityEmoji(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		severity float64
		want     string
	}{
		{"critical", 0.95, "\U0001f534"},
		{"boundary", 0.9, "\U0001f534"},
		{"warning", 0.7, "\U0001f7e1"},
		{"low", 0.2, "\U0001f7e2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := severityEmoji(tt.severity); got != tt.want {
				t.Errorf("severityEmoji(%v) = %q, want %q", tt.severity, got, tt.want)
			}
		})
	}
}

func FuzzSlackBuild(f *testing.F) {
	f.Add("db-2", "credential brute force", 0.95)
	f.Add("", "", 0.0)
	f.Add("<@U123> mention", "*bold* _italic_ ~strike~", 0.5)
	f.Add("node\x00\x01", "desc\ttab\nline", 0.999)
	f.Add(strings.Repeat("A", 5000), strings.Repeat("x", 10000), 0.7)

	f.Fuzz(func(t *testing.T, source, description string, severity float64) {
		inc := incident.Incident{
			ID:          "fuzz-id",
			Source:      source,
			Severity:    severity,
			Description: description,
			Timestamp:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		}

		data, err := json.Marshal(buildMessage(inc))
		if err != nil {
			t.Fatalf("buildMessage produced non-marshalable output: %v", err)
		}

		var decoded map[string]any
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("buildMessage JSON does not round-trip: %v", err)
		}
		blocks, ok := decoded["blocks"].([]any)
		if !ok || len(blocks) != 7 {
			t.Fatalf("blocks = %v", decoded["blocks"])
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

	err := New(srv.URL, log.Nop()).Notify(context.Background(), testIncident())
	if err == nil {
		t.Fatal("expected error on non-OK status")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error = %q, want to contain status code 500", err.Error())
	}
}

package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/foxseedlab/koe-relay/internal/webhook"
)

func TestSendTranscript_EmptyWebhookURL(t *testing.T) {
	sender := NewHTTPSender("")
	if err := sender.SendTranscript(context.Background(), webhook.TranscriptWebhookPayload{SessionID: "s1"}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestSendTranscript_Success(t *testing.T) {
	var got webhook.TranscriptWebhookPayload
	var gotSessionHeader string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type: %s", ct)
		}
		gotSessionHeader = r.Header.Get("X-Relay-Session-Id")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	speaker := 1
	payload := webhook.TranscriptWebhookPayload{
		SchemaVersion: webhook.TranscriptWebhookSchemaVersion,
		SessionID:     "session-1",
		SessionKey:    "key-1",
		Language:      "ja-JP",
		SegmentCount:  1,
		TranscriptSegments: []webhook.TranscriptWebhookSegment{
			{Index: 0, StartAt: "2026-10-16T10:00:00+09:00", EndAt: "2026-10-16T10:00:05+09:00", Speaker: &speaker, Transcript: "こんにちは"},
		},
		TranscriptFilename: "transcript.txt",
		TranscriptText:     "hello world",
	}
	sender := NewHTTPSender(server.URL)
	if err := sender.SendTranscript(context.Background(), payload); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if gotSessionHeader != "session-1" {
		t.Fatalf("unexpected session header: %q", gotSessionHeader)
	}
	if got.SessionID != "session-1" || got.TranscriptText != "hello world" || got.SchemaVersion != webhook.TranscriptWebhookSchemaVersion {
		t.Fatalf("unexpected payload: %+v", got)
	}
	if len(got.TranscriptSegments) != 1 || got.TranscriptSegments[0].Speaker == nil || *got.TranscriptSegments[0].Speaker != 1 {
		t.Fatalf("unexpected segments: %+v", got.TranscriptSegments)
	}
}

func TestSendTranscript_Non2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))
	defer server.Close()

	sender := NewHTTPSender(server.URL)
	err := sender.SendTranscript(context.Background(), webhook.TranscriptWebhookPayload{SessionID: "s1"})
	if err == nil {
		t.Fatal("expected error for non-2xx response")
	}
	if !strings.Contains(err.Error(), "400") || !strings.Contains(err.Error(), "bad payload") {
		t.Fatalf("expected status and body in error, got %v", err)
	}
}

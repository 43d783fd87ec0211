package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vango-go/voicebridge/pkg/bridge"
	"github.com/vango-go/voicebridge/pkg/call"
	"github.com/vango-go/voicebridge/pkg/config"
	"github.com/vango-go/voicebridge/pkg/store"
)

func testServer() *Server {
	return New(Deps{
		Config: &config.Config{
			PublicBaseURL:   "https://voice.example.com",
			DefaultGreeting: "hello",
			TaskQueue:       "test-queue",
			MaxCallDuration: 30 * time.Minute,
		},
		Bridges: bridge.NewManager(nil, time.Minute, nil),
	})
}

func TestWsBaseURL(t *testing.T) {
	cases := []struct{ in, want string }{
		{"https://voice.example.com", "wss://voice.example.com"},
		{"http://localhost:8080", "ws://localhost:8080"},
		{"wss://already.example.com", "wss://already.example.com"},
	}
	for _, tc := range cases {
		if got := wsBaseURL(tc.in); got != tc.want {
			t.Fatalf("wsBaseURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestHandleHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	testServer().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestHandleTwiML(t *testing.T) {
	rec := httptest.NewRecorder()
	testServer().Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/twilio/twiml/wf1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/xml" {
		t.Fatalf("content type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `url="wss://voice.example.com/twilio/ws/media/wf1"`) {
		t.Fatalf("twiml = %s", body)
	}
	if !strings.Contains(body, "statusCallback=") {
		t.Fatalf("twiml missing stream status callback: %s", body)
	}
}

func TestStreamStatusCallbackAlwaysOK(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/twilio/stream-status/wf1",
		strings.NewReader("StreamEvent=stream-stopped&StreamSid=MZ1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	testServer().Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestCreateCallRejectsBadRequests(t *testing.T) {
	srv := testServer()

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/calls", strings.NewReader("not json")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad body status = %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/calls", strings.NewReader(`{"greeting": "hi"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing phone status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "phone_number") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

type fakeCallStore struct {
	sids     []string
	statuses []call.Status
}

func (f *fakeCallStore) GetCallByWorkflowID(ctx context.Context, workflowID string) (*store.CallRecord, error) {
	return nil, store.ErrNotFound
}

func (f *fakeCallStore) ListTranscripts(ctx context.Context, callID string) ([]call.TranscriptSegment, error) {
	return nil, nil
}

func (f *fakeCallStore) SetCallSid(ctx context.Context, workflowID, callSid string) error {
	f.sids = append(f.sids, workflowID+"="+callSid)
	return nil
}

func (f *fakeCallStore) UpdateCallStatus(ctx context.Context, workflowID string, status call.Status) error {
	f.statuses = append(f.statuses, status)
	return nil
}

func TestMirrorProviderState(t *testing.T) {
	fake := &fakeCallStore{}
	srv := New(Deps{
		Config: &config.Config{
			PublicBaseURL:   "https://voice.example.com",
			DefaultGreeting: "hello",
			TaskQueue:       "test-queue",
			MaxCallDuration: 30 * time.Minute,
		},
		Bridges: bridge.NewManager(nil, time.Minute, nil),
		Store:   fake,
	})
	ctx := context.Background()

	srv.mirrorProviderState(ctx, "wf1", "CA9", "answered")
	if len(fake.sids) != 1 || fake.sids[0] != "wf1=CA9" {
		t.Fatalf("sids = %v, want [wf1=CA9]", fake.sids)
	}
	if len(fake.statuses) != 1 || fake.statuses[0] != call.StatusInProgress {
		t.Fatalf("statuses = %v, want [in_progress]", fake.statuses)
	}

	// No sid and an unrecognized provider status must not reach the store.
	srv.mirrorProviderState(ctx, "wf1", "", "something-new")
	if len(fake.sids) != 1 || len(fake.statuses) != 1 {
		t.Fatalf("after no-op callback: sids = %v, statuses = %v", fake.sids, fake.statuses)
	}

	// A nil store means the callback is log-only.
	testServer().mirrorProviderState(ctx, "wf1", "CA9", "answered")
}

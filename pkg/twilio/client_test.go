package twilio

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func testClient(srv *httptest.Server) *Client {
	return &Client{
		AccountSID: "AC0000",
		AuthToken:  "secret",
		FromNumber: "+15550000",
		BaseURL:    srv.URL,
		HTTPClient: srv.Client(),
	}
}

func TestCreateCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/2010-04-01/Accounts/AC0000/Calls.json" {
			t.Errorf("path = %s", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC0000" || pass != "secret" {
			t.Errorf("basic auth = %q/%q/%v", user, pass, ok)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.PostForm.Get("To"); got != "+15550100" {
			t.Errorf("To = %q", got)
		}
		if got := r.PostForm.Get("From"); got != "+15550000" {
			t.Errorf("From = %q", got)
		}
		if !strings.Contains(r.PostForm.Get("Twiml"), "<Stream") {
			t.Errorf("Twiml = %q", r.PostForm.Get("Twiml"))
		}
		if got := r.PostForm["StatusCallbackEvent"]; len(got) != 4 {
			t.Errorf("StatusCallbackEvent = %v, want 4 events", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sid": "CA42", "status": "queued"}`))
	}))
	defer srv.Close()

	c := testClient(srv)
	got, err := c.CreateCall(context.Background(), CreateCallParams{
		To:             "+15550100",
		TwiML:          StreamTwiML("wss://example.com/ws/media/wf1", "https://example.com/stream-status/wf1"),
		StatusCallback: "https://example.com/status/wf1",
	})
	if err != nil {
		t.Fatalf("CreateCall: %v", err)
	}
	if got.Sid != "CA42" || got.Status != "queued" {
		t.Fatalf("call = %+v", got)
	}
}

func TestFetchCallParsesDuration(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2010-04-01/Accounts/AC0000/Calls/CA42.json" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"sid": "CA42", "status": "completed", "duration": "73"}`))
	}))
	defer srv.Close()

	got, err := testClient(srv).FetchCall(context.Background(), "CA42")
	if err != nil {
		t.Fatalf("FetchCall: %v", err)
	}
	if got.DurationSeconds() != 73 {
		t.Fatalf("duration = %d, want 73", got.DurationSeconds())
	}
}

func TestTerminateCall(t *testing.T) {
	var gotStatus string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotStatus = r.PostForm.Get("Status")
		w.Write([]byte(`{"sid": "CA42", "status": "completed"}`))
	}))
	defer srv.Close()

	if err := testClient(srv).TerminateCall(context.Background(), "CA42"); err != nil {
		t.Fatalf("TerminateCall: %v", err)
	}
	if gotStatus != "completed" {
		t.Fatalf("Status form value = %q, want completed", gotStatus)
	}
}

func TestServerErrorsRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"code": 20500, "message": "temporarily unavailable"}`))
			return
		}
		w.Write([]byte(`{"sid": "CA42", "status": "queued"}`))
	}))
	defer srv.Close()

	got, err := testClient(srv).FetchCall(context.Background(), "CA42")
	if err != nil {
		t.Fatalf("FetchCall after retry: %v", err)
	}
	if got.Sid != "CA42" {
		t.Fatalf("sid = %q", got.Sid)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("attempts = %d, want 2", n)
	}
}

func TestClientErrorsDoNotRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"code": 20404, "message": "not found"}`))
	}))
	defer srv.Close()

	_, err := testClient(srv).FetchCall(context.Background(), "CAmissing")
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error type = %T", err)
	}
	if apiErr.StatusCode != 404 || apiErr.Code != 20404 {
		t.Fatalf("apiErr = %+v", apiErr)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("attempts = %d, want 1", n)
	}
}

func TestStreamTwiML(t *testing.T) {
	got := StreamTwiML("wss://example.com/ws?a=1&b=2", "")
	want := `<?xml version="1.0" encoding="UTF-8"?><Response><Connect><Stream url="wss://example.com/ws?a=1&amp;b=2"/></Connect></Response>`
	if got != want {
		t.Fatalf("twiml = %s, want %s", got, want)
	}

	withCallback := StreamTwiML("wss://example.com/ws", "https://example.com/cb")
	if !strings.Contains(withCallback, `statusCallback="https://example.com/cb"`) {
		t.Fatalf("twiml missing status callback: %s", withCallback)
	}
	if !strings.Contains(withCallback, `statusCallbackMethod="POST"`) {
		t.Fatalf("twiml missing callback method: %s", withCallback)
	}
}

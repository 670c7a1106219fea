package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"https public address", "https://93.184.216.34/hook", false},
		{"http public address", "http://8.8.8.8/hook", false},
		{"ftp scheme", "ftp://example.com/hook", true},
		{"no scheme", "example.com/hook", true},
		{"loopback", "http://127.0.0.1:8080/hook", true},
		{"localhost", "http://localhost:8080/hook", true},
		{"private range", "http://10.0.0.5/hook", true},
		{"link local", "http://169.254.1.1/hook", true},
		{"unspecified", "http://0.0.0.0/hook", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateURL(%q) = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func TestPost_Success(t *testing.T) {
	var gotBody []byte
	var gotContentType, gotUserAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		gotUserAgent = r.Header.Get("User-Agent")
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	client := &http.Client{Timeout: time.Second}
	payload := []byte(`{"jobId":"job-1","status":"completed"}`)
	if _, err := post(context.Background(), client, srv.URL, payload); err != nil {
		t.Fatalf("post: %v", err)
	}
	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q", gotContentType)
	}
	if gotUserAgent != userAgent {
		t.Errorf("User-Agent = %q, want %q", gotUserAgent, userAgent)
	}
	if string(gotBody) != string(payload) {
		t.Errorf("body = %q, want %q", gotBody, payload)
	}
}

func TestPost_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := &http.Client{Timeout: time.Second}
	retryAfter, err := post(context.Background(), client, srv.URL, []byte(`{}`))
	if err == nil {
		t.Fatal("post returned nil error for a 500 response")
	}
	if retryAfter != 0 {
		t.Errorf("retryAfter = %v, want 0 for a plain 500", retryAfter)
	}
}

func TestPost_ThrottledWithRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := &http.Client{Timeout: time.Second}
	retryAfter, err := post(context.Background(), client, srv.URL, []byte(`{}`))
	if err == nil {
		t.Fatal("post returned nil error for a 429 response")
	}
	if retryAfter != 7*time.Second {
		t.Errorf("retryAfter = %v, want 7s", retryAfter)
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		value string
		want  time.Duration
	}{
		{"", 0},
		{"0", 0},
		{"30", 30 * time.Second},
		{"-5", 0},
		{"Wed, 21 Oct 2026 07:28:00 GMT", 0},
		{"soon", 0},
	}
	for _, tt := range tests {
		if got := parseRetryAfter(tt.value); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestJitter_Bounds(t *testing.T) {
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		for i := 0; i < 50; i++ {
			d := jitter(attempt)
			if d < 0 {
				t.Fatalf("jitter(%d) = %v, negative", attempt, d)
			}
			if d >= retryCap {
				t.Fatalf("jitter(%d) = %v, exceeds cap %v", attempt, d, retryCap)
			}
		}
	}
}

func TestSend_RejectsBadURLWithoutDispatching(t *testing.T) {
	// A rejected URL must not spawn a sender; nothing observable should
	// happen, so this is a smoke check that Send returns immediately.
	done := make(chan struct{})
	go func() {
		Send(context.Background(), "ftp://example.com/hook", []byte(`{}`))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Send blocked on a rejected URL")
	}
}

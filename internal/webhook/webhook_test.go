package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"
)

func TestDeliverPostsJSONPayload(t *testing.T) {
	var gotAuth string
	var gotBody payload

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content-type = %q", ct)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewHTTPSink(HTTPConfig{URL: srv.URL, Token: "secret", RatePerMinute: 6000})
	err := sink.Deliver(context.Background(), "job-failed", map[string]string{"job_id": "nightly-backup"})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("Authorization = %q", gotAuth)
	}
	if gotBody.TemplateID != "job-failed" || gotBody.Variables["job_id"] != "nightly-backup" {
		t.Fatalf("unexpected body: %+v", gotBody)
	}
}

func TestDeliverErrorsOnServerFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := NewHTTPSink(HTTPConfig{URL: srv.URL, RatePerMinute: 6000})
	if err := sink.Deliver(context.Background(), "x", nil); err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestDeliverRejectsMissingURL(t *testing.T) {
	sink := NewHTTPSink(HTTPConfig{})
	if err := sink.Deliver(context.Background(), "x", nil); err == nil {
		t.Fatal("expected error for missing URL")
	}
}

func TestDeliverHonorsRateLimit(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewHTTPSink(HTTPConfig{URL: srv.URL, RatePerMinute: 60})
	start := time.Now()
	for i := 0; i < 2; i++ {
		if err := sink.Deliver(context.Background(), "x", nil); err != nil {
			t.Fatalf("Deliver %d: %v", i, err)
		}
	}
	if hits != 2 {
		t.Fatalf("hits = %d", hits)
	}
	// second call should have waited roughly a second for the next token
	if elapsed := time.Since(start); elapsed < 500*time.Millisecond {
		t.Fatalf("expected rate limiter to delay second call, elapsed=%v", elapsed)
	}
}

func TestFromEnvOverlaysConfig(t *testing.T) {
	os.Setenv("WEBHOOK_URL", "https://example.test/hook")
	os.Setenv("WEBHOOK_TOKEN", "tok-123")
	defer os.Unsetenv("WEBHOOK_URL")
	defer os.Unsetenv("WEBHOOK_TOKEN")

	cfg := HTTPConfig{}.FromEnv()
	if cfg.URL != "https://example.test/hook" || cfg.Token != "tok-123" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

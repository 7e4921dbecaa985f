package workers_test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/obango/obango/internal/domain"
	"github.com/obango/obango/internal/workers"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestHTTPRequestWorker_2xx_Completes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := workers.NewHTTPRequestWorker(testLogger())
	job := &domain.Job{ID: 1, Args: map[string]any{"method": "GET", "url": srv.URL}}

	outcome := w.Process(context.Background(), job)
	if outcome.Kind != domain.OutcomeComplete {
		t.Errorf("outcome = %+v, want complete", outcome)
	}
}

func TestHTTPRequestWorker_5xx_ReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	w := workers.NewHTTPRequestWorker(testLogger())
	job := &domain.Job{ID: 2, Args: map[string]any{"method": "POST", "url": srv.URL}}

	outcome := w.Process(context.Background(), job)
	if outcome.Kind != domain.OutcomeError {
		t.Errorf("outcome = %+v, want error for a 500 response", outcome)
	}
}

func TestHTTPRequestWorker_MissingURL_Discards(t *testing.T) {
	w := workers.NewHTTPRequestWorker(testLogger())
	job := &domain.Job{ID: 3, Args: map[string]any{}}

	outcome := w.Process(context.Background(), job)
	if outcome.Kind != domain.OutcomeDiscard {
		t.Errorf("outcome = %+v, want discard when args.url is missing", outcome)
	}
}

func TestHTTPRequestWorker_SetsCustomHeaders(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Custom")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := workers.NewHTTPRequestWorker(testLogger())
	job := &domain.Job{ID: 4, Args: map[string]any{
		"method":  "GET",
		"url":     srv.URL,
		"headers": map[string]any{"X-Custom": "hello"},
	}}

	w.Process(context.Background(), job)
	if gotHeader != "hello" {
		t.Errorf("X-Custom header = %q, want %q", gotHeader, "hello")
	}
}

func TestNoop_AlwaysCompletes(t *testing.T) {
	outcome := workers.Noop(context.Background(), &domain.Job{ID: 5})
	if outcome.Kind != domain.OutcomeComplete {
		t.Errorf("outcome = %+v, want complete", outcome)
	}
}

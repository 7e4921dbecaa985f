// Package workers holds example job implementations registered against
// internal/registry. HTTPRequest adapts the teacher's Executor into a
// worker that reads its target out of the job's args instead of a
// dedicated URL/Method column.
package workers

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/obango/obango/internal/domain"
	"github.com/obango/obango/internal/requestid"
)

const HTTPRequestWorkerName = "http_request"

// HTTPRequestWorker executes args {method, url, headers, body} as an HTTP
// call. A 2xx response completes the job; anything else returns an error
// outcome so the producer retries or discards per the worker's backoff.
type HTTPRequestWorker struct {
	client *http.Client
	logger *slog.Logger
}

func NewHTTPRequestWorker(logger *slog.Logger) *HTTPRequestWorker {
	return &HTTPRequestWorker{
		client: &http.Client{
			Timeout: 5 * time.Minute,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
			},
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("stopped after 10 redirects")
				}
				return nil
			},
		},
		logger: logger.With("component", "http_request_worker"),
	}
}

func (w *HTTPRequestWorker) Process(ctx context.Context, job *domain.Job) domain.Outcome {
	method, _ := job.Args["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	url, _ := job.Args["url"].(string)
	if url == "" {
		return domain.Discard(fmt.Errorf("http_request: args.url is required"))
	}

	var bodyReader io.Reader
	if body, ok := job.Args["body"].(string); ok && body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return domain.Discard(fmt.Errorf("http_request: build request: %w", err))
	}

	if headers, ok := job.Args["headers"].(map[string]any); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	reqID := requestid.New()
	req.Header.Set("X-Request-ID", reqID)
	ctx = requestid.WithRequestID(ctx, reqID)

	start := time.Now()
	w.logger.InfoContext(ctx, "sending request", "job_id", job.ID, "method", method, "url", url)

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.ErrorContext(ctx, "request failed", "job_id", job.ID, "error", err, "duration", time.Since(start))
		return domain.Error(fmt.Errorf("http_request: do request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	w.logger.InfoContext(ctx, "received response", "job_id", job.ID, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.Error(fmt.Errorf("http_request: unexpected status code %d", resp.StatusCode))
	}
	return domain.Complete()
}

package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sievert/avatarcache/pkg/errors"
)

// HTTPSource fetches avatar bytes over HTTP(S).
type HTTPSource struct {
	client *http.Client
}

// NewHTTPSource creates an HTTPSource. A nil client gets a default with a
// 30 second timeout.
func NewHTTPSource(client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPSource{client: client}
}

// Fetch issues a GET for rawURL and returns the response body. Non-2xx
// responses are errors.
func (s *HTTPSource) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build download request")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		slog.Error("download_request_failed", "url", rawURL, "error", err)
		return nil, errors.Wrap(err, "download request failed")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		slog.Error("download_unexpected_status", "url", rawURL, "status", resp.StatusCode)
		return nil, fmt.Errorf("origin returned status %d for %s", resp.StatusCode, rawURL)
	}

	return resp.Body, nil
}

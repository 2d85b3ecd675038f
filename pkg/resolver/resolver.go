// Package resolver maps a numeric identity to the URL of its small-variant
// avatar image and derives large-variant URLs from small ones.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/sievert/avatarcache/pkg/errors"
)

// ErrUnknownIdentity is returned when the identity service has no URL for an id.
var ErrUnknownIdentity = fmt.Errorf("identity unknown")

// Resolver maps an identity to the URL of its small-variant image.
type Resolver interface {
	Resolve(ctx context.Context, identity int64) (string, error)
}

// smallMarker is the suffix the origin appends to small-variant file names,
// e.g. 42_normal.png. Stripping it yields the large-variant URL.
const smallMarker = "_normal"

// LargeVariantURL rewrites a small-variant URL into its large-variant form by
// stripping the small marker before the file extension. If the marker is
// absent the URL is returned unchanged; this is best effort, not an error.
func LargeVariantURL(small string) string {
	u, err := url.Parse(small)
	if err != nil {
		return small
	}

	ext := path.Ext(u.Path)
	base := strings.TrimSuffix(u.Path, ext)
	if !strings.HasSuffix(base, smallMarker) {
		return small
	}

	u.Path = strings.TrimSuffix(base, smallMarker) + ext
	return u.String()
}

// HTTPResolver resolves identities against a JSON HTTP endpoint. A GET of
// <endpoint>/<identity> must answer 200 with {"url": "..."} or 404 when the
// identity is unknown.
type HTTPResolver struct {
	endpoint string
	client   *http.Client
}

// NewHTTPResolver creates a resolver for the given endpoint. A nil client
// gets a default with a 10 second timeout.
func NewHTTPResolver(endpoint string, client *http.Client) *HTTPResolver {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPResolver{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		client:   client,
	}
}

// Resolve returns the small-variant URL for identity.
func (r *HTTPResolver) Resolve(ctx context.Context, identity int64) (string, error) {
	target := fmt.Sprintf("%s/%d", r.endpoint, identity)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to build resolver request")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		slog.Error("resolver_request_failed", "identity", identity, "error", err)
		return "", errors.Wrap(err, "resolver request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		slog.Info("resolver_identity_unknown", "identity", identity)
		return "", ErrUnknownIdentity
	}
	if resp.StatusCode != http.StatusOK {
		slog.Error("resolver_unexpected_status", "identity", identity, "status", resp.StatusCode)
		return "", fmt.Errorf("resolver returned status %d", resp.StatusCode)
	}

	var payload struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", errors.Wrap(err, "failed to decode resolver response")
	}
	if payload.URL == "" {
		return "", ErrUnknownIdentity
	}
	if _, err := url.ParseRequestURI(payload.URL); err != nil {
		return "", errors.Wrap(err, "resolver produced unparseable URL")
	}

	return payload.URL, nil
}

// Package source fetches avatar bytes from an origin. The default origin is
// plain HTTP; deployments that host avatars in an S3 bucket use s3:// URLs,
// routed by scheme.
package source

import (
	"context"
	"fmt"
	"io"
	"net/url"
)

// Source streams the bytes behind a URL. The returned reader must be closed
// by the caller.
type Source interface {
	Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error)
}

// Router dispatches a fetch to the source registered for the URL scheme.
type Router struct {
	http Source
	s3   Source
}

// NewRouter creates a Router. s3 may be nil when no bucket origin is
// configured; s3:// URLs then fail as a transport error.
func NewRouter(http, s3 Source) *Router {
	return &Router{http: http, s3: s3}
}

// Fetch routes rawURL to the matching source.
func (r *Router) Fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("unparseable origin URL %q: %w", rawURL, err)
	}

	switch u.Scheme {
	case "http", "https":
		return r.http.Fetch(ctx, rawURL)
	case "s3":
		if r.s3 == nil {
			return nil, fmt.Errorf("s3 origin not configured for %q", rawURL)
		}
		return r.s3.Fetch(ctx, rawURL)
	}
	return nil, fmt.Errorf("unsupported origin scheme %q", u.Scheme)
}

package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"

	"github.com/sievert/avatarcache/pkg/errors"
	"github.com/sievert/avatarcache/pkg/ledger"
	"github.com/sievert/avatarcache/pkg/resolver"
	"github.com/sievert/avatarcache/pkg/store"
)

// failureKind classifies a fetch failure for logging and the ledger. All
// failures are handled the same way: the pending entry is dropped and no
// subscriber hears anything.
type failureKind string

const (
	failResolution  failureKind = "resolution"
	failTransport   failureKind = "transport"
	failPersistence failureKind = "persistence"
)

// submit hands id to a worker lane. Called only after the pending table
// returned first for this id. If all lanes are busy the id joins the
// overflow queue and the lane that frees up first drains it.
func (e *Engine) submit(id int64, knownURL string) {
	e.mu.Lock()
	if knownURL != "" {
		e.urls[id] = knownURL
	}
	if e.active < e.maxConcurrent {
		e.active++
		e.mu.Unlock()
		e.lanes.Add(1)
		go e.lane(id)
		return
	}
	e.queue = append(e.queue, id)
	slog.Info("fetch_queued", "avatar_id", id, "queue_depth", len(e.queue))
	e.mu.Unlock()
}

// lane processes its assigned id, then keeps pulling from the overflow queue
// until it is empty. At most maxConcurrent lanes run at any time.
func (e *Engine) lane(first int64) {
	defer e.lanes.Done()

	id := first
	for {
		e.process(id)

		e.mu.Lock()
		if len(e.queue) == 0 {
			e.active--
			e.mu.Unlock()
			return
		}
		id = e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()
	}
}

// process runs the fetch pipeline for one id: resolve, download, persist,
// transform, cache, report. Failures are swallowed here; the requester's
// only signal is the absence of a notification.
func (e *Engine) process(id int64) {
	ctx := context.Background()

	target, ok := e.cachedURL(id)
	if !ok {
		var err error
		target, err = e.resolveURL(ctx, id)
		if err != nil {
			e.fail(id, "", failResolution, err)
			return
		}
		e.storeURL(id, target)
	}

	body, err := e.source.Fetch(ctx, target)
	if err != nil {
		e.fail(id, target, failTransport, err)
		return
	}
	raw, err := readLimited(body, e.maxImageBytes)
	body.Close()
	if err != nil {
		e.fail(id, target, failTransport, err)
		return
	}

	sum := sha256.Sum256(raw)
	digest := hex.EncodeToString(sum[:])

	if store.IsTransient(id) {
		e.store.PurgeTransientOnce()
	} else {
		if _, err := e.store.Write(store.Key(id), store.Raw, extFromURL(target), raw); err != nil {
			e.fail(id, target, failPersistence, err)
			return
		}
	}

	img, processed, err := e.codec.Transform(raw, variantFor(id))
	if err != nil {
		// Undecodable bytes are handled like any other transport problem.
		e.fail(id, target, failTransport, err)
		return
	}

	if _, err := e.store.Write(store.Key(id), store.VariantBucket(id), ".png", processed); err != nil {
		e.fail(id, target, failPersistence, err)
		return
	}

	e.cache.Put(id, img)

	if e.ledger != nil {
		record := &ledger.Fetch{
			AvatarID: id,
			URL:      target,
			SHA256:   digest,
			Size:     int64(len(raw)),
			Status:   ledger.StatusReady,
		}
		if err := e.ledger.Upsert(record); err != nil {
			slog.Warn("fetch_ledger_record_failed", "avatar_id", id, "error", err)
		}
	}

	e.clearURL(id)
	slog.Info("fetch_complete", "avatar_id", id, "size", len(raw))
	e.notifier.reportSuccess(id)
}

// fail drops the pending entry so a later request may retry, clears the
// transient URL cache, and records the failure.
func (e *Engine) fail(id int64, target string, kind failureKind, err error) {
	slog.Error("fetch_failed", "avatar_id", id, "kind", string(kind), "error", err)
	e.pending.drop(id)
	e.clearURL(id)
	if e.ledger != nil {
		if lerr := e.ledger.MarkFailed(id, target, err.Error()); lerr != nil {
			slog.Warn("fetch_ledger_record_failed", "avatar_id", id, "error", lerr)
		}
	}
}

// resolveURL asks the identity service for the small-variant URL and, for
// large-variant ids, rewrites it by stripping the small marker.
func (e *Engine) resolveURL(ctx context.Context, id int64) (string, error) {
	if store.IsTransient(id) {
		// Transient ids carry no durable identity the resolver could map;
		// their URL must arrive with the request.
		return "", fmt.Errorf("transient id %d has no resolvable identity", id)
	}

	resolved, err := e.resolver.Resolve(ctx, store.Identity(id))
	if err != nil {
		return "", err
	}
	if id < 0 {
		resolved = resolver.LargeVariantURL(resolved)
	}
	if _, err := url.ParseRequestURI(resolved); err != nil {
		return "", errors.Wrap(err, "resolved URL unparseable")
	}
	return resolved, nil
}

// The resolved-URL cache shares the scheduler mutex so resolution state and
// queue decisions stay consistent.

func (e *Engine) cachedURL(id int64) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	u, ok := e.urls[id]
	return u, ok
}

func (e *Engine) storeURL(id int64, u string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.urls[id] = u
}

func (e *Engine) clearURL(id int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.urls, id)
}

// readLimited reads at most max bytes from r, erroring when the stream is
// longer. max <= 0 means no limit.
func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("image exceeds size limit of %d bytes", max)
	}
	return data, nil
}

// extFromURL picks the artifact extension from the URL path, defaulting to
// .png for anything unrecognized.
func extFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ".png"
	}
	switch ext := path.Ext(u.Path); ext {
	case ".png", ".jpg", ".jpeg", ".gif":
		return ext
	}
	return ".png"
}

package warm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"

	"github.com/superfly/fsm"

	"github.com/sievert/avatarcache/pkg/errors"
	"github.com/sievert/avatarcache/pkg/imaging"
	"github.com/sievert/avatarcache/pkg/ledger"
	"github.com/sievert/avatarcache/pkg/resolver"
	"github.com/sievert/avatarcache/pkg/store"
)

// handleResolve determines the origin URL for the avatar
func (m *Machine) handleResolve(ctx context.Context, req *fsm.Request[WarmRequest, WarmResponse]) (*fsm.Response[WarmResponse], error) {
	slog.Info("warm_state_resolve", "avatar_id", req.Msg.AvatarID)

	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
		slog.Error("max_retries_exceeded", "avatar_id", req.Msg.AvatarID, "max_retries", m.maxRetries)
		return nil, fsm.Abort(fmt.Errorf("max retries (%d) exceeded", m.maxRetries))
	}

	id := req.Msg.AvatarID
	if store.IsTransient(id) {
		// Transient ids are session-scoped; prefetching them durably makes no sense.
		return nil, fsm.Abort(fmt.Errorf("transient id %d cannot be warmed", id))
	}

	resp := req.W.Msg
	if resp == nil {
		resp = &WarmResponse{}
	}

	target := req.Msg.URL
	if target == "" {
		resolved, err := m.resolver.Resolve(ctx, store.Identity(id))
		if err != nil {
			slog.Error("warm_resolution_failed", "avatar_id", id, "error", err)
			return nil, fsm.Abort(errors.Wrap(err, "resolution failed"))
		}
		target = resolved
	}
	if id < 0 {
		target = resolver.LargeVariantURL(target)
	}
	if _, err := url.ParseRequestURI(target); err != nil {
		slog.Error("warm_url_unparseable", "avatar_id", id, "url", target)
		return nil, fsm.Abort(errors.Wrap(err, "resolved URL unparseable"))
	}

	resp.URL = target

	if m.ledger != nil {
		record := &ledger.Fetch{AvatarID: id, URL: target, Status: ledger.StatusPending}
		if err := m.ledger.Upsert(record); err != nil {
			return nil, errors.Wrap(err, "failed to record pending fetch")
		}
	}

	slog.Info("warm_resolved", "avatar_id", id, "url", target)
	return fsm.NewResponse(resp), nil
}

// handleDownload streams the origin bytes into the raw artifact
func (m *Machine) handleDownload(ctx context.Context, req *fsm.Request[WarmRequest, WarmResponse]) (*fsm.Response[WarmResponse], error) {
	slog.Info("warm_state_download", "avatar_id", req.Msg.AvatarID)

	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
		slog.Error("max_retries_exceeded", "avatar_id", req.Msg.AvatarID, "max_retries", m.maxRetries)
		return nil, fsm.Abort(fmt.Errorf("max retries (%d) exceeded", m.maxRetries))
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	id := req.Msg.AvatarID
	body, err := m.source.Fetch(ctx, resp.URL)
	if err != nil {
		slog.Error("warm_download_failed", "avatar_id", id, "url", resp.URL, "error", err)
		m.markFailed(id, resp.URL, err)
		return nil, errors.Wrap(err, "download failed")
	}
	raw, err := io.ReadAll(body)
	body.Close()
	if err != nil {
		slog.Error("warm_download_read_failed", "avatar_id", id, "error", err)
		m.markFailed(id, resp.URL, err)
		return nil, errors.Wrap(err, "download read failed")
	}

	sum := sha256.Sum256(raw)
	resp.SHA256 = hex.EncodeToString(sum[:])
	resp.Size = int64(len(raw))

	rawPath, err := m.store.Write(store.Key(id), store.Raw, extFromURL(resp.URL), raw)
	if err != nil {
		m.markFailed(id, resp.URL, err)
		return nil, errors.Wrap(err, "failed to persist raw artifact")
	}
	resp.RawPath = rawPath

	slog.Info("warm_download_complete", "avatar_id", id, "size", resp.Size, "sha256", resp.SHA256[:16]+"...")
	return fsm.NewResponse(resp), nil
}

// handleTransform produces and persists the processed variant
func (m *Machine) handleTransform(ctx context.Context, req *fsm.Request[WarmRequest, WarmResponse]) (*fsm.Response[WarmResponse], error) {
	slog.Info("warm_state_transform", "avatar_id", req.Msg.AvatarID)

	if retryCount := fsm.RetryFromContext(ctx); retryCount >= uint64(m.maxRetries) {
		slog.Error("max_retries_exceeded", "avatar_id", req.Msg.AvatarID, "max_retries", m.maxRetries)
		return nil, fsm.Abort(fmt.Errorf("max retries (%d) exceeded", m.maxRetries))
	}

	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	id := req.Msg.AvatarID
	raw, ok := m.store.Read(store.Key(id), store.Raw)
	if !ok {
		// The raw artifact vanished between states; rerun the download.
		return nil, fmt.Errorf("raw artifact missing for id %d", id)
	}

	variant := imaging.Small
	if id < 0 {
		variant = imaging.Large
	}

	_, processed, err := m.codec.Transform(raw, variant)
	if err != nil {
		slog.Error("warm_transform_failed", "avatar_id", id, "error", err)
		m.markFailed(id, resp.URL, err)
		return nil, fsm.Abort(errors.Wrap(err, "transform failed"))
	}

	variantPath, err := m.store.Write(store.Key(id), store.VariantBucket(id), ".png", processed)
	if err != nil {
		m.markFailed(id, resp.URL, err)
		return nil, errors.Wrap(err, "failed to persist variant")
	}
	resp.VariantPath = variantPath

	slog.Info("warm_transform_complete", "avatar_id", id, "variant", variant.String(), "path", variantPath)
	return fsm.NewResponse(resp), nil
}

// handleComplete records the outcome and marks the FSM complete
func (m *Machine) handleComplete(ctx context.Context, req *fsm.Request[WarmRequest, WarmResponse]) (*fsm.Response[WarmResponse], error) {
	slog.Info("warm_state_complete", "avatar_id", req.Msg.AvatarID)

	resp := req.W.Msg
	if resp == nil {
		resp = &WarmResponse{}
	}

	if m.ledger != nil {
		record := &ledger.Fetch{
			AvatarID: req.Msg.AvatarID,
			URL:      resp.URL,
			SHA256:   resp.SHA256,
			Size:     resp.Size,
			Status:   ledger.StatusReady,
		}
		if err := m.ledger.Upsert(record); err != nil {
			return nil, errors.Wrap(err, "failed to record fetch")
		}
	}
	resp.Status = ledger.StatusReady

	slog.Info("warm_complete", "avatar_id", req.Msg.AvatarID, "status", resp.Status)
	return fsm.NewResponse(resp), nil
}

func (m *Machine) markFailed(id int64, target string, err error) {
	if m.ledger == nil {
		return
	}
	if lerr := m.ledger.MarkFailed(id, target, err.Error()); lerr != nil {
		slog.Warn("warm_ledger_record_failed", "avatar_id", id, "error", lerr)
	}
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

// Package engine implements the avatar fetch coordination and caching core:
// a memory LRU in front of the disk store, a pending-request table that
// deduplicates concurrent requests, a bounded pool of fetch lanes with an
// overflow queue, and a notifier that batches completions onto a single
// affinity dispatcher.
package engine

import (
	"fmt"
	"image"
	"log/slog"
	"sync"

	"github.com/sievert/avatarcache/pkg/imaging"
	"github.com/sievert/avatarcache/pkg/ledger"
	"github.com/sievert/avatarcache/pkg/lru"
	"github.com/sievert/avatarcache/pkg/resolver"
	"github.com/sievert/avatarcache/pkg/source"
	"github.com/sievert/avatarcache/pkg/store"
)

// Defaults applied by New when the corresponding Config field is zero.
const (
	DefaultCacheCapacity = 128
	DefaultMaxConcurrent = 4
	DefaultMaxImageBytes = 8 << 20
)

// Codec is the opaque image post-processing collaborator: it turns raw
// downloaded bytes into a renderable image plus persistable variant bytes,
// and loads already-persisted artifacts.
type Codec interface {
	Transform(raw []byte, v imaging.Variant) (image.Image, []byte, error)
	Decode(path string) (image.Image, bool)
}

// Config carries the engine's collaborators and tuning knobs.
type Config struct {
	Store    *store.Store
	Resolver resolver.Resolver
	Source   source.Source
	Codec    Codec

	// Ledger is optional; when set, fetch outcomes are recorded in it.
	Ledger *ledger.Ledger

	// Dispatcher is the affinity context hand-off. When nil the engine owns
	// a SerialDispatcher and closes it on Close.
	Dispatcher Dispatcher

	// Placeholder is returned by Request while nothing local exists.
	// Defaults to imaging.Placeholder().
	Placeholder image.Image

	CacheCapacity int
	MaxConcurrent int
	MaxImageBytes int64
}

// Engine is the long-lived avatar service instance. All mutable state lives
// on it; create one with New and release it with Close.
type Engine struct {
	cache       *lru.Cache
	store       *store.Store
	resolver    resolver.Resolver
	source      source.Source
	codec       Codec
	ledger      *ledger.Ledger
	placeholder image.Image

	maxConcurrent int
	maxImageBytes int64

	pending  *pendingTable
	notifier *notifier

	dispatcher Dispatcher
	serial     *SerialDispatcher // set when the engine owns the dispatcher

	// mu guards the overflow queue, the active lane count, and the
	// resolved-URL cache.
	mu     sync.Mutex
	queue  []int64
	active int
	urls   map[int64]string

	lanes sync.WaitGroup
}

// New validates cfg, applies defaults, and returns a running engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("engine: store is required")
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("engine: resolver is required")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("engine: source is required")
	}
	if cfg.Codec == nil {
		return nil, fmt.Errorf("engine: codec is required")
	}

	capacity := cfg.CacheCapacity
	if capacity == 0 {
		capacity = DefaultCacheCapacity
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent == 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	maxBytes := cfg.MaxImageBytes
	if maxBytes == 0 {
		maxBytes = DefaultMaxImageBytes
	}
	placeholder := cfg.Placeholder
	if placeholder == nil {
		placeholder = imaging.Placeholder()
	}

	e := &Engine{
		cache:         lru.New(capacity),
		store:         cfg.Store,
		resolver:      cfg.Resolver,
		source:        cfg.Source,
		codec:         cfg.Codec,
		ledger:        cfg.Ledger,
		placeholder:   placeholder,
		maxConcurrent: maxConcurrent,
		maxImageBytes: maxBytes,
		pending:       newPendingTable(),
		urls:          make(map[int64]string),
	}

	e.dispatcher = cfg.Dispatcher
	if e.dispatcher == nil {
		e.serial = NewSerialDispatcher(0)
		e.dispatcher = e.serial
	}
	e.notifier = newNotifier(e.dispatcher, e.pending)

	slog.Info("engine_ready",
		"cache_capacity", capacity,
		"max_concurrent", maxConcurrent,
		"max_image_bytes", maxBytes)
	return e, nil
}

// Close waits for in-flight lanes to drain and, when the engine owns its
// dispatcher, delivers the remaining notifications and stops it.
func (e *Engine) Close() {
	e.lanes.Wait()
	if e.serial != nil {
		e.serial.Close()
	}
	slog.Info("engine_closed")
}

// GetLocal returns the image for id if it is materialized locally: memory
// cache first, then the processed artifact on disk, then — for durable ids —
// the raw artifact, which is transformed and persisted on the spot. It never
// touches the network.
func (e *Engine) GetLocal(id int64) (image.Image, bool) {
	if img, ok := e.cache.Get(id); ok {
		return img, true
	}

	if store.IsTransient(id) {
		e.store.PurgeTransientOnce()
	}

	key := store.Key(id)
	if path, ok := e.store.Find(key, store.VariantBucket(id)); ok {
		if img, ok := e.codec.Decode(path); ok {
			e.cache.Put(id, img)
			return img, true
		}
	}

	if store.IsTransient(id) {
		// Transient artifacts are persisted processed; no raw fallback.
		return nil, false
	}

	raw, ok := e.store.Read(key, store.Raw)
	if !ok {
		return nil, false
	}

	img, processed, err := e.codec.Transform(raw, variantFor(id))
	if err != nil {
		slog.Warn("local_transform_failed", "avatar_id", id, "error", err)
		return nil, false
	}
	if _, err := e.store.Write(key, store.VariantBucket(id), ".png", processed); err != nil {
		slog.Warn("local_variant_persist_failed", "avatar_id", id, "error", err)
	}
	e.cache.Put(id, img)
	return img, true
}

// Request returns the image for id if materialized, otherwise registers sub
// for a completion notification, starts a fetch unless one is already in
// flight, and returns the best immediate stand-in: the small variant for a
// large-variant id when available, else the placeholder. knownURL seeds the
// resolved-URL cache and is required for transient ids. Request never blocks
// on network I/O.
func (e *Engine) Request(id int64, knownURL string, sub Subscriber) image.Image {
	if img, ok := e.GetLocal(id); ok {
		return img
	}

	if e.pending.tryRegister(id, sub) {
		e.submit(id, knownURL)
	}

	if id < 0 {
		if img, ok := e.GetLocal(-id); ok {
			return img
		}
	}
	return e.placeholder
}

// variantFor maps an id to the rendered form its fetch produces.
func variantFor(id int64) imaging.Variant {
	if id < 0 {
		return imaging.Large
	}
	return imaging.Small
}

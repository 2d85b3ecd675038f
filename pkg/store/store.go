// Package store persists avatar image artifacts on disk. Artifacts are keyed
// by a numeric id plus a format extension and live in one of four buckets:
// raw downloads in the root directory, processed small and large variants in
// their own subdirectories, and transient session-scoped images in a scratch
// subdirectory that is purged once per process lifetime.
package store

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/sievert/avatarcache/pkg/errors"
)

// TempStart is the first transient id. Ids at or above this threshold are
// session-scoped and their artifacts live in the scratch bucket. It must
// exceed any real identity the resolver can produce.
const TempStart int64 = 1 << 40

// Bucket selects the storage area for an artifact.
type Bucket int

const (
	// Raw holds downloaded bytes as received from the origin.
	Raw Bucket = iota
	// Small holds processed small-variant images.
	Small
	// Large holds processed large-variant images.
	Large
	// Temp holds artifacts for transient ids.
	Temp
)

func (b Bucket) String() string {
	switch b {
	case Raw:
		return "raw"
	case Small:
		return "small"
	case Large:
		return "large"
	case Temp:
		return "temp"
	}
	return "unknown"
}

// IsTransient reports whether id falls in the transient range.
func IsTransient(id int64) bool {
	return id >= TempStart
}

// Identity returns the stable identity behind id: large-variant ids are the
// negation of their identity, everything else maps to itself.
func Identity(id int64) int64 {
	if id < 0 {
		return -id
	}
	return id
}

// Key returns the on-disk key for id: the identity for durable ids, the id
// itself for transient ones.
func Key(id int64) int64 {
	if IsTransient(id) {
		return id
	}
	return Identity(id)
}

// VariantBucket returns the bucket holding the processed image for id.
func VariantBucket(id int64) Bucket {
	switch {
	case IsTransient(id):
		return Temp
	case id < 0:
		return Large
	default:
		return Small
	}
}

// extensions probed by Find, in preference order.
var extensions = []string{".png", ".jpg", ".jpeg", ".gif"}

// Store reads and writes avatar artifacts under a fixed directory layout.
type Store struct {
	root      string
	purgeTemp sync.Once
}

// New creates the bucket directories under root if needed and returns a Store.
func New(root string) (*Store, error) {
	for _, dir := range []string{root, filepath.Join(root, "small"), filepath.Join(root, "large"), filepath.Join(root, "temp")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrap(err, "failed to create store directory")
		}
	}
	slog.Info("store_ready", "root", root)
	return &Store{root: root}, nil
}

func (s *Store) dir(b Bucket) string {
	switch b {
	case Small:
		return filepath.Join(s.root, "small")
	case Large:
		return filepath.Join(s.root, "large")
	case Temp:
		return filepath.Join(s.root, "temp")
	}
	return s.root
}

// Path returns the artifact path for (id, bucket, ext). The extension must
// include its leading dot.
func (s *Store) Path(id int64, b Bucket, ext string) string {
	return filepath.Join(s.dir(b), strconv.FormatInt(id, 10)+ext)
}

// Find probes the known extensions for an artifact of (id, bucket) and
// returns the first existing path.
func (s *Store) Find(id int64, b Bucket) (string, bool) {
	for _, ext := range extensions {
		path := s.Path(id, b, ext)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, true
		}
	}
	return "", false
}

// Read returns the artifact bytes for (id, bucket). Any I/O error is treated
// as absence so the caller falls through to a fetch.
func (s *Store) Read(id int64, b Bucket) ([]byte, bool) {
	path, ok := s.Find(id, b)
	if !ok {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("store_read_failed", "path", path, "error", err)
		return nil, false
	}
	return data, true
}

// Write persists data as the artifact for (id, bucket, ext), replacing any
// prior artifact for that id in the bucket regardless of extension.
func (s *Store) Write(id int64, b Bucket, ext string, data []byte) (string, error) {
	if prior, ok := s.Find(id, b); ok && prior != s.Path(id, b, ext) {
		if err := os.Remove(prior); err != nil {
			slog.Warn("store_stale_artifact_remove_failed", "path", prior, "error", err)
		}
	}

	path := s.Path(id, b, ext)
	if err := os.WriteFile(path, data, 0644); err != nil {
		slog.Error("store_write_failed", "path", path, "error", err)
		return "", errors.Wrap(err, "failed to write artifact")
	}

	slog.Info("store_write", "avatar_id", id, "bucket", b.String(), "size", len(data))
	return path, nil
}

// PurgeTransientOnce empties the scratch bucket. Only the first call per
// Store does anything; later calls are no-ops.
func (s *Store) PurgeTransientOnce() {
	s.purgeTemp.Do(func() {
		dir := s.dir(Temp)
		entries, err := os.ReadDir(dir)
		if err != nil {
			slog.Warn("store_temp_purge_skipped", "dir", dir, "error", err)
			return
		}
		removed := 0
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
				slog.Warn("store_temp_purge_entry_failed", "name", entry.Name(), "error", err)
				continue
			}
			removed++
		}
		slog.Info("store_temp_purged", "dir", dir, "removed", removed)
	})
}

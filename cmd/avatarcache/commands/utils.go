package commands

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sievert/avatarcache/internal/config"
	"github.com/sievert/avatarcache/pkg/errors"
	"github.com/sievert/avatarcache/pkg/source"
)

// ensureDirectories creates all necessary directories for the application
func ensureDirectories(sqlitePath, fsmDBPath, cacheDir string) error {
	// Create ledger directory
	if err := os.MkdirAll(filepath.Dir(sqlitePath), 0755); err != nil {
		return errors.Wrap(err, "failed to create ledger directory")
	}

	// Create FSM database directory (only needed for warm command)
	if fsmDBPath != "" {
		if err := os.MkdirAll(fsmDBPath, 0755); err != nil {
			return errors.Wrap(err, "failed to create FSM directory")
		}
	}

	// Create cache directory (the store creates its bucket subdirectories)
	if cacheDir != "" {
		if err := os.MkdirAll(cacheDir, 0755); err != nil {
			return errors.Wrap(err, "failed to create cache directory")
		}
	}

	return nil
}

// newSource builds the origin source for the configuration: HTTP always,
// S3 when enabled.
func newSource(ctx context.Context, cfg *config.Config) (source.Source, error) {
	httpSrc := source.NewHTTPSource(&http.Client{
		Timeout: time.Duration(cfg.HTTPTimeoutSeconds) * time.Second,
	})

	if !cfg.S3Enabled {
		return source.NewRouter(httpSrc, nil), nil
	}

	s3Src, err := source.NewS3Source(ctx, cfg.S3Region)
	if err != nil {
		return nil, errors.Wrap(err, "S3 source failed")
	}
	return source.NewRouter(httpSrc, s3Src), nil
}

// parseIDs converts command arguments into avatar ids.
func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return nil, errors.Wrap(err, "invalid avatar id "+arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

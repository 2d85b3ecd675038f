package commands

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/superfly/fsm"

	"github.com/sievert/avatarcache/internal/config"
	"github.com/sievert/avatarcache/pkg/errors"
	"github.com/sievert/avatarcache/pkg/imaging"
	"github.com/sievert/avatarcache/pkg/ledger"
	"github.com/sievert/avatarcache/pkg/resolver"
	"github.com/sievert/avatarcache/pkg/store"
	"github.com/sievert/avatarcache/pkg/warm"
)

var warmCmd = &cobra.Command{
	Use:   "warm <id>...",
	Short: "Durably prefetch avatars via the FSM pipeline",
	Long:  `Runs each avatar through a persisted resolve/download/transform workflow. An interrupted warm resumes from its last state after a restart.`,
	Args:  cobra.MinimumNArgs(1),
	RunE:  runWarm,
}

func init() {
	rootCmd.AddCommand(warmCmd)
}

func runWarm(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	ids, err := parseIDs(args)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}

	if err := ensureDirectories(cfg.SQLitePath, cfg.FSMDBPath, cfg.CacheDir); err != nil {
		return err
	}

	led, err := ledger.Open(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "ledger init failed")
	}
	defer led.Close()

	st, err := store.New(cfg.CacheDir)
	if err != nil {
		return errors.Wrap(err, "store init failed")
	}

	src, err := newSource(ctx, cfg)
	if err != nil {
		return err
	}

	res := resolver.NewHTTPResolver(cfg.ResolverURL, &http.Client{
		Timeout: time.Duration(cfg.HTTPTimeoutSeconds) * time.Second,
	})

	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	machine := warm.NewMachine(st, res, src, imaging.NewProcessor(), led, cfg.WarmMaxRetries)
	start, _, err := machine.Register(ctx, manager)
	if err != nil {
		return errors.Wrap(err, "FSM register failed")
	}

	for _, id := range ids {
		req := &warm.WarmRequest{AvatarID: id}
		resp := &warm.WarmResponse{}

		version, err := start(ctx, strconv.FormatInt(id, 10), fsm.NewRequest(req, resp))
		if err != nil {
			slog.Error("warm_start_failed", "avatar_id", id, "error", err)
			continue
		}

		if err := manager.Wait(ctx, version); err != nil {
			slog.Error("warm_failed", "avatar_id", id, "error", err)
			continue
		}

		slog.Info("warm_finished",
			"avatar_id", id,
			"status", resp.Status,
			"size", resp.Size,
			"variant_path", resp.VariantPath,
		)
	}

	return nil
}

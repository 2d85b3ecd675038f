package commands

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/sievert/avatarcache/internal/config"
	"github.com/sievert/avatarcache/pkg/engine"
	"github.com/sievert/avatarcache/pkg/errors"
	"github.com/sievert/avatarcache/pkg/imaging"
	"github.com/sievert/avatarcache/pkg/ledger"
	"github.com/sievert/avatarcache/pkg/resolver"
	"github.com/sievert/avatarcache/pkg/store"
)

var (
	fetchURL         string
	fetchWaitSeconds int
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <id>...",
	Short: "Fetch avatars through the live engine and wait for completion",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runFetch,
}

func init() {
	rootCmd.AddCommand(fetchCmd)
	fetchCmd.Flags().StringVar(&fetchURL, "url", "", "Known avatar URL (single id only; required for transient ids)")
	fetchCmd.Flags().IntVar(&fetchWaitSeconds, "wait", 30, "Seconds to wait for completions")
}

// fetchWaiter funnels completion notifications into a channel the command
// can select on.
type fetchWaiter struct {
	done chan int64
}

func (w *fetchWaiter) OnUpdated(id int64) {
	w.done <- id
}

func runFetch(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	ids, err := parseIDs(args)
	if err != nil {
		return err
	}
	if fetchURL != "" && len(ids) != 1 {
		return fmt.Errorf("--url requires exactly one id")
	}

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}

	if err := ensureDirectories(cfg.SQLitePath, "", cfg.CacheDir); err != nil {
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

	eng, err := engine.New(engine.Config{
		Store: st,
		Resolver: resolver.NewHTTPResolver(cfg.ResolverURL, &http.Client{
			Timeout: time.Duration(cfg.HTTPTimeoutSeconds) * time.Second,
		}),
		Source:        src,
		Codec:         imaging.NewProcessor(),
		Ledger:        led,
		CacheCapacity: cfg.CacheCapacity,
		MaxConcurrent: cfg.MaxConcurrent,
		MaxImageBytes: cfg.MaxImageBytes,
	})
	if err != nil {
		return errors.Wrap(err, "engine init failed")
	}
	defer eng.Close()

	waiter := &fetchWaiter{done: make(chan int64, len(ids))}
	outstanding := make(map[int64]bool)

	for _, id := range ids {
		if _, ok := eng.GetLocal(id); ok {
			fmt.Printf("%d: already materialized\n", id)
			continue
		}
		eng.Request(id, fetchURL, waiter)
		outstanding[id] = true
	}

	timeout := time.After(time.Duration(fetchWaitSeconds) * time.Second)
	for len(outstanding) > 0 {
		select {
		case id := <-waiter.done:
			delete(outstanding, id)
			fmt.Printf("%d: fetched\n", id)
		case <-timeout:
			for id := range outstanding {
				fmt.Printf("%d: not completed (failed or still in flight)\n", id)
			}
			slog.Warn("fetch_incomplete", "remaining", len(outstanding))
			return nil
		}
	}

	slog.Info("fetch_done", "count", len(ids))
	return nil
}

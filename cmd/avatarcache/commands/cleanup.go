package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/sievert/avatarcache/internal/config"
	"github.com/sievert/avatarcache/pkg/errors"
	"github.com/sievert/avatarcache/pkg/ledger"
	"github.com/sievert/avatarcache/pkg/store"
)

var (
	cleanupAll  bool
	cleanupTemp bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove cached avatar artifacts",
	Long: `Remove cached avatar artifacts:
  --temp   Empty the transient scratch bucket
  --all    Remove all artifacts and reset the fetch ledger`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupAll, "all", false, "Remove all artifacts and ledger records")
	cleanupCmd.Flags().BoolVar(&cleanupTemp, "temp", false, "Empty the transient scratch bucket")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	if !cleanupAll && !cleanupTemp {
		return fmt.Errorf("must specify --all or --temp")
	}

	if cleanupAll {
		return cleanupAllArtifacts(cfg)
	}
	return cleanupScratch(cfg)
}

func cleanupScratch(cfg *config.Config) error {
	st, err := store.New(cfg.CacheDir)
	if err != nil {
		return errors.Wrap(err, "store init failed")
	}

	st.PurgeTransientOnce()
	fmt.Println("Scratch bucket emptied")
	return nil
}

func cleanupAllArtifacts(cfg *config.Config) error {
	removed := 0
	for _, sub := range []string{"", "small", "large", "temp"} {
		dir := filepath.Join(cfg.CacheDir, sub)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
				fmt.Printf("Failed to remove %s: %v\n", entry.Name(), err)
				continue
			}
			removed++
		}
	}
	fmt.Printf("Removed %d artifacts\n", removed)

	if err := ensureDirectories(cfg.SQLitePath, "", ""); err != nil {
		return err
	}
	led, err := ledger.Open(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "ledger init failed")
	}
	defer led.Close()

	if err := led.Reset(); err != nil {
		return errors.Wrap(err, "ledger reset failed")
	}
	fmt.Println("Ledger reset")
	return nil
}

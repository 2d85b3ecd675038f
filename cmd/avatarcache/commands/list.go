package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sievert/avatarcache/internal/config"
	"github.com/sievert/avatarcache/pkg/errors"
	"github.com/sievert/avatarcache/pkg/ledger"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded fetches and their status",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	// Ensure database directory exists
	if err := ensureDirectories(cfg.SQLitePath, "", ""); err != nil {
		return err
	}

	led, err := ledger.Open(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "ledger init failed")
	}
	defer led.Close()

	fetches, err := led.List()
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(fetches) == 0 {
		fmt.Println("No fetches found")
		return nil
	}

	fmt.Printf("%-16s %-10s %-10s %-14s %s\n", "ID", "STATUS", "SIZE", "SHA256", "URL")
	fmt.Println("------------------------------------------------------------------------------------------------")

	for _, f := range fetches {
		sha := f.SHA256
		if len(sha) > 12 {
			sha = sha[:12]
		}
		if sha == "" {
			sha = "-"
		}
		url := f.URL
		if url == "" {
			url = "-"
		}

		fmt.Printf("%-16d %-10s %-10d %-14s %s\n",
			f.AvatarID, f.Status, f.Size, sha, url)

		if f.Status == ledger.StatusFailed && f.ErrorMessage != "" {
			fmt.Printf("%-16s error: %s\n", "", f.ErrorMessage)
		}
	}

	return nil
}

package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "avatarcache",
	Short: "Avatar image acquisition and caching",
	Long:  `Fetches avatar images by numeric id, caches them in memory and on disk, deduplicates concurrent fetches, and records outcomes in a SQLite ledger.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("cache-dir", ".artifacts/avatars", "Avatar artifact directory")
	rootCmd.PersistentFlags().String("sqlite-path", ".artifacts/avatars.db", "SQLite ledger path")
	rootCmd.PersistentFlags().String("fsm-db-path", ".artifacts/warm.db", "Warm FSM BoltDB path")
	rootCmd.PersistentFlags().String("resolver-url", "http://localhost:8480/avatars", "Identity resolver endpoint")
	rootCmd.PersistentFlags().Bool("s3-enabled", false, "Enable the S3 origin for s3:// URLs")
	rootCmd.PersistentFlags().String("s3-region", "us-east-1", "S3 region")
	rootCmd.PersistentFlags().Int("cache-capacity", 128, "Memory cache capacity in images")
	rootCmd.PersistentFlags().Int("max-concurrent", 4, "Max concurrent fetches")
	rootCmd.PersistentFlags().Int64("max-image-bytes", 8*1024*1024, "Max downloaded image size in bytes")

	viper.BindPFlag("cache-dir", rootCmd.PersistentFlags().Lookup("cache-dir"))
	viper.BindPFlag("sqlite-path", rootCmd.PersistentFlags().Lookup("sqlite-path"))
	viper.BindPFlag("fsm-db-path", rootCmd.PersistentFlags().Lookup("fsm-db-path"))
	viper.BindPFlag("resolver-url", rootCmd.PersistentFlags().Lookup("resolver-url"))
	viper.BindPFlag("s3-enabled", rootCmd.PersistentFlags().Lookup("s3-enabled"))
	viper.BindPFlag("s3-region", rootCmd.PersistentFlags().Lookup("s3-region"))
	viper.BindPFlag("cache-capacity", rootCmd.PersistentFlags().Lookup("cache-capacity"))
	viper.BindPFlag("max-concurrent", rootCmd.PersistentFlags().Lookup("max-concurrent"))
	viper.BindPFlag("max-image-bytes", rootCmd.PersistentFlags().Lookup("max-image-bytes"))
}

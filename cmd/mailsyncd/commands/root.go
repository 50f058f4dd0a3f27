// Package commands implements the mailsyncd CLI using cobra.
package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/nhle/mailsync/internal/model"
)

// Version is set at build time.
var Version = "0.1.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "mailsyncd",
	Short: "Mail synchronization engine",
	Long: `Mailsyncd keeps local mail state in sync with remote accounts.

A priority-ordered, resource-gated scheduler sequences folder syncs,
flag changes, moves and sends against the configured IMAP/SMTP
accounts and a local SQLite store.`,
	Version: Version,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&configPath, "config", model.DefaultConfigPath(), "config file path",
	)
}

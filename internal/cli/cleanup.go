package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"shadowtun/internal/core/sysdns"
	"shadowtun/internal/core/tun"
	"shadowtun/internal/logging"
	"shadowtun/internal/paths"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Restore system DNS after a crashed run (requires root)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := tun.CheckPrivileges(); err != nil {
			return err
		}

		stateDir := ""
		if cfg, err := loadConfig(cmd); err == nil {
			stateDir = cfg.System.StateDir
		}
		statePath, err := paths.StatePath(stateDir)
		if err != nil {
			return err
		}

		level, _ := cmd.Flags().GetString("log-level")
		if level == "" {
			level = "info"
		}
		logger, err := logging.New(level, true)
		if err != nil {
			return err
		}
		defer logger.Sync()

		restored, err := sysdns.CleanupIfNeeded(context.Background(), sysdns.ExecRunner{}, statePath, logger)
		if err != nil {
			return err
		}
		if restored {
			fmt.Println("System DNS restored.")
		} else {
			fmt.Println("Nothing to clean up.")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}

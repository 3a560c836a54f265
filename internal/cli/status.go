package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
	"shadowtun/internal/app"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tunnel status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := context.Background()
		session, err := store.GetActiveSession(ctx)
		if err != nil {
			return fmt.Errorf("failed to read session: %w", err)
		}
		count, err := store.CountMappings(ctx)
		if err != nil {
			return fmt.Errorf("failed to count mappings: %w", err)
		}

		if session == nil {
			fmt.Println("Status:     not running")
			if stopped, err := store.GetSetting(ctx, app.LastStoppedSetting); err == nil && stopped != "" {
				fmt.Printf("Last run:   stopped %s\n", stopped)
			}
			fmt.Printf("Mappings:   %d\n", count)
			return nil
		}

		running := processAlive(session.PID)

		fmt.Println("Tunnel Status")
		fmt.Println("=============")
		fmt.Println()
		if running {
			fmt.Printf("Status:     running\n")
		} else {
			fmt.Printf("Status:     stopped (stale)\n")
		}
		fmt.Printf("PID:        %d\n", session.PID)
		fmt.Printf("Interface:  %s\n", session.DeviceName)
		fmt.Printf("Server:     %s\n", session.Server)
		fmt.Printf("DNS:        %s\n", session.DNSListen)
		fmt.Printf("Started:    %s\n", session.StartedAt.Format(time.RFC3339))
		if running {
			fmt.Printf("Uptime:     %s\n", time.Since(session.StartedAt).Round(time.Second))
		}
		fmt.Printf("Mappings:   %d\n", count)

		if !running {
			fmt.Println()
			fmt.Println("The process is gone. Run 'sudo shadowtun cleanup' to restore system DNS.")
		}
		return nil
	},
}

// processAlive reports whether pid exists. EPERM means it exists but belongs
// to another user, which is the normal case for a root daemon.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

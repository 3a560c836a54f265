package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"shadowtun/internal/app"
	"shadowtun/internal/config"
	"shadowtun/internal/logging"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the tunnel (requires root)",
	Long: `Start the tunnel and the DNS authority and relay traffic until interrupted.

The system resolver is pointed at the local DNS authority while running and
restored on exit. If a previous run crashed, its DNS override is undone first.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if err := applyRunFlags(cmd, cfg); err != nil {
			return err
		}

		logger, err := logging.New(cfg.Log.Level, cfg.Log.Dev)
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := app.New(cfg, logger).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("shadowtun stopped", zap.Error(err))
			return err
		}
		logger.Info("shadowtun stopped")
		return nil
	},
}

// applyRunFlags overlays the run flags on cfg and validates the result.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) error {
	changed := false
	if name, _ := cmd.Flags().GetString("tun"); name != "" {
		cfg.Tun.Name = name
		changed = true
	}
	if listen, _ := cmd.Flags().GetString("dns-listen"); listen != "" {
		cfg.DNS.Listen = listen
		changed = true
	}
	if upstream, _ := cmd.Flags().GetString("upstream"); upstream != "" {
		cfg.DNS.Upstream = upstream
		changed = true
	}
	if uri, _ := cmd.Flags().GetString("server"); uri != "" {
		link, err := config.ParseServerURL(uri)
		if err != nil {
			return fmt.Errorf("invalid --server: %w", err)
		}
		cfg.Server.URL = uri
		cfg.Server.Address = link.Address
		cfg.Server.Method = link.Method
		cfg.Server.Password = link.Password
		changed = true
	}
	if dev, _ := cmd.Flags().GetBool("dev"); dev {
		cfg.Log.Dev = true
	}
	if !changed {
		return nil
	}
	return cfg.Validate()
}

func init() {
	runCmd.Flags().String("tun", "", "tunnel interface name")
	runCmd.Flags().String("dns-listen", "", "DNS listen address (host:port)")
	runCmd.Flags().String("upstream", "", "upstream DNS server (host[:port])")
	runCmd.Flags().String("server", "", "Shadowsocks server as an ss:// link")
	runCmd.Flags().Bool("dev", false, "human readable development logging")
	rootCmd.AddCommand(runCmd)
}

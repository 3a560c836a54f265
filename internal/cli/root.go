package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"shadowtun/internal/config"
	"shadowtun/internal/paths"
	"shadowtun/internal/storage/sqlite"
)

var version = "dev"

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "shadowtun",
	Short: "Transparent Shadowsocks proxy for the whole system",
	Long: `shadowtun - transparent Shadowsocks proxy for the whole system

  Routes traffic through a tunnel interface and relays it to a Shadowsocks
  server. A local DNS authority hands out synthetic addresses for proxied
  names so the server resolves them, not the local network.

  Quick start:
    shadowtun config init
    sudo shadowtun run --server "ss://..."
    shadowtun status
    shadowtun mappings --search example.com`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file path (default ~/.config/shadowtun/config.toml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("db", "", "database path")

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("shadowtun %s\n", version)
	},
}

// configPath returns the --config flag or the default location.
func configPath(cmd *cobra.Command) (string, error) {
	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		return path, nil
	}
	return paths.ConfigPath()
}

// loadConfig reads the config file and applies the global flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := configPath(cmd)
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.System.DBPath = db
	}
	return cfg, nil
}

// openStore opens the mapping database without requiring a valid config.
func openStore(cmd *cobra.Command) (*sqlite.DB, error) {
	dbPath, _ := cmd.Flags().GetString("db")
	if dbPath == "" {
		if cfg, err := loadConfig(cmd); err == nil && cfg.System.DBPath != "" {
			dbPath = cfg.System.DBPath
		}
	}
	if dbPath == "" {
		var err error
		if dbPath, err = paths.DBPath(); err != nil {
			return nil, err
		}
	}
	store, err := sqlite.New(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return store, nil
}

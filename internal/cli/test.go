package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"shadowtun/internal/config"
	"shadowtun/internal/latency"
	"shadowtun/internal/subscription"
)

var testCmd = &cobra.Command{
	Use:   "test [ss://...]...",
	Short: "Test server latency",
	Long: `Test latency of Shadowsocks servers.

With no arguments the configured server is tested. Servers given as ss://
links or published by --subscription are tested in parallel and listed
fastest first.

Strategies:
  http  fetch a URL through the server (default, checks cipher and password)
  tcp   TCP handshake to the server only`,
	RunE: func(cmd *cobra.Command, args []string) error {
		strategyName, _ := cmd.Flags().GetString("strategy")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		workers, _ := cmd.Flags().GetInt64("workers")
		testURL, _ := cmd.Flags().GetString("url")

		subURL, _ := cmd.Flags().GetString("subscription")

		servers, err := testTargets(cmd, args, subURL)
		if err != nil {
			return err
		}

		strategy, err := latency.NewStrategy(strategyName)
		if err != nil {
			return err
		}
		if hs, ok := strategy.(*latency.HTTPStrategy); ok {
			hs.URL = testURL
		}

		tester := latency.NewTester(latency.TesterConfig{
			Workers:  workers,
			Timeout:  timeout,
			Strategy: strategy,
		})

		fmt.Printf("Testing %d server(s) [strategy: %s]\n\n", len(servers), strategy.Name())
		batch := tester.TestBatch(context.Background(), servers, func(r *latency.TestResult, current, total int) {
			status := "OK"
			if !r.Success() {
				status = "FAIL"
			}
			fmt.Printf("  [%d/%d] %s %s\n", current, total, r.Server.Name, status)
		})

		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "#\tNAME\tADDRESS\tLATENCY\tSTATUS")
		fmt.Fprintln(w, "-\t----\t-------\t-------\t------")
		for i, r := range batch.Results {
			latStr := "N/A"
			statusStr := "OK"
			if r.Success() {
				latStr = fmt.Sprintf("%d ms", r.Latency.Milliseconds())
			} else {
				statusStr = "FAIL: " + r.Err.Error()
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", i+1, r.Server.Name, r.Server.Address, latStr, statusStr)
		}
		w.Flush()

		fmt.Printf("\n%d/%d succeeded in %s\n", batch.Succeeded, batch.Tested, batch.Duration.Round(time.Millisecond))
		if batch.Succeeded == 0 {
			return fmt.Errorf("no server reachable")
		}
		return nil
	},
}

// testTargets returns the servers named on the command line or in the
// subscription, or the configured server when neither is given.
func testTargets(cmd *cobra.Command, args []string, subURL string) ([]*config.ServerLink, error) {
	servers := make([]*config.ServerLink, 0, len(args))
	if subURL != "" {
		content, err := subscription.NewFetcher(subscription.DefaultFetcherConfig()).Fetch(context.Background(), subURL)
		if err != nil {
			return nil, err
		}
		decoded, err := subscription.Decode(content)
		if err != nil {
			return nil, err
		}
		if decoded.Skipped > 0 {
			fmt.Printf("Skipped %d non-shadowsocks or malformed link(s)\n", decoded.Skipped)
		}
		servers = append(servers, decoded.Servers...)
	}

	if len(args) == 0 && len(servers) == 0 {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return nil, err
		}
		return []*config.ServerLink{{
			Name:     "configured",
			Address:  cfg.Server.Address,
			Method:   cfg.Server.Method,
			Password: cfg.Server.Password,
		}}, nil
	}

	for _, arg := range args {
		link, err := config.ParseServerURL(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid server %q: %w", arg, err)
		}
		if link.Name == "" {
			link.Name = link.Address
		}
		servers = append(servers, link)
	}
	return servers, nil
}

func init() {
	testCmd.Flags().StringP("strategy", "s", "http", "test strategy: tcp or http")
	testCmd.Flags().Duration("timeout", 5*time.Second, "timeout per test")
	testCmd.Flags().Int64("workers", 10, "number of parallel tests")
	testCmd.Flags().String("subscription", "", "subscription URL to test servers from")
	testCmd.Flags().String("url", latency.DefaultTestURL, "URL fetched by the http strategy")
	rootCmd.AddCommand(testCmd)
}

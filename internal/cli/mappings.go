package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"shadowtun/internal/storage"
)

var mappingsCmd = &cobra.Command{
	Use:   "mappings",
	Short: "List synthetic address mappings",
	Long:  "List the synthetic addresses handed out by the DNS authority, most recently used first.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		search, _ := cmd.Flags().GetString("search")

		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := context.Background()
		mappings, err := store.ListMappings(ctx, storage.MappingFilter{SearchTerm: search, Limit: limit})
		if err != nil {
			return fmt.Errorf("failed to list mappings: %w", err)
		}

		if len(mappings) == 0 {
			fmt.Println("No mappings found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "IP\tDOMAIN\tCREATED\tLAST SEEN")
		fmt.Fprintln(w, "--\t------\t-------\t---------")
		for _, m := range mappings {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s ago\n",
				m.IP,
				m.Domain,
				m.CreatedAt.Format("2006-01-02 15:04:05"),
				time.Since(m.LastSeen).Round(time.Second),
			)
		}
		w.Flush()

		fmt.Printf("\nShowing %d mapping(s)\n", len(mappings))
		return nil
	},
}

func init() {
	mappingsCmd.Flags().IntP("limit", "n", 50, "maximum number of mappings to show (0 for all)")
	mappingsCmd.Flags().StringP("search", "s", "", "filter by domain or ip")
	mappingsCmd.RegisterFlagCompletionFunc("search", completeMappingDomains)
	rootCmd.AddCommand(mappingsCmd)
}

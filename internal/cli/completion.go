package cli

import (
	"context"
	"strings"

	"github.com/spf13/cobra"
	"shadowtun/internal/storage"
)

// completeMappingDomains completes --search with recorded domains.
func completeMappingDomains(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	store, err := openStore(cmd)
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}
	defer store.Close()

	mappings, err := store.ListMappings(context.Background(), storage.MappingFilter{SearchTerm: toComplete, Limit: 100})
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}

	seen := make(map[string]bool, len(mappings))
	var completions []string
	for _, m := range mappings {
		if seen[m.Domain] || !strings.HasPrefix(strings.ToLower(m.Domain), strings.ToLower(toComplete)) {
			continue
		}
		seen[m.Domain] = true
		completions = append(completions, m.Domain)
	}

	return completions, cobra.ShellCompDirectiveNoFileComp
}

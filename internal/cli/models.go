package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/harun/sqlsaber/pkg/registry"
	"github.com/spf13/cobra"
)

var (
	modelsProvider string
	modelsJSON     bool
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List supported chat models",
	Long: `List the chat models sqlsaber can drive, grouped by provider.
Use the model id (provider:model) as model_name in the registry file.`,
	RunE: runModels,
}

func init() {
	modelsCmd.Flags().StringVar(&modelsProvider, "provider", "", "only list models for this provider")
	modelsCmd.Flags().BoolVar(&modelsJSON, "json", false, "print the catalog as JSON")
	rootCmd.AddCommand(modelsCmd)
}

func runModels(cmd *cobra.Command, args []string) error {
	var providers []string
	if modelsProvider != "" {
		if !registry.IsAllowedProvider(modelsProvider) {
			return fmt.Errorf("unknown provider %q", modelsProvider)
		}
		providers = append(providers, modelsProvider)
	}
	catalog := registry.ModelCatalog(providers...)
	out := cmd.OutOrStdout()

	if modelsJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(catalog)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tMODEL\tNAME\tCONTEXT")
	for _, p := range catalog.Providers {
		for _, m := range catalog.ModelsByProvider[p.Key] {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", p.Label, m.ID, m.Name, m.ContextLength)
		}
	}
	return w.Flush()
}

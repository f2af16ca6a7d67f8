package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/harun/sqlsaber/pkg/store"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var threadsLimit int

var threadsCmd = &cobra.Command{
	Use:   "threads",
	Short: "List recent threads",
	Long:  `List the most recently updated threads straight from the local store.`,
	RunE:  runThreads,
}

func init() {
	threadsCmd.Flags().IntVar(&threadsLimit, "limit", 20, "maximum number of threads to list")
	rootCmd.AddCommand(threadsCmd)
}

func runThreads(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if threadsLimit <= 0 {
		return fmt.Errorf("limit must be positive")
	}

	s, err := store.NewSQLiteStore(store.Config{
		Path:   cfg.Store.Path,
		Logger: zerolog.Nop(),
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer s.Close()

	threads, err := s.ListThreads(cmd.Context(), threadsLimit)
	if err != nil {
		return fmt.Errorf("failed to list threads: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(threads) == 0 {
		fmt.Fprintln(out, "No threads")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tUPDATED\tTITLE")
	for _, th := range threads {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", th.ID, th.Status, th.UpdatedAt.Local().Format(time.DateTime), truncate(th.Title, 60))
	}
	return w.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

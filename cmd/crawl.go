package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/namus-crawler/internal/report"
)

func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Runs one full crawl of the configured category",
		Long: `Discovers partitions, collects identifiers, and fetches every case body,
then hands the result to the configured reporting sinks. The command fails
only when partition discovery fails or the result cannot be reported; failed
partitions and records are listed in the summary printed to stdout.`,
		Args: cobra.NoArgs,
		RunE: withApp(runCrawlCommand),
	}
}

func runCrawlCommand(cmd *cobra.Command, appInstance App) error {
	out, err := appInstance.Crawl(cmd.Context())
	if out.RunID != uuid.Nil {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(report.Summarize(out)); encErr != nil {
			return fmt.Errorf("write summary: %w", encErr)
		}
	}
	if err != nil {
		return fmt.Errorf("crawl: %w", err)
	}
	return nil
}

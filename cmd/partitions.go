package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPartitionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "partitions",
		Short: "Lists the partitions (states) the API reports",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, appInstance App) error {
			partitions, err := appInstance.Partitions(cmd.Context())
			if err != nil {
				return err
			}
			for _, p := range partitions {
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), p); err != nil {
					return fmt.Errorf("write partitions: %w", err)
				}
			}
			return nil
		}),
	}
}

package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/classify-cli/internal/config"
	"github.com/sells-group/classify-cli/internal/store"
)

var resultsCmd = &cobra.Command{
	Use:   "results",
	Short: "Read classification results",
}

var resultsListCmd = &cobra.Command{
	Use:   "list <job-id>",
	Short: "List each item's effective result (its latest pass)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, config.ModeStatus)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		errorsOnly, _ := cmd.Flags().GetBool("errors")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		format, _ := cmd.Flags().GetString("format")

		results, err := st.ListResults(ctx, store.ResultFilter{
			JobID:      args[0],
			ErrorsOnly: errorsOnly,
			Limit:      limit,
			Offset:     offset,
		})
		if err != nil {
			return eris.Wrap(err, "results list")
		}

		switch format {
		case "table":
			if len(results) == 0 {
				fmt.Fprintln(os.Stderr, "No results found.")
				return nil
			}
			formatResults(os.Stdout, results)
			return nil
		case "json":
			return writeJSON(os.Stdout, results)
		case "csv":
			return writeResultsCSV(os.Stdout, results)
		default:
			return eris.Errorf("unsupported format %q (table, json, csv)", format)
		}
	},
}

func init() {
	resultsListCmd.Flags().Bool("errors", false, "only items whose latest result is an error")
	resultsListCmd.Flags().Int("limit", 100, "max number of results")
	resultsListCmd.Flags().Int("offset", 0, "results to skip")
	resultsListCmd.Flags().String("format", "table", "output format: table, json or csv")

	resultsCmd.AddCommand(resultsListCmd)
	rootCmd.AddCommand(resultsCmd)
}

package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/classify-cli/internal/config"
	"github.com/sells-group/classify-cli/internal/ledger"
	"github.com/sells-group/classify-cli/internal/model"
	"github.com/sells-group/classify-cli/internal/store"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect classification jobs",
	Long:  "Commands for listing jobs, viewing a job's frozen configuration, and reading its audit log.",
}

// -- jobs list --

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, config.ModeStatus)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		batch, _ := cmd.Flags().GetString("batch")
		limit, _ := cmd.Flags().GetInt("limit")

		jobs, err := ledger.New(st).List(ctx, store.JobFilter{
			Status:  model.JobStatus(status),
			BatchID: batch,
			Limit:   limit,
		})
		if err != nil {
			return eris.Wrap(err, "jobs list")
		}

		if len(jobs) == 0 {
			fmt.Fprintln(os.Stderr, "No jobs found.")
			return nil
		}
		formatJobsList(os.Stdout, jobs)
		return nil
	},
}

// -- jobs show --

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job's status and frozen configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, config.ModeStatus)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		l := ledger.New(st)
		job, err := l.Get(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "jobs show")
		}
		status, err := l.Status(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "jobs show")
		}

		format, _ := cmd.Flags().GetString("format")
		return writeFormatted(os.Stdout, format, newJobDetail(job, status))
	},
}

// -- jobs events --

var jobsEventsCmd = &cobra.Command{
	Use:   "events <job-id>",
	Short: "Show a job's audit log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, config.ModeStatus)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		events, err := ledger.New(st).Events(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "jobs events")
		}
		formatEvents(os.Stdout, events)
		return nil
	},
}

func init() {
	jobsListCmd.Flags().String("status", "", "filter by status (pending, running, completed, failed, cancelled)")
	jobsListCmd.Flags().String("batch", "", "filter by batch id")
	jobsListCmd.Flags().Int("limit", 50, "max number of jobs to display")

	jobsShowCmd.Flags().String("format", "json", "output format: json or yaml")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsEventsCmd)
	rootCmd.AddCommand(jobsCmd)
}

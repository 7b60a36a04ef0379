package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/classify-cli/internal/config"
	"github.com/sells-group/classify-cli/internal/engine"
	"github.com/sells-group/classify-cli/internal/ledger"
	"github.com/sells-group/classify-cli/internal/model"
	"github.com/sells-group/classify-cli/internal/store"
)

// -- start --

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a classification job over a loaded batch",
	Long:  "Freezes the current configuration into a new job and classifies every item in scope. Interrupting the run (Ctrl-C) saves progress; use resume to continue.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		batchID, _ := cmd.Flags().GetString("batch")
		sourceName, _ := cmd.Flags().GetString("source")
		if (batchID == "") == (sourceName == "") {
			return eris.New("exactly one of --batch or --source is required")
		}
		applyJobOverrides(cmd)

		env, err := initRunEnv(ctx, false)
		if err != nil {
			return err
		}
		defer env.Close()

		batch, err := resolveBatch(ctx, env.Store, batchID, sourceName)
		if err != nil {
			return err
		}

		jc := cfg.JobConfig(config.SourceRef{
			Path:       batch.Path,
			SourceName: batch.SourceName,
			BatchID:    batch.ID,
			Checksum:   batch.Checksum,
		})
		rep, err := env.Engine.Start(ctx, jc)
		if rep != nil {
			formatReport(os.Stdout, rep)
		}
		return err
	},
}

// applyJobOverrides copies explicitly set flags over the configured job
// defaults before they are frozen.
func applyJobOverrides(cmd *cobra.Command) {
	flags := cmd.Flags()
	if flags.Changed("labels") {
		cfg.Job.Labels, _ = flags.GetStringSlice("labels")
	}
	if flags.Changed("item-types") {
		cfg.Job.ItemTypes, _ = flags.GetStringSlice("item-types")
	}
	if flags.Changed("model") {
		cfg.Anthropic.Model, _ = flags.GetString("model")
	}
	if flags.Changed("checkpoint-size") {
		cfg.Job.CheckpointSize, _ = flags.GetInt("checkpoint-size")
	}
	if flags.Changed("concurrency") {
		cfg.Job.Concurrency, _ = flags.GetInt("concurrency")
	}
}

func resolveBatch(ctx context.Context, cat store.Catalog, batchID, sourceName string) (*model.SourceBatch, error) {
	if batchID != "" {
		batch, err := cat.GetBatch(ctx, batchID)
		if err != nil {
			return nil, eris.Wrapf(err, "batch %s", batchID)
		}
		return batch, nil
	}
	batch, err := cat.GetBatchBySource(ctx, sourceName)
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, eris.Wrapf(store.ErrNotFound, "source %q was never loaded", sourceName)
	}
	return batch, nil
}

// -- resume --

var resumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Resume an interrupted, failed or cancelled job",
	Long:  "Re-verifies the source checksum, takes the job lock, and classifies only the items without a saved result. With --retry-errors, reprocesses exactly the items whose latest result is an error.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		retryErrors, _ := cmd.Flags().GetBool("retry-errors")
		force, _ := cmd.Flags().GetBool("force-unlock")

		env, err := initRunEnv(ctx, force)
		if err != nil {
			return err
		}
		defer env.Close()

		rep, err := env.Engine.Resume(ctx, args[0], engine.ResumeOptions{RetryErrors: retryErrors})
		if errors.Is(err, engine.ErrAlreadyCompleted) {
			fmt.Fprintf(os.Stderr, "Job %s is already completed; nothing to do.\n", args[0])
			return nil
		}
		if rep != nil {
			formatReport(os.Stdout, rep)
		}
		return err
	},
}

// -- status --

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a job's progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, config.ModeStatus)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, err := ledger.New(st).Status(ctx, args[0])
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeJSON(os.Stdout, status)
		}
		formatStatus(os.Stdout, status)
		return nil
	},
}

// -- cancel --

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Request cooperative cancellation of a running job",
	Long:  "Sets the job's cancel flag. The process working the job stops at its next checkpoint and marks the job cancelled.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, config.ModeStatus)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		applied, err := ledger.New(st).Cancel(ctx, args[0])
		if err != nil {
			return err
		}
		if !applied {
			fmt.Fprintf(os.Stderr, "Job %s is already finished.\n", args[0])
			return nil
		}
		fmt.Fprintf(os.Stdout, "Cancellation requested for job %s.\n", args[0])
		return nil
	},
}

func init() {
	startCmd.Flags().String("batch", "", "batch id to classify")
	startCmd.Flags().String("source", "", "source name to classify (its loaded batch)")
	startCmd.Flags().StringSlice("labels", nil, "label set (overrides job.labels)")
	startCmd.Flags().StringSlice("item-types", nil, "item types in scope (overrides job.item_types)")
	startCmd.Flags().String("model", "", "Claude model (overrides anthropic.model)")
	startCmd.Flags().Int("checkpoint-size", 0, "items per checkpoint (overrides job.checkpoint_size)")
	startCmd.Flags().Int("concurrency", 0, "parallel classifier calls (overrides job.concurrency)")

	resumeCmd.Flags().Bool("retry-errors", false, "reprocess only items whose latest result is an error")
	resumeCmd.Flags().Bool("force-unlock", false, "take over the job lock even if another process appears to hold it")

	statusCmd.Flags().Bool("json", false, "print status as JSON")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
}

package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/classify-cli/internal/config"
	"github.com/sells-group/classify-cli/internal/lock"
)

var unlockCmd = &cobra.Command{
	Use:   "unlock <job-id>",
	Short: "Remove a job's lock regardless of its holder",
	Long:  "Operator override for a lock left behind by a process that cannot be reclaimed automatically. Only use it when no process is working the job.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx, config.ModeStatus)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		locker, closeLocker, err := initLocker(st, false)
		if err != nil {
			return err
		}
		defer closeLocker()

		u, ok := locker.(lock.Unlocker)
		if !ok {
			return eris.Errorf("lock backend %q does not support unlock", cfg.Lock.Backend)
		}
		removed, err := u.Unlock(ctx, args[0])
		if err != nil {
			return err
		}
		if !removed {
			fmt.Fprintf(os.Stderr, "Job %s is not locked.\n", args[0])
			return nil
		}
		fmt.Fprintf(os.Stdout, "Lock on job %s removed.\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(unlockCmd)
}

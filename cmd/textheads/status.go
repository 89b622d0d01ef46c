package textheads

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/soundprediction/textheads/pkg/checkpoint"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List build checkpoints",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().Duration("clean", 0, "remove checkpoints not updated within this duration")
	statusCmd.Flags().Duration("stalled", time.Hour, "report unfinished jobs idle for this long as stalled")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	manager, err := checkpoint.NewCheckpointManager(cfg.Data.CheckpointDir)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if maxAge, _ := cmd.Flags().GetDuration("clean"); maxAge > 0 {
		removed, err := manager.CleanOld(ctx, maxAge)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "removed %d checkpoints\n", removed)
	}

	checkpoints, err := manager.List(ctx)
	if err != nil {
		return err
	}
	for _, cp := range checkpoints {
		fmt.Fprintln(out, cp.Summary())
	}

	stalledAfter, _ := cmd.Flags().GetDuration("stalled")
	stalled, err := manager.FindStalled(ctx, stalledAfter)
	if err != nil {
		return err
	}
	for _, cp := range stalled {
		fmt.Fprintf(out, "stalled: %s (%s)\n", cp.JobID, cp.GetProgress())
	}
	return nil
}

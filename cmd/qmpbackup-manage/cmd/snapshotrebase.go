package cmd

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/mulgadc/qmpbackup/internal/postproc"
)

var snapshotRebaseCmd = &cobra.Command{
	Use:   "snapshot-rebase",
	Short: "Snapshot the base image internally, then rebase and commit as rebase does",
	Long: `Takes an internal qcow2 snapshot of the chain's base image before
performing the same rebase-and-commit walk as rebase, so the
pre-collapse state stays recoverable inside the base file.`,
	RunE: runSnapshotRebase,
}

func runSnapshotRebase(cmd *cobra.Command, args []string) error {
	cfg, err := manageConfigFromCmd(cmd)
	if err != nil {
		return err
	}
	snapshotName, _ := cmd.Flags().GetString("snapshot-name")

	opts := postproc.Options{
		Dir: cfg.Dir, Until: cfg.Until, DryRun: cfg.DryRun,
		SkipCheck: cfg.SkipCheck, Filter: cfg.Filter,
	}
	if err := postproc.SnapshotRebase(context.Background(), opts, snapshotName); err != nil {
		slog.Error("snapshot-rebase failed", "error", err)
		return err
	}
	slog.Info("snapshot-rebase completed", "dir", cfg.Dir, "snapshot", snapshotName)
	return nil
}

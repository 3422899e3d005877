package cmd

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/mulgadc/qmpbackup/internal/postproc"
)

var rebaseCmd = &cobra.Command{
	Use:   "rebase",
	Short: "Rebase and commit every incremental in a chain onto its base",
	Long: `Walks the chain in a directory in reverse, checking then rebasing
and committing each incremental onto its predecessor, leaving the base
semantically equal to base plus every incremental up to --until.`,
	RunE: runRebase,
}

func runRebase(cmd *cobra.Command, args []string) error {
	cfg, err := manageConfigFromCmd(cmd)
	if err != nil {
		return err
	}

	opts := postproc.Options{
		Dir: cfg.Dir, Until: cfg.Until, DryRun: cfg.DryRun,
		SkipCheck: cfg.SkipCheck, Filter: cfg.Filter,
	}
	if err := postproc.Rebase(context.Background(), opts); err != nil {
		slog.Error("rebase failed", "error", err)
		return err
	}
	slog.Info("rebase completed", "dir", cfg.Dir)
	return nil
}

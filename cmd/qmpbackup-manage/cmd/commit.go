package cmd

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/mulgadc/qmpbackup/internal/postproc"
)

var commitCmd = &cobra.Command{
	Use:   "commit",
	Short: "Commit every incremental in a chain into its base (alias of rebase)",
	Long: `Identical to rebase: the chain operation always pairs a rebase with
a commit per step, so commit exists as the operator-facing name for the
same walk.`,
	RunE: runCommit,
}

func runCommit(cmd *cobra.Command, args []string) error {
	cfg, err := manageConfigFromCmd(cmd)
	if err != nil {
		return err
	}

	opts := postproc.Options{
		Dir: cfg.Dir, Until: cfg.Until, DryRun: cfg.DryRun,
		SkipCheck: cfg.SkipCheck, Filter: cfg.Filter,
	}
	if err := postproc.Commit(context.Background(), opts); err != nil {
		slog.Error("commit failed", "error", err)
		return err
	}
	slog.Info("commit completed", "dir", cfg.Dir)
	return nil
}

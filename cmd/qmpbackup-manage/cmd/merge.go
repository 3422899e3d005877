package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/mulgadc/qmpbackup/internal/postproc"
)

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Clone a chain into a standalone merged image",
	Long: `Clones the FULL base to --targetfile, then clones and rebases each
incremental in turn onto the previous clone, committing as it goes,
without modifying the original chain files.`,
	RunE: runMerge,
}

func runMerge(cmd *cobra.Command, args []string) error {
	cfg, err := manageConfigFromCmd(cmd)
	if err != nil {
		return err
	}
	if cfg.TargetFile == "" {
		return fmt.Errorf("--targetfile is required")
	}

	opts := postproc.Options{
		Dir: cfg.Dir, Until: cfg.Until, DryRun: cfg.DryRun,
		SkipCheck: cfg.SkipCheck, Filter: cfg.Filter, TargetFile: cfg.TargetFile,
	}
	if err := postproc.Merge(context.Background(), opts); err != nil {
		slog.Error("merge failed", "error", err)
		return err
	}
	slog.Info("merge completed", "dir", cfg.Dir, "target", cfg.TargetFile)
	return nil
}

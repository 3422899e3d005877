// Package postproc implements the chain rewrite operations of the
// management CLI: rebase, merge, commit and snapshot-rebase (spec §6, §8
// scenarios 5/6). The rebase algorithm is grounded on
// libqmpbackup's QmpBackup.rebase(): list chain members by mtime, refuse
// if the first file is not a FULL base, walk the chain in reverse
// checking then rebasing-and-committing each incremental onto its
// predecessor.
package postproc

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mulgadc/qmpbackup/internal/chain"
	"github.com/mulgadc/qmpbackup/internal/imageutil"
)

// Options configures a post-processing run (spec §3 ManageConfig).
type Options struct {
	Dir        string
	Until      string
	DryRun     bool
	SkipCheck  bool
	Filter     string
	TargetFile string
}

// Plan describes the rebase-and-commit steps that would run, used for
// both --dry-run preview and as the rebase/merge execution schedule.
type Plan struct {
	Base  string
	Steps []Step
}

// Step rebases Image onto Onto and then commits Image into Onto.
type Step struct {
	Image string
	Onto  string
}

func matchesFilter(name, filter string) bool {
	if filter == "" {
		return true
	}
	return strings.Contains(name, filter)
}

// BuildPlan lists the chain in dir and derives the rebase/commit steps,
// honoring --until (stop before the named file, excluding it from the
// plan) and --filter (substring of the file's base name).
func BuildPlan(dir string, until, filter string) (Plan, error) {
	files, err := chain.ListChain(dir)
	if err != nil {
		return Plan{}, fmt.Errorf("postproc: list chain: %w", err)
	}

	var images []string
	for _, f := range files {
		if f.Partial {
			return Plan{}, fmt.Errorf("postproc: %q is still partial", f.Path)
		}
		if !matchesFilter(filepath.Base(f.Path), filter) {
			continue
		}
		if until != "" && strings.Contains(f.Path, until) {
			break
		}
		images = append(images, f.Path)
	}

	if len(images) == 0 {
		return Plan{}, fmt.Errorf("postproc: no image files found in %s", dir)
	}
	if !strings.Contains(filepath.Base(images[0]), "FULL-") {
		return Plan{}, fmt.Errorf("postproc: first image file %q is not a FULL base image", images[0])
	}
	if len(images) == 1 {
		return Plan{}, fmt.Errorf("postproc: no incremental images found, nothing to commit")
	}

	plan := Plan{Base: images[0]}
	idx := len(images) - 1
	for i := len(images) - 1; i > 0; i-- {
		idx = i - 1
		plan.Steps = append(plan.Steps, Step{Image: images[i], Onto: images[idx]})
	}
	return plan, nil
}

// Rebase rebases and commits every incremental in the chain onto its
// predecessor, in reverse chain order, leaving the base semantically
// equal to base⊕inc1⊕...⊕incN (spec §8 scenario 5).
func Rebase(ctx context.Context, opts Options) error {
	if hasPartial, err := chain.HasPartial(opts.Dir); err != nil {
		return fmt.Errorf("postproc: %w", err)
	} else if hasPartial {
		return fmt.Errorf("postproc: a .partial file is present in %s, refusing", opts.Dir)
	}

	plan, err := BuildPlan(opts.Dir, opts.Until, opts.Filter)
	if err != nil {
		return err
	}

	if opts.DryRun {
		for _, s := range plan.Steps {
			slog.Info("rebase plan", "image", s.Image, "onto", s.Onto)
		}
		return nil
	}

	for _, s := range plan.Steps {
		if !opts.SkipCheck {
			if err := imageutil.Check(ctx, s.Onto); err != nil {
				return fmt.Errorf("postproc: consistency check %s: %w", s.Onto, err)
			}
		}
		slog.Info("rebasing", "image", s.Image, "base", s.Onto)
		if err := imageutil.Rebase(ctx, s.Image, s.Onto, true); err != nil {
			return fmt.Errorf("postproc: rebase %s onto %s: %w", s.Image, s.Onto, err)
		}
		slog.Info("committing", "image", s.Image)
		if err := imageutil.Commit(ctx, s.Image); err != nil {
			return fmt.Errorf("postproc: commit %s: %w", s.Image, err)
		}
	}
	return nil
}

// Commit is an alias entry point identical to Rebase: the chain
// operation always pairs a rebase with a commit per step (spec §6
// `commit` subcommand is the same algorithm invoked without the
// `--dry-run` preview wording).
func Commit(ctx context.Context, opts Options) error {
	return Rebase(ctx, opts)
}

// Merge clones the FULL base to opts.TargetFile, then clones and rebases
// each incremental in turn onto the previous clone, committing as it
// goes, leaving opts.TargetFile equal to base⊕inc1⊕...⊕incN while the
// original chain files are left untouched (spec §8 scenario 6).
func Merge(ctx context.Context, opts Options) error {
	if opts.TargetFile == "" {
		return fmt.Errorf("postproc: merge requires --targetfile")
	}
	if hasPartial, err := chain.HasPartial(opts.Dir); err != nil {
		return fmt.Errorf("postproc: %w", err)
	} else if hasPartial {
		return fmt.Errorf("postproc: a .partial file is present in %s, refusing", opts.Dir)
	}

	files, err := chain.ListChain(opts.Dir)
	if err != nil {
		return fmt.Errorf("postproc: list chain: %w", err)
	}

	var images []string
	for _, f := range files {
		if f.Partial {
			return fmt.Errorf("postproc: %q is still partial", f.Path)
		}
		if !matchesFilter(filepath.Base(f.Path), opts.Filter) {
			continue
		}
		if opts.Until != "" && strings.Contains(f.Path, opts.Until) {
			break
		}
		images = append(images, f.Path)
	}
	if len(images) == 0 || !strings.Contains(filepath.Base(images[0]), "FULL-") {
		return fmt.Errorf("postproc: first image file is not a FULL base image")
	}

	if opts.DryRun {
		slog.Info("merge plan", "base", images[0], "target", opts.TargetFile, "incrementals", len(images)-1)
		return nil
	}

	if !opts.SkipCheck {
		for _, img := range images {
			if err := imageutil.Check(ctx, img); err != nil {
				return fmt.Errorf("postproc: consistency check %s: %w", img, err)
			}
		}
	}

	if err := cloneFile(images[0], opts.TargetFile); err != nil {
		return fmt.Errorf("postproc: clone base: %w", err)
	}

	prev := opts.TargetFile
	for _, inc := range images[1:] {
		clone := prev + ".merge-" + filepath.Base(inc)
		if err := cloneFile(inc, clone); err != nil {
			return fmt.Errorf("postproc: clone %s: %w", inc, err)
		}
		slog.Info("rebasing clone", "image", clone, "base", prev)
		if err := imageutil.Rebase(ctx, clone, prev, true); err != nil {
			return fmt.Errorf("postproc: rebase %s onto %s: %w", clone, prev, err)
		}
		slog.Info("committing clone", "image", clone)
		if err := imageutil.Commit(ctx, clone); err != nil {
			return fmt.Errorf("postproc: commit %s: %w", clone, err)
		}
		if err := os.Remove(clone); err != nil {
			return fmt.Errorf("postproc: remove committed clone %s: %w", clone, err)
		}
		prev = opts.TargetFile
	}
	return nil
}

func cloneFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o600)
}

// SnapshotRebase rebases the chain the same way Rebase does, but first
// takes an internal qcow2 snapshot of the base image so the
// pre-collapse state stays recoverable in-file (spec §6 `snapshot-rebase`
// subcommand; same underlying rebase/commit walk as Rebase, generalized
// with an extra snapshot step the original rebase() does not have).
func SnapshotRebase(ctx context.Context, opts Options, snapshotName string) error {
	if hasPartial, err := chain.HasPartial(opts.Dir); err != nil {
		return fmt.Errorf("postproc: %w", err)
	} else if hasPartial {
		return fmt.Errorf("postproc: a .partial file is present in %s, refusing", opts.Dir)
	}

	plan, err := BuildPlan(opts.Dir, opts.Until, opts.Filter)
	if err != nil {
		return err
	}
	if opts.DryRun {
		slog.Info("snapshot-rebase plan", "base", plan.Base, "snapshot", snapshotName, "steps", len(plan.Steps))
		return nil
	}
	if err := imageutil.Snapshot(ctx, plan.Base, snapshotName, true); err != nil {
		return fmt.Errorf("postproc: snapshot base %s: %w", plan.Base, err)
	}
	return Rebase(ctx, opts)
}

// Package provisioner creates backup target files and fleecing files on
// disk with format-matched options (spec §4.2, component C4).
package provisioner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mulgadc/qmpbackup/internal/chain"
	"github.com/mulgadc/qmpbackup/internal/imageutil"
)

// Options controls target/fleece path shaping (spec §4.2).
type Options struct {
	BackupDir   string
	Level       string // "full", "inc", "diff", "copy"
	Timestamp   int64
	NoSubdir    bool
	NoTimestamp bool
	Fleece      bool
}

// Result is the pair of paths the orchestrator and fleecing controller
// consume for one device.
type Result struct {
	TargetPath string // always ends in .partial
	FleecePath string // empty when fleecing is disabled
}

func levelPrefix(level string) string {
	switch level {
	case "full":
		return "FULL"
	case "inc":
		return "INC"
	case "diff":
		return "DIFF"
	case "copy":
		return "COPY"
	default:
		return "BACKUP"
	}
}

// TargetPath computes the target file path per spec §4.2's three layout
// variants.
func TargetPath(opts Options, nodeOrName, basename string) string {
	name := fmt.Sprintf("%s-%d-%s", levelPrefix(opts.Level), opts.Timestamp, basename)
	if opts.NoTimestamp && (opts.Level == "copy" || opts.Level == "full") {
		name = basename
	}

	if opts.NoSubdir {
		return filepath.Join(opts.BackupDir, name+".partial")
	}
	return filepath.Join(opts.BackupDir, nodeOrName, name+".partial")
}

// FleecePath computes the scratch fleecing file path, placed alongside
// the source image (spec §4.2).
func FleecePath(opts Options, sourceDir, nodeOrDevice, format string) string {
	name := fmt.Sprintf("%s-%d-%s.fleece.%s", levelPrefix(opts.Level), opts.Timestamp, nodeOrDevice, format)
	return filepath.Join(sourceDir, name)
}

// Source is the subset of inventory.BlockDev the provisioner needs.
type Source struct {
	Device      string
	Node        string
	Filename    string
	Path        string
	Format      string
	Driver      string
	VirtualSize int64
}

// Provisioner creates target/fleece files via internal/imageutil.
type Provisioner struct {
	Opts Options
}

// Provision creates the target file (and fleecing file, if enabled) for
// one device, returning their paths. It fails if the target already
// exists, or the underlying image-create subprocess exits non-zero
// (spec §4.2 error list).
func (p *Provisioner) Provision(ctx context.Context, src Source) (Result, error) {
	nodeOrName := src.Device
	if nodeOrName == "" {
		nodeOrName = src.Node
	}
	basename := filepath.Base(src.Filename)

	targetPath := TargetPath(p.Opts, nodeOrName, basename)
	if _, err := os.Stat(targetPath); err == nil {
		return Result{}, fmt.Errorf("provisioner: target %s already exists", targetPath)
	}

	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return Result{}, fmt.Errorf("provisioner: create target directory: %w", err)
	}

	createOpts := imageutil.CreateOptions{
		Format: src.Format,
		Size:   src.VirtualSize,
	}
	if src.Format != "raw" && src.Driver != "rbd" {
		cfg, err := chain.LoadDeviceConfig(p.Opts.BackupDir, src.Device)
		if err != nil {
			slog.Warn("no saved device config, creating target with defaults", "device", src.Device, "error", err)
		} else {
			createOpts.CompatVersion = cfg.CompatVersion
			createOpts.ClusterSize = cfg.ClusterSize
			createOpts.LazyRefcounts = cfg.LazyRefcounts
		}
	}

	if err := imageutil.Create(ctx, targetPath, createOpts); err != nil {
		return Result{}, fmt.Errorf("provisioner: create target %s: %w", targetPath, err)
	}

	result := Result{TargetPath: targetPath}

	if p.Opts.Fleece {
		fleecePath := FleecePath(p.Opts, src.Path, nodeOrName, src.Format)
		if err := imageutil.Create(ctx, fleecePath, imageutil.CreateOptions{
			Format: src.Format,
			Size:   src.VirtualSize,
		}); err != nil {
			return Result{}, fmt.Errorf("provisioner: create fleece %s: %w", fleecePath, err)
		}
		result.FleecePath = fleecePath
	}

	return result, nil
}

// Package imageutil wraps the external image utilities (image-info,
// image-create, image-check, image-rebase, image-commit, image-snapshot)
// as opaque subprocesses, matching spec §1's "out of scope, invoked as
// opaque subprocess" boundary. Each verb builds an argv slice directly
// (never a shell string) so attacker- or operator-controlled filenames
// cannot be interpreted as shell syntax.
package imageutil

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
)

// Tool names the external binaries invoked. Overridable for tests.
var Tool = "qemu-img"

// Error is returned when an image utility subprocess exits non-zero.
type Error struct {
	Verb   string
	Args   []string
	Stderr string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("imageutil: %s %v: %v: %s", e.Verb, e.Args, e.Err, e.Stderr)
}

func (e *Error) Unwrap() error { return e.Err }

func run(ctx context.Context, verb string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, Tool, args...)
	out, err := cmd.Output()
	if err != nil {
		stderr := ""
		if ee, ok := err.(*exec.ExitError); ok {
			stderr = string(ee.Stderr)
		}
		return nil, &Error{Verb: verb, Args: args, Stderr: stderr, Err: err}
	}
	return out, nil
}

// Metadata is the subset of `qemu-img info --output=json` consumed by
// the provisioner and the consistency checker.
type Metadata struct {
	Format          string `json:"format"`
	VirtualSize     int64  `json:"virtual-size"`
	ActualSize      int64  `json:"actual-size"`
	BackingFilename string `json:"backing-filename,omitempty"`
	FormatSpecific  struct {
		Data struct {
			Compat        string `json:"compat"`
			ClusterSize   int64  `json:"cluster-size"`
			LazyRefcounts bool   `json:"lazy-refcounts"`
		} `json:"data"`
	} `json:"format-specific"`
}

// Info returns parsed metadata for an existing image file.
func Info(ctx context.Context, path string) (Metadata, error) {
	out, err := run(ctx, "info", "info", "--output=json", path)
	if err != nil {
		return Metadata{}, err
	}
	var m Metadata
	if err := json.Unmarshal(out, &m); err != nil {
		return Metadata{}, fmt.Errorf("imageutil: decode info output: %w", err)
	}
	return m, nil
}

// CreateOptions parametrizes image-create (spec §4.2).
type CreateOptions struct {
	Format        string
	Size          int64
	CompatVersion string
	ClusterSize   int64
	LazyRefcounts bool
	BackingFile   string
}

// Create creates a new image file. Fails if the subprocess exits
// non-zero; it does not check whether path already exists (the
// provisioner checks that before calling Create).
func Create(ctx context.Context, path string, opts CreateOptions) error {
	args := []string{"create", "-f", opts.Format}

	var fOpts []string
	if opts.Format != "raw" {
		if opts.CompatVersion != "" {
			fOpts = append(fOpts, "compat="+opts.CompatVersion)
		}
		if opts.ClusterSize > 0 {
			fOpts = append(fOpts, "cluster_size="+strconv.FormatInt(opts.ClusterSize, 10))
		}
		if opts.LazyRefcounts {
			fOpts = append(fOpts, "lazy_refcounts=on")
		}
		if opts.BackingFile != "" {
			args = append(args, "-b", opts.BackingFile)
		}
	}
	if len(fOpts) > 0 {
		args = append(args, "-o", joinComma(fOpts))
	}

	args = append(args, path, strconv.FormatInt(opts.Size, 10))

	_, err := run(ctx, "create", args...)
	return err
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}

// Check runs a consistency check over an image file. Returns nil if the
// image is consistent.
func Check(ctx context.Context, path string) error {
	_, err := run(ctx, "check", "check", path)
	return err
}

// Rebase repoints path's backing file to newBacking. unsafeMode
// corresponds to `qemu-img rebase -u` (no data re-read, used when the
// backing chain's content is already known equivalent).
func Rebase(ctx context.Context, path, newBacking string, unsafeMode bool) error {
	args := []string{"rebase", "-b", newBacking}
	if unsafeMode {
		args = append(args, "-u")
	}
	args = append(args, path)
	_, err := run(ctx, "rebase", args...)
	return err
}

// Commit merges path's contents down into its backing file.
func Commit(ctx context.Context, path string) error {
	_, err := run(ctx, "commit", "commit", path)
	return err
}

// Snapshot creates or applies an internal snapshot, used by
// snapshot-rebase post-processing.
func Snapshot(ctx context.Context, path, snapshotName string, create bool) error {
	flag := "-a"
	if create {
		flag = "-c"
	}
	_, err := run(ctx, "snapshot", "snapshot", flag, snapshotName, path)
	return err
}

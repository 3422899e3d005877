// Package orchestrator wires the Device Inventory, Target Provisioner,
// Transaction Builder, Job Runner, Fleecing Controller and Bitmap
// Registry into the single run described in spec §2 and owns the
// teardown-on-any-exit-path policy from spec §7.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mulgadc/qmpbackup/internal/bitmap"
	"github.com/mulgadc/qmpbackup/internal/chain"
	"github.com/mulgadc/qmpbackup/internal/fleecing"
	"github.com/mulgadc/qmpbackup/internal/guestagent"
	"github.com/mulgadc/qmpbackup/internal/inventory"
	"github.com/mulgadc/qmpbackup/internal/jobrunner"
	"github.com/mulgadc/qmpbackup/internal/provisioner"
	"github.com/mulgadc/qmpbackup/internal/qmp"
	"github.com/mulgadc/qmpbackup/internal/txn"
)

// ConfigError marks a failure that must abort before any hypervisor
// state is touched (spec §7 Configuration class): missing base, UUID
// mismatch, partial present, target exists.
type ConfigError struct{ Err error }

func (e *ConfigError) Error() string { return "configuration error: " + e.Err.Error() }
func (e *ConfigError) Unwrap() error { return e.Err }

// MonitorError marks a transport/command failure against the hypervisor.
type MonitorError struct{ Err error }

func (e *MonitorError) Error() string { return "monitor error: " + e.Err.Error() }
func (e *MonitorError) Unwrap() error { return e.Err }

// JobError marks a fatal block-job outcome (aborting/undefined/cancelled
// mid-IO).
type JobError struct{ Err error }

func (e *JobError) Error() string { return "job error: " + e.Err.Error() }
func (e *JobError) Unwrap() error { return e.Err }

// BitmapError marks a bitmap-integrity failure an operator must resolve
// by hand.
type BitmapError struct{ Err error }

func (e *BitmapError) Error() string { return "bitmap error: " + e.Err.Error() }
func (e *BitmapError) Unwrap() error { return e.Err }

// RunConfig is the resolved configuration for one backup invocation
// (spec §3 additional ambient type).
type RunConfig struct {
	Level           string
	TargetDir       string
	SocketPath      string
	AgentSocketPath string
	Include         map[string]bool
	Exclude         map[string]bool
	IncludeRaw      bool
	Compress        bool
	NoSubdir        bool
	NoTimestamp     bool
	NoFleece        bool
	NoPersist       bool
	SpeedLimit      int64
	RefreshRate     time.Duration
	BlockdevAIO     fleecing.AIOMode
	DisableCache    bool
	ConnectionRetry int
	Timestamp       int64
	FreezeTimeout   time.Duration
}

func levelClears(level string) bool {
	return level == "inc"
}

// Run executes one full backup lifecycle per spec §4.9.
func Run(ctx context.Context, cfg RunConfig, progress jobrunner.Progress) (err error) {
	level := txn.Level(cfg.Level)

	client, _, dialErr := qmp.DialWithRetry(ctx, cfg.SocketPath, max(cfg.ConnectionRetry, 1), time.Second)
	if dialErr != nil {
		return &MonitorError{Err: fmt.Errorf("dial monitor: %w", dialErr)}
	}
	defer client.Close()

	blocksRaw, err := client.Execute(ctx, "query-block", nil)
	if err != nil {
		return &MonitorError{Err: err}
	}
	namedRaw, err := client.Execute(ctx, "query-named-block-nodes", nil)
	if err != nil {
		return &MonitorError{Err: err}
	}

	var blocks []qmp.QueryBlockEntry
	var named []qmp.NamedBlockNode
	if decErr := decodeJSON(blocksRaw, &blocks); decErr != nil {
		return &MonitorError{Err: decErr}
	}
	if decErr := decodeJSON(namedRaw, &named); decErr != nil {
		return &MonitorError{Err: decErr}
	}

	create := level == txn.LevelFull
	uuid, err := chain.EnsureUUID(cfg.TargetDir, create)
	if err != nil {
		return &ConfigError{Err: err}
	}

	invOpts := inventory.Options{
		Include:    cfg.Include,
		Exclude:    cfg.Exclude,
		IncludeRaw: cfg.IncludeRaw,
		ChainUUID:  uuid,
	}
	devices := inventory.Discover(blocks, named, invOpts)
	if len(devices) == 0 {
		return &ConfigError{Err: fmt.Errorf("no eligible devices found")}
	}

	if level == txn.LevelInc || level == txn.LevelDiff {
		var allNames []string
		for _, d := range devices {
			for _, b := range d.Bitmaps {
				allNames = append(allNames, b.Name)
			}
		}
		if !bitmap.HasChainBitmap(allNames, uuid) {
			return &ConfigError{Err: fmt.Errorf("chain/bitmap mismatch: no bitmap ends with uuid %s", uuid)}
		}
	}

	if ok, herr := chain.HasPartial(cfg.TargetDir); herr != nil {
		return &ConfigError{Err: herr}
	} else if ok {
		return &ConfigError{Err: fmt.Errorf("a .partial file is already present in %s", cfg.TargetDir)}
	}

	prov := &provisioner.Provisioner{Opts: provisioner.Options{
		BackupDir:   cfg.TargetDir,
		Level:       cfg.Level,
		Timestamp:   cfg.Timestamp,
		NoSubdir:    cfg.NoSubdir,
		NoTimestamp: cfg.NoTimestamp,
		Fleece:      !cfg.NoFleece,
	}}

	fc := &fleecing.Controller{Client: client}
	bitmapReg := &bitmap.Registry{Client: client}
	runner := &jobrunner.Runner{Client: client, RefreshRate: cfg.RefreshRate, Progress: progress}

	type provisioned struct {
		dev        inventory.BlockDev
		result     provisioner.Result
		fleece     *fleecing.Device
		bitmapName string
	}
	var attached []provisioned

	teardown := func() {
		for i := len(attached) - 1; i >= 0; i-- {
			p := attached[i]
			if p.fleece != nil {
				if terr := fc.Teardown(context.Background(), p.fleece); terr != nil {
					slog.Warn("teardown failed", "device", p.dev.Device, "error", terr)
				}
			}
		}
	}
	defer teardown()

	for _, dev := range devices {
		result, perr := prov.Provision(ctx, provisioner.Source{
			Device: dev.Device, Node: dev.Node, Filename: dev.Filename, Path: dev.Path,
			Format: dev.Format, Driver: dev.Driver, VirtualSize: dev.VirtualSize,
		})
		if perr != nil {
			return &ConfigError{Err: perr}
		}

		bitmapName := bitmap.NameFor(dev.Device, uuid, level == txn.LevelCopy)

		fdev := &fleecing.Device{Spec: fleecing.DeviceSpec{
			Node: dev.ChildDevice, NodeSafe: dev.NodeSafe, QDev: dev.QDev, Format: dev.Format,
			TargetPath: result.TargetPath, FleecePath: result.FleecePath, BitmapName: bitmapName,
			Incremental: level == txn.LevelInc || level == txn.LevelDiff,
			AIO:         cfg.BlockdevAIO, DisableCache: cfg.DisableCache,
		}}
		if fdev.Spec.Node == "" {
			fdev.Spec.Node = dev.Node
		}

		if !cfg.NoFleece {
			if aerr := fc.Attach(ctx, fdev); aerr != nil {
				attached = append(attached, provisioned{dev: dev, result: result, fleece: fdev, bitmapName: bitmapName})
				return &MonitorError{Err: aerr}
			}
		}
		attached = append(attached, provisioned{dev: dev, result: result, fleece: fdev, bitmapName: bitmapName})
	}

	var gaClient *guestagent.Client
	frozen := false
	if cfg.AgentSocketPath != "" {
		client, gerr := guestagent.Dial(ctx, cfg.AgentSocketPath)
		if gerr != nil {
			slog.Warn("guest agent unreachable, degrading to crash-consistent backup", "error", gerr)
		} else {
			gaClient = client
			defer gaClient.Close()
			if _, ferr := gaClient.Freeze(ctx); ferr != nil {
				slog.Warn("guest agent freeze failed, degrading to crash-consistent backup", "error", ferr)
			} else {
				frozen = true
				defer func() {
					if frozen {
						if _, terr := gaClient.Thaw(ctx); terr != nil {
							slog.Warn("guest agent thaw failed", "error", terr)
						}
					}
				}()
			}
		}
	}

	var txDevices []txn.Device
	for _, p := range attached {
		txDevices = append(txDevices, txn.Device{
			Node: p.fleece.Spec.Node, NodeSafe: p.dev.NodeSafe, Format: p.dev.Format,
			HasBitmap: p.dev.HasBitmap, BitmapName: p.bitmapName, Fleecing: !cfg.NoFleece,
		})
	}

	actions, berr := txn.BuildAll(level, txDevices, uuid, txn.Flags{
		NoPersist: cfg.NoPersist, Compress: cfg.Compress, SpeedLimit: cfg.SpeedLimit,
	}, levelClears(cfg.Level))
	if berr != nil {
		return &MonitorError{Err: berr}
	}

	if serr := runner.Submit(ctx, actions); serr != nil {
		return &MonitorError{Err: serr}
	}

	if frozen {
		if _, terr := gaClient.Thaw(ctx); terr != nil {
			slog.Warn("guest agent thaw failed", "error", terr)
		}
		frozen = false
	}

	if werr := runner.Watch(ctx, len(attached), nil); werr != nil {
		if cerr := jobrunner.CancelAll(context.Background(), client); cerr != nil {
			slog.Warn("cancelling leftover block jobs failed", "error", cerr)
		}
		if _, ok := werr.(*jobrunner.FatalJobError); ok {
			return &JobError{Err: werr}
		}
		return &MonitorError{Err: werr}
	}

	for _, p := range attached {
		if ferr := chain.FinalizeTarget(p.result.TargetPath); ferr != nil {
			return &ConfigError{Err: ferr}
		}
	}

	if level == txn.LevelCopy {
		var nodeBitmaps []bitmap.NodeBitmaps
		for _, p := range attached {
			nodeBitmaps = append(nodeBitmaps, bitmap.NodeBitmaps{Node: p.dev.Node, Bitmaps: []string{p.bitmapName}})
		}
		if rerr := bitmapReg.RemoveAll(ctx, nodeBitmaps, "qmpbackup-copy", uuid); rerr != nil {
			return &BitmapError{Err: rerr}
		}
	}

	return nil
}

// CancelAll exposes the standalone cancel_all() protocol from spec
// §4.5 as an independently callable entry point over a fresh monitor
// connection, for recovering a VM whose block jobs were left behind.
// Run itself cancels its own jobs through jobrunner.CancelAll when
// watching fails.
func CancelAll(ctx context.Context, socketPath string) error {
	client, _, err := qmp.Dial(ctx, socketPath)
	if err != nil {
		return &MonitorError{Err: err}
	}
	defer client.Close()
	return jobrunner.CancelAll(ctx, client)
}

func decodeJSON(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// Package fleecing attaches and tears down the copy-before-write
// pipeline (target node, fleecing node, CBW filter, qdev redirection,
// snapshot-access node) per device, per spec §4.4, component C7.
package fleecing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mulgadc/qmpbackup/internal/qmp"
)

const cbwTimeoutSeconds = 45

// AIOMode is the blockdev AIO backend requested for attached nodes.
type AIOMode string

const (
	AIOThreads AIOMode = "threads"
	AIONative  AIOMode = "native"
	AIOIOUring AIOMode = "io_uring"
)

// DeviceSpec describes one device's fleecing attachment (spec §4.4).
type DeviceSpec struct {
	Node         string // original top node, or ChildDevice when set
	NodeSafe     string
	QDev         string
	Format       string
	TargetPath   string
	FleecePath   string
	BitmapName   string // bound to the CBW filter for inc/diff runs
	Incremental  bool
	AIO          AIOMode
	DisableCache bool
}

func (d DeviceSpec) targetNode() string { return "qmpbackup-" + d.NodeSafe }
func (d DeviceSpec) fleeceNode() string { return d.Node + "_fleece" }
func (d DeviceSpec) cbwNode() string    { return d.Node + "_cbw" }
func (d DeviceSpec) snapNode() string   { return d.Node + "-snap" }

// Device tracks the furthest-advanced state reached for one device's
// pipeline, so teardown knows exactly what to unwind.
type Device struct {
	Spec    DeviceSpec
	Reached State
}

// Controller drives attach/detach transactions against a monitor client.
type Controller struct {
	Client *qmp.Client
}

func cacheOptions(disable bool) map[string]any {
	return map[string]any{
		"direct":   disable,
		"no-flush": false,
	}
}

// Attach runs the full forward sequence for one device, recording the
// furthest state reached as it goes so a caller can call Teardown with
// exactly that state on failure.
func (c *Controller) Attach(ctx context.Context, d *Device) error {
	s := d.Spec

	_, err := c.Client.Execute(ctx, "blockdev-add", map[string]any{
		"node-name": s.targetNode(),
		"driver":    s.Format,
		"file": map[string]any{
			"driver":   "file",
			"filename": s.TargetPath,
			"aio":      string(s.AIO),
			"cache":    cacheOptions(s.DisableCache),
		},
	})
	if err != nil {
		return fmt.Errorf("fleecing: attach target for %s: %w", s.Node, err)
	}
	d.Reached = StateTargetAttached

	_, err = c.Client.Execute(ctx, "blockdev-add", map[string]any{
		"node-name": s.fleeceNode(),
		"driver":    s.Format,
		"file": map[string]any{
			"driver":   "file",
			"filename": s.FleecePath,
			"aio":      string(s.AIO),
			"cache":    cacheOptions(s.DisableCache),
		},
	})
	if err != nil {
		return fmt.Errorf("fleecing: attach fleece for %s: %w", s.Node, err)
	}
	d.Reached = StateFleeceAttached

	cbwArgs := map[string]any{
		"node-name":    s.cbwNode(),
		"driver":       "copy-before-write",
		"file":         s.Node,
		"target":       s.fleeceNode(),
		"on-cbw-error": "break-snapshot",
		"cbw-timeout":  cbwTimeoutSeconds,
	}
	if s.Incremental && s.BitmapName != "" {
		cbwArgs["bitmap"] = map[string]any{"node": s.Node, "name": s.BitmapName}
	}
	_, err = c.Client.Execute(ctx, "blockdev-add", cbwArgs)
	if err != nil {
		return fmt.Errorf("fleecing: attach cbw for %s: %w", s.Node, err)
	}
	d.Reached = StateCBWAttached

	_, err = c.Client.Execute(ctx, "qom-set", map[string]any{
		"path":     s.QDev,
		"property": "drive",
		"value":    s.cbwNode(),
	})
	if err != nil {
		return fmt.Errorf("fleecing: redirect qdev for %s: %w", s.Node, err)
	}
	d.Reached = StateQdevSwitched

	_, err = c.Client.Execute(ctx, "blockdev-add", map[string]any{
		"node-name": s.snapNode(),
		"driver":    "snapshot-access",
		"file":      s.cbwNode(),
	})
	if err != nil {
		return fmt.Errorf("fleecing: attach snapshot-access for %s: %w", s.Node, err)
	}
	d.Reached = StateSnapAttached

	return nil
}

// Teardown runs the detach steps owed for whatever state d.Reached
// records, tolerating "node not found" at every step so it stays
// idempotent across retries and signal-driven unwinds (spec §4.4, §9).
func (c *Controller) Teardown(ctx context.Context, d *Device) error {
	s := d.Spec
	var firstErr error
	record := func(step string, err error) {
		if err == nil {
			return
		}
		if isNotFound(err) {
			slog.Debug("fleecing teardown step already absent", "step", step, "node", s.Node)
			return
		}
		slog.Warn("fleecing teardown step failed", "step", step, "node", s.Node, "error", err)
		if firstErr == nil {
			firstErr = fmt.Errorf("fleecing: teardown %s for %s: %w", step, s.Node, err)
		}
	}

	for _, step := range TeardownStepsFrom(d.Reached) {
		switch step {
		case StateSnapAttached:
			_, err := c.Client.Execute(ctx, "blockdev-del", map[string]any{"node-name": s.snapNode()})
			record("detach-snap", err)
			d.Reached = StateSnapDetached
		case StateQdevSwitched:
			_, err := c.Client.Execute(ctx, "qom-set", map[string]any{
				"path": s.QDev, "property": "drive", "value": s.Node,
			})
			record("restore-qdev", err)
			d.Reached = StateQdevRestored
		case StateCBWAttached:
			_, err := c.Client.Execute(ctx, "blockdev-del", map[string]any{"node-name": s.cbwNode()})
			record("detach-cbw", err)
			d.Reached = StateCBWDetached
		case StateFleeceAttached:
			_, err := c.Client.Execute(ctx, "blockdev-del", map[string]any{"node-name": s.fleeceNode()})
			record("detach-fleece", err)
			d.Reached = StateFleeceDetached
		case StateTargetAttached:
			_, err := c.Client.Execute(ctx, "blockdev-del", map[string]any{"node-name": s.targetNode()})
			record("detach-target", err)
			d.Reached = StateTargetDetached
		}
	}
	d.Reached = StateIdle
	return firstErr
}

func isNotFound(err error) bool {
	qerr, ok := err.(*qmp.Error)
	if !ok {
		return false
	}
	msg := strings.ToLower(qerr.Desc)
	return strings.Contains(msg, "not found") || strings.Contains(msg, "does not exist") || strings.Contains(msg, "no such")
}

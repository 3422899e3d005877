// Package bitmap names and manipulates per-device dirty bitmaps through
// the monitor client (spec §4.6, component C8).
package bitmap

import (
	"context"
	"fmt"
	"strings"

	"github.com/mulgadc/qmpbackup/internal/qmp"
)

const (
	prefix     = "qmpbackup"
	copyPrefix = "qmpbackup-copy"
)

// NameFor returns the deterministic bitmap name for a device under a
// chain UUID. copyLevel selects the ephemeral "qmpbackup-copy-" prefix
// used by the `copy` backup level (spec invariant 2).
func NameFor(device, uuid string, copyLevel bool) string {
	if copyLevel {
		return fmt.Sprintf("%s-%s-%s", copyPrefix, device, uuid)
	}
	return fmt.Sprintf("%s-%s-%s", prefix, device, uuid)
}

// Recording normalizes the legacy "status" string and the newer
// "recording" bool QMP may report for a bitmap (spec §9 open question:
// both must be accepted).
func Recording(b qmp.DirtyBitmap) bool {
	if b.Recording != nil {
		return *b.Recording
	}
	switch b.Status {
	case "active", "frozen":
		return true
	default:
		return false
	}
}

// Registry issues bitmap commands against a monitor client.
type Registry struct {
	Client *qmp.Client
}

// Ensure creates the named bitmap on node if it does not already exist.
// Callers determine "absent" from a prior inventory pass; Ensure itself
// just issues the add and tolerates a "bitmap already exists" error.
func (r *Registry) Ensure(ctx context.Context, node, name string, persistent bool) error {
	_, err := r.Client.Execute(ctx, "block-dirty-bitmap-add", map[string]any{
		"node":       node,
		"name":       name,
		"persistent": persistent,
	})
	if err != nil && isAlreadyExists(err) {
		return nil
	}
	return err
}

// Clear resets a bitmap's dirty state to all-zero.
func (r *Registry) Clear(ctx context.Context, node, name string) error {
	_, err := r.Client.Execute(ctx, "block-dirty-bitmap-clear", map[string]any{
		"node": node,
		"name": name,
	})
	return err
}

// MergeSource identifies one bitmap to merge from.
type MergeSource struct {
	Node string
	Name string
}

// Merge merges each source bitmap into the bitmap named "name" on
// targetNode (used to carry a device's accumulated bitmap onto the
// snapshot-access node for an incremental, spec §4.3).
func (r *Registry) Merge(ctx context.Context, targetNode, name string, sources []MergeSource) error {
	bitmaps := make([]map[string]any, 0, len(sources))
	for _, s := range sources {
		bitmaps = append(bitmaps, map[string]any{"node": s.Node, "name": s.Name})
	}
	_, err := r.Client.Execute(ctx, "block-dirty-bitmap-merge", map[string]any{
		"node":    targetNode,
		"target":  name,
		"bitmaps": bitmaps,
	})
	return err
}

// Remove removes a single bitmap, tolerating "not found" so teardown
// stays idempotent.
func (r *Registry) Remove(ctx context.Context, node, name string) error {
	_, err := r.Client.Execute(ctx, "block-dirty-bitmap-remove", map[string]any{
		"node": node,
		"name": name,
	})
	if err != nil && isNotFound(err) {
		return nil
	}
	return err
}

// NodeBitmaps describes what RemoveAll needs to know about one device's
// bitmaps without depending on the inventory package.
type NodeBitmaps struct {
	Node    string
	Bitmaps []string
}

// RemoveAll removes, across every device, bitmaps whose name starts with
// prefix and, if uuid is non-empty, ends with uuid; names that don't
// match are left intact (spec §4.6 remove_all).
func (r *Registry) RemoveAll(ctx context.Context, devices []NodeBitmaps, namePrefix, uuid string) error {
	for _, d := range devices {
		for _, name := range d.Bitmaps {
			if !strings.HasPrefix(name, namePrefix) {
				continue
			}
			if uuid != "" && !strings.HasSuffix(name, uuid) {
				continue
			}
			if err := r.Remove(ctx, d.Node, name); err != nil {
				return fmt.Errorf("bitmap: remove %s on %s: %w", name, d.Node, err)
			}
		}
	}
	return nil
}

// HasChainBitmap reports whether any bitmap in bitmaps ends with uuid,
// the UUID-check an incremental/differential run must pass before
// touching hypervisor state (spec §4.6, §7 Configuration error class).
func HasChainBitmap(bitmaps []string, uuid string) bool {
	for _, name := range bitmaps {
		if strings.HasSuffix(name, uuid) {
			return true
		}
	}
	return false
}

func isAlreadyExists(err error) bool {
	qerr, ok := err.(*qmp.Error)
	if !ok {
		return false
	}
	return strings.Contains(strings.ToLower(qerr.Desc), "already exists")
}

func isNotFound(err error) bool {
	qerr, ok := err.(*qmp.Error)
	if !ok {
		return false
	}
	msg := strings.ToLower(qerr.Desc)
	return strings.Contains(msg, "not found") || strings.Contains(msg, "does not exist")
}

// Package inventory discovers eligible block devices and their dirty
// bitmap state from a hypervisor's query-block/query-named-block-nodes
// output (spec §4.1, component C3).
package inventory

import (
	"encoding/json"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/mulgadc/qmpbackup/internal/qmp"
)

// Bitmap is a normalized per-device bitmap record.
type Bitmap struct {
	Name        string
	Recording   bool
	Persistent  bool
	Granularity uint64
}

// BlockDev is one eligible guest disk (spec §3).
type BlockDev struct {
	Device       string
	Node         string
	NodeSafe     string
	ChildDevice  string
	QDev         string
	Filename     string
	Path         string
	Format       string
	Driver       string
	BackingImage bool
	VirtualSize  int64
	HasBitmap    bool
	Bitmaps      []Bitmap
}

// Options controls device selection (spec §4.1).
type Options struct {
	Include    map[string]bool
	Exclude    map[string]bool
	IncludeRaw bool
	ChainUUID  string // optional; used for has_bitmap determination
}

// recordingOf normalizes the legacy "status" string and the newer
// "recording" bool into one value (spec §9 open question: accept both).
func recordingOf(b qmp.DirtyBitmap) bool {
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

// sanitizeNodeName strips the framework-reserved "#" prefix QEMU uses
// for auto-generated node names (spec §9 name sanitisation note).
func sanitizeNodeName(node string) string {
	return strings.TrimPrefix(node, "#")
}

// Discover builds the ordered list of eligible BlockDev records per the
// rules in spec §4.1.
func Discover(blocks []qmp.QueryBlockEntry, namedNodes []qmp.NamedBlockNode, opts Options) []BlockDev {
	namedByName := make(map[string]qmp.NamedBlockNode, len(namedNodes))
	for _, n := range namedNodes {
		namedByName[n.NodeName] = n
	}

	var out []BlockDev
	for _, entry := range blocks {
		if entry.Inserted == nil {
			slog.Debug("skipping device with no inserted medium", "device", entry.Device)
			continue
		}
		inserted := entry.Inserted

		device := entry.Device
		if device == "" {
			device = inserted.NodeName
		}
		if device == "" {
			slog.Warn("skipping device with no device name or node-name")
			continue
		}

		if strings.HasPrefix(device, "pflash") {
			slog.Debug("skipping firmware pflash device", "device", device)
			continue
		}
		if inserted.Driver == "raw" && !opts.IncludeRaw {
			slog.Debug("skipping raw format device, include-raw not set", "device", device)
			continue
		}

		if entry.QDev == "" {
			backing := inserted.Image.BackingImage != nil && *inserted.Image.BackingImage
			if !backing {
				slog.Debug("skipping device with no qdev and no backing image", "device", device)
				continue
			}
		}

		node := inserted.NodeName
		childDevice := ""
		if named, ok := namedByName[node]; ok {
			for _, child := range named.Children {
				if child.NodeName != "" && !strings.HasPrefix(child.NodeName, "#block") {
					childDevice = child.NodeName
					break
				}
			}
		}

		bitmapSource := bitmapsFor(childDevice, inserted, entry, namedByName)
		bitmaps := make([]Bitmap, 0, len(bitmapSource))
		hasBitmap := false
		for _, b := range bitmapSource {
			if b.Name == "" {
				slog.Warn("ignoring bitmap with no name", "device", device)
				continue
			}
			bitmaps = append(bitmaps, Bitmap{
				Name:        b.Name,
				Recording:   recordingOf(b),
				Persistent:  b.Persistent,
				Granularity: b.Granularity,
			})
			if opts.ChainUUID != "" {
				if strings.HasSuffix(b.Name, opts.ChainUUID) {
					hasBitmap = true
				}
			} else {
				hasBitmap = true
			}
		}

		filename, driver, path, ok := resolveFilename(inserted, device)
		if !ok {
			continue
		}

		backingImage := inserted.Image.BackingImage != nil && *inserted.Image.BackingImage

		if !matchesSelector(device, node, opts) {
			continue
		}

		out = append(out, BlockDev{
			Device:       device,
			Node:         node,
			NodeSafe:     sanitizeNodeName(node),
			ChildDevice:  childDevice,
			QDev:         entry.QDev,
			Filename:     filename,
			Path:         path,
			Format:       inserted.Image.Format,
			Driver:       driver,
			BackingImage: backingImage,
			VirtualSize:  inserted.Image.VirtualSize,
			HasBitmap:    hasBitmap,
			Bitmaps:      bitmaps,
		})
	}

	return out
}

// bitmapsFor implements the bitmap-source preference order from spec
// §4.1: child node, then inserted record, then outer device record.
func bitmapsFor(childDevice string, inserted *qmp.InsertedMedia, entry qmp.QueryBlockEntry, namedByName map[string]qmp.NamedBlockNode) []qmp.DirtyBitmap {
	if childDevice != "" {
		if named, ok := namedByName[childDevice]; ok && len(named.DirtyBitmaps) > 0 {
			return named.DirtyBitmaps
		}
	}
	if len(inserted.DirtyBitmaps) > 0 {
		return inserted.DirtyBitmaps
	}
	return entry.DirtyBMs
}

// resolveFilename parses the raw filename field, including the "json:"
// wrapper used for RBD and layered images (spec §4.1).
func resolveFilename(inserted *qmp.InsertedMedia, device string) (filename, driver, path string, ok bool) {
	raw := inserted.Image.Filename
	if !strings.HasPrefix(raw, "json:") {
		return raw, inserted.Driver, filepath.Dir(raw), true
	}

	var wrapper qmp.JSONFilename
	if err := json.Unmarshal([]byte(strings.TrimPrefix(raw, "json:")), &wrapper); err != nil {
		slog.Warn("skipping device with malformed json: filename", "device", device, "error", err)
		return "", "", "", false
	}

	if wrapper.File.Driver == "rbd" {
		if wrapper.File.Image == "" {
			slog.Warn("skipping rbd device with no image field", "device", device)
			return "", "", "", false
		}
		return wrapper.File.Image, "rbd", "", true
	}

	if wrapper.File.Next == nil || wrapper.File.Next.Filename == "" {
		slog.Warn("skipping device with no file.next.filename", "device", device)
		return "", "", "", false
	}
	return wrapper.File.Next.Filename, inserted.Driver, filepath.Dir(wrapper.File.Next.Filename), true
}

func matchesSelector(device, node string, opts Options) bool {
	if len(opts.Exclude) > 0 {
		if opts.Exclude[device] || opts.Exclude[node] {
			return false
		}
	}
	if len(opts.Include) > 0 {
		return opts.Include[device] || opts.Include[node]
	}
	return true
}

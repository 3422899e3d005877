// Package chain manages the on-disk artifacts a backup directory owns:
// the chain UUID file, per-device .config metadata snapshots, and the
// .partial lifecycle of target image files (spec §3, §6).
package chain

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

const uuidFileName = "uuid"

// ErrMissingBase is returned when an incremental/differential/copy run
// targets a directory with no uuid file (spec §4.6, §8).
var ErrMissingBase = fmt.Errorf("chain: missing base (no uuid file in target directory)")

// EnsureUUID reads the chain UUID from <dir>/uuid. If create is true and
// the file does not yet exist, a new UUID is generated and written
// exclusively (spec: "created on the first full backup ... never
// rewritten"). If create is false and the file is absent, ErrMissingBase
// is returned.
func EnsureUUID(dir string, create bool) (string, error) {
	path := filepath.Join(dir, uuidFileName)

	data, err := os.ReadFile(path)
	if err == nil {
		return strings.TrimSpace(string(data)), nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("chain: read uuid file: %w", err)
	}
	if !create {
		return "", ErrMissingBase
	}

	id := uuid.NewString()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			// lost a race with a concurrent full backup into the same dir;
			// re-read whatever won.
			data, rerr := os.ReadFile(path)
			if rerr != nil {
				return "", fmt.Errorf("chain: read uuid file after race: %w", rerr)
			}
			return strings.TrimSpace(string(data)), nil
		}
		return "", fmt.Errorf("chain: create uuid file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(id); err != nil {
		return "", fmt.Errorf("chain: write uuid file: %w", err)
	}
	return id, nil
}

// DeviceConfig is the saved snapshot of a source image's reported
// metadata, used by the provisioner to pick compatible target creation
// options (spec §4.2).
type DeviceConfig struct {
	Format        string `json:"format"`
	CompatVersion string `json:"compat,omitempty"`
	ClusterSize   int64  `json:"cluster-size,omitempty"`
	LazyRefcounts bool   `json:"lazy-refcounts,omitempty"`
}

func configPath(dir, device string) string {
	return filepath.Join(dir, device+".config")
}

// SaveDeviceConfig persists a DeviceConfig. Skipped by callers entirely
// for driver=="rbd" devices (spec §9: no local file to introspect).
func SaveDeviceConfig(dir, device string, cfg DeviceConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("chain: marshal device config: %w", err)
	}
	if err := os.WriteFile(configPath(dir, device), data, 0o600); err != nil {
		return fmt.Errorf("chain: write device config: %w", err)
	}
	return nil
}

// LoadDeviceConfig reads back a previously saved DeviceConfig. Missing
// keys are the caller's concern (best-effort selection, spec §4.2).
func LoadDeviceConfig(dir, device string) (DeviceConfig, error) {
	var cfg DeviceConfig
	data, err := os.ReadFile(configPath(dir, device))
	if err != nil {
		return cfg, fmt.Errorf("chain: read device config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("chain: decode device config: %w", err)
	}
	return cfg, nil
}

// File describes one chain member discovered on disk.
type File struct {
	Path    string
	IsBase  bool
	Partial bool
}

// ListChain lists regular files directly under dir, sorted by
// modification time (never by a stored parent pointer - spec §9 design
// note: chains are cyclic-reference structures re-derived from the
// directory listing, not kept in memory as parent pointers).
func ListChain(dir string) ([]File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("chain: read directory: %w", err)
	}

	type stat struct {
		name    string
		modTime int64
	}
	var stats []stat
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		stats = append(stats, stat{name: e.Name(), modTime: info.ModTime().UnixNano()})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].modTime < stats[j].modTime })

	files := make([]File, 0, len(stats))
	for _, s := range stats {
		files = append(files, File{
			Path:    filepath.Join(dir, s.name),
			IsBase:  strings.HasPrefix(s.name, "FULL-"),
			Partial: strings.HasSuffix(s.name, ".partial"),
		})
	}
	return files, nil
}

// HasPartial reports whether any *.partial file exists anywhere under
// dir (recursively, since devices may live in per-device subdirectories).
// Every post-processing subcommand must refuse when this is true.
func HasPartial(dir string) (bool, error) {
	found := false
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(path, ".partial") {
			found = true
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("chain: walk directory: %w", err)
	}
	return found, nil
}

// FinalizeTarget atomically renames a ".partial" target to its final
// name, dropping the suffix. Only called after every device's backup job
// has concluded with offset==len.
func FinalizeTarget(partialPath string) error {
	final := strings.TrimSuffix(partialPath, ".partial")
	if final == partialPath {
		return fmt.Errorf("chain: %q does not have a .partial suffix", partialPath)
	}
	if err := os.Rename(partialPath, final); err != nil {
		return fmt.Errorf("chain: finalize target: %w", err)
	}
	return nil
}

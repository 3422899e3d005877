package postproc

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/mulgadc/qmpbackup/internal/imageutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeQemuImg(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell fake binaries require a POSIX shell")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "qemu-img")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o700))
	orig := imageutil.Tool
	imageutil.Tool = path
	t.Cleanup(func() { imageutil.Tool = orig })
}

func writeChainFile(t *testing.T, dir, name string, when time.Time) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	require.NoError(t, os.Chtimes(path, when, when))
	return path
}

func TestBuildPlan_OrdersReverseChain(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-3 * time.Hour)
	writeChainFile(t, dir, "FULL-100-disk.qcow2", base)
	writeChainFile(t, dir, "INC-200-disk.qcow2", base.Add(time.Hour))
	writeChainFile(t, dir, "INC-300-disk.qcow2", base.Add(2*time.Hour))

	plan, err := BuildPlan(dir, "", "")
	require.NoError(t, err)
	require.Len(t, plan.Steps, 2)
	assert.Contains(t, plan.Steps[0].Image, "INC-300")
	assert.Contains(t, plan.Steps[0].Onto, "INC-200")
	assert.Contains(t, plan.Steps[1].Image, "INC-200")
	assert.Contains(t, plan.Steps[1].Onto, "FULL-100")
}

func TestBuildPlan_RejectsNonFullBase(t *testing.T) {
	dir := t.TempDir()
	writeChainFile(t, dir, "INC-100-disk.qcow2", time.Now())

	_, err := BuildPlan(dir, "", "")
	assert.Error(t, err)
}

func TestBuildPlan_NoIncrementals(t *testing.T) {
	dir := t.TempDir()
	writeChainFile(t, dir, "FULL-100-disk.qcow2", time.Now())

	_, err := BuildPlan(dir, "", "")
	assert.Error(t, err)
}

func TestBuildPlan_UntilStopsChain(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-3 * time.Hour)
	writeChainFile(t, dir, "FULL-100-disk.qcow2", base)
	writeChainFile(t, dir, "INC-200-disk.qcow2", base.Add(time.Hour))
	writeChainFile(t, dir, "INC-300-disk.qcow2", base.Add(2*time.Hour))

	// --until names the stop point and excludes it: INC-300 is skipped,
	// INC-200 is rebased onto FULL-100.
	plan, err := BuildPlan(dir, "INC-300", "")
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.Contains(t, plan.Steps[0].Image, "INC-200")
	assert.Contains(t, plan.Steps[0].Onto, "FULL-100")
	for _, s := range plan.Steps {
		assert.NotContains(t, s.Image, "INC-300")
		assert.NotContains(t, s.Onto, "INC-300")
	}
}

func TestRebase_RefusesWithPartialPresent(t *testing.T) {
	dir := t.TempDir()
	writeChainFile(t, dir, "FULL-100-disk.qcow2", time.Now())
	writeChainFile(t, dir, "INC-200-disk.qcow2.partial", time.Now())

	err := Rebase(context.Background(), Options{Dir: dir})
	assert.Error(t, err)
}

func TestRebase_DryRunDoesNotInvokeTool(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)
	writeChainFile(t, dir, "FULL-100-disk.qcow2", base)
	writeChainFile(t, dir, "INC-200-disk.qcow2", base.Add(30*time.Minute))

	imageutil.Tool = "/nonexistent/should-not-run"
	err := Rebase(context.Background(), Options{Dir: dir, DryRun: true})
	assert.NoError(t, err)
}

func TestRebase_RunsRebaseAndCommit(t *testing.T) {
	fakeQemuImg(t)
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)
	writeChainFile(t, dir, "FULL-100-disk.qcow2", base)
	writeChainFile(t, dir, "INC-200-disk.qcow2", base.Add(30*time.Minute))

	err := Rebase(context.Background(), Options{Dir: dir})
	assert.NoError(t, err)
}

func TestMerge_RequiresTargetFile(t *testing.T) {
	err := Merge(context.Background(), Options{Dir: t.TempDir()})
	assert.Error(t, err)
}

func TestMerge_ClonesBaseAndIncrementals(t *testing.T) {
	fakeQemuImg(t)
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)
	writeChainFile(t, dir, "FULL-100-disk.qcow2", base)
	writeChainFile(t, dir, "INC-200-disk.qcow2", base.Add(30*time.Minute))

	target := filepath.Join(t.TempDir(), "merged.qcow2")
	err := Merge(context.Background(), Options{Dir: dir, TargetFile: target})
	require.NoError(t, err)
	assert.FileExists(t, target)
}

func TestSnapshotRebase_TakesSnapshotThenRebases(t *testing.T) {
	fakeQemuImg(t)
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)
	writeChainFile(t, dir, "FULL-100-disk.qcow2", base)
	writeChainFile(t, dir, "INC-200-disk.qcow2", base.Add(30*time.Minute))

	err := SnapshotRebase(context.Background(), Options{Dir: dir}, "pre-collapse")
	assert.NoError(t, err)
}

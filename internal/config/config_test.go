package config

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mulgadc/qmpbackup/internal/fleecing"
)

func TestRunConfig_AIOModeDefaultsToThreads(t *testing.T) {
	cfg := RunConfig{}
	assert.Equal(t, fleecing.AIOThreads, cfg.AIOMode())
}

func TestRunConfig_AIOModeRecognizesNative(t *testing.T) {
	cfg := RunConfig{BlockdevAIO: "native"}
	assert.Equal(t, fleecing.AIONative, cfg.AIOMode())
}

func TestRunConfig_AIOModeRecognizesIOUring(t *testing.T) {
	cfg := RunConfig{BlockdevAIO: "io_uring"}
	assert.Equal(t, fleecing.AIOIOUring, cfg.AIOMode())
}

func TestToIncludeSet(t *testing.T) {
	set := ToIncludeSet([]string{"ide0-hd0", "ide0-hd1"})
	assert.True(t, set["ide0-hd0"])
	assert.True(t, set["ide0-hd1"])
	assert.False(t, set["ide0-hd2"])
}

func TestToIncludeSet_Empty(t *testing.T) {
	assert.Nil(t, ToIncludeSet(nil))
}

func TestRunConfigFromViper_Unmarshals(t *testing.T) {
	v := NewViper()
	v.Set("level", "full")
	v.Set("target", "/backups")
	v.Set("speed-limit", int64(1024))

	cfg, err := RunConfigFromViper(v)
	assert.NoError(t, err)
	assert.Equal(t, "full", cfg.Level)
	assert.Equal(t, "/backups", cfg.Target)
	assert.Equal(t, int64(1024), cfg.SpeedLimit)
}

func TestManageConfigFromViper_Unmarshals(t *testing.T) {
	v := NewViper()
	v.Set("dir", "/backups/ide0-hd0")
	v.Set("dry-run", true)

	cfg, err := ManageConfigFromViper(v)
	assert.NoError(t, err)
	assert.Equal(t, "/backups/ide0-hd0", cfg.Dir)
	assert.True(t, cfg.DryRun)
}

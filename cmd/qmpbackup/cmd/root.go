/*
Copyright © 2025 Mulga Defense Corporation

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	appconfig "github.com/mulgadc/qmpbackup/internal/config"
	"github.com/mulgadc/qmpbackup/internal/jobrunner"
	"github.com/mulgadc/qmpbackup/internal/orchestrator"
)

var (
	cfgFile string
	debug   bool
	v       = appconfig.NewViper()
)

var rootCmd = &cobra.Command{
	Use:   "qmpbackup",
	Short: "Live block-device backups driven over a hypervisor monitor socket",
	Long: `qmpbackup discovers a running VM's block devices over its monitor
socket, installs a copy-before-write fleecing pipeline, and drains a
consistent full/incremental/differential/copy backup to a target
directory while the guest keeps writing.`,
	RunE: runBackup,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (toml)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "v", false, "enable debug logging")

	flags := rootCmd.Flags()
	flags.String("level", "full", "backup level: full, inc, diff, copy")
	flags.String("target", "", "target backup directory")
	flags.String("socket", "", "path to the monitor (QMP) unix socket")
	flags.String("agent-socket", "", "path to the guest agent unix socket")
	flags.StringSlice("include", nil, "only back up these devices")
	flags.StringSlice("exclude", nil, "skip these devices")
	flags.Bool("include-raw", false, "include raw-format devices (always full-sync, no bitmap)")
	flags.Bool("compress", false, "compress target images where supported")
	flags.Bool("no-subdir", false, "write targets flat instead of under a per-device subdirectory")
	flags.Bool("no-timestamp", false, "omit the level-and-timestamp prefix for full and copy backups")
	flags.Bool("no-fleece", false, "skip the CBW/fleecing pipeline (direct backup)")
	flags.Bool("no-persist", false, "don't persist the dirty bitmap after this run")
	flags.Int64("speed-limit", 0, "block job speed limit in bytes/sec, 0 for unlimited")
	flags.Duration("refresh-rate", time.Second, "job poll interval")
	flags.String("blockdev-aio", "threads", "AIO backend for attached blockdevs: threads, native, io_uring")
	flags.Bool("blockdev-disable-cache", false, "disable host page cache on attached blockdevs")
	flags.Int("connection-retry", 10, "monitor dial retry attempts before failing")

	for _, name := range []string{
		"level", "target", "socket", "agent-socket", "include", "exclude",
		"include-raw", "compress", "no-subdir", "no-timestamp", "no-fleece",
		"no-persist", "speed-limit", "refresh-rate", "blockdev-aio",
		"blockdev-disable-cache", "connection-retry",
	} {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}
}

func initConfig() {
	appconfig.LoadFile(v, cfgFile)

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// Execute adds all child commands to the root command and runs it.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runBackup(cmd *cobra.Command, args []string) error {
	cfg, err := appconfig.RunConfigFromViper(v)
	if err != nil {
		return err
	}
	if cfg.Target == "" {
		return fmt.Errorf("--target is required")
	}
	if cfg.Socket == "" {
		return fmt.Errorf("--socket is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		if _, ok := <-sigCh; ok {
			slog.Warn("received interrupt, cancelling run and tearing down")
			cancel()
		}
	}()
	defer signal.Stop(sigCh)

	runCfg := orchestrator.RunConfig{
		Level:           cfg.Level,
		TargetDir:       cfg.Target,
		SocketPath:      cfg.Socket,
		AgentSocketPath: cfg.AgentSocket,
		Include:         appconfig.ToIncludeSet(cfg.Include),
		Exclude:         appconfig.ToIncludeSet(cfg.Exclude),
		IncludeRaw:      cfg.IncludeRaw,
		Compress:        cfg.Compress,
		NoSubdir:        cfg.NoSubdir,
		NoTimestamp:     cfg.NoTimestamp,
		NoFleece:        cfg.NoFleece,
		NoPersist:       cfg.NoPersist,
		SpeedLimit:      cfg.SpeedLimit,
		RefreshRate:     cfg.RefreshRate,
		BlockdevAIO:     cfg.AIOMode(),
		DisableCache:    cfg.DisableCache,
		ConnectionRetry: cfg.ConnectionRetry,
		Timestamp:       time.Now().Unix(),
	}

	progress := jobrunner.NewPtermProgress()
	if err := orchestrator.Run(ctx, runCfg, progress); err != nil {
		return fmt.Errorf("backup failed: %w", err)
	}
	slog.Info("backup completed", "level", cfg.Level, "target", cfg.Target)
	return nil
}

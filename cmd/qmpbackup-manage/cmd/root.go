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
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	appconfig "github.com/mulgadc/qmpbackup/internal/config"
)

var (
	cfgFile string
	debug   bool
	v       = appconfig.NewViper()
)

var rootCmd = &cobra.Command{
	Use:   "qmpbackup-manage",
	Short: "Rewrite a qmpbackup chain in place: rebase, merge, commit, snapshot-rebase",
	Long: `qmpbackup-manage operates on the on-disk chain a qmpbackup run
produced: rebasing and committing incrementals onto their base, or
cloning them into a standalone merged image, without touching any
running hypervisor.`,
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (toml)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "v", false, "enable debug logging")

	addCommonFlags := func(c *cobra.Command) {
		c.Flags().String("dir", "", "chain directory")
		c.Flags().String("until", "", "stop the chain walk at (and exclude) this filename")
		c.Flags().Bool("dry-run", false, "print the plan without modifying any file")
		c.Flags().Int64("rate-limit", 0, "image I/O rate limit in bytes/sec (read into the config; not applied to the image operations)")
		c.Flags().Bool("skip-check", false, "skip the qemu-img check consistency pass")
		c.Flags().String("filter", "", "only operate on chain members matching this substring")
		for _, name := range []string{"dir", "until", "dry-run", "rate-limit", "skip-check", "filter"} {
			_ = v.BindPFlag(name, c.Flags().Lookup(name))
		}
		rootCmd.AddCommand(c)
	}

	addCommonFlags(rebaseCmd)
	addCommonFlags(commitCmd)
	addCommonFlags(snapshotRebaseCmd)
	snapshotRebaseCmd.Flags().String("snapshot-name", "pre-rebase", "internal snapshot name taken before rebasing")

	addCommonFlags(mergeCmd)
	mergeCmd.Flags().String("targetfile", "", "merged image output path")
	_ = v.BindPFlag("targetfile", mergeCmd.Flags().Lookup("targetfile"))
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

func manageConfigFromCmd(cmd *cobra.Command) (appconfig.ManageConfig, error) {
	// Every subcommand registers its own copy of the common flags, and
	// viper keeps only the last binding per key, so rebind to the flags of
	// the subcommand actually running.
	for _, name := range []string{"dir", "until", "dry-run", "rate-limit", "skip-check", "filter"} {
		_ = v.BindPFlag(name, cmd.Flags().Lookup(name))
	}
	cfg, err := appconfig.ManageConfigFromViper(v)
	if err != nil {
		return cfg, err
	}
	if cfg.Dir == "" {
		return appconfig.ManageConfig{}, fmt.Errorf("--dir is required")
	}
	return cfg, nil
}

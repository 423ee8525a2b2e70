package main

import (
	"log"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/arbor-sh/arbor/internal/config"
)

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "arbor",
	Short: "Dependency-aware agent orchestration in git worktrees",
	Long: `Arbor runs sessions of dependent tasks across a pool of isolated
agent contexts. Each task executes in its own git worktree, dependencies
gate dispatch, and session state is persisted so interrupted runs can
be resumed.

Typical flow:
  arbor run -f tasks.yaml     # execute a task graph
  arbor status                # inspect sessions
  arbor cleanup               # remove orphaned worktrees`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, v, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = c
		if v.ConfigFileUsed() == "" {
			return nil
		}
		// Pick up edits to the config file while long runs are active.
		v.OnConfigChange(func(e fsnotify.Event) {
			log.Printf("[config] reloading %s", e.Name)
			if reloaded, _, err := config.Load(configPath); err == nil {
				cfg = reloaded
			} else {
				log.Printf("[config] reload failed: %v", err)
			}
		})
		v.WatchConfig()
		return nil
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (default arbor.yaml)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(versionCmd)
}

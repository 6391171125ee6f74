package main

import (
	"os"

	"github.com/spf13/cobra"
)

var projectDir string

var rootCmd = &cobra.Command{
	Use:   "pressroom",
	Short: "Autonomous content pipeline orchestrator",
	Long: `Pressroom drives approved work items through the fixed content
workflow (research, writing, editing, graphics) by dispatching tasks to
specialist agents, gating their output, and escalating to a human whenever
automation cannot safely decide.

State lives in a SQLite store under the project directory. Work items enter
via YAML backlog files in the intake directory; agents report back with the
"signal" subcommand; humans answer escalations with "resolve".`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&projectDir, "project", "", "Project directory (default: current directory)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(signalCmd)
}

// resolveProjectDir returns the --project flag value or the working directory.
func resolveProjectDir() (string, error) {
	if projectDir != "" {
		return projectDir, nil
	}
	return os.Getwd()
}

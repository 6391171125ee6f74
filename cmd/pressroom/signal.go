package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"pressroom/pkg/config"
	"pressroom/pkg/persistence"
	"pressroom/pkg/proto"
)

var signalFlags struct {
	status       string
	output       string
	passed       bool
	checksRun    []string
	checksFailed []string
}

var signalCmd = &cobra.Command{
	Use:   "signal <task-id>",
	Short: "Record an agent status signal for a task",
	Long: `Signal is the delivery surface external agents use to report a task
outcome. Each invocation appends exactly one signal; the orchestration loop
consumes it on its next tick and renders a gate decision.

Example:
  pressroom signal a1b2c3d4-writing --status complete --passed \
      --check-run style-guide --check-run word-count`,
	Args: cobra.ExactArgs(1),
	RunE: runSignal,
}

func init() {
	signalCmd.Flags().StringVar(&signalFlags.status, "status", string(proto.SignalComplete), "Outcome: complete, failed, or blocked")
	signalCmd.Flags().StringVar(&signalFlags.output, "output", "", "Path or summary of the produced artifact")
	signalCmd.Flags().BoolVar(&signalFlags.passed, "passed", false, "Whether self-validation passed")
	signalCmd.Flags().StringArrayVar(&signalFlags.checksRun, "check-run", nil, "Self-validation check that ran (repeatable)")
	signalCmd.Flags().StringArrayVar(&signalFlags.checksFailed, "check-failed", nil, "Self-validation check that failed (repeatable)")
}

func runSignal(cmd *cobra.Command, args []string) error {
	status := proto.SignalStatus(signalFlags.status)
	switch status {
	case proto.SignalComplete, proto.SignalFailed, proto.SignalBlocked:
	default:
		return fmt.Errorf("invalid status %q: must be complete, failed, or blocked", signalFlags.status)
	}

	dir, err := resolveProjectDir()
	if err != nil {
		return fmt.Errorf("resolve project directory: %w", err)
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	task, err := store.GetTask(args[0])
	if errors.Is(err, persistence.ErrNotFound) {
		return fmt.Errorf("no task with id %s", args[0])
	}
	if err != nil {
		return fmt.Errorf("look up task: %w", err)
	}

	sig := &proto.AgentStatusSignal{
		ID:          proto.GenerateSignalID(),
		TaskID:      task.ID,
		AgentRole:   task.AssignedTo,
		Status:      status,
		Output:      signalFlags.output,
		CompletedAt: time.Now().UTC(),
		Validation: proto.ValidationResult{
			Passed:       signalFlags.passed,
			ChecksRun:    signalFlags.checksRun,
			ChecksFailed: signalFlags.checksFailed,
		},
	}
	if err := store.AppendSignal(sig); err != nil {
		return fmt.Errorf("append signal: %w", err)
	}

	fmt.Printf("Signal %s recorded for %s (%s)\n", sig.ID, task.ID, status)
	return nil
}

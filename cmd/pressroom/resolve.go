package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"pressroom/pkg/config"
	"pressroom/pkg/escalate"
	"pressroom/pkg/persistence"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <escalation-id> <resolution...>",
	Short: "Record a human resolution for an open escalation",
	Long: `Resolve answers an escalation. The orchestration loop applies the
resolution on its next tick; recording it here never mutates tasks directly.

Conventional resolutions the loop understands:
  accept      accept the gated output as-is (completion failures)
  rework      send the task back to its agent
  retry       requeue a stalled task
  wait        keep watching a stalled task
  proceed     waive readiness and enqueue the work item
  cancel      cancel the work item
Anything else re-validates a readiness-gapped item on the next tick.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runResolve,
}

func runResolve(cmd *cobra.Command, args []string) error {
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

	id := args[0]
	resolution := strings.Join(args[1:], " ")

	esc, err := escalate.NewManager(store).Resolve(id, resolution)
	if errors.Is(err, escalate.ErrNotFound) {
		return fmt.Errorf("no escalation with id %s", id)
	}
	if errors.Is(err, escalate.ErrAlreadyResolved) {
		return fmt.Errorf("escalation %s is already resolved", id)
	}
	if err != nil {
		return fmt.Errorf("resolve escalation: %w", err)
	}

	fmt.Printf("Resolved %s (%s, subject %s): %s\n", esc.ID, esc.Category, esc.SubjectID, resolution)
	return nil
}

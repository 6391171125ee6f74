package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"pressroom/pkg/config"
	"pressroom/pkg/persistence"
	"pressroom/pkg/proto"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show work items, tasks, and open escalations",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	dir, err := resolveProjectDir()
	if err != nil {
		return fmt.Errorf("resolve project directory: %w", err)
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if _, err := os.Stat(cfg.DBPath); os.IsNotExist(err) {
		fmt.Println("No pipeline state found. Run 'pressroom run' to start.")
		return nil
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	items, err := store.ListWorkItems()
	if err != nil {
		return fmt.Errorf("list work items: %w", err)
	}

	fmt.Printf("Work items (%d):\n", len(items))
	for _, item := range items {
		marker := " "
		if proto.IsTerminalItemState(item.State) {
			marker = "*"
		}
		fmt.Printf("  %s %-10s p%-2d %-20s %s\n", marker, item.ID, item.Priority, item.State, item.Title)

		tasks, err := store.ListTasksByItem(item.ID)
		if err != nil {
			return fmt.Errorf("list tasks for %s: %w", item.ID, err)
		}
		for _, task := range tasks {
			attempt := ""
			if task.Attempt > 1 {
				attempt = fmt.Sprintf(" (attempt %d)", task.Attempt)
			}
			fmt.Printf("      %-28s %-12s %-18s %s%s\n", task.ID, task.Phase, task.Status, task.AssignedTo, attempt)
		}
	}

	escalations, err := store.ListUnresolvedEscalations()
	if err != nil {
		return fmt.Errorf("list escalations: %w", err)
	}

	fmt.Printf("\nOpen escalations (%d):\n", len(escalations))
	for _, esc := range escalations {
		fmt.Printf("  %s  [%s]  subject %s\n", esc.ID, esc.Category, esc.SubjectID)
		fmt.Printf("      Q: %s\n", esc.Question)
		if len(esc.Context) > 0 {
			fmt.Printf("      context: %s\n", strings.Join(esc.Context, "; "))
		}
		if esc.Recommendation != "" {
			fmt.Printf("      recommendation: %s\n", esc.Recommendation)
		}
	}
	if len(escalations) > 0 {
		fmt.Println("\nAnswer with: pressroom resolve <escalation-id> <resolution>")
	}
	return nil
}

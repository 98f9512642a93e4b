package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zjrosen/skillforge/internal/orchestration/workflow"
	"github.com/zjrosen/skillforge/internal/paths"
)

var workflowsCmd = &cobra.Command{
	Use:   "workflows",
	Short: "List available workflow templates",
	Long:  `Display all workflow templates available for skill builds, including built-in and user-defined templates.`,
	RunE:  runWorkflows,
}

func init() {
	rootCmd.AddCommand(workflowsCmd)
}

func runWorkflows(*cobra.Command, []string) error {
	tmplDir := cfg.TemplateDir
	if tmplDir == "" {
		tmplDir = paths.TemplateDir()
	}
	registry, err := workflow.NewRegistry(tmplDir)
	if err != nil {
		return fmt.Errorf("loading templates: %w", err)
	}

	templates := registry.List()
	maxLen := 0
	for _, t := range templates {
		if len(t.ID) > maxLen {
			maxLen = len(t.ID)
		}
	}
	for _, t := range templates {
		fmt.Printf("  %-*s  %-9s %s (%d steps)\n", maxLen, t.ID, t.Source.String(), t.Description, len(t.Steps))
	}
	return nil
}

package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/keleshteri/agent-flow-sub000/internal/persistence"
)

func newHistoryCmd(root *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List archived workflow results, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			store, err := persistence.Open(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			defer store.Close()

			list, err := store.ListWorkflows(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No archived workflows.")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), historyTable(list))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of results (0 for all)")
	return cmd
}

func historyTable(list []persistence.WorkflowSummary) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "NAME", "STATUS", "PROGRESS", "SUBMITTED", "DURATION")
	for _, w := range list {
		status := w.Status.String()
		if w.Reason != "" {
			status += " (" + w.Reason + ")"
		}
		duration := "-"
		if w.EndedAt != nil {
			duration = w.EndedAt.Sub(w.SubmittedAt).Round(time.Millisecond).String()
		}
		t.Row(w.ID, w.Name, status, w.Progress.String(), w.SubmittedAt.Format(time.DateTime), duration)
	}
	return t.Render()
}

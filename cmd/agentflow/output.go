package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/keleshteri/agent-flow-sub000/internal/scheduler"
)

// printResult writes a per-step summary of res, in completion order first.
func printResult(w io.Writer, res *scheduler.WorkflowResult) {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("STEP", "STATUS", "WORKER", "ATTEMPTS", "DETAIL")
	for _, id := range resultOrder(res) {
		s := res.Steps[id]
		detail := s.Error
		if detail == "" {
			detail = s.Reason
		}
		t.Row(id, s.Status.String(), s.WorkerID, strconv.Itoa(len(s.Attempts)), detail)
	}
	fmt.Fprintln(w, t.Render())

	fmt.Fprintf(w, "workflow %s: %s", res.WorkflowID, res.Status)
	if res.Reason != "" {
		fmt.Fprintf(w, " (%s)", res.Reason)
	}
	fmt.Fprintf(w, ", %s\n", res.Progress)

	for _, c := range res.Compensations {
		if c.Compensated {
			fmt.Fprintf(w, "  compensated %s\n", c.StepID)
		} else {
			fmt.Fprintf(w, "  not compensated %s: %s\n", c.StepID, c.Error)
		}
	}
}

// resultOrder lists completed steps in completion order, then the rest by id.
func resultOrder(res *scheduler.WorkflowResult) []string {
	seen := make(map[string]bool, len(res.Steps))
	order := make([]string, 0, len(res.Steps))
	for _, id := range res.CompletionOrder {
		seen[id] = true
		order = append(order, id)
	}
	for _, id := range res.StepIDs() {
		if !seen[id] {
			order = append(order, id)
		}
	}
	return order
}

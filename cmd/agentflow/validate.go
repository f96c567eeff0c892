package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/keleshteri/agent-flow-sub000/internal/config"
	"github.com/keleshteri/agent-flow-sub000/internal/scheduler"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workflow.yaml>",
		Short: "Check a workflow definition and print its execution order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := config.LoadWorkflow(args[0])
			if err != nil {
				return err
			}
			g, err := scheduler.Build(wf)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			name := wf.Name
			if name == "" {
				name = args[0]
			}
			fmt.Fprintf(out, "%s: %d steps, strategy %s\n", name, g.Len(), g.Config().Strategy.Resolve())
			fmt.Fprintf(out, "order: %s\n", strings.Join(g.Order(), " -> "))
			return nil
		},
	}
}

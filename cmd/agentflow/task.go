package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keleshteri/agent-flow-sub000/internal/agent"
	"github.com/keleshteri/agent-flow-sub000/internal/task"
)

func newTaskCmd(root *rootOptions) *cobra.Command {
	var payload string
	cmd := &cobra.Command{
		Use:   "task <type>",
		Short: "Run a single task on the best available worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var in agent.Input
			if payload != "" {
				if err := json.Unmarshal([]byte(payload), &in.Payload); err != nil {
					return fmt.Errorf("parse --payload: %w", err)
				}
			}

			rt, err := root.start(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.close()

			res, err := rt.engine.SubmitTask(cmd.Context(), task.New(agent.TaskType(args[0]), in))
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if res.Status != task.StatusCompleted {
				return fmt.Errorf("task %s: %s", res.Status, res.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "task payload as JSON")
	return cmd
}

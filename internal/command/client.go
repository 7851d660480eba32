package command

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

const clientTimeout = 10 * time.Second

// NewSubmitCommand creates the submit command.
func NewSubmitCommand() *cobra.Command {
	var input string
	cmd := &cobra.Command{
		Use:   "submit <task>",
		Short: "Submit a task run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw json.RawMessage
			if input != "" {
				if !json.Valid([]byte(input)) {
					return fmt.Errorf("--input is not valid JSON")
				}
				raw = json.RawMessage(input)
			}

			client, err := clientFor(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
			defer cancel()

			resp, err := client.Submit(ctx, args[0], raw)
			if err != nil {
				return fmt.Errorf("submit failed: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "Task input as JSON")
	return cmd
}

// NewStatusCommand creates the status command.
func NewStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <task_run_id>",
		Short: "Show the status of a task run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
			defer cancel()

			resp, err := client.Status(ctx, args[0])
			if err != nil {
				return fmt.Errorf("status failed: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
}

// NewCancelCommand creates the cancel command.
func NewCancelCommand() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <task_run_id>",
		Short: "Cancel a task run and its nested runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), clientTimeout)
			defer cancel()

			resp, err := client.Cancel(ctx, args[0], reason)
			if err != nil {
				return fmt.Errorf("cancel failed: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Reason recorded on the cancelled run")
	return cmd
}

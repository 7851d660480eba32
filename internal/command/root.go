// Package command builds the tasker command line.
package command

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/tasker/internal/adapter/rpcclient"
)

// NewRootCommand creates the tasker root command with all subcommands registered.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "tasker",
		Short:         "Durable task runner with suspend, resume and replay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("rpc", defaultRPCAddr(), "JSON-RPC address of the tasker server")

	rootCmd.AddCommand(
		NewServeCommand(),
		NewSubmitCommand(),
		NewStatusCommand(),
		NewCancelCommand(),
	)
	return rootCmd
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func defaultRPCAddr() string {
	if addr := os.Getenv("TASKER_RPC"); addr != "" {
		return addr
	}
	return "localhost:8081"
}

func clientFor(cmd *cobra.Command) (*rpcclient.Client, error) {
	addr, err := cmd.Flags().GetString("rpc")
	if err != nil {
		return nil, err
	}
	return rpcclient.NewClient(addr), nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

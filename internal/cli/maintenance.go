package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/huntlog/huntlog/internal/client"
	"github.com/huntlog/huntlog/pkg/types"
)

func newSubmitCmd() *cobra.Command {
	var session, output string
	var exitCode int

	cmd := &cobra.Command{
		Use:   "submit <command>",
		Short: "Submit one record directly, bypassing the capture log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client.New(serverAddr(cmd)).SubmitRecord(cmd.Context(), types.Record{
				Timestamp: time.Now().UTC().Format(time.RFC3339),
				Command:   args[0],
				Output:    output,
				ExitCode:  exitCode,
				SessionID: session,
			})
		},
	}

	cmd.Flags().StringVar(&session, "session", "default", "Session id")
	cmd.Flags().StringVar(&output, "output", "", "Captured output")
	cmd.Flags().IntVar(&exitCode, "exit-code", 0, "Command exit code")
	return cmd
}

func newCleanupHostsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup-hosts",
		Short: "Remove stored host facts that fail hostname validation",
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := client.New(serverAddr(cmd)).CleanupHosts(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d invalid host facts\n", removed)
			return nil
		},
	}
}

func newResetCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Wipe all stored events, facts, and recommendations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to wipe data without --yes")
			}
			if err := client.New(serverAddr(cmd)).Reset(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "store reset")
			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "Confirm the wipe")
	return cmd
}

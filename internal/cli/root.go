// Package cli implements the huntlog command tree.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

func NewRoot(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "huntlog",
		Short:         "huntlog: passive analyzer for security-testing sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Version = version
	cmd.SetVersionTemplate("huntlog {{.Version}}\n")

	cmd.PersistentFlags().String("server", getenvDefault("HUNTLOG_SERVER", "http://127.0.0.1:8712"), "huntlog server base URL")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newSessionsCmd())
	cmd.AddCommand(newEventsCmd())
	cmd.AddCommand(newFactsCmd())
	cmd.AddCommand(newAdviceCmd())
	cmd.AddCommand(newSubmitCmd())
	cmd.AddCommand(newCleanupHostsCmd())
	cmd.AddCommand(newResetCmd())

	return cmd
}

func serverAddr(cmd *cobra.Command) string {
	addr, _ := cmd.Root().PersistentFlags().GetString("server")
	if addr == "" {
		addr = "http://127.0.0.1:8712"
	}
	return addr
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

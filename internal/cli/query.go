package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/huntlog/huntlog/internal/client"
	"github.com/huntlog/huntlog/pkg/types"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the analyzer status",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := client.New(serverAddr(cmd)).Status(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "sessions:         %d\n", st.Sessions)
			fmt.Fprintf(out, "events processed: %d\n", st.EventsProcessed)
			fmt.Fprintf(out, "dispatches:       %d\n", st.Dispatches)
			fmt.Fprintf(out, "advisor failures: %d\n", st.AdvisorFailures)
			for _, t := range types.FactTypes {
				if n := st.FactCounts[string(t)]; n > 0 {
					fmt.Fprintf(out, "facts/%-10s %d\n", string(t)+":", n)
				}
			}
			return nil
		},
	}
}

func newSessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List capture sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := client.New(serverAddr(cmd)).ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SESSION\tEVENTS\tFIRST SEEN\tLAST SEEN")
			for _, s := range sessions {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", s.ID, s.EventCount,
					s.FirstSeen.Format(time.RFC3339), s.LastSeen.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

func newEventsCmd() *cobra.Command {
	var limit, offset int
	var asc, asJSON bool

	cmd := &cobra.Command{
		Use:   "events <session>",
		Short: "List processed events for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			evs, err := client.New(serverAddr(cmd)).SessionEvents(cmd.Context(), args[0], types.EventQuery{
				Limit:  limit,
				Offset: offset,
				Asc:    asc,
			})
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd, evs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tNOVELTY\tDUP\tCATEGORY\tCOMMAND")
			for _, ev := range evs {
				fmt.Fprintf(tw, "%s\t%.2f\t%v\t%s\t%s\n",
					ev.Timestamp.Format("15:04:05"), ev.Novelty, ev.Duplicate,
					ev.Category, truncate(ev.Command, 60))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum events to return")
	cmd.Flags().IntVar(&offset, "offset", 0, "Events to skip")
	cmd.Flags().BoolVar(&asc, "asc", false, "Oldest first")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit raw JSON")
	return cmd
}

func newFactsCmd() *cobra.Command {
	var factType string
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "facts",
		Short: "List extracted facts",
		RunE: func(cmd *cobra.Command, args []string) error {
			facts, err := client.New(serverAddr(cmd)).ListFacts(cmd.Context(), factType, limit)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd, facts)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TYPE\tVALUE\tSEEN\tLAST SEEN")
			for _, f := range facts {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", f.Type, truncate(f.Value, 60),
					f.Occurrences, f.LastSeen.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&factType, "type", "", "Filter by fact type (host, port, ...)")
	cmd.Flags().IntVar(&limit, "limit", 200, "Maximum facts to return")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit raw JSON")
	return cmd
}

func newAdviceCmd() *cobra.Command {
	var factID string
	var limit int

	cmd := &cobra.Command{
		Use:   "advice <session>",
		Short: "Show recommendations for a session or fact",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := client.New(serverAddr(cmd))
			var recs []types.Recommendation
			var err error
			switch {
			case factID != "":
				recs, err = c.FactAdvice(cmd.Context(), factID, limit)
			case len(args) == 1:
				recs, err = c.SessionAdvice(cmd.Context(), args[0], limit)
			default:
				return fmt.Errorf("pass a session id or --fact")
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, r := range recs {
				fmt.Fprintf(out, "[%s] %s (%s)\n", strings.ToUpper(string(r.Priority)),
					r.Source, r.CreatedAt.Format(time.RFC3339))
				fmt.Fprintf(out, "  %s\n", r.Text)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&factID, "fact", "", "Show advice scoped to this fact id")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum recommendations to return")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

package cli

import (
	"encoding/json"
	"fmt"

	"github.com/me/flround/internal/orchestrator"
	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running coordinator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/status")
			if err != nil {
				return fmt.Errorf("get status: %w", err)
			}

			var st orchestrator.Status
			if err := json.Unmarshal(resp.Data, &st); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run:         %s\n", st.RunID)
			fmt.Fprintf(out, "  Selector:  %s\n", st.Selector)
			fmt.Fprintf(out, "  Round:     %d/%d (attempt %d)\n", st.Round, st.CommRound, st.Attempt)
			fmt.Fprintf(out, "  Phase:     %s\n", st.Phase)
			if st.LastOutcome != "" {
				fmt.Fprintf(out, "  Last:      %s\n", st.LastOutcome)
			}
			fmt.Fprintf(out, "  Clients:   %d registered, %d blacklisted\n", st.Registered, st.Blacklisted)
			if st.Exploration != nil {
				fmt.Fprintf(out, "  Explore:   %.4f\n", *st.Exploration)
			}
			if st.Simulated {
				fmt.Fprintf(out, "  Sim clock: %s\n", st.Clock.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
}

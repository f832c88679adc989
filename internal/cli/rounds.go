package cli

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/me/flround/pkg/model"
	"github.com/spf13/cobra"
)

func newRoundsCmd() *cobra.Command {
	var runID, state string
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "rounds",
		Short: "List round attempts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if runID != "" {
				q.Set("run_id", runID)
			}
			if state != "" {
				q.Set("state", state)
			}
			q.Set("limit", strconv.Itoa(limit))
			q.Set("offset", strconv.Itoa(offset))

			resp, err := client.Get("/api/v1/rounds?" + q.Encode())
			if err != nil {
				return fmt.Errorf("list rounds: %w", err)
			}

			var rounds []model.Round
			if err := json.Unmarshal(resp.Data, &rounds); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(rounds) == 0 {
				fmt.Fprintln(out, "No rounds found.")
				return nil
			}

			fmt.Fprintf(out, "%-6s  %-7s  %-10s  %-22s  %8s  %9s  %10s\n", "ROUND", "ATTEMPT", "STATE", "OUTCOME", "SELECTED", "COMPLETED", "STRAGGLERS")
			for _, r := range rounds {
				fmt.Fprintf(out, "%-6d  %-7d  %-10s  %-22s  %8d  %9d  %10d\n",
					r.Number, r.Attempt, r.State, r.Outcome, len(r.Selected), len(r.Completed), len(r.Stragglers))
			}

			if resp.Pagination != nil && resp.Pagination.HasMore {
				fmt.Fprintf(out, "\n(%d of %d shown)\n", len(rounds), resp.Pagination.Total)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run-id", "", "Only rounds of this run")
	cmd.Flags().StringVar(&state, "state", "", "Only rounds in this state (RECONCILED, DISCARDED)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum rounds to show")
	cmd.Flags().IntVar(&offset, "offset", 0, "Rounds to skip")
	return cmd
}

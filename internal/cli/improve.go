package cli

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ent0n29/foreman/internal/app"
	"github.com/ent0n29/foreman/internal/improve"
	"github.com/ent0n29/foreman/internal/tasks"
)

func newImproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "improve",
		Short: "Inspect persisted improve loops",
	}

	status := &cobra.Command{
		Use:   "status [conversation-id]",
		Short: "Show improve loop progress",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := app.OpenStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			var states []improve.State
			if len(args) == 1 {
				conv, err := tasks.ParseConversationID(args[0])
				if err != nil {
					return fmt.Errorf("invalid conversation id %q", args[0])
				}
				st, err := store.LoadLoopState(cmd.Context(), conv)
				if errors.Is(err, tasks.ErrStoreNotFound) {
					return fmt.Errorf("%w: conversation %s", improve.ErrNotFound, conv)
				}
				if err != nil {
					return err
				}
				states = []improve.State{st}
			} else {
				states, err = store.ListLoopStates(cmd.Context())
				if err != nil {
					return fmt.Errorf("list improve loops: %w", err)
				}
			}

			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				if states == nil {
					states = []improve.State{}
				}
				return writeJSON(cmd.OutOrStdout(), states)
			}
			if len(states) == 0 {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "No improve loops.")
				return err
			}
			rows := make([][]string, 0, len(states))
			for _, st := range states {
				rows = append(rows, []string{
					st.ConversationID.String(),
					statusCell(string(st.Status)),
					fmt.Sprintf("%d/%d", st.CompletedIterations, st.TotalIterations),
					"$" + strconv.FormatFloat(st.TotalCostUSD, 'f', 2, 64) + " / $" + strconv.FormatFloat(st.MaxCostUSD, 'f', 2, 64),
					truncate(st.Direction, maxCellWidth),
					truncate(st.PauseReason, maxCellWidth),
				})
			}
			return writeTable(cmd.OutOrStdout(), []string{"CONVERSATION", "STATUS", "PROGRESS", "COST", "DIRECTION", "REASON"}, rows)
		},
	}
	status.Flags().Bool("json", false, "Print loop states as JSON")

	cmd.AddCommand(status)
	return cmd
}

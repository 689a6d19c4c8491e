package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/foreman/internal/app"
	"github.com/ent0n29/foreman/internal/tasks"
)

func newInterruptedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "interrupted",
		Short: "Inspect tasks left in flight by a previous process",
		Long: `Tasks that were executing when the service stopped are kept until they are
resumed through the API or discarded here. Run these commands while the server is stopped.`,
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List interrupted tasks",
		Args:  cobra.NoArgs,
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

			records, err := store.ListActiveTasks(cmd.Context())
			if err != nil {
				return fmt.Errorf("list interrupted tasks: %w", err)
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				if records == nil {
					records = []tasks.ActiveTaskRecord{}
				}
				return writeJSON(cmd.OutOrStdout(), records)
			}
			if len(records) == 0 {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "No interrupted tasks.")
				return err
			}
			rows := make([][]string, 0, len(records))
			for _, rec := range records {
				resumable := "no"
				if rec.Resumable() {
					resumable = "yes"
				}
				rows = append(rows, []string{
					rec.ID,
					rec.ConversationID.String(),
					truncate(rec.Task, maxCellWidth),
					statusCell(resumable),
					rec.StartedAt.Local().Format(time.DateTime),
				})
			}
			return writeTable(cmd.OutOrStdout(), []string{"ID", "CONVERSATION", "TASK", "RESUMABLE", "STARTED"}, rows)
		},
	}
	list.Flags().Bool("json", false, "Print records as JSON")

	discard := &cobra.Command{
		Use:   "discard <record-id>",
		Short: "Forget an interrupted task without resuming it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store, err := app.OpenStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.ListActiveTasks(cmd.Context())
			if err != nil {
				return fmt.Errorf("list interrupted tasks: %w", err)
			}
			id := args[0]
			for _, rec := range records {
				if rec.ID != id {
					continue
				}
				if err := store.DeleteActiveTask(cmd.Context(), id); err != nil {
					return fmt.Errorf("discard %s: %w", id, err)
				}
				logger.Info("discarded interrupted task", "record_id", id, "conversation_id", rec.ConversationID)
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "Discarded %s (%s)\n", id, truncate(rec.Task, maxCellWidth))
				return err
			}
			return fmt.Errorf("%w: %s", tasks.ErrRecordNotFound, id)
		},
	}

	cmd.AddCommand(list, discard)
	return cmd
}

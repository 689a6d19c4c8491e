package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ent0n29/foreman/internal/app"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.BindAddr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			res, err := app.Build(ctx, cfg, logger)
			if err != nil {
				return err
			}
			logger.Info("foreman starting",
				"store_driver", cfg.StoreDriver,
				"queue_capacity", cfg.TaskQueueCapacity,
				"interrupted", len(res.Interrupted),
			)
			return app.Serve(ctx, res)
		},
	}
	cmd.Flags().String("addr", "", "Override APP_BIND_ADDR")
	return cmd
}

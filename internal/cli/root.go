package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ent0n29/foreman/internal/config"
	"github.com/ent0n29/foreman/internal/logging"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "foreman",
		Short: "Chat-driven task orchestration for a coding agent",
		Long: `foreman turns chat messages into planned, approved and executed coding tasks.
Each conversation runs one phase at a time; extra work waits in a short queue.

Running 'foreman' without a subcommand is equivalent to 'foreman serve'.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("log-level", "", "Override APP_LOG_LEVEL (debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "", "Override APP_LOG_FORMAT (json, text)")

	serve := newServeCmd()
	root.RunE = serve.RunE
	root.AddCommand(serve)
	root.AddCommand(newInterruptedCmd())
	root.AddCommand(newImproveCmd())
	return root
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig(cmd *cobra.Command) (config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v, _ := cmd.Flags().GetString("log-format"); v != "" {
		cfg.LogFormat = v
	}
	logger, err := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Writer: cmd.ErrOrStderr(),
	})
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

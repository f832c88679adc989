package cli

import (
	"log/slog"
	"os"

	"github.com/me/flround/internal/config"
	"github.com/me/flround/internal/logging"
	"github.com/spf13/cobra"
)

var (
	flagConfig    string
	flagServer    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	logger *slog.Logger
	client *Client
	cfg    config.Config
)

// defaultServer returns the default API URL, checking FLROUND_SERVER first.
func defaultServer() string {
	if s := os.Getenv("FLROUND_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for the flround CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "flround",
		Short: "flround: federated learning round coordinator",
		Long: `flround selects clients for each federated learning round, tracks
stragglers, reconciles outcomes and checkpoints progress. Rounds run against a
simulated fleet (time_mode: simulated) or against clients connecting over HTTP.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg = config.Default()
			if flagConfig != "" {
				loaded, err := config.Load(flagConfig)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if cmd.Flags().Changed("log-level") {
				cfg.LogLevel = flagLogLevel
			}
			if cmd.Flags().Changed("log-format") {
				cfg.LogFormat = flagLogFormat
			}
			if flagDebug {
				cfg.LogLevel = "debug"
			}
			logger = logging.NewLoggerWithWriter(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat, cmd.ErrOrStderr())
			client = NewClient(flagServer, logger)
			return nil
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "Path to a YAML config file")
	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "Coordinator API URL (or FLROUND_SERVER env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newRunCmd(),
		newServeCmd(),
		newStatusCmd(),
		newRoundsCmd(),
		newConfigCmd(),
	)

	return root
}

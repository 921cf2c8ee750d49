package commands

import (
	"github.com/lgulliver/storepush/pkg/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	cfg       *config.Config
	logLevel  string
	logFormat string
)

// Execute runs the storepush CLI
func Execute() error {
	root := &cobra.Command{
		Use:           "storepush",
		Short:         "Publish Android artifacts to the store",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg = config.LoadFromEnv()
			if cmd.Flags().Changed("log-level") {
				cfg.Logging.Level = logLevel
			}
			if cmd.Flags().Changed("log-format") {
				cfg.Logging.Format = logFormat
			}
			cfg.Logging.SetupLogging()
			return nil
		},
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (json, text)")

	root.AddCommand(publishCmd(), keygenCmd())

	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("storepush failed")
		return err
	}
	return nil
}

package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/httprunner/PrinterAgent/internal/env"
)

var rootCmd = &cobra.Command{
	Use:   "printeragent",
	Short: "Discover printers and install custom firmware over the network",
	Long: `printeragent finds printers on the local network, checks whether their firmware can take a
custom install, and drives the install over the printer's control channel and SSH.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if rootEnvFile != "" {
			if err := env.Load(rootEnvFile); err != nil {
				return err
			}
		}
		level := zerolog.InfoLevel
		if rootVerbose {
			level = zerolog.DebugLevel
		}
		zerolog.SetGlobalLevel(level)
		return nil
	},
	SilenceUsage: true,
}

var (
	rootVerbose bool
	rootDBPath  string
	rootEnvFile string
)

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.PersistentFlags().BoolVarP(&rootVerbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&rootDBPath, "db", "", "credential database path (overrides $PRINTERAGENT_DB_PATH)")
	rootCmd.PersistentFlags().StringVar(&rootEnvFile, "env-file", "", "load environment from this file instead of searching for .env")
	rootCmd.AddCommand(
		newDiscoverCmd(),
		newSerialCmd(),
		newConnectCmd(),
		newInstallCmd(),
		newRecoverCmd(),
	)
	_ = env.Ensure()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("printeragent command failed")
	}
}

package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"kerne-operator/internal/app"
	"kerne-operator/internal/config"
	"kerne-operator/internal/logging"
	"kerne-operator/internal/por"
	"kerne-operator/internal/venue"
)

// Process exit codes.
const (
	exitOK        = 0
	exitFailure   = 1
	exitInsolvent = 1
	exitConfig    = 2
	exitAuth      = 3
)

var (
	cfgFile   string
	logLevel  string
	appHandle *app.App
)

var rootCmd = &cobra.Command{
	Use:           "kerne",
	Short:         "Operate the delta-neutral vault: hedging, risk sentinel and proof of reserve",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if appHandle != nil || cmd.Name() == versionCmd.Name() {
			return nil
		}

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}

		logger := logging.NewLogger(cfg.Logging)
		appHandle = app.NewApp(cfg, logger)
		return nil
	},
}

// Execute runs the root command and exits with a code describing the failure class.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(exitCode(err))
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, por.ErrInsolvent):
		return exitInsolvent
	case errors.Is(err, config.ErrInvalid):
		return exitConfig
	case errors.Is(err, venue.ErrAuth):
		return exitAuth
	default:
		return exitFailure
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level defined in config")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(attestCmd)
	rootCmd.AddCommand(riskScoreCmd)
	rootCmd.AddCommand(rebalanceCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(simulateCmd)
}

func getApp() *app.App {
	if appHandle == nil {
		panic("application not initialized; PersistentPreRunE not executed")
	}
	return appHandle
}

package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"kerne-operator/internal/alerting"
)

var (
	simulateSeverity string
	simulateMessage  string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Send a test alert through the configured channels",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateMessage == "" {
			return errors.New("--message must not be empty")
		}
		severity, err := parseSeverity(simulateSeverity)
		if err != nil {
			return err
		}
		return getApp().SimulateAlert(cmd.Context(), severity, simulateMessage)
	},
}

func parseSeverity(raw string) (alerting.Severity, error) {
	switch s := alerting.Severity(raw); s {
	case alerting.SeverityInfo, alerting.SeverityWarning, alerting.SeverityCritical:
		return s, nil
	default:
		return "", fmt.Errorf("unknown severity %q (want info, warning or critical)", raw)
	}
}

func init() {
	simulateCmd.Flags().StringVar(&simulateSeverity, "severity", string(alerting.SeverityWarning), "Alert severity: info, warning or critical")
	simulateCmd.Flags().StringVar(&simulateMessage, "message", "simulated alert from kerne operator", "Alert body")
}

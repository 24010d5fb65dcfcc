package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kerne-operator/internal/alerting"
)

// SimulateAlert pushes a synthetic alert through the configured channels, bypassing the cooldown,
// so operators can check the routing end to end.
func (a *App) SimulateAlert(ctx context.Context, severity alerting.Severity, message string) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is disabled")
	}

	notifier, closeNotifier, err := a.newNotifier()
	if err != nil {
		return err
	}
	defer closeNotifier()
	if notifier == nil {
		return errors.New("no alert channel configured")
	}

	alert := alerting.Alert{
		Severity:  severity,
		Component: "operator",
		Category:  "simulated",
		Message:   message,
		Fields:    map[string]string{"environment": a.Config.App.Environment},
		At:        time.Now().UTC(),
	}
	if err := notifier.Notify(ctx, alert); err != nil {
		return fmt.Errorf("deliver simulated alert via %s: %w", notifier.Name(), err)
	}
	a.Logger.Info().Str("channels", notifier.Name()).Msg("simulated alert delivered")
	return nil
}

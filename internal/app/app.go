package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"kerne-operator/internal/alerting"
	"kerne-operator/internal/config"
	"kerne-operator/internal/por"
	"kerne-operator/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// RunOptions configure the long-running operator.
type RunOptions struct {
	DryRun bool
	// IntervalHours overrides por.interval_hours when positive.
	IntervalHours int
	Attest        por.AttestOptions
}

// AttestOptions configure a one-shot attestation.
type AttestOptions = por.AttestOptions

// RebalanceOptions configure a one-shot manual rebalance.
type RebalanceOptions struct {
	DryRun bool
}

// ExportOptions hold parameters for exporting attestation history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
	// Source is "files" (the local repository) or "db".
	Source string
}

// BackfillOptions configure the history import.
type BackfillOptions struct {
	From   *time.Time
	To     *time.Time
	DryRun bool
}

func (a *App) repository() *por.Repository {
	return por.NewRepository(a.Config.App.DataDir)
}

func (a *App) newNotifier() (alerting.Notifier, func(), error) {
	var (
		notifiers alerting.Multi
		closers   []func()
	)
	for _, ch := range a.Config.Alerting.Channels {
		switch ch {
		case "telegram":
			cfg := a.Config.Alerting.Telegram
			if !cfg.Enabled {
				continue
			}
			notifiers = append(notifiers, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger))
		case "nats":
			if a.Config.NATS.URL == "" {
				a.Logger.Warn().Msg("nats alert channel selected but nats.url is empty")
				continue
			}
			n, err := alerting.NewNATSNotifier(a.Config.NATS.URL, a.Config.NATS.SubjectPrefix)
			if err != nil {
				closeAll(closers)
				return nil, nil, err
			}
			notifiers = append(notifiers, n)
			closers = append(closers, n.Close)
		case "log":
			notifiers = append(notifiers, alerting.NewLogNotifier(a.Logger))
		}
	}
	if len(notifiers) == 0 {
		return nil, func() { closeAll(closers) }, nil
	}
	return notifiers, func() { closeAll(closers) }, nil
}

// newDispatcher returns nil when alerting is disabled; a nil dispatcher drops every alert.
func (a *App) newDispatcher() (*alerting.Dispatcher, func(), error) {
	if !a.Config.Alerting.Enabled {
		return nil, func() {}, nil
	}

	notifier, closeNotifier, err := a.newNotifier()
	if err != nil {
		return nil, nil, err
	}
	if notifier == nil {
		a.Logger.Warn().Msg("alerting enabled but no channel is usable")
		return nil, closeNotifier, nil
	}

	var dedup alerting.Dedup = alerting.NewMemoryDedup(a.Config.Alerting.Cooldown)
	closers := []func(){closeNotifier}
	if a.Config.Redis.URL != "" {
		rd, err := alerting.NewRedisDedup(a.Config.Redis.URL, a.Config.Redis.Password)
		if err != nil {
			closeNotifier()
			return nil, nil, err
		}
		dedup = rd
		closers = append(closers, func() { _ = rd.Close() })
	}

	return alerting.NewDispatcher(notifier, dedup, a.Config.Alerting.Cooldown, a.Logger), func() { closeAll(closers) }, nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	store, err := storage.Open(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

func (a *App) requireStore(ctx context.Context, what string) (*storage.Store, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, fmt.Errorf("database not configured; cannot %s", what)
	}
	return store, closeStore, nil
}

func closeAll(fns []func()) {
	for i := len(fns) - 1; i >= 0; i-- {
		if fns[i] != nil {
			fns[i]()
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

package alerting

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"kerne-operator/internal/metrics"
)

// Dispatcher applies the cooldown and forwards alerts to the configured channels.
// Delivery failures are logged; alerting never fails the caller's operation.
type Dispatcher struct {
	notifier Notifier
	dedup    Dedup
	cooldown time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

// NewDispatcher wires a dispatcher. A nil dedup disables the cooldown.
func NewDispatcher(notifier Notifier, dedup Dedup, cooldown time.Duration, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		notifier: notifier,
		dedup:    dedup,
		cooldown: cooldown,
		logger:   logger.With().Str("component", "alerting").Logger(),
		now:      time.Now,
	}
}

// Send delivers a unless an alert of the same component and category fired within the cooldown.
// It reports whether the alert was delivered.
func (d *Dispatcher) Send(ctx context.Context, a Alert) bool {
	if d == nil || d.notifier == nil {
		return false
	}
	if a.At.IsZero() {
		a.At = d.now()
	}

	if d.dedup != nil && d.cooldown > 0 {
		ok, err := d.dedup.Allow(ctx, a.Key(), d.cooldown)
		if err != nil {
			// a broken cooldown store must not swallow alerts
			d.logger.Warn().Err(err).Str("key", a.Key()).Msg("alert cooldown check failed; sending anyway")
		} else if !ok {
			metrics.AlertsSuppressed.WithLabelValues(a.Category).Inc()
			d.logger.Debug().Str("key", a.Key()).Msg("alert suppressed by cooldown")
			return false
		}
	}

	if err := d.notifier.Notify(ctx, a); err != nil {
		d.logger.Error().Err(err).Str("key", a.Key()).Msg("alert delivery failed")
		return false
	}
	metrics.AlertsSent.WithLabelValues(string(a.Severity), d.notifier.Name()).Inc()
	return true
}

// Resolve clears the cooldown of a condition that has recovered.
func (d *Dispatcher) Resolve(ctx context.Context, component, category string) {
	if d == nil || d.dedup == nil {
		return
	}
	key := Alert{Component: component, Category: category}.Key()
	if err := d.dedup.Reset(ctx, key); err != nil {
		d.logger.Warn().Err(err).Str("key", key).Msg("failed to reset alert cooldown")
	}
}

package events

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"kerne-operator/internal/metrics"
	"kerne-operator/internal/scheduler"
)

// DefaultTickInterval is the periodic rebalance cadence.
const DefaultTickInterval = 30 * time.Minute

// StartPeriodicTick publishes a KindTick event every interval until ctx is cancelled.
func StartPeriodicTick(ctx context.Context, interval time.Duration, q *Queue, logger zerolog.Logger) error {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	s := scheduler.New(scheduler.Options{Name: "rebalance-tick", Interval: interval}, logger)
	return s.Run(ctx, func(_ context.Context, at time.Time) error {
		if !q.Publish(Event{Kind: KindTick, At: at}) {
			logger.Warn().Msg("tick dropped; event queue full")
		}
		metrics.EventsReceived.WithLabelValues(string(KindTick), "timer").Inc()
		return nil
	})
}

// PublishManual queues an operator-requested rebalance.
func PublishManual(q *Queue) bool {
	return q.Publish(Event{Kind: KindManual, At: time.Now()})
}

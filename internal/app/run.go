package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"kerne-operator/internal/events"
	"kerne-operator/internal/hedger"
	"kerne-operator/internal/metrics"
	"kerne-operator/internal/por"
	"kerne-operator/internal/scheduler"
	"kerne-operator/internal/venue"
)

const authCheckInterval = 10 * time.Second

// Run executes the long-running operator: subscribers, periodic tick, hedging loop, PoR schedule
// and the metrics server. It returns when a signal arrives or a fatal condition is reached.
func (a *App) Run(ctx context.Context, opts RunOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	op, err := a.build(ctx, modeTrade, opts.DryRun)
	if err != nil {
		return err
	}
	defer op.Close()

	engine, err := op.newHedger(opts.DryRun)
	if err != nil {
		return err
	}

	var attestor *por.Attestor
	if a.Config.PoR.Enabled {
		if attestor, err = op.newAttestor(); err != nil {
			return err
		}
	}

	queue := events.NewQueue(a.Config.Events.QueueSize)

	tasks, stopTasks := context.WithCancel(ctx)
	defer stopTasks()

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		fatal error
	)
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ignoreCanceled(fn(tasks)); err != nil {
				a.Logger.Error().Err(err).Str("task", name).Msg("task stopped")
				errMu.Lock()
				if fatal == nil {
					fatal = err
				}
				errMu.Unlock()
				stopTasks()
			}
		}()
	}

	for _, ch := range a.Config.Chains {
		sub := events.NewSubscriber(events.SubscriberOptions{
			Chain:         ch.Name,
			Vault:         ch.Vault(),
			WSEndpoints:   ch.WSEndpoints,
			PollInterval:  a.Config.Events.PollInterval,
			PollTakeover:  a.Config.Events.PollTakeover,
			ReconnectBase: a.Config.Events.ReconnectBase,
			ReconnectMax:  a.Config.Events.ReconnectMax,
			RPCTimeout:    a.Config.Events.RPCTimeout,
		}, op.clients[ch.Name], queue, op.agg, a.Logger)
		spawn("subscriber:"+ch.Name, sub.Subscribe)
	}

	spawn("tick", func(ctx context.Context) error {
		return events.StartPeriodicTick(ctx, a.Config.Hedge.TickInterval, queue, a.Logger)
	})

	if attestor != nil {
		spawn("por", func(ctx context.Context) error {
			return a.runAttestations(ctx, attestor, opts)
		})
	}

	if a.Config.Metrics.Addr != "" {
		srv := metrics.NewServer(a.Config.Metrics.Addr, readiness(op, attestor), status(op, engine, attestor, a), a.Logger)
		spawn("metrics", srv.Run)
	}

	if !opts.DryRun {
		spawn("venue-auth", func(ctx context.Context) error {
			return watchVenueAuth(ctx, op.hl, a.Config.Venue.MaxAuthFailures, authCheckInterval)
		})
	}

	// The hedging loop outlives the task context so queued events can drain on shutdown.
	hedgeCtx, stopHedging := context.WithCancel(context.WithoutCancel(ctx))
	defer stopHedging()
	hedgeDone := make(chan error, 1)
	go func() { hedgeDone <- engine.Run(hedgeCtx, queue) }()

	events.PublishManual(queue)
	a.Logger.Info().
		Bool("dry_run", opts.DryRun).
		Int("chains", len(a.Config.Chains)).
		Bool("por", attestor != nil).
		Msg("operator started")

	<-tasks.Done()
	queue.Close()
	a.Logger.Info().Int("queued", queue.Len()).Dur("deadline", a.Config.Hedge.ShutdownDrain).Msg("shutting down; draining event queue")

	if err := drainWithDeadline(hedgeDone, stopHedging, a.Config.Hedge.ShutdownDrain, a.Logger); err != nil {
		a.Logger.Warn().Err(err).Msg("hedging loop did not drain cleanly")
	}
	wg.Wait()

	if fatal != nil {
		return fatal
	}
	a.Logger.Info().Msg("operator stopped")
	return nil
}

// drainWithDeadline waits for the hedging loop to empty the closed queue and cancels it at the deadline.
func drainWithDeadline(done <-chan error, cancel context.CancelFunc, deadline time.Duration, logger zerolog.Logger) error {
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		logger.Warn().Msg("drain deadline reached; cancelling in-flight cycle")
		cancel()
		return <-done
	}
}

func (a *App) runAttestations(ctx context.Context, attestor *por.Attestor, opts RunOptions) error {
	hours := a.Config.PoR.IntervalHours
	if opts.IntervalHours > 0 {
		hours = opts.IntervalHours
	}
	attest := opts.Attest
	attest.DryRun = attest.DryRun || opts.DryRun

	s := scheduler.New(scheduler.Options{
		Name:         "por",
		Interval:     time.Duration(hours) * time.Hour,
		AlignToStart: true,
		Offset:       time.Duration(a.Config.PoR.HourUTC) * time.Hour,
		Immediate:    a.Config.PoR.RunOnStartup,
	}, a.Logger)

	return s.Run(ctx, func(ctx context.Context, _ time.Time) error {
		res, err := attestor.Attest(ctx, attest)
		if err != nil {
			if errors.Is(err, por.ErrInsolvent) {
				a.Logger.Error().Str("hash", res.Hash).Msg("attestation refused: vault insolvent; publication latched until override")
				return nil
			}
			return err
		}
		return nil
	})
}

type authCounter interface {
	AuthFailures() int
}

// watchVenueAuth returns venue.ErrAuth once the venue has refused our credentials limit times in a row.
func watchVenueAuth(ctx context.Context, v authCounter, limit int, every time.Duration) error {
	if v == nil || limit <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if n := v.AuthFailures(); n >= limit {
				return fmt.Errorf("%w: %d consecutive failures", venue.ErrAuth, n)
			}
		}
	}
}

func readiness(op *operator, attestor *por.Attestor) metrics.ReadyFunc {
	return func(context.Context) error {
		snap := op.agg.Latest()
		switch {
		case snap.AsOf.IsZero():
			return errors.New("no aggregate read yet")
		case snap.ZeroAnomaly:
			return snap.Err()
		case attestor != nil && attestor.Latched():
			return por.ErrInsolvent
		}
		return nil
	}
}

type statusView struct {
	Cycle       hedger.CycleReport `json:"cycle"`
	Aggregate   any                `json:"aggregate"`
	Risk        any                `json:"risk"`
	Attestation *por.Attestation   `json:"attestation,omitempty"`
	Latched     bool               `json:"attestation_latched"`
}

func status(op *operator, engine *hedger.Engine, attestor *por.Attestor, a *App) metrics.StatusFunc {
	repo := a.repository()
	return func() any {
		v := statusView{
			Cycle:     engine.Latest(),
			Aggregate: op.agg.Latest(),
			Risk:      op.sentinel.Latest(),
		}
		if latest, ok, err := repo.Latest(); err == nil && ok {
			v.Attestation = &latest
		}
		if attestor != nil {
			v.Latched = attestor.Latched()
		}
		return v
	}
}

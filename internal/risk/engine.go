package risk

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"kerne-operator/internal/metrics"
)

// Pauser halts the on-chain vault.
type Pauser interface {
	Pause(ctx context.Context) error
}

// Decision is the engine's verdict for one evaluation.
type Decision struct {
	Profile        RiskProfile
	Tier           Tier
	SizeMultiplier decimal.Decimal
	// Entered is set on the evaluation that moved the engine into CRITICAL.
	Entered bool
	// Exited is set on the evaluation that left CRITICAL.
	Exited         bool
	SuspendHarvest bool
	PauseErr       error
}

// AllowOrders reports whether new venue orders may be placed.
func (d Decision) AllowOrders() bool { return d.Tier != TierCritical }

// Options configure the engine.
type Options struct {
	Limits       Limits
	Thresholds   Thresholds
	TickInterval time.Duration
	// MaxGateUSD caps a single gated execution request; zero disables the cap.
	MaxGateUSD decimal.Decimal
}

// Engine is the sentinel state machine. It owns the current tier and its hysteresis.
type Engine struct {
	opts   Options
	pauser Pauser
	logger zerolog.Logger
	now    func() time.Time

	mu           sync.Mutex
	tier         Tier
	recoverSince time.Time
	latest       RiskProfile
}

// NewEngine builds an engine starting HEALTHY. pauser may be nil (read-only runs).
func NewEngine(opts Options, pauser Pauser, logger zerolog.Logger) *Engine {
	return &Engine{
		opts:   opts,
		pauser: pauser,
		logger: logger.With().Str("component", "risk").Logger(),
		now:    time.Now,
		tier:   TierHealthy,
	}
}

// Evaluate scores the snapshot and advances the state machine.
// Entering CRITICAL invokes the pauser exactly once; leaving it requires health ≥ Recover
// for at least one full tick interval.
func (e *Engine) Evaluate(ctx context.Context, in Inputs) Decision {
	profile := Score(in, e.opts.Limits, e.opts.Thresholds)

	e.mu.Lock()
	prev := e.tier
	next, entered, exited := e.advance(profile)
	e.tier = next
	profile.Tier = next
	e.latest = profile
	e.mu.Unlock()

	d := Decision{
		Profile:        profile,
		Tier:           next,
		SizeMultiplier: next.SizeMultiplier(),
		Entered:        entered,
		Exited:         exited,
		SuspendHarvest: next.Level() >= TierElevated.Level(),
	}

	metrics.HealthScore.Set(profile.HealthScore)
	metrics.RiskTier.Set(float64(next.Level()))

	if prev != next {
		e.logger.Warn().
			Str("from", string(prev)).
			Str("to", string(next)).
			Float64("health", profile.HealthScore).
			Interface("penalties", profile.Penalties).
			Msg("risk tier changed")
	}

	if entered && e.pauser != nil {
		if err := e.pauser.Pause(ctx); err != nil {
			d.PauseErr = err
			metrics.PauseInvocations.WithLabelValues("error").Inc()
			e.logger.Error().Err(err).Msg("failed to pause vault on CRITICAL")
		} else {
			metrics.PauseInvocations.WithLabelValues("ok").Inc()
			e.logger.Warn().Msg("vault paused on CRITICAL")
		}
	}
	return d
}

func (e *Engine) advance(p RiskProfile) (next Tier, entered, exited bool) {
	raw := e.opts.Thresholds.TierFor(p.HealthScore)

	if e.tier != TierCritical {
		if raw == TierCritical {
			e.recoverSince = time.Time{}
			return TierCritical, true, false
		}
		return raw, false, false
	}

	if p.HealthScore < e.opts.Thresholds.Recover {
		e.recoverSince = time.Time{}
		return TierCritical, false, false
	}
	now := e.now()
	if e.recoverSince.IsZero() {
		e.recoverSince = now
		return TierCritical, false, false
	}
	if now.Sub(e.recoverSince) < e.opts.TickInterval {
		return TierCritical, false, false
	}
	e.recoverSince = time.Time{}
	return raw, false, true
}

// Tier returns the current tier.
func (e *Engine) Tier() Tier {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tier
}

// Latest returns the last evaluated profile.
func (e *Engine) Latest() RiskProfile {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latest
}

// GateResult answers an execution request.
type GateResult struct {
	Allowed        bool            `json:"allowed"`
	SizeMultiplier decimal.Decimal `json:"size_multiplier"`
	Reason         string          `json:"reason"`
}

// Gate decides whether an optional execution subsystem may act with intendedUSD.
func (e *Engine) Gate(intendedUSD decimal.Decimal) GateResult {
	tier := e.Tier()
	if !intendedUSD.IsPositive() {
		return GateResult{Allowed: false, SizeMultiplier: decimal.Zero, Reason: "non-positive size"}
	}
	if tier == TierCritical {
		return GateResult{Allowed: false, SizeMultiplier: decimal.Zero, Reason: "sentinel CRITICAL"}
	}

	mult := tier.SizeMultiplier()
	reason := "tier " + string(tier)
	if e.opts.MaxGateUSD.IsPositive() {
		scaled := intendedUSD.Mul(mult)
		if scaled.GreaterThan(e.opts.MaxGateUSD) {
			mult = e.opts.MaxGateUSD.Div(intendedUSD)
			reason = "capped at " + e.opts.MaxGateUSD.String() + " USD"
		}
	}
	return GateResult{Allowed: true, SizeMultiplier: mult, Reason: reason}
}

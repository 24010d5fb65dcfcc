package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"kerne-operator/internal/aggregator"
	"kerne-operator/internal/alerting"
	"kerne-operator/internal/chain"
	"kerne-operator/internal/config"
	"kerne-operator/internal/hedger"
	"kerne-operator/internal/leverage"
	"kerne-operator/internal/por"
	"kerne-operator/internal/risk"
	"kerne-operator/internal/signer"
	"kerne-operator/internal/storage"
	"kerne-operator/internal/venue"
)

type mode int

const (
	// modeTrade places orders and sends vault transactions unless dry-running.
	modeTrade mode = iota
	// modeAttest signs attestations; the venue is read-only.
	modeAttest
	// modeScore only reads.
	modeScore
)

// operator holds every wired component of one process.
type operator struct {
	cfg *config.Config
	app *App

	clients   map[string]*chain.Client
	home      *chain.Client
	homeVault *chain.Vault
	l1Vault   *chain.Vault
	agg       *aggregator.Aggregator
	venue     venue.PerpVenue
	hl        *venue.Hyperliquid
	signer    *signer.Signer
	sentinel  *risk.Engine
	peg       hedger.PegSource
	alerts    *alerting.Dispatcher
	store     *storage.Store

	closers []func()
}

func (o *operator) Close() { closeAll(o.closers) }

func (a *App) build(ctx context.Context, m mode, dryRun bool) (_ *operator, err error) {
	cfg := a.Config
	o := &operator{cfg: cfg, app: a, clients: make(map[string]*chain.Client, len(cfg.Chains))}
	defer func() {
		if err != nil {
			o.Close()
		}
	}()

	writes := m == modeAttest || (m == modeTrade && !dryRun)
	if writes {
		if err := cfg.RequireSigner(); err != nil {
			return nil, err
		}
	}
	if cfg.Signer.PrivateKey != "" {
		s, err := signer.FromHex(cfg.Signer.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("%w: signer.private_key: %v", config.ErrInvalid, err)
		}
		o.signer = s
		a.Logger.Info().Str("operator", s.Address().Hex()).Msg("operator signer loaded")
	}
	var txSigner chain.TxSigner
	if o.signer != nil && writes {
		txSigner = o.signer
	}

	sources := make([]aggregator.Source, 0, len(cfg.Chains))
	for _, ch := range cfg.Chains {
		client, err := chain.NewClient(chain.Options{
			Name:      ch.Name,
			ChainID:   ch.ChainID,
			Endpoints: ch.RPCEndpoints,
			Decimals:  ch.AssetDecimals,
			Timeout:   cfg.Events.RPCTimeout,
		}, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
		}
		o.clients[ch.Name] = client
		o.closers = append(o.closers, client.Close)
		sources = append(sources, aggregator.Source{Reader: client, Vault: ch.Vault(), Critical: ch.Critical})

		switch {
		case ch.Home:
			o.home = client
			o.homeVault = chain.NewVault(client, txSigner, ch.Vault())
		case ch.L1:
			o.l1Vault = chain.NewVault(client, txSigner, ch.Vault())
		}
	}

	o.agg, err = aggregator.New(sources, aggregator.Options{Staleness: cfg.Staleness.Chain()}, a.Logger)
	if err != nil {
		return nil, err
	}
	o.closers = append(o.closers, o.agg.Close)

	if err := o.connectVenue(ctx, m == modeTrade && !dryRun); err != nil {
		return nil, err
	}

	var pauser risk.Pauser
	if txSigner != nil && m == modeTrade {
		pauser = o.homeVault
	}
	o.sentinel = risk.NewEngine(risk.Options{
		Limits: risk.Limits{
			MaxNetDelta:            cfg.Risk.MaxNetDelta,
			MinLiquidationDistance: cfg.Risk.MinLiquidationDistance,
			DepegThreshold:         cfg.Risk.DepegThreshold,
			VolatilityCeiling:      cfg.Risk.VolatilityCeiling,
		},
		Thresholds: risk.Thresholds{
			Warn:     cfg.Risk.HealthThresholds.Warn,
			Elevated: cfg.Risk.HealthThresholds.Elevated,
			Critical: cfg.Risk.HealthThresholds.Critical,
			Recover:  cfg.Risk.HealthThresholds.Recover,
		},
		TickInterval: cfg.Hedge.TickInterval,
		MaxGateUSD:   decimal.NewFromFloat(cfg.Risk.MaxGateUSD),
	}, pauser, a.Logger)

	if home := cfg.HomeChain(); home.PegRateProvider != "" {
		o.peg = risk.PegReader{Source: providerRate{client: o.home, provider: common.HexToAddress(home.PegRateProvider)}}
	}

	dispatcher, closeAlerts, err := a.newDispatcher()
	if err != nil {
		return nil, err
	}
	o.alerts = dispatcher
	o.closers = append(o.closers, closeAlerts)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; audit persistence disabled")
	} else {
		o.store = store
		o.closers = append(o.closers, closeStore)
	}

	return o, nil
}

// connectVenue builds the Hyperliquid adapter. Without trading the adapter gets no key and is
// wrapped read-only.
func (o *operator) connectVenue(ctx context.Context, trading bool) error {
	cfg := o.cfg.Venue
	opts := venue.HyperliquidOptions{
		APIURL:         cfg.APIURL,
		AccountAddress: cfg.AccountAddress,
		SubVault:       cfg.SubVault,
		Slippage:       cfg.Slippage,
		Timeout:        cfg.RequestTimeout,
		Cache:          venue.NewPositionCache(o.cfg.App.DataDir),
	}

	if trading {
		if err := o.cfg.RequireVenueKey(); err != nil {
			return err
		}
	}
	if cfg.PrivateKey != "" {
		key, err := signer.FromHex(cfg.PrivateKey)
		if err != nil {
			return fmt.Errorf("%w: venue.private_key: %v", config.ErrInvalid, err)
		}
		if trading {
			opts.PrivateKey = key.PrivateKey()
		} else if opts.AccountAddress == "" {
			opts.AccountAddress = key.Address().Hex()
		}
	}

	hl, err := venue.NewHyperliquid(ctx, opts, o.app.Logger)
	if err != nil {
		return err
	}
	o.hl = hl
	if trading {
		o.venue = hl
	} else {
		o.venue = venue.NewReadOnly(hl)
	}
	return nil
}

func (o *operator) newHedger(dryRun bool) (*hedger.Engine, error) {
	cfg := o.cfg
	if o.homeVault == nil {
		return nil, fmt.Errorf("%w: no home chain configured", config.ErrInvalid)
	}

	var yield leverage.YieldSource = leverage.StaticYield(cfg.Leverage.StakingYield)
	if cfg.Leverage.StakingYieldURL != "" {
		yield = leverage.NewHTTPYield(cfg.Leverage.StakingYieldURL, cfg.Leverage.StakingYieldPath, 10*time.Second, time.Hour)
	}
	controller := leverage.NewController(leverage.Params{
		MinLeverage:  cfg.Hedge.MinLeverage,
		MaxLeverage:  cfg.Hedge.MaxLeverage,
		RiskAversion: cfg.Hedge.RiskAversion,
		TurnoverRate: cfg.Leverage.TurnoverRate,
		SpreadEdge:   cfg.Leverage.SpreadEdge,
		CostRate:     cfg.Leverage.CostRate,
	}, yield, o.app.Logger)

	deps := hedger.Deps{
		Vault:      o.homeVault,
		TVL:        o.agg,
		Venue:      o.venue,
		Leverage:   controller,
		Volatility: o.volatility(),
		Peg:        o.peg,
		Risk:       o.sentinel,
		Alerts:     o.alerts,
	}
	if o.l1Vault != nil {
		deps.L1 = o.l1Vault
	}
	opts := hedger.Options{
		VaultID:         o.homeVault.Address().Hex(),
		Symbol:          cfg.Hedge.Symbol,
		Threshold:       decimal.NewFromFloat(cfg.Hedge.ThresholdBase),
		BuybackCooldown: cfg.Hedge.BuybackCooldown,
		DryRun:          dryRun,
	}
	if o.store != nil {
		deps.Cycles = o.store
		deps.Locker = o.store
		opts.LockKey = cfg.Database.AdvisoryLockKey
	}
	return hedger.New(opts, deps, o.app.Logger)
}

func (o *operator) volatility() *leverage.VolatilityTracker {
	return leverage.NewVolatilityTracker(o.cfg.Leverage.VolatilityWindow, o.cfg.Hedge.TickInterval, o.cfg.Leverage.DefaultVolatility)
}

func (o *operator) newAttestor() (*por.Attestor, error) {
	cfg := o.cfg
	if o.signer == nil {
		return nil, fmt.Errorf("%w: signer.private_key is required for attestations", config.ErrInvalid)
	}

	deps := por.Deps{
		TVL:    o.agg,
		Venue:  o.venue,
		Signer: o.signer,
		Store:  o.app.repository(),
		Tier:   o.sentinel,
		Alerts: o.alerts,
	}
	if cfg.PoR.ZKURL != "" {
		deps.Prover = por.NewZKClient(cfg.PoR.ZKURL, cfg.PoR.ZKAPIKey, cfg.PoR.ZKTimeout)
	}
	if home := cfg.HomeChain(); home.VerificationNode != "" {
		deps.Publisher = por.NewChainPublisher(o.home, o.signer, common.HexToAddress(home.VerificationNode), o.peers(), nil, o.app.Logger)
	} else {
		o.app.Logger.Warn().Msg("no verification node configured; attestations are written but not published")
	}
	if o.store != nil {
		deps.Recorder = o.store
	}

	return por.NewAttestor(por.Config{
		Vault:  o.homeVault.Address(),
		Symbol: cfg.Hedge.Symbol,
		Params: por.Params{
			MaxSolventNetDelta: decimal.NewFromFloat(cfg.PoR.MaxSolventNetDelta),
			CriticalRatio:      por.DefaultParams.CriticalRatio,
		},
		HighVolatilityDelta: decimal.NewFromFloat(cfg.PoR.HighVolatilityDeltaThreshold),
		ReadOnlyKey:         cfg.Venue.ReadOnlyAPIKey,
		WriteReport:         cfg.PoR.WriteReport,
	}, deps, o.app.Logger)
}

// peers are the messaging endpoint ids of every chain other than home.
func (o *operator) peers() []uint32 {
	var out []uint32
	for _, ch := range o.cfg.Chains {
		if !ch.Home && ch.LZEndpointID != 0 {
			out = append(out, ch.LZEndpointID)
		}
	}
	return out
}

// assess scores the current state once without placing orders.
func (o *operator) assess(ctx context.Context) (risk.Decision, error) {
	snap, err := o.agg.GetMultiChainTVL(ctx)
	if err != nil {
		return risk.Decision{}, err
	}
	if snap.ZeroAnomaly {
		return risk.Decision{}, aggregator.ErrZeroAnomaly
	}
	symbol := o.cfg.Hedge.Symbol
	mark := o.venue.MarkPrice(ctx, symbol)
	if !mark.IsPositive() {
		return risk.Decision{}, errors.New("venue mark price unavailable")
	}
	pos := o.venue.AggregatePosition(ctx, symbol)
	if !pos.Known() {
		return risk.Decision{}, errors.New("venue position unavailable")
	}

	vol := o.volatility()
	vol.Observe(mark.InexactFloat64())

	peg := decimal.Zero
	if o.peg != nil {
		if peg, err = o.peg.Peg(ctx); err != nil {
			o.app.Logger.Warn().Err(err).Msg("peg read failed; scoring without it")
			peg = decimal.Zero
		}
	}

	return o.sentinel.Evaluate(ctx, risk.Inputs{
		VaultID:          o.homeVault.Address().Hex(),
		TargetShort:      hedger.TargetShort(snap.TotalTVL, snap.PendingWithdrawals),
		CurrentShort:     pos.ShortSize(),
		MarkPrice:        mark,
		LiquidationPrice: pos.LiquidationPrice,
		Equity:           pos.MarginEquity,
		PegRatio:         peg,
		Volatility:       vol.Annualized(),
		At:               time.Now().UTC(),
	}), nil
}

// providerRate binds an on-chain rate provider to its chain client.
type providerRate struct {
	client   *chain.Client
	provider common.Address
}

func (p providerRate) Rate(ctx context.Context) (decimal.Decimal, error) {
	return p.client.Rate(ctx, p.provider)
}

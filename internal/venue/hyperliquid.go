package venue

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	hyperliquid "github.com/sonirico/go-hyperliquid"

	"kerne-operator/internal/metrics"
)

const hyperliquidFundingInterval = time.Hour

type infoAPI interface {
	MetaAndAssetCtxs(ctx context.Context) (*hyperliquid.MetaAndAssetCtxs, error)
	UserState(ctx context.Context, address, dex string) (*hyperliquid.UserState, error)
}

type orderAPI interface {
	MarketOpen(ctx context.Context, name string, isBuy bool, sz float64, px *float64, slippage float64, cloid *string, builder *hyperliquid.BuilderInfo) (hyperliquid.OrderStatus, error)
}

// HyperliquidOptions parameterise the Hyperliquid adapter.
type HyperliquidOptions struct {
	APIURL string
	// PrivateKey signs orders; nil builds a read-only adapter.
	PrivateKey     *ecdsa.PrivateKey
	AccountAddress string
	SubVault       string
	Slippage       float64
	Timeout        time.Duration
	Cache          *PositionCache
}

// Hyperliquid implements PerpVenue on top of go-hyperliquid.
type Hyperliquid struct {
	opts    HyperliquidOptions
	info    infoAPI
	orders  orderAPI
	account string
	logger  zerolog.Logger
	now     func() time.Time

	mu   sync.Mutex
	last map[string]Position

	authFailures atomic.Int32
}

// NewHyperliquid fetches venue metadata and builds the adapter.
func NewHyperliquid(ctx context.Context, opts HyperliquidOptions, logger zerolog.Logger) (*Hyperliquid, error) {
	if opts.APIURL == "" {
		opts.APIURL = hyperliquid.MainnetAPIURL
	}
	metaCtx, cancel := context.WithTimeout(ctx, timeoutOrDefault(opts.Timeout))
	defer cancel()

	// empty metadata keeps NewInfo from fetching (and panicking) on its own
	bootstrap := hyperliquid.NewInfo(metaCtx, opts.APIURL, true, &hyperliquid.Meta{}, &hyperliquid.SpotMeta{})
	meta, err := bootstrap.Meta(metaCtx)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch meta: %v", ErrTransient, err)
	}
	spotMeta, err := bootstrap.SpotMeta(metaCtx)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch spot meta: %v", ErrTransient, err)
	}

	info := hyperliquid.NewInfo(ctx, opts.APIURL, true, meta, spotMeta)

	account := opts.AccountAddress
	if account == "" && opts.PrivateKey != nil {
		account = crypto.PubkeyToAddress(opts.PrivateKey.PublicKey).Hex()
	}
	if account == "" {
		return nil, errors.New("hyperliquid: account address or private key required")
	}

	var orders orderAPI
	if opts.PrivateKey != nil {
		orders = hyperliquid.NewExchange(ctx, opts.PrivateKey, opts.APIURL, meta, opts.SubVault, opts.AccountAddress, spotMeta)
	}

	return newHyperliquid(info, orders, account, opts, logger), nil
}

func newHyperliquid(info infoAPI, orders orderAPI, account string, opts HyperliquidOptions, logger zerolog.Logger) *Hyperliquid {
	if opts.Slippage <= 0 {
		opts.Slippage = 0.05
	}
	opts.Timeout = timeoutOrDefault(opts.Timeout)
	return &Hyperliquid{
		opts:    opts,
		info:    info,
		orders:  orders,
		account: account,
		logger:  logger.With().Str("component", "venue").Str("venue", "hyperliquid").Logger(),
		now:     time.Now,
		last:    make(map[string]Position),
	}
}

func timeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 30 * time.Second
	}
	return d
}

// Name identifies the venue.
func (h *Hyperliquid) Name() string { return "hyperliquid" }

// AuthFailures returns the number of consecutive authentication failures.
func (h *Hyperliquid) AuthFailures() int { return int(h.authFailures.Load()) }

func (h *Hyperliquid) assetCtx(ctx context.Context, symbol string) (hyperliquid.AssetInfo, hyperliquid.AssetCtx, error) {
	ctx, cancel := context.WithTimeout(ctx, h.opts.Timeout)
	defer cancel()

	res, err := h.info.MetaAndAssetCtxs(ctx)
	if err != nil {
		return hyperliquid.AssetInfo{}, hyperliquid.AssetCtx{}, h.classify(err)
	}
	for i, asset := range res.Universe {
		if asset.Name == symbol && i < len(res.Ctxs) {
			return asset, res.Ctxs[i], nil
		}
	}
	return hyperliquid.AssetInfo{}, hyperliquid.AssetCtx{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
}

// MarkPrice returns the venue mark price, or zero when the venue is unreachable.
func (h *Hyperliquid) MarkPrice(ctx context.Context, symbol string) decimal.Decimal {
	_, assetCtx, err := h.assetCtx(ctx, symbol)
	if err != nil {
		h.logger.Warn().Err(err).Str("symbol", symbol).Msg("mark price unavailable")
		return decimal.Zero
	}
	px, err := decimal.NewFromString(assetCtx.MarkPx)
	if err != nil {
		h.logger.Warn().Err(err).Str("symbol", symbol).Str("raw", assetCtx.MarkPx).Msg("malformed mark price")
		return decimal.Zero
	}
	return px
}

// FundingRate returns the hourly funding rate. The snapshot is unknown when the venue is unreachable.
func (h *Hyperliquid) FundingRate(ctx context.Context, symbol string) FundingSnapshot {
	snap := FundingSnapshot{Venue: h.Name(), Symbol: symbol, Interval: hyperliquidFundingInterval}
	_, assetCtx, err := h.assetCtx(ctx, symbol)
	if err != nil {
		h.logger.Warn().Err(err).Str("symbol", symbol).Msg("funding rate unavailable")
		return snap
	}
	rate, err := decimal.NewFromString(assetCtx.Funding)
	if err != nil {
		h.logger.Warn().Err(err).Str("symbol", symbol).Str("raw", assetCtx.Funding).Msg("malformed funding rate")
		return snap
	}
	snap.Rate = rate
	snap.AsOf = h.now()
	return snap
}

// AggregatePosition sums the position held by the account and, when orders are routed to a
// sub-vault, by the sub-vault. It returns a zero-valued position when any leg is unreachable.
func (h *Hyperliquid) AggregatePosition(ctx context.Context, symbol string) Position {
	callCtx, cancel := context.WithTimeout(ctx, h.opts.Timeout)
	defer cancel()

	pos := Position{Symbol: symbol}
	notional, gross := decimal.Zero, decimal.Zero
	for _, account := range h.positionAccounts() {
		state, err := h.info.UserState(callCtx, account, "")
		if err != nil {
			h.logger.Warn().Err(h.classify(err)).Str("symbol", symbol).Str("account", account).Msg("position unavailable")
			return Position{Symbol: symbol}
		}
		pos.MarginEquity = pos.MarginEquity.Add(parseDecimal(state.MarginSummary.AccountValue))
		for _, ap := range state.AssetPositions {
			if ap.Position.Coin != symbol {
				continue
			}
			size := parseDecimal(ap.Position.Szi)
			pos.Size = pos.Size.Add(size)
			pos.UnrealizedPnL = pos.UnrealizedPnL.Add(parseDecimal(ap.Position.UnrealizedPnl))
			if ap.Position.EntryPx != nil {
				notional = notional.Add(size.Abs().Mul(parseDecimal(*ap.Position.EntryPx)))
				gross = gross.Add(size.Abs())
			}
			// the nearest liquidation across legs bounds the whole hedge
			if ap.Position.LiquidationPx != nil && !size.IsZero() {
				liq := parseDecimal(*ap.Position.LiquidationPx)
				if liq.IsPositive() && (pos.LiquidationPrice.IsZero() || liq.LessThan(pos.LiquidationPrice)) {
					pos.LiquidationPrice = liq
				}
			}
			break
		}
	}
	if gross.IsPositive() {
		pos.EntryPrice = notional.Div(gross)
	}
	pos.UpdatedAt = h.now()

	h.authFailures.Store(0)
	h.mu.Lock()
	h.last[symbol] = pos
	h.mu.Unlock()

	if h.opts.Cache != nil {
		if err := h.opts.Cache.Save(pos); err != nil {
			h.logger.Warn().Err(err).Msg("failed to write position cache")
		}
	}
	return pos
}

// positionAccounts lists the addresses whose positions make up the hedge.
func (h *Hyperliquid) positionAccounts() []string {
	accounts := []string{h.account}
	if sub := h.opts.SubVault; sub != "" && !strings.EqualFold(sub, h.account) {
		accounts = append(accounts, sub)
	}
	return accounts
}

// LastPosition returns a copy of the last successfully observed position.
func (h *Hyperliquid) LastPosition(symbol string) (Position, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.last[symbol]
	return p, ok
}

// ExecuteShort sells size base units with an IOC limit at mark minus slippage.
func (h *Hyperliquid) ExecuteShort(ctx context.Context, symbol string, size decimal.Decimal) (Fill, error) {
	return h.execute(ctx, SideSell, symbol, size)
}

// ExecuteBuy buys size base units with an IOC limit at mark plus slippage.
func (h *Hyperliquid) ExecuteBuy(ctx context.Context, symbol string, size decimal.Decimal) (Fill, error) {
	return h.execute(ctx, SideBuy, symbol, size)
}

func (h *Hyperliquid) execute(ctx context.Context, side Side, symbol string, size decimal.Decimal) (Fill, error) {
	if h.orders == nil {
		return Fill{}, &OrderError{Side: side, Symbol: symbol, Err: ErrReadOnly}
	}

	asset, assetCtx, err := h.assetCtx(ctx, symbol)
	if err != nil {
		return Fill{}, &OrderError{Side: side, Symbol: symbol, Err: err}
	}
	sz := size.Truncate(int32(asset.SzDecimals))
	if !sz.IsPositive() {
		return Fill{}, &OrderError{Side: side, Symbol: symbol, Business: true, Err: ErrRejected, Msg: "invalid size " + size.String()}
	}
	mark := parseDecimal(assetCtx.MarkPx)
	if !mark.IsPositive() {
		return Fill{}, &OrderError{Side: side, Symbol: symbol, Err: ErrTransient, Msg: "no mark price"}
	}

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		fill, err := h.place(ctx, side, symbol, sz, mark)
		if err == nil {
			return fill, nil
		}
		lastErr = err
		if IsBusiness(err) || errors.Is(err, ErrAuth) || ctx.Err() != nil {
			break
		}
		h.logger.Warn().Err(err).Int("attempt", attempt).Str("side", string(side)).Msg("order failed, retrying")
	}
	return Fill{}, lastErr
}

func (h *Hyperliquid) place(ctx context.Context, side Side, symbol string, sz, mark decimal.Decimal) (Fill, error) {
	ctx, cancel := context.WithTimeout(ctx, h.opts.Timeout)
	defer cancel()

	px := mark.InexactFloat64()
	status, err := h.orders.MarketOpen(ctx, symbol, side == SideBuy, sz.InexactFloat64(), &px, h.opts.Slippage, nil, nil)
	if err != nil {
		return Fill{}, &OrderError{Side: side, Symbol: symbol, Err: h.classify(err)}
	}
	h.authFailures.Store(0)

	switch {
	case status.Error != nil:
		msg := *status.Error
		if isAuthMessage(msg) {
			return Fill{}, &OrderError{Side: side, Symbol: symbol, Err: h.authFailed(), Msg: msg}
		}
		return Fill{}, &OrderError{Side: side, Symbol: symbol, Business: true, Err: ErrRejected, Msg: msg}
	case status.Filled != nil:
		fill := Fill{
			Symbol:    symbol,
			Side:      side,
			Requested: sz,
			Filled:    parseDecimal(status.Filled.TotalSz),
			AvgPrice:  parseDecimal(status.Filled.AvgPx),
			OrderID:   int64(status.Filled.Oid),
		}
		h.logger.Info().
			Str("side", string(side)).
			Str("requested", sz.String()).
			Str("filled", fill.Filled.String()).
			Str("avg_px", fill.AvgPrice.String()).
			Msg("order filled")
		return fill, nil
	case status.Resting != nil:
		// IOC orders should never rest; report nothing filled and let the next cycle reconcile
		h.logger.Warn().Int64("oid", status.Resting.Oid).Msg("ioc order reported resting")
		return Fill{Symbol: symbol, Side: side, Requested: sz, OrderID: status.Resting.Oid}, nil
	default:
		return Fill{}, &OrderError{Side: side, Symbol: symbol, Err: ErrTransient, Msg: "empty order status"}
	}
}

func (h *Hyperliquid) classify(err error) error {
	if isAuthMessage(err.Error()) {
		return fmt.Errorf("%w: %v", h.authFailed(), err)
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}

func (h *Hyperliquid) authFailed() error {
	h.authFailures.Add(1)
	metrics.VenueAuthFailures.Inc()
	return ErrAuth
}

func isAuthMessage(msg string) bool {
	m := strings.ToLower(msg)
	for _, needle := range []string{"does not exist", "unauthorized", "invalid signature", "status 401", "status 403"} {
		if strings.Contains(m, needle) {
			return true
		}
	}
	return false
}

func parseDecimal(raw string) decimal.Decimal {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return d
}

var _ PerpVenue = (*Hyperliquid)(nil)

package venue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrRejected is a signed business rejection (margin, halted symbol, invalid size). Never retried.
	ErrRejected = errors.New("order rejected by venue")
	// ErrTransient covers connectivity and 5xx failures. Retried once.
	ErrTransient = errors.New("venue temporarily unavailable")
	// ErrAuth means the venue refused our credentials.
	ErrAuth = errors.New("venue authentication failed")
	// ErrReadOnly is returned by adapters that cannot trade.
	ErrReadOnly = errors.New("venue adapter is read-only")
	// ErrUnknownSymbol is returned when the venue does not list the symbol.
	ErrUnknownSymbol = errors.New("unknown symbol")
)

// Side of an order.
type Side string

const (
	SideSell Side = "sell"
	SideBuy  Side = "buy"
)

// OrderError describes a failed order attempt.
type OrderError struct {
	Side     Side
	Symbol   string
	Business bool
	Msg      string
	Err      error
}

func (e *OrderError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s %s: %v", e.Side, e.Symbol, e.Err)
	}
	return fmt.Sprintf("%s %s: %v: %s", e.Side, e.Symbol, e.Err, e.Msg)
}

func (e *OrderError) Unwrap() error { return e.Err }

// IsBusiness reports whether err is a venue business rejection.
func IsBusiness(err error) bool {
	var oe *OrderError
	return errors.As(err, &oe) && oe.Business
}

// Position is the aggregate venue position for one symbol. Size is signed; negative means short.
type Position struct {
	Symbol           string          `json:"symbol"`
	Size             decimal.Decimal `json:"size"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	MarginEquity     decimal.Decimal `json:"margin_equity"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Known reports whether the position came from a successful venue read.
func (p Position) Known() bool { return !p.UpdatedAt.IsZero() }

// ShortSize returns the magnitude of a short position, zero when flat or long.
func (p Position) ShortSize() decimal.Decimal {
	if p.Size.IsNegative() {
		return p.Size.Neg()
	}
	return decimal.Zero
}

// FundingSnapshot is a funding rate for one interval.
type FundingSnapshot struct {
	Venue    string          `json:"venue"`
	Symbol   string          `json:"symbol"`
	Rate     decimal.Decimal `json:"rate"`
	Interval time.Duration   `json:"interval"`
	AsOf     time.Time       `json:"as_of"`
}

// Known reports whether the snapshot came from a successful venue read.
// A zero rate from an unreachable venue is unknown, not zero.
func (f FundingSnapshot) Known() bool { return !f.AsOf.IsZero() && f.Interval > 0 }

// Annualized converts the per-interval rate to a simple annual rate.
func (f FundingSnapshot) Annualized() decimal.Decimal {
	if f.Interval <= 0 {
		return decimal.Zero
	}
	periods := decimal.NewFromInt(int64(365 * 24 * time.Hour)).Div(decimal.NewFromInt(int64(f.Interval)))
	return f.Rate.Mul(periods)
}

// Fill is the outcome of an accepted order.
type Fill struct {
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Requested decimal.Decimal `json:"requested"`
	Filled    decimal.Decimal `json:"filled"`
	AvgPrice  decimal.Decimal `json:"avg_price"`
	OrderID   int64           `json:"order_id"`
}

// Partial reports whether less than the requested size was filled.
func (f Fill) Partial() bool { return f.Filled.LessThan(f.Requested) }

// PerpVenue is the uniform interface to a perpetual futures venue.
// Reads never fail: an unreachable venue yields zero values and a logged warning.
type PerpVenue interface {
	Name() string
	MarkPrice(ctx context.Context, symbol string) decimal.Decimal
	FundingRate(ctx context.Context, symbol string) FundingSnapshot
	AggregatePosition(ctx context.Context, symbol string) Position
	ExecuteShort(ctx context.Context, symbol string, size decimal.Decimal) (Fill, error)
	ExecuteBuy(ctx context.Context, symbol string, size decimal.Decimal) (Fill, error)
}

// ReadOnly wraps a venue and refuses to trade.
type ReadOnly struct {
	PerpVenue
}

// NewReadOnly returns a read-only view of v.
func NewReadOnly(v PerpVenue) ReadOnly { return ReadOnly{PerpVenue: v} }

func (r ReadOnly) ExecuteShort(_ context.Context, symbol string, _ decimal.Decimal) (Fill, error) {
	return Fill{}, &OrderError{Side: SideSell, Symbol: symbol, Err: ErrReadOnly}
}

func (r ReadOnly) ExecuteBuy(_ context.Context, symbol string, _ decimal.Decimal) (Fill, error) {
	return Fill{}, &OrderError{Side: SideBuy, Symbol: symbol, Err: ErrReadOnly}
}

var _ PerpVenue = ReadOnly{}

package venue

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Fake is an in-memory PerpVenue for tests and dry runs. Orders fill immediately at Mark.
type Fake struct {
	mu sync.Mutex

	Mark    decimal.Decimal
	Funding FundingSnapshot
	Pos     Position
	// FillRatio scales every fill; zero means fill completely.
	FillRatio decimal.Decimal
	// Reject, when set, is returned by the next order and then cleared.
	Reject error
	// Unavailable makes every read return zero values.
	Unavailable bool

	Orders []Fill
}

// NewFake returns a venue with the given mark price and short position (positive = short size).
func NewFake(symbol string, mark, short decimal.Decimal) *Fake {
	now := time.Now()
	return &Fake{
		Mark:    mark,
		Funding: FundingSnapshot{Venue: "fake", Symbol: symbol, Rate: decimal.RequireFromString("0.0000125"), Interval: time.Hour, AsOf: now},
		Pos:     Position{Symbol: symbol, Size: short.Neg(), MarginEquity: short.Mul(mark).Div(decimal.NewFromInt(2)), UpdatedAt: now},
	}
}

func (f *Fake) Name() string { return "fake" }

func (f *Fake) MarkPrice(context.Context, string) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Unavailable {
		return decimal.Zero
	}
	return f.Mark
}

func (f *Fake) FundingRate(_ context.Context, symbol string) FundingSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Unavailable {
		return FundingSnapshot{Venue: "fake", Symbol: symbol, Interval: time.Hour}
	}
	return f.Funding
}

func (f *Fake) AggregatePosition(_ context.Context, symbol string) Position {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Unavailable {
		return Position{Symbol: symbol}
	}
	p := f.Pos
	p.UpdatedAt = time.Now()
	return p
}

func (f *Fake) ExecuteShort(_ context.Context, symbol string, size decimal.Decimal) (Fill, error) {
	return f.execute(SideSell, symbol, size)
}

func (f *Fake) ExecuteBuy(_ context.Context, symbol string, size decimal.Decimal) (Fill, error) {
	return f.execute(SideBuy, symbol, size)
}

func (f *Fake) execute(side Side, symbol string, size decimal.Decimal) (Fill, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Reject != nil {
		err := f.Reject
		f.Reject = nil
		return Fill{}, err
	}
	if !size.IsPositive() {
		return Fill{}, &OrderError{Side: side, Symbol: symbol, Business: true, Err: ErrRejected, Msg: "invalid size"}
	}

	filled := size
	if f.FillRatio.IsPositive() {
		filled = size.Mul(f.FillRatio)
	}
	if side == SideSell {
		f.Pos.Size = f.Pos.Size.Sub(filled)
	} else {
		f.Pos.Size = f.Pos.Size.Add(filled)
	}

	fill := Fill{Symbol: symbol, Side: side, Requested: size, Filled: filled, AvgPrice: f.Mark, OrderID: int64(len(f.Orders) + 1)}
	f.Orders = append(f.Orders, fill)
	return fill, nil
}

// Placed returns a copy of every accepted order.
func (f *Fake) Placed() []Fill {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Fill, len(f.Orders))
	copy(out, f.Orders)
	return out
}

// SetPosition replaces the position size (negative = short).
func (f *Fake) SetPosition(size decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Pos.Size = size
}

var _ PerpVenue = (*Fake)(nil)

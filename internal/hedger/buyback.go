package hedger

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Buyback forwards fee revenue to the treasury buyback.
type Buyback interface {
	Buyback(ctx context.Context, amount decimal.Decimal) (common.Hash, error)
}

// FeeSource reports fee revenue accrued since a point in time; the zero time means all of it.
type FeeSource interface {
	FeesSince(ctx context.Context, since time.Time) (decimal.Decimal, error)
}

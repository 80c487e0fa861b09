package common

import (
	"time"

	"oddsmint/internal/ids"
	"oddsmint/internal/money"
)

// Order is a submitted limit or market order, per spec §3. Price is
// required for Limit orders and must be zero for Market orders.
// FilledAmount is monotonic non-decreasing and never exceeds Amount.
type Order struct {
	OrderId      ids.OrderId
	UserId       ids.UserId
	MarketId     ids.MarketId
	OutcomeId    ids.OutcomeId
	ShareType    ShareType
	Side         Side
	OrderType    OrderType
	Price        money.Price
	Amount       money.Amount
	FilledAmount money.Amount
	Signature    []byte
	Status       OrderStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Remaining returns Amount - FilledAmount.
func (o Order) Remaining() money.Amount {
	return o.Amount - o.FilledAmount
}

// BookEntry is the projection of a resting limit order as it sits in an
// OrderBook: enough state for matching and FIFO ordering, without the
// rest of Order's bookkeeping fields.
type BookEntry struct {
	OrderId          ids.OrderId
	UserId           ids.UserId
	Price            money.Price
	OriginalAmount   money.Amount
	RemainingAmount  money.Amount
	Side             Side
	EnqueueTimestamp time.Time
}

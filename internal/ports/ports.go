// Package ports declares the interfaces the core consumes from external
// collaborators, per spec §6: durable persistence, the on-chain gateway,
// and the event sink. Concrete adapters live in internal/persistence and
// internal/chain; the core only ever depends on these interfaces.
package ports

import (
	"context"

	"oddsmint/internal/common"
	"oddsmint/internal/ids"
	"oddsmint/internal/money"
)

// Tx is a handle to an open serializable transaction.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// ErrConflict is returned by transactional operations when a concurrent
// writer invalidated the transaction's read/write set (spec §5/§7's
// transient-conflict case).
var ErrConflict = transientConflictError{}

type transientConflictError struct{}

func (transientConflictError) Error() string { return "ports: serializable transaction conflict" }

// Persistence is the durable-store port the core depends on, per spec §6.
type Persistence interface {
	BeginSerializable(ctx context.Context) (Tx, error)

	InsertOrder(ctx context.Context, tx Tx, order common.Order) error
	UpdateOrderStatus(ctx context.Context, tx Tx, orderId ids.OrderId, status common.OrderStatus, filled money.Amount) error
	IncrementFilled(ctx context.Context, tx Tx, orderId ids.OrderId, delta money.Amount) error

	// ApplyTrade is the canonical routine for normal/mint/merge updates
	// of balances and shares for both sides of trade.
	ApplyTrade(ctx context.Context, tx Tx, trade common.Trade) error
	AppendShareChange(ctx context.Context, tx Tx, change common.ShareChange) error

	FreezeBalance(ctx context.Context, tx Tx, user ids.UserId, asset string, amount money.Amount) error
	ReleaseBalance(ctx context.Context, tx Tx, user ids.UserId, asset string, amount money.Amount) error
	FreezeShares(ctx context.Context, tx Tx, user ids.UserId, outcome ids.OutcomeId, share common.ShareType, amount money.Amount) error
	ReleaseShares(ctx context.Context, tx Tx, user ids.UserId, outcome ids.OutcomeId, share common.ShareType, amount money.Amount) error

	GetBalance(ctx context.Context, user ids.UserId, asset string) (common.Balance, error)
	GetShareHolding(ctx context.Context, user ids.UserId, outcome ids.OutcomeId, share common.ShareType) (common.ShareHolding, error)

	FindMarket(ctx context.Context, marketId ids.MarketId) (common.Market, error)
	FindOutcome(ctx context.Context, outcomeId ids.OutcomeId) (common.Outcome, error)

	// SettleUser encapsulates spec §4.7 within one transaction, returning
	// the per-share-row payouts applied.
	SettleUser(ctx context.Context, marketId ids.MarketId, user ids.UserId) (Settlement, error)
	SettlementStatus(ctx context.Context, marketId ids.MarketId, user ids.UserId) (SettlementStatus, error)

	// RecordRecovery persists a reconciliation-required entry for
	// out-of-band replay, per spec §7.
	RecordRecovery(ctx context.Context, entry RecoveryEntry) error
}

// Settlement is the result of settling one user's holdings in a market.
type Settlement struct {
	SharesSettled []SettledShare
	TotalPayout   money.Amount
}

// SettledShare records one row's payout during settlement.
type SettledShare struct {
	OutcomeId    ids.OutcomeId
	ShareType    common.ShareType
	Amount       money.Amount
	PayoutPerUnit money.Price
	Payout       money.Amount
}

// SettlementStatus is the read-only query result from spec §4.7.
type SettlementStatus struct {
	IsSettled       bool
	PotentialPayout money.Amount
	CanSettle       bool
}

// RecoveryEntry is one reconciliation-log row: the trade id and a
// free-form payload (the orchestrator records the trade's match type).
type RecoveryEntry struct {
	TradeId ids.TradeId
	Payload string
}

// ChainGateway is the on-chain collaborator port, per spec §6. Optional:
// when one is configured, the orchestrator forwards every matched trade
// to it; the settlement processor does not use it.
type ChainGateway interface {
	SubmitMatchedTrade(ctx context.Context, trade common.Trade) error
	ConditionPrepared(ctx context.Context, conditionId string) (bool, error)
	ObserveResolution(ctx context.Context, marketId ids.MarketId) (*ids.OutcomeId, error)
}

// EventSink is the fan-out port the engine and orchestrator publish to,
// per spec §6/§4.8.
type EventSink interface {
	EmitTrade(trade common.Trade)
	EmitBookSnapshot(marketId ids.MarketId, outcomeId ids.OutcomeId, share common.ShareType, bids, asks []Level, lastPrice *money.Price)
	EmitOrderUpdate(order common.Order)
	EmitBalanceUpdate(balance common.Balance)
	EmitPositionUpdate(holding common.ShareHolding)
}

// Level mirrors book.Level without importing the book package from ports
// (ports stays a leaf dependency of book/matching, not the other way
// around).
type Level struct {
	Price     money.Price
	Remaining money.Amount
}

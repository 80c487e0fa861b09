package common

import (
	"time"

	"oddsmint/internal/ids"
	"oddsmint/internal/money"
)

// CollateralAsset is the single collateral denomination markets trade
// against, per original_source's USDC-denominated balances.
const CollateralAsset = "USDC"

// Trade is an immutable execution record produced by the matching
// engine, per spec §3. Mint and Merge trades carry one record for both
// legs of the match (maker + taker), not two symmetric records.
type Trade struct {
	TradeId      ids.TradeId
	MarketId     ids.MarketId
	OutcomeId    ids.OutcomeId
	ShareType    ShareType
	MatchType    MatchType
	MakerOrderId ids.OrderId
	TakerOrderId ids.OrderId
	MakerUserId  ids.UserId
	TakerUserId  ids.UserId
	TakerSide    Side
	Price        money.Price
	Amount       money.Amount
	MakerFee     money.Amount
	TakerFee     money.Amount
	Timestamp    time.Time
}

// ShareChange is an audit row appended per side of a trade or
// settlement touching a share holding.
type ShareChange struct {
	UserId     ids.UserId
	MarketId   ids.MarketId
	OutcomeId  ids.OutcomeId
	ShareType  ShareType
	ChangeType ShareChangeType
	Amount     money.Amount
	Price      money.Price
	TradeId    *ids.TradeId
	Timestamp  time.Time
}

// ShareHolding is a single row per (user, market, outcome, share type).
// Frozen tracks shares escrowed against an open Sell order; Amount is the
// freely disposable remainder. Settlement and status queries treat
// Amount+Frozen as the total position.
type ShareHolding struct {
	UserId    ids.UserId
	MarketId  ids.MarketId
	OutcomeId ids.OutcomeId
	ShareType ShareType
	Amount    money.Amount
	Frozen    money.Amount
	AvgCost   money.Price
}

// Balance tracks a user's available and frozen amount of one asset.
type Balance struct {
	UserId    ids.UserId
	Asset     string
	Available money.Amount
	Frozen    money.Amount
}

// Market is the condition a pair of outcomes resolves against.
type Market struct {
	MarketId         ids.MarketId
	ConditionId      string
	Question         string
	Status           MarketStatus
	EndTime          *time.Time
	WinningOutcomeId *ids.OutcomeId
}

// Outcome belongs to exactly one market.
type Outcome struct {
	OutcomeId ids.OutcomeId
	MarketId  ids.MarketId
}

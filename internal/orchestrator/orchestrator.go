// Package orchestrator wires the matching engine to durable persistence:
// it submits an order to the engine, then replays the resulting trades
// into the Persistence port inside one simulated serializable
// transaction, retrying on transient conflict and falling back to a
// recovery log when retries are exhausted. Grounded on
// original_source's OrderFlowOrchestrator.process_order/persist_trade,
// adapted from Postgres writes to the Persistence port.
package orchestrator

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"oddsmint/internal/common"
	"oddsmint/internal/fees"
	"oddsmint/internal/ids"
	"oddsmint/internal/matching"
	"oddsmint/internal/money"
	"oddsmint/internal/ports"
)

// DefaultMaxRetries and DefaultBaseBackoff are the number of attempts a
// persistence write gets before it is handed to the recovery log, and
// the starting delay doubled between attempts, per spec §5/§7.
const (
	DefaultMaxRetries  = 3
	DefaultBaseBackoff = 5 * time.Millisecond
)

// Admission errors, per spec §7's Validation/Market-state/Not-found
// taxonomy. ProcessOrder returns one of these before the order ever
// reaches the matching engine; no state is mutated.
var (
	ErrMarketNotFound     = errors.New("orchestrator: market not found")
	ErrMarketNotActive    = errors.New("orchestrator: market is not active")
	ErrMarketExpired      = errors.New("orchestrator: market end time has passed")
	ErrOutcomeNotFound    = errors.New("orchestrator: outcome not found")
	ErrOutcomeMismatch    = errors.New("orchestrator: outcome does not belong to market")
	ErrInvalidShareType   = errors.New("orchestrator: invalid share type")
	ErrBelowMinOrderValue = errors.New("orchestrator: order value is below the configured minimum")
)

// Orchestrator is spec §4.6's OrderFlowOrchestrator.
type Orchestrator struct {
	engine *matching.Engine
	store  ports.Persistence
	chain  ports.ChainGateway
	sink   ports.EventSink
	fees   fees.Policy
	log    zerolog.Logger

	maxRetries  int
	baseBackoff time.Duration
}

// Option configures an Orchestrator at construction.
type Option func(*Orchestrator)

// WithRetryPolicy overrides the default retry count/backoff, per
// internal/config's RetryConfig.
func WithRetryPolicy(maxAttempts int, baseBackoff time.Duration) Option {
	return func(o *Orchestrator) {
		o.maxRetries = maxAttempts
		o.baseBackoff = baseBackoff
	}
}

// WithChainGateway attaches an optional on-chain collaborator that every
// persisted trade is also submitted to, for transparency. A nil or
// unset gateway leaves ProcessOrder's behavior unchanged.
func WithChainGateway(gateway ports.ChainGateway) Option {
	return func(o *Orchestrator) {
		o.chain = gateway
	}
}

// WithEventSink attaches the fan-out sink that BalanceUpdate and
// PositionUpdate events are published to after a transaction commits,
// per spec §4.6 Observability. A nil or unset sink leaves ProcessOrder's
// behavior unchanged: the engine still publishes trade/order/book
// events on its own sink independently of this one.
func WithEventSink(sink ports.EventSink) Option {
	return func(o *Orchestrator) {
		o.sink = sink
	}
}

// New constructs an Orchestrator driving engine and persisting through
// store. The fee schedule, including MinOrderValue, is read from engine
// so admission checks and trade pricing never drift apart.
func New(engine *matching.Engine, store ports.Persistence, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		engine:      engine,
		store:       store,
		fees:        engine.Fees(),
		log:         log.With().Str("component", "orchestrator").Logger(),
		maxRetries:  DefaultMaxRetries,
		baseBackoff: DefaultBaseBackoff,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ProcessOrder runs spec §4.6's pre-checks, admits the order by freezing
// its worst-case collateral or shares, submits it to the matching
// engine, and persists the resulting order/trade state. A persistence
// failure after a successful match is never returned to the caller as
// an order failure: the match already happened and must stand, so any
// unrecoverable write is instead recorded for reconciliation (spec §7).
func (o *Orchestrator) ProcessOrder(ctx context.Context, order common.Order) (matching.SubmitResult, error) {
	freezePrice, err := o.admitOrder(ctx, &order)
	if err != nil {
		return matching.SubmitResult{}, err
	}

	result, err := o.engine.SubmitOrder(&order)
	if err != nil {
		o.releaseFreeze(ctx, order, freezePrice, order.Amount)
		return result, err
	}

	if err := o.persistWithRetry(ctx, result, freezePrice); err != nil {
		o.recordRecovery(ctx, result, err)
	} else {
		o.emitPostCommitUpdates(ctx, result.Order, result.Trades)
	}

	o.submitToChain(ctx, result.Trades)

	return result, nil
}

// admitOrder runs spec §4.6's pre-checks and, once they pass, freezes
// the order's worst-case collateral (Buy) or shares (Sell). It returns
// the reference price used both for the MinOrderValue check and for
// sizing the freeze: order.Price for Limit orders, and the best
// opposing price for Market orders (which carry no price of their own).
func (o *Orchestrator) admitOrder(ctx context.Context, order *common.Order) (money.Price, error) {
	market, err := o.store.FindMarket(ctx, order.MarketId)
	if err != nil {
		return 0, ErrMarketNotFound
	}
	if market.Status != common.Active {
		return 0, ErrMarketNotActive
	}
	if market.EndTime != nil && !market.EndTime.After(time.Now()) {
		return 0, ErrMarketExpired
	}

	outcome, err := o.store.FindOutcome(ctx, order.OutcomeId)
	if err != nil {
		return 0, ErrOutcomeNotFound
	}
	if outcome.MarketId != order.MarketId {
		return 0, ErrOutcomeMismatch
	}
	if order.ShareType != common.Yes && order.ShareType != common.No {
		return 0, ErrInvalidShareType
	}

	freezePrice := order.Price
	if order.OrderType == common.MarketOrder {
		key := matching.BookKey{Market: order.MarketId, Outcome: order.OutcomeId, Share: order.ShareType}
		bid, ask := o.engine.BestPrices(key)
		switch order.Side {
		case common.Buy:
			if ask != nil {
				freezePrice = *ask
			}
		case common.Sell:
			if bid != nil {
				freezePrice = *bid
			}
		}
	}

	if freezePrice > 0 && freezePrice.Mul(order.Amount) < o.fees.MinOrderValue {
		return 0, ErrBelowMinOrderValue
	}

	op := func(tx ports.Tx) error {
		if order.Side == common.Buy {
			cost := freezePrice.Mul(order.Amount) + o.fees.TakerFee(freezePrice, order.Amount)
			return o.store.FreezeBalance(ctx, tx, order.UserId, common.CollateralAsset, cost)
		}
		return o.store.FreezeShares(ctx, tx, order.UserId, order.OutcomeId, order.ShareType, order.Amount)
	}
	if err := o.withRetry(ctx, op); err != nil {
		return 0, err
	}
	return freezePrice, nil
}

// releaseFreeze reverses admitOrder's freeze of amount, at freezePrice,
// for an order that never reached the engine's book (rejected by
// SubmitOrder itself after admission already froze its worst case).
func (o *Orchestrator) releaseFreeze(ctx context.Context, order common.Order, freezePrice money.Price, amount money.Amount) {
	op := func(tx ports.Tx) error {
		if order.Side == common.Buy {
			released := freezePrice.Mul(amount) + o.fees.TakerFee(freezePrice, amount)
			return o.store.ReleaseBalance(ctx, tx, order.UserId, common.CollateralAsset, released)
		}
		return o.store.ReleaseShares(ctx, tx, order.UserId, order.OutcomeId, order.ShareType, amount)
	}
	if err := o.withRetry(ctx, op); err != nil {
		o.log.Error().Err(err).Str("order_id", order.OrderId.String()).Msg("failed to release freeze after rejected order")
	}
}

// submitToChain best-effort-forwards every matched trade to the chain
// gateway, if one is configured. Failures are logged, never returned:
// on-chain recording is a transparency nicety, not part of the matching
// contract.
func (o *Orchestrator) submitToChain(ctx context.Context, trades []common.Trade) {
	if o.chain == nil {
		return
	}
	for _, trade := range trades {
		if err := o.chain.SubmitMatchedTrade(ctx, trade); err != nil {
			o.log.Warn().Err(err).Str("trade_id", trade.TradeId.String()).Msg("failed to submit matched trade to chain gateway")
		}
	}
}

// CancelOrder cancels order in the matching engine, persists the status
// change, and releases whatever collateral or shares were still frozen
// against its unfilled remainder (spec §4.6 step 5: cancellation is
// terminal).
func (o *Orchestrator) CancelOrder(ctx context.Context, key matching.BookKey, orderId ids.OrderId) error {
	entry, err := o.engine.CancelOrder(key, orderId)
	if err != nil {
		return err
	}

	op := func(tx ports.Tx) error {
		if err := o.store.UpdateOrderStatus(ctx, tx, orderId, common.Cancelled, entry.OriginalAmount-entry.RemainingAmount); err != nil {
			return err
		}
		if entry.Side == common.Buy {
			cost := entry.Price.Mul(entry.RemainingAmount) + o.fees.TakerFee(entry.Price, entry.RemainingAmount)
			return o.store.ReleaseBalance(ctx, tx, entry.UserId, common.CollateralAsset, cost)
		}
		return o.store.ReleaseShares(ctx, tx, entry.UserId, key.Outcome, key.Share, entry.RemainingAmount)
	}
	if err := o.withRetry(ctx, op); err != nil {
		o.log.Error().Err(err).Str("order_id", orderId.String()).Msg("failed to persist cancellation, reconciliation required")
		return err
	}
	return nil
}

// persistWithRetry writes the order and every resulting trade inside
// one transaction per attempt, retrying the whole transaction on
// ports.ErrConflict. freezePrice is the price admitOrder froze the
// order's collateral/shares against, needed to size the step-5 release
// if the order turns out to be terminal.
func (o *Orchestrator) persistWithRetry(ctx context.Context, result matching.SubmitResult, freezePrice money.Price) error {
	op := func(tx ports.Tx) error {
		if err := o.store.InsertOrder(ctx, tx, result.Order); err != nil {
			return err
		}
		for _, trade := range result.Trades {
			if err := o.store.ApplyTrade(ctx, tx, trade); err != nil {
				return err
			}
			if err := o.store.IncrementFilled(ctx, tx, trade.MakerOrderId, trade.Amount); err != nil {
				return err
			}
			for _, change := range shareChangesFor(trade) {
				if err := o.store.AppendShareChange(ctx, tx, change); err != nil {
					return err
				}
			}
		}
		if isTerminal(result.Order) {
			if err := o.releaseResidual(ctx, tx, result.Order, freezePrice); err != nil {
				return err
			}
		}
		return nil
	}
	return o.withRetry(ctx, op)
}

// isTerminal reports whether order will never receive further fills. A
// Market order is always terminal after one pass even when computeStatus
// labels it PartiallyFilled: it is IOC, so whatever didn't fill never
// will.
func isTerminal(order common.Order) bool {
	if order.OrderType == common.MarketOrder {
		return true
	}
	return order.Status.Terminal()
}

// releaseResidual unfreezes whatever collateral or shares remain frozen
// against order's unfilled remainder, per spec §4.6 step 5.
func (o *Orchestrator) releaseResidual(ctx context.Context, tx ports.Tx, order common.Order, freezePrice money.Price) error {
	remainder := order.Remaining()
	if remainder <= 0 {
		return nil
	}
	if order.Side == common.Buy {
		amount := freezePrice.Mul(remainder) + o.fees.TakerFee(freezePrice, remainder)
		return o.store.ReleaseBalance(ctx, tx, order.UserId, common.CollateralAsset, amount)
	}
	return o.store.ReleaseShares(ctx, tx, order.UserId, order.OutcomeId, order.ShareType, remainder)
}

// emitPostCommitUpdates publishes a BalanceUpdate and PositionUpdate for
// every balance/share row the just-committed order and its trades
// touched, per spec §4.6 Observability. Reads happen after commit, so
// they observe the final state without holding the transaction open.
func (o *Orchestrator) emitPostCommitUpdates(ctx context.Context, order common.Order, trades []common.Trade) {
	if o.sink == nil {
		return
	}

	type balanceKey struct {
		user  ids.UserId
		asset string
	}
	type positionKey struct {
		user    ids.UserId
		outcome ids.OutcomeId
		share   common.ShareType
	}

	balances := map[balanceKey]struct{}{{order.UserId, common.CollateralAsset}: {}}
	positions := map[positionKey]struct{}{}
	if order.Side == common.Sell {
		positions[positionKey{order.UserId, order.OutcomeId, order.ShareType}] = struct{}{}
	}

	for _, trade := range trades {
		balances[balanceKey{trade.MakerUserId, common.CollateralAsset}] = struct{}{}
		balances[balanceKey{trade.TakerUserId, common.CollateralAsset}] = struct{}{}

		switch trade.MatchType {
		case common.Mint, common.Merge:
			positions[positionKey{trade.MakerUserId, trade.OutcomeId, trade.ShareType.Complement()}] = struct{}{}
			positions[positionKey{trade.TakerUserId, trade.OutcomeId, trade.ShareType}] = struct{}{}
		default: // common.Normal
			buyer, seller := trade.TakerUserId, trade.MakerUserId
			if trade.TakerSide == common.Sell {
				buyer, seller = trade.MakerUserId, trade.TakerUserId
			}
			positions[positionKey{buyer, trade.OutcomeId, trade.ShareType}] = struct{}{}
			positions[positionKey{seller, trade.OutcomeId, trade.ShareType}] = struct{}{}
		}
	}

	for k := range balances {
		if bal, err := o.store.GetBalance(ctx, k.user, k.asset); err == nil {
			o.sink.EmitBalanceUpdate(bal)
		}
	}
	for k := range positions {
		if holding, err := o.store.GetShareHolding(ctx, k.user, k.outcome, k.share); err == nil {
			o.sink.EmitPositionUpdate(holding)
		}
	}
}

// withRetry runs op inside a fresh transaction up to maxRetries times,
// backing off exponentially between attempts on ports.ErrConflict, per
// spec §5/§7.
func (o *Orchestrator) withRetry(ctx context.Context, op func(ports.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < o.maxRetries; attempt++ {
		tx, err := o.store.BeginSerializable(ctx)
		if err != nil {
			return err
		}

		if err := op(tx); err != nil {
			tx.Rollback(ctx)
			lastErr = err
			if err != ports.ErrConflict {
				return err
			}
			time.Sleep(o.backoff(attempt))
			continue
		}

		if err := tx.Commit(ctx); err != nil {
			lastErr = err
			if err != ports.ErrConflict {
				return err
			}
			time.Sleep(o.backoff(attempt))
			continue
		}

		return nil
	}
	return lastErr
}

func (o *Orchestrator) backoff(attempt int) time.Duration {
	return time.Duration(math.Pow(2, float64(attempt))) * o.baseBackoff
}

// recordRecovery logs an irrecoverable persistence failure to the
// recovery log for out-of-band replay, per spec §7.
func (o *Orchestrator) recordRecovery(ctx context.Context, result matching.SubmitResult, cause error) {
	for _, trade := range result.Trades {
		entry := ports.RecoveryEntry{
			TradeId: trade.TradeId,
			Payload: trade.MatchType.String(),
		}
		if err := o.store.RecordRecovery(ctx, entry); err != nil {
			o.log.Error().Err(err).Msg("failed to record recovery entry, persistence is unavailable")
		}
	}
	o.log.Error().
		Err(cause).
		Str("order_id", result.Order.OrderId.String()).
		Int("trade_count", len(result.Trades)).
		Msg("exhausted retries persisting order, recorded for reconciliation")
}

// shareChangesFor builds the audit-trail rows for both legs of a
// trade, grounded on original_source's record_share_changes.
func shareChangesFor(trade common.Trade) []common.ShareChange {
	tradeId := trade.TradeId

	switch trade.MatchType {
	case common.Mint:
		return []common.ShareChange{
			{
				UserId: trade.MakerUserId, MarketId: trade.MarketId, OutcomeId: trade.OutcomeId,
				ShareType: trade.ShareType.Complement(), ChangeType: common.ChangeMint,
				Amount: trade.Amount, Price: trade.Price.Complement(), TradeId: &tradeId, Timestamp: trade.Timestamp,
			},
			{
				UserId: trade.TakerUserId, MarketId: trade.MarketId, OutcomeId: trade.OutcomeId,
				ShareType: trade.ShareType, ChangeType: common.ChangeMint,
				Amount: trade.Amount, Price: trade.Price, TradeId: &tradeId, Timestamp: trade.Timestamp,
			},
		}

	case common.Merge:
		return []common.ShareChange{
			{
				UserId: trade.MakerUserId, MarketId: trade.MarketId, OutcomeId: trade.OutcomeId,
				ShareType: trade.ShareType.Complement(), ChangeType: common.ChangeMerge,
				Amount: -trade.Amount, Price: trade.Price.Complement(), TradeId: &tradeId, Timestamp: trade.Timestamp,
			},
			{
				UserId: trade.TakerUserId, MarketId: trade.MarketId, OutcomeId: trade.OutcomeId,
				ShareType: trade.ShareType, ChangeType: common.ChangeMerge,
				Amount: -trade.Amount, Price: trade.Price, TradeId: &tradeId, Timestamp: trade.Timestamp,
			},
		}

	default: // common.Normal
		buyer, seller := trade.TakerUserId, trade.MakerUserId
		if trade.TakerSide == common.Sell {
			buyer, seller = trade.MakerUserId, trade.TakerUserId
		}
		return []common.ShareChange{
			{
				UserId: buyer, MarketId: trade.MarketId, OutcomeId: trade.OutcomeId,
				ShareType: trade.ShareType, ChangeType: common.ChangeBuy,
				Amount: trade.Amount, Price: trade.Price, TradeId: &tradeId, Timestamp: trade.Timestamp,
			},
			{
				UserId: seller, MarketId: trade.MarketId, OutcomeId: trade.OutcomeId,
				ShareType: trade.ShareType, ChangeType: common.ChangeSell,
				Amount: -trade.Amount, Price: trade.Price, TradeId: &tradeId, Timestamp: trade.Timestamp,
			},
		}
	}
}

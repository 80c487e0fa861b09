// Package matching implements the MatchingEngine (spec §4.4): the
// concurrent map of order books plus the normal/mint/merge matching
// algorithm and trade/book-event publication.
package matching

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"oddsmint/internal/book"
	"oddsmint/internal/common"
	"oddsmint/internal/fees"
	"oddsmint/internal/history"
	"oddsmint/internal/ids"
	"oddsmint/internal/money"
	"oddsmint/internal/ports"
)

var (
	// ErrInvalidAmount is returned when amount <= 0.
	ErrInvalidAmount = errors.New("matching: amount must be positive")
	// ErrLimitRequiresPrice is returned when a Limit order has no price.
	ErrLimitRequiresPrice = errors.New("matching: limit order requires a price in (0,1)")
	// ErrMarketRejectsPrice is returned when a Market order carries a price.
	ErrMarketRejectsPrice = errors.New("matching: market order must not specify a price")
	// ErrOrderNotFound is returned by CancelOrder for an absent order.
	ErrOrderNotFound = book.ErrOrderNotFound
)

// SnapshotDepth is the default number of aggregated levels broadcast on
// book-update events.
const SnapshotDepth = 20

// SubmitResult is returned to the caller of SubmitOrder: the order's
// final state plus every trade it produced.
type SubmitResult struct {
	Order  common.Order
	Trades []common.Trade
}

// Engine is the single long-lived matching engine instance shared by all
// request handlers (spec §9: no statics, explicit construction).
type Engine struct {
	booksMu sync.Mutex
	books   map[BookKey]*book.OrderBook

	fees    fees.Policy
	sink    ports.EventSink
	history *history.Store
	log     zerolog.Logger
}

// New constructs an Engine. sink and hist may be nil, in which case
// publication/history recording are no-ops — useful for unit tests that
// only care about book mechanics.
func New(feePolicy fees.Policy, sink ports.EventSink, hist *history.Store) *Engine {
	return &Engine{
		books:   make(map[BookKey]*book.OrderBook),
		fees:    feePolicy,
		sink:    sink,
		history: hist,
		log:     log.With().Str("component", "matching.Engine").Logger(),
	}
}

// getOrCreate returns the book for key, creating it exactly once even
// under concurrent calls for an absent key (spec §4.4, §5).
func (e *Engine) getOrCreate(key BookKey) *book.OrderBook {
	e.booksMu.Lock()
	defer e.booksMu.Unlock()
	b, ok := e.books[key]
	if !ok {
		b = book.New()
		e.books[key] = b
	}
	return b
}

// Fees returns the fee policy this engine was constructed with, so
// collaborators (the orchestrator) can price admission checks and
// freezes off the same schedule the engine charges trades against.
func (e *Engine) Fees() fees.Policy {
	return e.fees
}

// Book returns the book for key if it has been created, without creating
// one — used for read-only inspection (snapshot, best prices).
func (e *Engine) Book(key BookKey) (*book.OrderBook, bool) {
	e.booksMu.Lock()
	defer e.booksMu.Unlock()
	b, ok := e.books[key]
	return b, ok
}

// SubmitOrder runs the full normal -> mint/merge -> residual-placement
// algorithm of spec §4.4 and returns the resulting order state and
// trades. order.OrderId/UserId/CreatedAt must already be set by the
// caller (over TCP, NewOrderMessage.Order sets them); SubmitOrder mutates FilledAmount, Status and
// UpdatedAt in place.
func (e *Engine) SubmitOrder(order *common.Order) (SubmitResult, error) {
	if order.Amount <= 0 {
		e.log.Warn().Str("order_id", order.OrderId.String()).Msg("rejected: non-positive amount")
		return SubmitResult{}, ErrInvalidAmount
	}
	if order.OrderType == common.LimitOrder && !order.Price.Valid() {
		e.log.Warn().Str("order_id", order.OrderId.String()).Msg("rejected: invalid limit price")
		return SubmitResult{}, ErrLimitRequiresPrice
	}
	if order.OrderType == common.MarketOrder && order.Price != 0 {
		e.log.Warn().Str("order_id", order.OrderId.String()).Msg("rejected: market order carries a price")
		return SubmitResult{}, ErrMarketRejectsPrice
	}

	key := keyOf(order)
	primary := e.getOrCreate(key)

	var limitPrice *money.Price
	if order.OrderType == common.LimitOrder {
		p := order.Price
		limitPrice = &p
	}

	now := time.Now()
	var trades []common.Trade

	// Step 2: normal matching against the same book's opposite side.
	normal := primary.Match(order.Side, order.Remaining(), limitPrice)
	for _, fill := range normal.Fills {
		trades = append(trades, e.buildTrade(common.Normal, order, fill.MakerOrderId, fill.MakerUserId, fill.Price, fill.Amount, now))
	}
	remaining := normal.Remaining
	order.FilledAmount = order.Amount - remaining

	// Steps 3/4: mint (buy) or merge (sell) against the complement book,
	// only for limit orders with remaining size.
	if remaining > 0 && order.OrderType == common.LimitOrder {
		complement := e.getOrCreate(key.Complement())
		var crossTrades []common.Trade
		switch order.Side {
		case common.Buy:
			crossTrades, remaining = e.tryMint(order, complement, remaining, now)
		case common.Sell:
			crossTrades, remaining = e.tryMerge(order, complement, remaining, now)
		}
		trades = append(trades, crossTrades...)
		order.FilledAmount = order.Amount - remaining
	}

	// Step 5: residual placement (limit orders only; market orders are IOC).
	if remaining > 0 && order.OrderType == common.LimitOrder {
		entry := &common.BookEntry{
			OrderId:          order.OrderId,
			UserId:           order.UserId,
			Price:            order.Price,
			OriginalAmount:   order.Amount,
			RemainingAmount:  remaining,
			Side:             order.Side,
			EnqueueTimestamp: now,
		}
		if err := primary.Add(entry); err != nil {
			return SubmitResult{}, err
		}
	}

	// Step 6: status computation.
	order.Status = computeStatus(*order, remaining, len(trades) > 0)
	order.UpdatedAt = now

	// Step 7: publication.
	e.publish(key, trades, order)

	if len(trades) > 0 {
		e.log.Info().
			Str("order_id", order.OrderId.String()).
			Int("trades", len(trades)).
			Str("status", order.Status.String()).
			Msg("order matched")
	}

	return SubmitResult{Order: *order, Trades: trades}, nil
}

func computeStatus(order common.Order, remaining money.Amount, hasFills bool) common.OrderStatus {
	if remaining == 0 {
		return common.Filled
	}
	if order.OrderType == common.MarketOrder {
		if hasFills {
			return common.PartiallyFilled
		}
		return common.Cancelled
	}
	if hasFills {
		return common.PartiallyFilled
	}
	return common.Open
}

// tryMint implements spec §4.4 step 3: a mint trade is admissible iff
// taker_price + maker_price >= 1. The complement book's matching buy
// orders are walked best-price-first so the taker, like any taker, gets
// the best available counterparties first (spec §9).
func (e *Engine) tryMint(taker *common.Order, complement *book.OrderBook, remaining money.Amount, now time.Time) ([]common.Trade, money.Amount) {
	complementMin := taker.Price.Complement()
	candidates := complement.GetMatchingBuyOrders(complementMin)

	var trades []common.Trade
	for _, maker := range candidates {
		if remaining <= 0 {
			break
		}
		amount := money.MinAmount(remaining, maker.RemainingAmount)
		trade := e.buildTrade(common.Mint, taker, maker.OrderId, maker.UserId, taker.Price, amount, now)
		trades = append(trades, trade)
		remaining -= amount
		_ = complement.FillExternal(maker.OrderId, amount)
	}
	return trades, remaining
}

// tryMerge implements spec §4.4 step 4: a merge trade is admissible iff
// taker_price + maker_price <= 1.
func (e *Engine) tryMerge(taker *common.Order, complement *book.OrderBook, remaining money.Amount, now time.Time) ([]common.Trade, money.Amount) {
	complementMax := taker.Price.Complement()
	candidates := complement.GetMatchingSellOrders(complementMax)

	var trades []common.Trade
	for _, maker := range candidates {
		if remaining <= 0 {
			break
		}
		amount := money.MinAmount(remaining, maker.RemainingAmount)
		trade := e.buildTrade(common.Merge, taker, maker.OrderId, maker.UserId, taker.Price, amount, now)
		trades = append(trades, trade)
		remaining -= amount
		_ = complement.FillExternal(maker.OrderId, amount)
	}
	return trades, remaining
}

func (e *Engine) buildTrade(matchType common.MatchType, taker *common.Order, makerOrderId ids.OrderId, makerUserId ids.UserId, price money.Price, amount money.Amount, when time.Time) common.Trade {
	makerFee := e.fees.MakerFee(price, amount)
	takerFee := e.fees.TakerFee(price, amount)
	return common.Trade{
		TradeId:      ids.NewTradeId(),
		MarketId:     taker.MarketId,
		OutcomeId:    taker.OutcomeId,
		ShareType:    taker.ShareType,
		MatchType:    matchType,
		MakerOrderId: makerOrderId,
		TakerOrderId: taker.OrderId,
		MakerUserId:  makerUserId,
		TakerUserId:  taker.UserId,
		TakerSide:    taker.Side,
		Price:        price,
		Amount:       amount,
		MakerFee:     makerFee,
		TakerFee:     takerFee,
		Timestamp:    when,
	}
}

// publish emits trade and book-snapshot events best-effort: a slow or
// absent subscriber never blocks the matching hot path (spec §4.4 step 7,
// §4.8).
func (e *Engine) publish(key BookKey, trades []common.Trade, order *common.Order) {
	for _, trade := range trades {
		if e.history != nil {
			e.history.RecordTrade(key.Market, key.Outcome, key.Share, trade)
		}
		if e.sink != nil {
			e.sink.EmitTrade(trade)
		}
	}
	if e.history != nil {
		e.history.UpsertOrder(*order)
	}
	if e.sink != nil {
		e.sink.EmitOrderUpdate(*order)
		e.broadcastSnapshot(key)
		if len(trades) > 0 {
			e.broadcastSnapshot(key.Complement())
		}
	}
}

func (e *Engine) broadcastSnapshot(key BookKey) {
	b, ok := e.Book(key)
	if !ok {
		return
	}
	snap := b.Snapshot(SnapshotDepth)
	bids := make([]ports.Level, len(snap.Bids))
	for i, l := range snap.Bids {
		bids[i] = ports.Level{Price: l.Price, Remaining: l.Remaining}
	}
	asks := make([]ports.Level, len(snap.Asks))
	for i, l := range snap.Asks {
		asks[i] = ports.Level{Price: l.Price, Remaining: l.Remaining}
	}
	e.sink.EmitBookSnapshot(key.Market, key.Outcome, key.Share, bids, asks, snap.LastPrice)
}

// CancelOrder removes a resting order from its book, returning the
// entry that was removed so the caller can release its residual freeze.
// Idempotent: a cancel racing with a full fill reports ErrOrderNotFound.
func (e *Engine) CancelOrder(key BookKey, orderId ids.OrderId) (*common.BookEntry, error) {
	b, ok := e.Book(key)
	if !ok {
		return nil, ErrOrderNotFound
	}
	return b.Cancel(orderId)
}

// BestPrices returns the best bid/ask for a book, if it exists.
func (e *Engine) BestPrices(key BookKey) (bid *money.Price, ask *money.Price) {
	b, ok := e.Book(key)
	if !ok {
		return nil, nil
	}
	if p, ok := b.BestBid(); ok {
		bid = &p
	}
	if p, ok := b.BestAsk(); ok {
		ask = &p
	}
	return bid, ask
}

// Snapshot returns a book's aggregated top-N levels.
func (e *Engine) Snapshot(key BookKey, depth int) (book.Snapshot, bool) {
	b, ok := e.Book(key)
	if !ok {
		return book.Snapshot{}, false
	}
	return b.Snapshot(depth), true
}

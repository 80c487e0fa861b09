// Package book implements a single-sided-pair price-time-priority order
// book for one (market, outcome, share type) triple, per spec §4.1/§4.2.
//
// Price levels are kept in two github.com/tidwall/btree.BTreeG trees
// (bids descending, asks ascending), each level holding a FIFO queue of
// resting entries. An order-id index gives O(1) cancellation without
// walking either tree.
package book

import (
	"errors"
	"sync"
	"time"

	"github.com/tidwall/btree"

	"oddsmint/internal/common"
	"oddsmint/internal/ids"
	"oddsmint/internal/money"
)

var (
	// ErrInvalidPrice is returned by Add when the entry's price falls
	// outside the open interval (0,1).
	ErrInvalidPrice = errors.New("book: price must be between 0 and 1 exclusive")
	// ErrOrderNotFound is returned by Cancel and FillExternal when the
	// given order id is not resting in the book.
	ErrOrderNotFound = errors.New("book: order not found")
)

// PriceLevel is one resting price with its FIFO queue of entries.
type PriceLevel struct {
	Price  money.Price
	Orders []*common.BookEntry
}

// Level is an aggregated view of a price level for snapshotting: the
// price and the sum of remaining amounts resting there.
type Level struct {
	Price     money.Price
	Remaining money.Amount
}

// Snapshot is a point-in-time, top-N view of both sides of a book.
type Snapshot struct {
	Bids      []Level
	Asks      []Level
	LastPrice *money.Price
}

type indexEntry struct {
	side  common.Side
	price money.Price
}

// OrderBook holds resting bids and asks for one (market, outcome, share
// type) triple. All mutating operations are serialized by mu; order_count
// and last trade price are kept under the same lock for simplicity (this
// is not a single-book-per-core-hot-loop system; a single RWMutex
// satisfies spec §5's "writer-preferring exclusive lock" requirement).
type OrderBook struct {
	mu sync.RWMutex

	bids *btree.BTreeG[*PriceLevel]
	asks *btree.BTreeG[*PriceLevel]

	index map[ids.OrderId]indexEntry

	lastTradePrice *money.Price
	orderCount     uint64
}

// New creates an empty order book.
func New() *OrderBook {
	bids := btree.NewBTreeG(func(a, b *PriceLevel) bool {
		// Descending: best bid (highest price) first.
		return a.Price > b.Price
	})
	asks := btree.NewBTreeG(func(a, b *PriceLevel) bool {
		// Ascending: best ask (lowest price) first.
		return a.Price < b.Price
	})
	return &OrderBook{
		bids:  bids,
		asks:  asks,
		index: make(map[ids.OrderId]indexEntry),
	}
}

// Add inserts a resting entry at the tail of its price level's FIFO
// queue. Rejects prices outside (0,1).
func (b *OrderBook) Add(entry *common.BookEntry) error {
	if !entry.Price.Valid() {
		return ErrInvalidPrice
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	tree := b.treeFor(entry.Side)
	level, ok := tree.Get(&PriceLevel{Price: entry.Price})
	if !ok {
		level = &PriceLevel{Price: entry.Price}
		tree.Set(level)
	}
	level.Orders = append(level.Orders, entry)

	b.index[entry.OrderId] = indexEntry{side: entry.Side, price: entry.Price}
	b.orderCount++
	return nil
}

// Cancel removes an order by id in O(1) via the index. Idempotent: a
// second call for an already-removed id returns ErrOrderNotFound.
func (b *OrderBook) Cancel(orderId ids.OrderId) (*common.BookEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx, ok := b.index[orderId]
	if !ok {
		return nil, ErrOrderNotFound
	}
	delete(b.index, orderId)

	tree := b.treeFor(idx.side)
	level, ok := tree.Get(&PriceLevel{Price: idx.price})
	if !ok {
		return nil, ErrOrderNotFound
	}

	pos := -1
	for i, o := range level.Orders {
		if o.OrderId == orderId {
			pos = i
			break
		}
	}
	if pos < 0 {
		return nil, ErrOrderNotFound
	}
	removed := level.Orders[pos]
	level.Orders = append(level.Orders[:pos], level.Orders[pos+1:]...)
	if len(level.Orders) == 0 {
		tree.Delete(level)
	}
	b.orderCount--
	return removed, nil
}

func (b *OrderBook) treeFor(side common.Side) *btree.BTreeG[*PriceLevel] {
	if side == common.Buy {
		return b.bids
	}
	return b.asks
}

// BestBid returns the highest resting bid price, if any.
func (b *OrderBook) BestBid() (money.Price, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	lvl, ok := b.bids.Min()
	if !ok {
		return 0, false
	}
	return lvl.Price, true
}

// BestAsk returns the lowest resting ask price, if any.
func (b *OrderBook) BestAsk() (money.Price, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	lvl, ok := b.asks.Min()
	if !ok {
		return 0, false
	}
	return lvl.Price, true
}

// Spread returns best ask minus best bid, if both sides are non-empty.
func (b *OrderBook) Spread() (money.Price, bool) {
	bid, bidOk := b.BestBid()
	ask, askOk := b.BestAsk()
	if !bidOk || !askOk {
		return 0, false
	}
	return ask - bid, true
}

// LastTradePrice returns the most recently matched price, if any trade
// has occurred on this book.
func (b *OrderBook) LastTradePrice() (money.Price, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.lastTradePrice == nil {
		return 0, false
	}
	return *b.lastTradePrice, true
}

// OrderCount returns the number of resting entries, for diagnostics.
func (b *OrderBook) OrderCount() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.orderCount
}

// Snapshot returns the top `depth` aggregated price levels on each side.
func (b *OrderBook) Snapshot(depth int) Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snap := Snapshot{}
	if b.lastTradePrice != nil {
		p := *b.lastTradePrice
		snap.LastPrice = &p
	}

	n := 0
	b.bids.Scan(func(lvl *PriceLevel) bool {
		if n >= depth {
			return false
		}
		snap.Bids = append(snap.Bids, Level{Price: lvl.Price, Remaining: sumRemaining(lvl.Orders)})
		n++
		return true
	})
	n = 0
	b.asks.Scan(func(lvl *PriceLevel) bool {
		if n >= depth {
			return false
		}
		snap.Asks = append(snap.Asks, Level{Price: lvl.Price, Remaining: sumRemaining(lvl.Orders)})
		n++
		return true
	})
	return snap
}

func sumRemaining(entries []*common.BookEntry) money.Amount {
	var total money.Amount
	for _, e := range entries {
		total += e.RemainingAmount
	}
	return total
}

// GetMatchingBuyOrders returns resting buy orders with price >= minPrice,
// in best-price-first (descending) order, for mint matching against the
// complement book.
func (b *OrderBook) GetMatchingBuyOrders(minPrice money.Price) []*common.BookEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*common.BookEntry
	b.bids.Scan(func(lvl *PriceLevel) bool {
		if lvl.Price < minPrice {
			return false
		}
		out = append(out, lvl.Orders...)
		return true
	})
	return out
}

// GetMatchingSellOrders returns resting sell orders with price <=
// maxPrice, in best-price-first (ascending) order, for merge matching
// against the complement book.
func (b *OrderBook) GetMatchingSellOrders(maxPrice money.Price) []*common.BookEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*common.BookEntry
	b.asks.Scan(func(lvl *PriceLevel) bool {
		if lvl.Price > maxPrice {
			return false
		}
		out = append(out, lvl.Orders...)
		return true
	})
	return out
}

// FillExternal decrements a specific resting entry's remaining amount
// (used by mint/merge cross-book matching), removing it and its price
// level if fully depleted.
func (b *OrderBook) FillExternal(orderId ids.OrderId, amount money.Amount) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx, ok := b.index[orderId]
	if !ok {
		return ErrOrderNotFound
	}

	tree := b.treeFor(idx.side)
	level, ok := tree.Get(&PriceLevel{Price: idx.price})
	if !ok {
		return ErrOrderNotFound
	}

	for i, o := range level.Orders {
		if o.OrderId != orderId {
			continue
		}
		o.RemainingAmount -= amount
		if o.RemainingAmount <= 0 {
			level.Orders = append(level.Orders[:i], level.Orders[i+1:]...)
			delete(b.index, orderId)
			b.orderCount--
			if len(level.Orders) == 0 {
				tree.Delete(level)
			}
		}
		return nil
	}
	return ErrOrderNotFound
}

// MatchResult is the outcome of a Match call: the trades produced and
// the taker's unmatched remaining amount.
type MatchResult struct {
	Fills     []Fill
	Remaining money.Amount
}

// Fill is one maker consumed during Match, at the maker's price.
type Fill struct {
	MakerOrderId ids.OrderId
	MakerUserId  ids.UserId
	Price        money.Price
	Amount       money.Amount
}

// Match walks the opposite side from the best price outward, consuming
// resting entries in strict FIFO order within each level, and executing
// every fill at the maker's price (maker-price priority). For a limit
// taker, matching stops once the level price would cross past
// limitPrice; a market taker (limitPrice == nil) sweeps until either side
// is exhausted or amount is filled.
func (b *OrderBook) Match(side common.Side, amount money.Amount, limitPrice *money.Price) MatchResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	tree := b.treeFor(oppositeSide(side))

	var fills []Fill
	now := time.Now()
	_ = now

	var levelsToDelete []*PriceLevel
	tree.Scan(func(lvl *PriceLevel) bool {
		if amount <= 0 {
			return false
		}
		if limitPrice != nil {
			if side == common.Buy && lvl.Price > *limitPrice {
				return false
			}
			if side == common.Sell && lvl.Price < *limitPrice {
				return false
			}
		}

		consumed := 0
		for _, maker := range lvl.Orders {
			if amount <= 0 {
				break
			}
			tradeAmount := money.MinAmount(amount, maker.RemainingAmount)
			fills = append(fills, Fill{
				MakerOrderId: maker.OrderId,
				MakerUserId:  maker.UserId,
				Price:        maker.Price,
				Amount:       tradeAmount,
			})
			amount -= tradeAmount
			maker.RemainingAmount -= tradeAmount
			b.setLastTradePrice(maker.Price)

			if maker.RemainingAmount <= 0 {
				delete(b.index, maker.OrderId)
				b.orderCount--
				consumed++
			}
		}
		lvl.Orders = lvl.Orders[consumed:]
		if len(lvl.Orders) == 0 {
			levelsToDelete = append(levelsToDelete, lvl)
		}
		return true
	})

	for _, lvl := range levelsToDelete {
		tree.Delete(lvl)
	}

	return MatchResult{Fills: fills, Remaining: amount}
}

func (b *OrderBook) setLastTradePrice(p money.Price) {
	price := p
	b.lastTradePrice = &price
}

func oppositeSide(s common.Side) common.Side {
	if s == common.Buy {
		return common.Sell
	}
	return common.Buy
}

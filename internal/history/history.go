// Package history implements the bounded in-memory trade and order
// history store (spec §4.5): a most-recent-first ring per book for
// trades, and a most-recent-first ring per user for orders.
package history

import (
	"sort"
	"sync"
	"time"

	"oddsmint/internal/common"
	"oddsmint/internal/ids"
)

const (
	// DefaultMaxTradesPerBook bounds how many trades are retained per
	// (market, outcome, share) book.
	DefaultMaxTradesPerBook = 1000
	// DefaultMaxOrdersPerUser bounds how many orders are retained per user.
	DefaultMaxOrdersPerUser = 1000
)

type bookKey struct {
	Market  ids.MarketId
	Outcome ids.OutcomeId
	Share   common.ShareType
}

// Store is a bounded, concurrency-safe trade/order history cache. It is
// not a durable record: spec §6's Persistence port is authoritative, and
// Store exists to serve cheap recent-history reads without hitting it.
type Store struct {
	mu sync.RWMutex

	maxTradesPerBook int
	maxOrdersPerUser int

	trades map[bookKey][]common.Trade
	orders map[ids.UserId][]common.Order

	totalTrades int
	totalOrders int
}

// New creates a Store with the default retention limits.
func New() *Store {
	return WithLimits(DefaultMaxTradesPerBook, DefaultMaxOrdersPerUser)
}

// WithLimits creates a Store with custom per-book/per-user retention.
func WithLimits(maxTradesPerBook, maxOrdersPerUser int) *Store {
	return &Store{
		maxTradesPerBook: maxTradesPerBook,
		maxOrdersPerUser: maxOrdersPerUser,
		trades:           make(map[bookKey][]common.Trade),
		orders:           make(map[ids.UserId][]common.Order),
	}
}

// RecordTrade stores trade at the front of its book's ring, evicting the
// oldest entry once the book exceeds maxTradesPerBook.
func (s *Store) RecordTrade(market ids.MarketId, outcome ids.OutcomeId, share common.ShareType, trade common.Trade) {
	key := bookKey{Market: market, Outcome: outcome, Share: share}

	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.trades[key]
	list = append([]common.Trade{trade}, list...)
	if len(list) > s.maxTradesPerBook {
		list = list[:s.maxTradesPerBook]
	} else {
		s.totalTrades++
	}
	s.trades[key] = list
}

// TradeQuery filters a book's trade history window.
type TradeQuery struct {
	Before *time.Time
	After  *time.Time
	Limit  int
}

// TradeHistoryResult is the windowed result of Trades.
type TradeHistoryResult struct {
	Trades  []common.Trade
	HasMore bool
}

const defaultTradeLimit = 100

// Trades returns the most-recent-first trade window for one book,
// matching spec §4.5/§6's history-query surface.
func (s *Store) Trades(market ids.MarketId, outcome ids.OutcomeId, share common.ShareType, q TradeQuery) TradeHistoryResult {
	key := bookKey{Market: market, Outcome: outcome, Share: share}

	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := q.Limit
	if limit <= 0 {
		limit = defaultTradeLimit
	}

	var filtered []common.Trade
	for _, t := range s.trades[key] {
		if q.Before != nil && !t.Timestamp.Before(*q.Before) {
			continue
		}
		if q.After != nil && !t.Timestamp.After(*q.After) {
			continue
		}
		filtered = append(filtered, t)
	}

	hasMore := len(filtered) > limit
	if hasMore {
		filtered = filtered[:limit]
	}
	return TradeHistoryResult{Trades: filtered, HasMore: hasMore}
}

// RecentTrades returns up to limit of the most recent trades across all
// books, newest first.
func (s *Store) RecentTrades(limit int) []common.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []common.Trade
	for _, list := range s.trades {
		all = append(all, list...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp.After(all[j].Timestamp) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}

// UpsertOrder inserts or replaces order in its user's ring, keeping it at
// the front whether it is new or an update (spec §4.5's store_order
// update-in-place semantics).
func (s *Store) UpsertOrder(order common.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.orders[order.UserId]
	pos := -1
	for i, o := range list {
		if o.OrderId == order.OrderId {
			pos = i
			break
		}
	}
	if pos >= 0 {
		list = append(list[:pos], list[pos+1:]...)
		list = append([]common.Order{order}, list...)
	} else {
		list = append([]common.Order{order}, list...)
		if len(list) > s.maxOrdersPerUser {
			list = list[:s.maxOrdersPerUser]
		} else {
			s.totalOrders++
		}
	}
	s.orders[order.UserId] = list
}

// OrderQuery filters a user's order history.
type OrderQuery struct {
	Status *common.OrderStatus
	Market *ids.MarketId
	After  *time.Time
	Limit  int
}

const defaultOrderLimit = 100

// Orders returns the most-recent-first, filtered order window for user.
func (s *Store) Orders(user ids.UserId, q OrderQuery) []common.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := q.Limit
	if limit <= 0 {
		limit = defaultOrderLimit
	}

	var filtered []common.Order
	for _, o := range s.orders[user] {
		if q.Status != nil && o.Status != *q.Status {
			continue
		}
		if q.Market != nil && o.MarketId != *q.Market {
			continue
		}
		if q.After != nil && !o.CreatedAt.After(*q.After) {
			continue
		}
		filtered = append(filtered, o)
		if len(filtered) >= limit {
			break
		}
	}
	return filtered
}

// Order returns a single order by id for user, if present.
func (s *Store) Order(user ids.UserId, orderId ids.OrderId) (common.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, o := range s.orders[user] {
		if o.OrderId == orderId {
			return o, true
		}
	}
	return common.Order{}, false
}

// Stats reports aggregate retention counters, for diagnostics.
type Stats struct {
	TotalTrades    int
	TotalOrders    int
	BooksWithTrades int
	UsersWithOrders int
}

// Stats returns a snapshot of the store's counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		TotalTrades:     s.totalTrades,
		TotalOrders:     s.totalOrders,
		BooksWithTrades: len(s.trades),
		UsersWithOrders: len(s.orders),
	}
}

// Package eventbus implements the ports.EventSink fan-out: every
// subscriber gets its own bounded channel, and a slow or dead subscriber
// never blocks the matching hot path (spec §4.8) — when a subscriber's
// queue is full, its oldest pending event is dropped to make room.
package eventbus

import (
	"sync"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"

	"oddsmint/internal/common"
	"oddsmint/internal/ids"
	"oddsmint/internal/money"
	"oddsmint/internal/ports"
)

// DefaultQueueSize bounds how many pending events a subscriber may queue
// before oldest-event eviction kicks in.
const DefaultQueueSize = 256

// Event is the tagged union delivered to subscribers; exactly one field
// is populated, selected by Kind.
type Event struct {
	Kind Kind

	Trade          common.Trade
	BookSnapshot   BookSnapshotEvent
	OrderUpdate    common.Order
	BalanceUpdate  common.Balance
	PositionUpdate common.ShareHolding
}

// Kind discriminates Event's populated field.
type Kind int

const (
	KindTrade Kind = iota
	KindBookSnapshot
	KindOrderUpdate
	KindBalanceUpdate
	KindPositionUpdate
)

// BookSnapshotEvent mirrors ports.EventSink's EmitBookSnapshot arguments.
type BookSnapshotEvent struct {
	MarketId  ids.MarketId
	OutcomeId ids.OutcomeId
	ShareType common.ShareType
	Bids      []ports.Level
	Asks      []ports.Level
	LastPrice *money.Price
}

type subscriber struct {
	id     uint64
	events chan Event
}

// Bus broadcasts every published event to all current subscribers. It
// implements ports.EventSink.
type Bus struct {
	mu        sync.Mutex
	subs      map[uint64]*subscriber
	nextId    uint64
	queueSize int
	t         *tomb.Tomb
}

// New creates a Bus with the default per-subscriber queue size.
func New() *Bus {
	return WithQueueSize(DefaultQueueSize)
}

// WithQueueSize creates a Bus with an explicit per-subscriber queue size.
func WithQueueSize(queueSize int) *Bus {
	return &Bus{
		subs:      make(map[uint64]*subscriber),
		queueSize: queueSize,
	}
}

// Subscription is a handle to an active subscription; Unsubscribe must be
// called once the consumer is done reading Events().
type Subscription struct {
	bus *Bus
	sub *subscriber
}

// Events returns the channel this subscription receives events on.
func (s *Subscription) Events() <-chan Event { return s.sub.events }

// Unsubscribe removes the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s.sub.id]; ok {
		delete(s.bus.subs, s.sub.id)
		close(s.sub.events)
	}
}

// Subscribe registers a new subscriber and returns its handle.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextId++
	sub := &subscriber{id: b.nextId, events: make(chan Event, b.queueSize)}
	b.subs[sub.id] = sub
	return &Subscription{bus: b, sub: sub}
}

func (b *Bus) broadcast(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		select {
		case sub.events <- e:
		default:
			// Subscriber's queue is full: drop its oldest pending event
			// and retry once, rather than ever blocking the publisher.
			select {
			case <-sub.events:
			default:
			}
			select {
			case sub.events <- e:
			default:
				log.Warn().Uint64("subscriber", sub.id).Msg("dropping event, subscriber queue saturated")
			}
		}
	}
}

// EmitTrade implements ports.EventSink.
func (b *Bus) EmitTrade(trade common.Trade) {
	b.broadcast(Event{Kind: KindTrade, Trade: trade})
}

// EmitBookSnapshot implements ports.EventSink.
func (b *Bus) EmitBookSnapshot(marketId ids.MarketId, outcomeId ids.OutcomeId, share common.ShareType, bids, asks []ports.Level, lastPrice *money.Price) {
	b.broadcast(Event{Kind: KindBookSnapshot, BookSnapshot: BookSnapshotEvent{
		MarketId:  marketId,
		OutcomeId: outcomeId,
		ShareType: share,
		Bids:      bids,
		Asks:      asks,
		LastPrice: lastPrice,
	}})
}

// EmitOrderUpdate implements ports.EventSink.
func (b *Bus) EmitOrderUpdate(order common.Order) {
	b.broadcast(Event{Kind: KindOrderUpdate, OrderUpdate: order})
}

// EmitBalanceUpdate implements ports.EventSink.
func (b *Bus) EmitBalanceUpdate(balance common.Balance) {
	b.broadcast(Event{Kind: KindBalanceUpdate, BalanceUpdate: balance})
}

// EmitPositionUpdate implements ports.EventSink.
func (b *Bus) EmitPositionUpdate(holding common.ShareHolding) {
	b.broadcast(Event{Kind: KindPositionUpdate, PositionUpdate: holding})
}

// Run supervises the Bus for the lifetime of t: the Bus itself has no
// background goroutine (broadcast is synchronous, under mu), but Run
// gives callers a place to hook shutdown-triggered subscriber cleanup.
func (b *Bus) Run(t *tomb.Tomb) error {
	b.mu.Lock()
	b.t = t
	b.mu.Unlock()

	<-t.Dying()

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		close(sub.events)
		delete(b.subs, id)
	}
	return nil
}

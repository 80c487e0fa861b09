package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oddsmint/internal/common"
	"oddsmint/internal/eventbus"
	"oddsmint/internal/fees"
	"oddsmint/internal/history"
	"oddsmint/internal/ids"
	"oddsmint/internal/matching"
	"oddsmint/internal/money"
	"oddsmint/internal/persistence"
	"oddsmint/internal/ports"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *persistence.Store) {
	t.Helper()
	store := persistence.New()
	engine := matching.New(fees.Default(), eventbus.New(), history.New())
	return New(engine, store), store
}

func testOrder(user ids.UserId, side common.Side, price, amount float64) common.Order {
	return common.Order{
		OrderId:   ids.NewOrderId(),
		UserId:    user,
		MarketId:  ids.NewMarketId(),
		OutcomeId: ids.NewOutcomeId(),
		ShareType: common.Yes,
		Side:      side,
		OrderType: common.LimitOrder,
		Price:     money.PriceFromFloat(price),
		Amount:    money.AmountFromFloat(amount),
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

// seedMarket makes an Active market and its outcome admissible, as the
// real adapter would have them populated from migrations/an admin API
// well before any order referencing them arrives.
func seedMarket(store *persistence.Store, marketId ids.MarketId, outcomeId ids.OutcomeId) {
	store.PutMarket(common.Market{MarketId: marketId, Status: common.Active})
	store.PutOutcome(common.Outcome{OutcomeId: outcomeId, MarketId: marketId})
}

func TestProcessOrderPersistsRestingOrder(t *testing.T) {
	o, store := newTestOrchestrator(t)
	ctx := context.Background()

	order := testOrder(testUser(1), common.Buy, 0.5, 10)
	seedMarket(store, order.MarketId, order.OutcomeId)
	store.CreditBalance(order.UserId, common.CollateralAsset, money.AmountFromFloat(1000))

	result, err := o.ProcessOrder(ctx, order)
	require.NoError(t, err)
	assert.Equal(t, common.Open, result.Order.Status)
	assert.Empty(t, result.Trades)
}

func TestProcessOrderPersistsMatchedTrades(t *testing.T) {
	o, store := newTestOrchestrator(t)
	ctx := context.Background()

	marketId, outcomeId := ids.NewMarketId(), ids.NewOutcomeId()
	seedMarket(store, marketId, outcomeId)

	maker := common.Order{
		OrderId: ids.NewOrderId(), UserId: testUser(1), MarketId: marketId, OutcomeId: outcomeId,
		ShareType: common.Yes, Side: common.Sell, OrderType: common.LimitOrder,
		Price: money.PriceFromFloat(0.5), Amount: money.AmountFromFloat(10),
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	store.CreditShares(maker.UserId, marketId, outcomeId, common.Yes, money.AmountFromFloat(10), money.PriceFromFloat(0.5))
	_, err := o.ProcessOrder(ctx, maker)
	require.NoError(t, err)

	taker := common.Order{
		OrderId: ids.NewOrderId(), UserId: testUser(2), MarketId: marketId, OutcomeId: outcomeId,
		ShareType: common.Yes, Side: common.Buy, OrderType: common.LimitOrder,
		Price: money.PriceFromFloat(0.5), Amount: money.AmountFromFloat(10),
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	store.CreditBalance(taker.UserId, common.CollateralAsset, money.AmountFromFloat(1000))
	result, err := o.ProcessOrder(ctx, taker)
	require.NoError(t, err)
	require.Len(t, result.Trades, 1)
	assert.Equal(t, common.Filled, result.Order.Status)

	buyerHolding, err := store.GetShareHolding(ctx, taker.UserId, outcomeId, common.Yes)
	require.NoError(t, err)
	assert.Equal(t, money.AmountFromFloat(10), buyerHolding.Amount)
}

func testUser(b byte) ids.UserId {
	var u ids.UserId
	u[0] = b
	return u
}

// fakePersistence lets us exercise withRetry's conflict/backoff path
// without a real contention scenario. FindMarket/FindOutcome always
// admit whatever market an order names; the balance/share freeze calls
// always succeed, since this fake only needs to exercise the
// InsertOrder retry path.
type fakePersistence struct {
	ports.Persistence
	failuresBeforeSuccess int
	attempts              int
	recovered             []ports.RecoveryEntry
	outcomeMarkets        map[ids.OutcomeId]ids.MarketId
}

type fakeTx struct{}

func (fakeTx) Commit(ctx context.Context) error   { return nil }
func (fakeTx) Rollback(ctx context.Context) error { return nil }

func (f *fakePersistence) BeginSerializable(ctx context.Context) (ports.Tx, error) {
	return fakeTx{}, nil
}

func (f *fakePersistence) FindMarket(ctx context.Context, marketId ids.MarketId) (common.Market, error) {
	return common.Market{MarketId: marketId, Status: common.Active}, nil
}

func (f *fakePersistence) FindOutcome(ctx context.Context, outcomeId ids.OutcomeId) (common.Outcome, error) {
	return common.Outcome{OutcomeId: outcomeId, MarketId: f.outcomeMarkets[outcomeId]}, nil
}

func (f *fakePersistence) FreezeBalance(ctx context.Context, tx ports.Tx, user ids.UserId, asset string, amount money.Amount) error {
	return nil
}

func (f *fakePersistence) FreezeShares(ctx context.Context, tx ports.Tx, user ids.UserId, outcome ids.OutcomeId, share common.ShareType, amount money.Amount) error {
	return nil
}

func (f *fakePersistence) ReleaseBalance(ctx context.Context, tx ports.Tx, user ids.UserId, asset string, amount money.Amount) error {
	return nil
}

func (f *fakePersistence) ReleaseShares(ctx context.Context, tx ports.Tx, user ids.UserId, outcome ids.OutcomeId, share common.ShareType, amount money.Amount) error {
	return nil
}

func (f *fakePersistence) InsertOrder(ctx context.Context, tx ports.Tx, order common.Order) error {
	f.attempts++
	if f.attempts <= f.failuresBeforeSuccess {
		return ports.ErrConflict
	}
	return nil
}

func (f *fakePersistence) IncrementFilled(ctx context.Context, tx ports.Tx, orderId ids.OrderId, delta money.Amount) error {
	return nil
}

func (f *fakePersistence) ApplyTrade(ctx context.Context, tx ports.Tx, trade common.Trade) error {
	return nil
}

func (f *fakePersistence) AppendShareChange(ctx context.Context, tx ports.Tx, change common.ShareChange) error {
	return nil
}

func (f *fakePersistence) RecordRecovery(ctx context.Context, entry ports.RecoveryEntry) error {
	f.recovered = append(f.recovered, entry)
	return nil
}

func TestPersistWithRetryRecoversFromTransientConflict(t *testing.T) {
	engine := matching.New(fees.Default(), eventbus.New(), history.New())
	store := &fakePersistence{failuresBeforeSuccess: 2}
	o := New(engine, store)

	order := testOrder(testUser(1), common.Buy, 0.5, 10)
	store.outcomeMarkets = map[ids.OutcomeId]ids.MarketId{order.OutcomeId: order.MarketId}
	result, err := o.ProcessOrder(context.Background(), order)
	require.NoError(t, err)
	assert.Equal(t, 3, store.attempts)
	assert.Empty(t, store.recovered)
	_ = result
}

func TestProcessOrderRecordsRecoveryAfterExhaustingRetries(t *testing.T) {
	engine := matching.New(fees.Default(), eventbus.New(), history.New())
	store := &fakePersistence{failuresBeforeSuccess: 100}
	o := New(engine, store)

	maker := testOrder(testUser(1), common.Sell, 0.5, 10)
	order := testOrder(testUser(2), common.Buy, 0.5, 10)
	order.MarketId, order.OutcomeId = maker.MarketId, maker.OutcomeId
	store.outcomeMarkets = map[ids.OutcomeId]ids.MarketId{maker.OutcomeId: maker.MarketId}

	_, err := o.ProcessOrder(context.Background(), maker)
	require.NoError(t, err)

	result, err := o.ProcessOrder(context.Background(), order)
	require.NoError(t, err)
	require.Len(t, result.Trades, 1)
	assert.NotEmpty(t, store.recovered)
}

func TestCancelOrderPersistsStatus(t *testing.T) {
	o, store := newTestOrchestrator(t)
	ctx := context.Background()

	order := testOrder(testUser(1), common.Buy, 0.5, 10)
	seedMarket(store, order.MarketId, order.OutcomeId)
	store.CreditBalance(order.UserId, common.CollateralAsset, money.AmountFromFloat(1000))

	result, err := o.ProcessOrder(ctx, order)
	require.NoError(t, err)

	key := matching.BookKey{Market: order.MarketId, Outcome: order.OutcomeId, Share: order.ShareType}
	err = o.CancelOrder(ctx, key, result.Order.OrderId)
	require.NoError(t, err)
}

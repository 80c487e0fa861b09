package matching

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oddsmint/internal/common"
	"oddsmint/internal/fees"
	"oddsmint/internal/ids"
	"oddsmint/internal/money"
)

func testUser() ids.UserId {
	var u ids.UserId
	u[0] = 1
	return u
}

func testOrder(side common.Side, orderType common.OrderType, price, amount float64) *common.Order {
	var p money.Price
	if orderType == common.LimitOrder {
		p = money.PriceFromFloat(price)
	}
	return &common.Order{
		OrderId:   ids.NewOrderId(),
		UserId:    testUser(),
		MarketId:  ids.NewMarketId(),
		OutcomeId: ids.NewOutcomeId(),
		ShareType: common.Yes,
		Side:      side,
		OrderType: orderType,
		Price:     p,
		Amount:    money.AmountFromFloat(amount),
		CreatedAt: time.Now(),
	}
}

func sameMarket(base, o *common.Order) {
	o.MarketId = base.MarketId
	o.OutcomeId = base.OutcomeId
}

func TestSubmitOrderSimpleNormalFill(t *testing.T) {
	e := New(fees.Default(), nil, nil)

	maker := testOrder(common.Sell, common.LimitOrder, 0.60, 100)
	_, err := e.SubmitOrder(maker)
	require.NoError(t, err)

	taker := testOrder(common.Buy, common.LimitOrder, 0.60, 100)
	sameMarket(maker, taker)
	res, err := e.SubmitOrder(taker)
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	assert.Equal(t, common.Normal, res.Trades[0].MatchType)
	assert.Equal(t, money.PriceFromFloat(0.60), res.Trades[0].Price)
	assert.Equal(t, common.Filled, res.Order.Status)
}

func TestSubmitOrderPartialFillLeavesResidual(t *testing.T) {
	e := New(fees.Default(), nil, nil)

	maker := testOrder(common.Sell, common.LimitOrder, 0.60, 50)
	_, err := e.SubmitOrder(maker)
	require.NoError(t, err)

	taker := testOrder(common.Buy, common.LimitOrder, 0.60, 100)
	sameMarket(maker, taker)
	res, err := e.SubmitOrder(taker)
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	assert.Equal(t, money.AmountFromFloat(50), res.Trades[0].Amount)
	assert.Equal(t, common.PartiallyFilled, res.Order.Status)

	key := keyOf(taker)
	b, ok := e.Book(key)
	require.True(t, ok)
	bid, ok := b.BestBid()
	require.True(t, ok)
	assert.Equal(t, money.PriceFromFloat(0.60), bid)
}

func TestSubmitOrderMintMatch(t *testing.T) {
	e := New(fees.Default(), nil, nil)

	noBuy := testOrder(common.Buy, common.LimitOrder, 0.45, 100)
	noBuy.ShareType = common.No
	_, err := e.SubmitOrder(noBuy)
	require.NoError(t, err)

	yesBuy := testOrder(common.Buy, common.LimitOrder, 0.60, 100)
	yesBuy.ShareType = common.Yes
	sameMarket(noBuy, yesBuy)

	res, err := e.SubmitOrder(yesBuy)
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	assert.Equal(t, common.Mint, res.Trades[0].MatchType)
	assert.Equal(t, money.PriceFromFloat(0.60), res.Trades[0].Price)
	assert.Equal(t, common.Filled, res.Order.Status)
}

func TestSubmitOrderMintRejectedWhenSumBelowOne(t *testing.T) {
	e := New(fees.Default(), nil, nil)

	noBuy := testOrder(common.Buy, common.LimitOrder, 0.30, 100)
	noBuy.ShareType = common.No
	_, err := e.SubmitOrder(noBuy)
	require.NoError(t, err)

	yesBuy := testOrder(common.Buy, common.LimitOrder, 0.60, 100)
	yesBuy.ShareType = common.Yes
	sameMarket(noBuy, yesBuy)

	res, err := e.SubmitOrder(yesBuy)
	require.NoError(t, err)

	assert.Len(t, res.Trades, 0)
	assert.Equal(t, common.Open, res.Order.Status)
}

func TestSubmitOrderMergeMatch(t *testing.T) {
	e := New(fees.Default(), nil, nil)

	noSell := testOrder(common.Sell, common.LimitOrder, 0.35, 100)
	noSell.ShareType = common.No
	_, err := e.SubmitOrder(noSell)
	require.NoError(t, err)

	yesSell := testOrder(common.Sell, common.LimitOrder, 0.40, 100)
	yesSell.ShareType = common.Yes
	sameMarket(noSell, yesSell)

	res, err := e.SubmitOrder(yesSell)
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	assert.Equal(t, common.Merge, res.Trades[0].MatchType)
	assert.Equal(t, common.Filled, res.Order.Status)
}

func TestSubmitOrderRejectsInvalidLimitPrice(t *testing.T) {
	e := New(fees.Default(), nil, nil)
	order := testOrder(common.Buy, common.LimitOrder, 0, 10)

	_, err := e.SubmitOrder(order)
	assert.ErrorIs(t, err, ErrLimitRequiresPrice)
}

func TestSubmitOrderRejectsMarketOrderWithPrice(t *testing.T) {
	e := New(fees.Default(), nil, nil)
	order := testOrder(common.Buy, common.MarketOrder, 0, 10)
	order.Price = money.PriceFromFloat(0.5)

	_, err := e.SubmitOrder(order)
	assert.ErrorIs(t, err, ErrMarketRejectsPrice)
}

func TestSubmitOrderMarketOrderDropsResidual(t *testing.T) {
	e := New(fees.Default(), nil, nil)

	maker := testOrder(common.Sell, common.LimitOrder, 0.60, 50)
	_, err := e.SubmitOrder(maker)
	require.NoError(t, err)

	taker := testOrder(common.Buy, common.MarketOrder, 0, 100)
	sameMarket(maker, taker)
	res, err := e.SubmitOrder(taker)
	require.NoError(t, err)

	require.Len(t, res.Trades, 1)
	assert.Equal(t, common.PartiallyFilled, res.Order.Status)

	key := keyOf(taker)
	b, ok := e.Book(key)
	require.True(t, ok)
	_, ok = b.BestBid()
	assert.False(t, ok, "market order residual must not rest on the book")
}

func TestCancelOrderRace(t *testing.T) {
	e := New(fees.Default(), nil, nil)

	maker := testOrder(common.Sell, common.LimitOrder, 0.60, 100)
	_, err := e.SubmitOrder(maker)
	require.NoError(t, err)

	// A counterparty fills the resting order entirely before the cancel arrives.
	taker := testOrder(common.Buy, common.LimitOrder, 0.60, 100)
	sameMarket(maker, taker)
	res, err := e.SubmitOrder(taker)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)

	key := keyOf(maker)
	_, err = e.CancelOrder(key, maker.OrderId)
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestBestPricesReflectBothSides(t *testing.T) {
	e := New(fees.Default(), nil, nil)

	bid := testOrder(common.Buy, common.LimitOrder, 0.55, 10)
	_, err := e.SubmitOrder(bid)
	require.NoError(t, err)

	ask := testOrder(common.Sell, common.LimitOrder, 0.65, 10)
	sameMarket(bid, ask)
	_, err = e.SubmitOrder(ask)
	require.NoError(t, err)

	key := keyOf(bid)
	bestBid, bestAsk := e.BestPrices(key)
	require.NotNil(t, bestBid)
	require.NotNil(t, bestAsk)
	assert.Equal(t, money.PriceFromFloat(0.55), *bestBid)
	assert.Equal(t, money.PriceFromFloat(0.65), *bestAsk)
}

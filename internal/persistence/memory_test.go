package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oddsmint/internal/common"
	"oddsmint/internal/ids"
	"oddsmint/internal/money"
)

func testUser(b byte) ids.UserId {
	var u ids.UserId
	u[0] = b
	return u
}

func TestApplyTradeNormalTransfersShares(t *testing.T) {
	s := New()
	market, outcome := ids.NewMarketId(), ids.NewOutcomeId()
	buyer, seller := testUser(1), testUser(2)

	trade := common.Trade{
		TradeId:     ids.NewTradeId(),
		MarketId:    market,
		OutcomeId:   outcome,
		ShareType:   common.Yes,
		MatchType:   common.Normal,
		MakerUserId: seller,
		TakerUserId: buyer,
		Price:       money.PriceFromFloat(0.6),
		Amount:      money.AmountFromFloat(10),
		Timestamp:   time.Now(),
	}

	// Seller starts holding 10 Yes shares, frozen at admission of its Sell order.
	s.creditShares(market, outcome, common.Yes, seller, money.AmountFromFloat(10), money.PriceFromFloat(0.5))
	freezeTx, err := s.BeginSerializable(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.FreezeShares(context.Background(), freezeTx, seller, outcome, common.Yes, money.AmountFromFloat(10)))
	require.NoError(t, freezeTx.Commit(context.Background()))

	tx, err := s.BeginSerializable(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.ApplyTrade(context.Background(), tx, trade))
	require.NoError(t, tx.Commit(context.Background()))

	sellerHolding, err := s.GetShareHolding(context.Background(), seller, outcome, common.Yes)
	require.NoError(t, err)
	assert.Equal(t, money.Amount(0), sellerHolding.Amount)
	assert.Equal(t, money.Amount(0), sellerHolding.Frozen)

	buyerHolding, err := s.GetShareHolding(context.Background(), buyer, outcome, common.Yes)
	require.NoError(t, err)
	assert.Equal(t, money.AmountFromFloat(10), buyerHolding.Amount)
}

func TestApplyTradeMintCreditsBothShareTypes(t *testing.T) {
	s := New()
	market, outcome := ids.NewMarketId(), ids.NewOutcomeId()
	maker, taker := testUser(1), testUser(2)

	trade := common.Trade{
		TradeId:     ids.NewTradeId(),
		MarketId:    market,
		OutcomeId:   outcome,
		ShareType:   common.Yes,
		MatchType:   common.Mint,
		MakerUserId: maker,
		TakerUserId: taker,
		Price:       money.PriceFromFloat(0.6),
		Amount:      money.AmountFromFloat(10),
		Timestamp:   time.Now(),
	}

	tx, err := s.BeginSerializable(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.ApplyTrade(context.Background(), tx, trade))
	require.NoError(t, tx.Commit(context.Background()))

	makerHolding, _ := s.GetShareHolding(context.Background(), maker, outcome, common.No)
	assert.Equal(t, money.AmountFromFloat(10), makerHolding.Amount)

	takerHolding, _ := s.GetShareHolding(context.Background(), taker, outcome, common.Yes)
	assert.Equal(t, money.AmountFromFloat(10), takerHolding.Amount)
}

func TestApplyTradeMergeDebitsBothShareTypes(t *testing.T) {
	s := New()
	market, outcome := ids.NewMarketId(), ids.NewOutcomeId()
	maker, taker := testUser(1), testUser(2)

	s.creditShares(market, outcome, common.No, maker, money.AmountFromFloat(10), money.PriceFromFloat(0.4))
	s.creditShares(market, outcome, common.Yes, taker, money.AmountFromFloat(10), money.PriceFromFloat(0.6))

	freezeTx, err := s.BeginSerializable(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.FreezeShares(context.Background(), freezeTx, maker, outcome, common.No, money.AmountFromFloat(10)))
	require.NoError(t, s.FreezeShares(context.Background(), freezeTx, taker, outcome, common.Yes, money.AmountFromFloat(10)))
	require.NoError(t, freezeTx.Commit(context.Background()))

	trade := common.Trade{
		TradeId:     ids.NewTradeId(),
		MarketId:    market,
		OutcomeId:   outcome,
		ShareType:   common.Yes,
		MatchType:   common.Merge,
		MakerUserId: maker,
		TakerUserId: taker,
		Price:       money.PriceFromFloat(0.4),
		Amount:      money.AmountFromFloat(10),
		Timestamp:   time.Now(),
	}

	tx, err := s.BeginSerializable(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.ApplyTrade(context.Background(), tx, trade))
	require.NoError(t, tx.Commit(context.Background()))

	makerHolding, _ := s.GetShareHolding(context.Background(), maker, outcome, common.No)
	assert.Equal(t, money.Amount(0), makerHolding.Amount)

	takerHolding, _ := s.GetShareHolding(context.Background(), taker, outcome, common.Yes)
	assert.Equal(t, money.Amount(0), takerHolding.Amount)
}

func TestApplyTradeIncludesFeesInCostBasisWhenEnabled(t *testing.T) {
	s := New()
	s.IncludeFeesInCostBasis = true
	market, outcome := ids.NewMarketId(), ids.NewOutcomeId()
	buyer, seller := testUser(1), testUser(2)

	trade := common.Trade{
		TradeId:     ids.NewTradeId(),
		MarketId:    market,
		OutcomeId:   outcome,
		ShareType:   common.Yes,
		MatchType:   common.Normal,
		MakerUserId: seller,
		TakerUserId: buyer,
		TakerSide:   common.Buy,
		Price:       money.PriceFromFloat(0.6),
		Amount:      money.AmountFromFloat(10),
		TakerFee:    money.AmountFromFloat(0.2),
		Timestamp:   time.Now(),
	}

	tx, _ := s.BeginSerializable(context.Background())
	require.NoError(t, s.ApplyTrade(context.Background(), tx, trade))
	require.NoError(t, tx.Commit(context.Background()))

	buyerHolding, err := s.GetShareHolding(context.Background(), buyer, outcome, common.Yes)
	require.NoError(t, err)
	// 0.2 fee / 10 shares = 0.02 price adjustment on top of the 0.6 trade price.
	assert.Equal(t, money.PriceFromFloat(0.62), buyerHolding.AvgCost)
}

func TestFreezeAndReleaseBalance(t *testing.T) {
	s := New()
	user := testUser(1)
	s.CreditBalance(user, CollateralAsset, money.AmountFromFloat(100))

	tx, _ := s.BeginSerializable(context.Background())
	require.NoError(t, s.FreezeBalance(context.Background(), tx, user, CollateralAsset, money.AmountFromFloat(40)))
	require.NoError(t, tx.Commit(context.Background()))

	bal, _ := s.GetBalance(context.Background(), user, CollateralAsset)
	assert.Equal(t, money.AmountFromFloat(60), bal.Available)
	assert.Equal(t, money.AmountFromFloat(40), bal.Frozen)

	tx2, _ := s.BeginSerializable(context.Background())
	require.NoError(t, s.ReleaseBalance(context.Background(), tx2, user, CollateralAsset, money.AmountFromFloat(40)))
	require.NoError(t, tx2.Commit(context.Background()))

	bal, _ = s.GetBalance(context.Background(), user, CollateralAsset)
	assert.Equal(t, money.AmountFromFloat(100), bal.Available)
	assert.Equal(t, money.Amount(0), bal.Frozen)
}

func TestFreezeBalanceRejectsInsufficientFunds(t *testing.T) {
	s := New()
	user := testUser(1)
	tx, _ := s.BeginSerializable(context.Background())
	defer tx.Rollback(context.Background())

	err := s.FreezeBalance(context.Background(), tx, user, CollateralAsset, money.AmountFromFloat(10))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestFreezeAndReleaseShares(t *testing.T) {
	s := New()
	user := testUser(1)
	outcome := ids.NewOutcomeId()
	s.creditShares(ids.NewMarketId(), outcome, common.Yes, user, money.AmountFromFloat(10), money.PriceFromFloat(0.5))

	tx, _ := s.BeginSerializable(context.Background())
	require.NoError(t, s.FreezeShares(context.Background(), tx, user, outcome, common.Yes, money.AmountFromFloat(4)))
	require.NoError(t, tx.Commit(context.Background()))

	holding, _ := s.GetShareHolding(context.Background(), user, outcome, common.Yes)
	assert.Equal(t, money.AmountFromFloat(6), holding.Amount)

	tx2, _ := s.BeginSerializable(context.Background())
	require.NoError(t, s.ReleaseShares(context.Background(), tx2, user, outcome, common.Yes, money.AmountFromFloat(4)))
	require.NoError(t, tx2.Commit(context.Background()))

	holding, _ = s.GetShareHolding(context.Background(), user, outcome, common.Yes)
	assert.Equal(t, money.AmountFromFloat(10), holding.Amount)
}

func setupResolvedMarket(s *Store) (ids.MarketId, ids.OutcomeId, ids.OutcomeId) {
	market := ids.NewMarketId()
	winning, losing := ids.NewOutcomeId(), ids.NewOutcomeId()
	s.PutOutcome(common.Outcome{OutcomeId: winning, MarketId: market})
	s.PutOutcome(common.Outcome{OutcomeId: losing, MarketId: market})
	s.PutMarket(common.Market{MarketId: market, Status: common.Resolved, WinningOutcomeId: &winning})
	return market, winning, losing
}

func TestSettleUserResolvedMarketPaysWinningShares(t *testing.T) {
	s := New()
	market, winning, losing := setupResolvedMarket(s)
	user := testUser(7)

	s.creditShares(market, winning, common.Yes, user, money.AmountFromFloat(10), money.PriceFromFloat(0.6))
	s.creditShares(market, losing, common.Yes, user, money.AmountFromFloat(5), money.PriceFromFloat(0.3))
	s.creditShares(market, losing, common.No, user, money.AmountFromFloat(8), money.PriceFromFloat(0.7))

	result, err := s.SettleUser(context.Background(), market, user)
	require.NoError(t, err)

	assert.Equal(t, money.AmountFromFloat(18), result.TotalPayout)

	winningHolding, _ := s.GetShareHolding(context.Background(), user, winning, common.Yes)
	assert.Equal(t, money.Amount(0), winningHolding.Amount)

	bal, _ := s.GetBalance(context.Background(), user, CollateralAsset)
	assert.Equal(t, money.AmountFromFloat(18), bal.Available)
}

func TestSettleUserIsIdempotent(t *testing.T) {
	s := New()
	market, winning, _ := setupResolvedMarket(s)
	user := testUser(7)
	s.creditShares(market, winning, common.Yes, user, money.AmountFromFloat(10), money.PriceFromFloat(0.6))

	_, err := s.SettleUser(context.Background(), market, user)
	require.NoError(t, err)

	_, err = s.SettleUser(context.Background(), market, user)
	assert.ErrorIs(t, err, ErrAlreadySettled)
}

func TestSettleUserCancelledMarketRefundsAtAvgCost(t *testing.T) {
	s := New()
	market := ids.NewMarketId()
	outcome := ids.NewOutcomeId()
	s.PutOutcome(common.Outcome{OutcomeId: outcome, MarketId: market})
	s.PutMarket(common.Market{MarketId: market, Status: common.MarketCancelled})

	user := testUser(3)
	s.creditShares(market, outcome, common.Yes, user, money.AmountFromFloat(10), money.PriceFromFloat(0.45))

	result, err := s.SettleUser(context.Background(), market, user)
	require.NoError(t, err)
	assert.Equal(t, money.AmountFromFloat(4.5), result.TotalPayout)
}

func TestSettlementStatusReflectsPotentialPayoutWithoutSettling(t *testing.T) {
	s := New()
	market, winning, _ := setupResolvedMarket(s)
	user := testUser(9)
	s.creditShares(market, winning, common.Yes, user, money.AmountFromFloat(10), money.PriceFromFloat(0.6))

	status, err := s.SettlementStatus(context.Background(), market, user)
	require.NoError(t, err)
	assert.False(t, status.IsSettled)
	assert.True(t, status.CanSettle)
	assert.Equal(t, money.AmountFromFloat(10), status.PotentialPayout)

	_, err = s.SettleUser(context.Background(), market, user)
	require.NoError(t, err)

	status, err = s.SettlementStatus(context.Background(), market, user)
	require.NoError(t, err)
	assert.True(t, status.IsSettled)
}

func TestSettleUserRejectsUnresolvedMarket(t *testing.T) {
	s := New()
	market := ids.NewMarketId()
	s.PutMarket(common.Market{MarketId: market, Status: common.Active})

	_, err := s.SettleUser(context.Background(), market, testUser(1))
	assert.ErrorIs(t, err, ErrMarketNotSettleable)
}

// Package persistence implements an in-memory ports.Persistence
// reference adapter. Spec §6 treats the durable store as an external
// collaborator; this adapter exists so the core is runnable and testable
// without a real database, per spec §9's "ports/adapters" design note.
package persistence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"oddsmint/internal/common"
	"oddsmint/internal/ids"
	"oddsmint/internal/money"
	"oddsmint/internal/ports"
)

// CollateralAsset re-exports common.CollateralAsset for callers already
// importing this package.
const CollateralAsset = common.CollateralAsset

var (
	ErrNotFound             = errors.New("persistence: not found")
	ErrInsufficientBalance  = errors.New("persistence: insufficient balance")
	ErrAlreadySettled       = errors.New("persistence: market already settled for user")
	ErrMarketNotSettleable  = errors.New("persistence: market is not resolved or cancelled")
)

// Store is the in-memory reference Persistence adapter. All state lives
// under a single mutex: BeginSerializable acquires it for the lifetime
// of the transaction, which trivially gives serializable isolation at
// the cost of allowing only one in-flight transaction at a time. A real
// backend (e.g. Postgres via sqlx, mirroring original_source's schema)
// would instead take per-row locks and can genuinely return ErrConflict.
type Store struct {
	mu sync.Mutex

	// IncludeFeesInCostBasis decides whether a credited share row's
	// AvgCost folds in the fee charged on that leg. Default false,
	// matching original_source's behavior (spec's preserved Open
	// Question decision) — set directly by the caller that constructs
	// the Store, never mutated afterwards under the lock.
	IncludeFeesInCostBasis bool

	orders        map[ids.OrderId]common.Order
	trades        map[ids.TradeId]common.Trade
	balances      map[balanceKey]common.Balance
	shareHoldings map[shareKey]common.ShareHolding
	shareChanges  []common.ShareChange
	markets       map[ids.MarketId]common.Market
	outcomes      map[ids.OutcomeId]common.Outcome
	settlements   map[settlementKey]ports.SettlementStatus
	recovery      []ports.RecoveryEntry
}

type balanceKey struct {
	User  ids.UserId
	Asset string
}

type shareKey struct {
	User    ids.UserId
	Outcome ids.OutcomeId
	Share   common.ShareType
}

type settlementKey struct {
	Market ids.MarketId
	User   ids.UserId
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		orders:        make(map[ids.OrderId]common.Order),
		trades:        make(map[ids.TradeId]common.Trade),
		balances:      make(map[balanceKey]common.Balance),
		shareHoldings: make(map[shareKey]common.ShareHolding),
		markets:       make(map[ids.MarketId]common.Market),
		outcomes:      make(map[ids.OutcomeId]common.Outcome),
		settlements:   make(map[settlementKey]ports.SettlementStatus),
	}
}

// tx is the concrete handle returned by BeginSerializable: holding it
// means holding Store.mu.
type tx struct {
	store    *Store
	released bool
}

func (t *tx) Commit(ctx context.Context) error {
	if t.released {
		return nil
	}
	t.released = true
	t.store.mu.Unlock()
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	if t.released {
		return nil
	}
	t.released = true
	t.store.mu.Unlock()
	return nil
}

// BeginSerializable acquires the store for exclusive use until Commit or
// Rollback is called.
func (s *Store) BeginSerializable(ctx context.Context) (ports.Tx, error) {
	s.mu.Lock()
	return &tx{store: s}, nil
}

func (s *Store) InsertOrder(ctx context.Context, t ports.Tx, order common.Order) error {
	s.orders[order.OrderId] = order
	return nil
}

func (s *Store) UpdateOrderStatus(ctx context.Context, t ports.Tx, orderId ids.OrderId, status common.OrderStatus, filled money.Amount) error {
	order, ok := s.orders[orderId]
	if !ok {
		return ErrNotFound
	}
	order.Status = status
	order.FilledAmount = filled
	s.orders[orderId] = order
	return nil
}

func (s *Store) IncrementFilled(ctx context.Context, t ports.Tx, orderId ids.OrderId, delta money.Amount) error {
	order, ok := s.orders[orderId]
	if !ok {
		return ErrNotFound
	}
	order.FilledAmount += delta
	if order.FilledAmount >= order.Amount {
		order.Status = common.Filled
	} else {
		order.Status = common.PartiallyFilled
	}
	s.orders[orderId] = order
	return nil
}

// ApplyTrade updates both parties' share holdings and collateral
// balances per spec §4.6 step 3, grounded on original_source's
// update_shares_normal/mint/merge and its paired balance postings:
// Normal transfers shares seller-to-buyer and moves the notional from
// the buyer's frozen collateral to the seller's available balance less
// fees; Mint credits each side its own freshly-minted share type and
// debits each side's own frozen collateral; Merge debits both sides'
// frozen shares and credits each side the redemption value less fees.
// The buyer/seller legs here debit from Frozen, not Available: the
// orchestrator froze the order's worst-case cost at admission, and this
// is where that escrow is actually spent.
func (s *Store) ApplyTrade(ctx context.Context, t ports.Tx, trade common.Trade) error {
	s.trades[trade.TradeId] = trade

	switch trade.MatchType {
	case common.Normal:
		buyer, seller := trade.TakerUserId, trade.MakerUserId
		buyerFee, sellerFee := trade.TakerFee, trade.MakerFee
		if trade.TakerSide == common.Sell {
			buyer, seller = trade.MakerUserId, trade.TakerUserId
			buyerFee, sellerFee = trade.MakerFee, trade.TakerFee
		}
		notional := trade.Price.Mul(trade.Amount)

		creditPrice := trade.Price
		if s.IncludeFeesInCostBasis {
			creditPrice += money.PriceFromRatio(buyerFee, trade.Amount)
		}
		s.debitFrozenShares(trade.OutcomeId, trade.ShareType, seller, trade.Amount)
		s.creditShares(trade.MarketId, trade.OutcomeId, trade.ShareType, buyer, trade.Amount, creditPrice)

		s.debitFrozenBalance(buyer, CollateralAsset, notional+buyerFee)
		s.creditBalanceLocked(seller, CollateralAsset, notional-sellerFee)

	case common.Mint:
		makerNotional := trade.Price.Complement().Mul(trade.Amount)
		takerNotional := trade.Price.Mul(trade.Amount)

		makerPrice := trade.Price.Complement()
		takerPrice := trade.Price
		if s.IncludeFeesInCostBasis {
			makerPrice += money.PriceFromRatio(trade.MakerFee, trade.Amount)
			takerPrice += money.PriceFromRatio(trade.TakerFee, trade.Amount)
		}
		s.creditShares(trade.MarketId, trade.OutcomeId, trade.ShareType.Complement(), trade.MakerUserId, trade.Amount, makerPrice)
		s.creditShares(trade.MarketId, trade.OutcomeId, trade.ShareType, trade.TakerUserId, trade.Amount, takerPrice)

		s.debitFrozenBalance(trade.MakerUserId, CollateralAsset, makerNotional+trade.MakerFee)
		s.debitFrozenBalance(trade.TakerUserId, CollateralAsset, takerNotional+trade.TakerFee)

	case common.Merge:
		makerNotional := trade.Price.Complement().Mul(trade.Amount)
		takerNotional := trade.Price.Mul(trade.Amount)

		s.debitFrozenShares(trade.OutcomeId, trade.ShareType.Complement(), trade.MakerUserId, trade.Amount)
		s.debitFrozenShares(trade.OutcomeId, trade.ShareType, trade.TakerUserId, trade.Amount)

		s.creditBalanceLocked(trade.MakerUserId, CollateralAsset, makerNotional-trade.MakerFee)
		s.creditBalanceLocked(trade.TakerUserId, CollateralAsset, takerNotional-trade.TakerFee)
	}

	return nil
}

func (s *Store) debitFrozenShares(outcome ids.OutcomeId, share common.ShareType, user ids.UserId, amount money.Amount) {
	key := shareKey{User: user, Outcome: outcome, Share: share}
	holding := s.shareHoldings[key]
	holding.UserId, holding.OutcomeId, holding.ShareType = user, outcome, share
	holding.Frozen -= amount
	s.shareHoldings[key] = holding
}

func (s *Store) debitFrozenBalance(user ids.UserId, asset string, amount money.Amount) {
	key := balanceKey{User: user, Asset: asset}
	bal := s.balances[key]
	bal.UserId, bal.Asset = user, asset
	bal.Frozen -= amount
	s.balances[key] = bal
}

func (s *Store) creditShares(market ids.MarketId, outcome ids.OutcomeId, share common.ShareType, user ids.UserId, amount money.Amount, price money.Price) {
	key := shareKey{User: user, Outcome: outcome, Share: share}
	holding := s.shareHoldings[key]
	holding.UserId, holding.MarketId, holding.OutcomeId, holding.ShareType = user, market, outcome, share

	newTotal := holding.Amount + amount
	if newTotal > 0 {
		holding.AvgCost = money.Price(
			(int64(holding.AvgCost)*int64(holding.Amount) + int64(price)*int64(amount)) / int64(newTotal),
		)
	}
	holding.Amount = newTotal
	s.shareHoldings[key] = holding
}

func (s *Store) AppendShareChange(ctx context.Context, t ports.Tx, change common.ShareChange) error {
	s.shareChanges = append(s.shareChanges, change)
	return nil
}

func (s *Store) FreezeBalance(ctx context.Context, t ports.Tx, user ids.UserId, asset string, amount money.Amount) error {
	key := balanceKey{User: user, Asset: asset}
	bal := s.balances[key]
	bal.UserId, bal.Asset = user, asset
	if bal.Available < amount {
		return ErrInsufficientBalance
	}
	bal.Available -= amount
	bal.Frozen += amount
	s.balances[key] = bal
	return nil
}

func (s *Store) ReleaseBalance(ctx context.Context, t ports.Tx, user ids.UserId, asset string, amount money.Amount) error {
	key := balanceKey{User: user, Asset: asset}
	bal := s.balances[key]
	bal.UserId, bal.Asset = user, asset
	if bal.Frozen < amount {
		amount = bal.Frozen
	}
	bal.Frozen -= amount
	bal.Available += amount
	s.balances[key] = bal
	return nil
}

func (s *Store) FreezeShares(ctx context.Context, t ports.Tx, user ids.UserId, outcome ids.OutcomeId, share common.ShareType, amount money.Amount) error {
	key := shareKey{User: user, Outcome: outcome, Share: share}
	holding, ok := s.shareHoldings[key]
	if !ok || holding.Amount < amount {
		return ErrInsufficientBalance
	}
	holding.Amount -= amount
	holding.Frozen += amount
	s.shareHoldings[key] = holding
	return nil
}

func (s *Store) ReleaseShares(ctx context.Context, t ports.Tx, user ids.UserId, outcome ids.OutcomeId, share common.ShareType, amount money.Amount) error {
	key := shareKey{User: user, Outcome: outcome, Share: share}
	holding := s.shareHoldings[key]
	holding.UserId, holding.OutcomeId, holding.ShareType = user, outcome, share
	if holding.Frozen < amount {
		amount = holding.Frozen
	}
	holding.Frozen -= amount
	holding.Amount += amount
	s.shareHoldings[key] = holding
	return nil
}

func (s *Store) GetBalance(ctx context.Context, user ids.UserId, asset string) (common.Balance, error) {
	key := balanceKey{User: user, Asset: asset}
	bal, ok := s.balances[key]
	if !ok {
		return common.Balance{UserId: user, Asset: asset}, nil
	}
	return bal, nil
}

func (s *Store) GetShareHolding(ctx context.Context, user ids.UserId, outcome ids.OutcomeId, share common.ShareType) (common.ShareHolding, error) {
	key := shareKey{User: user, Outcome: outcome, Share: share}
	holding, ok := s.shareHoldings[key]
	if !ok {
		return common.ShareHolding{UserId: user, OutcomeId: outcome, ShareType: share}, nil
	}
	return holding, nil
}

func (s *Store) FindMarket(ctx context.Context, marketId ids.MarketId) (common.Market, error) {
	market, ok := s.markets[marketId]
	if !ok {
		return common.Market{}, ErrNotFound
	}
	return market, nil
}

func (s *Store) FindOutcome(ctx context.Context, outcomeId ids.OutcomeId) (common.Outcome, error) {
	outcome, ok := s.outcomes[outcomeId]
	if !ok {
		return common.Outcome{}, ErrNotFound
	}
	return outcome, nil
}

// PutMarket and PutOutcome seed reference data; the real adapter would
// read these from migrations/an admin API instead.
func (s *Store) PutMarket(market common.Market) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markets[market.MarketId] = market
}

func (s *Store) PutOutcome(outcome common.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[outcome.OutcomeId] = outcome
}

// CreditBalance seeds or tops up a user's available balance, for test
// and admin-tool use.
func (s *Store) CreditBalance(user ids.UserId, asset string, amount money.Amount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creditBalanceLocked(user, asset, amount)
}

// CreditShares seeds or tops up a user's disposable share holding, for
// test and admin-tool use.
func (s *Store) CreditShares(user ids.UserId, market ids.MarketId, outcome ids.OutcomeId, share common.ShareType, amount money.Amount, price money.Price) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creditShares(market, outcome, share, user, amount, price)
}

// settlementPayout computes a single share row's per-unit and total
// payout, grounded on settlement/service.rs's settle_user_shares: a
// resolved market pays 1 unit of collateral per winning share (Yes on
// the winning outcome, No on every losing outcome) and nothing for the
// losing side; a cancelled market refunds every row at its average
// cost. total includes both the disposable and frozen portions of the
// holding: a share resting in an unfilled Sell order is still owed its
// settlement value.
func settlementPayout(market common.Market, outcomeId ids.OutcomeId, share common.ShareType, total money.Amount, avgCost money.Price) (money.Price, money.Amount) {
	switch market.Status {
	case common.Resolved:
		won := market.WinningOutcomeId != nil && *market.WinningOutcomeId == outcomeId
		isWinningShare := (won && share == common.Yes) || (!won && share == common.No)
		if !isWinningShare {
			return 0, 0
		}
		full := money.PriceFromFloat(1.0)
		return full, full.Mul(total)
	case common.MarketCancelled:
		return avgCost, avgCost.Mul(total)
	default:
		return 0, 0
	}
}

// settle walks every outcome belonging to market and redeems the
// user's non-zero share rows, crediting the resulting payout to
// CollateralAsset. Callers hold s.mu.
func (s *Store) settle(market common.Market, user ids.UserId) ports.Settlement {
	result := ports.Settlement{}
	now := time.Now()

	for outcomeId, outcome := range s.outcomes {
		if outcome.MarketId != market.MarketId {
			continue
		}
		for _, share := range [2]common.ShareType{common.Yes, common.No} {
			key := shareKey{User: user, Outcome: outcomeId, Share: share}
			holding, ok := s.shareHoldings[key]
			total := holding.Amount + holding.Frozen
			if !ok || total <= 0 {
				continue
			}

			payoutPerUnit, payout := settlementPayout(market, outcomeId, share, total, holding.AvgCost)

			s.shareChanges = append(s.shareChanges, common.ShareChange{
				UserId:     user,
				MarketId:   market.MarketId,
				OutcomeId:  outcomeId,
				ShareType:  share,
				ChangeType: common.ChangeRedeem,
				Amount:     -total,
				Price:      payoutPerUnit,
				Timestamp:  now,
			})

			holding.Amount = 0
			holding.Frozen = 0
			s.shareHoldings[key] = holding

			if payout > 0 {
				s.creditBalanceLocked(user, CollateralAsset, payout)
			}

			result.SharesSettled = append(result.SharesSettled, ports.SettledShare{
				OutcomeId:     outcomeId,
				ShareType:     share,
				Amount:        total,
				PayoutPerUnit: payoutPerUnit,
				Payout:        payout,
			})
			result.TotalPayout += payout
		}
	}

	return result
}

// SettleUser implements ports.Persistence per spec §4.7, grounded on
// settlement/service.rs's settle_user_shares: one-shot, idempotent
// redemption of every share row the user holds in market.
func (s *Store) SettleUser(ctx context.Context, marketId ids.MarketId, user ids.UserId) (ports.Settlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := settlementKey{Market: marketId, User: user}
	if _, done := s.settlements[key]; done {
		return ports.Settlement{}, ErrAlreadySettled
	}

	market, ok := s.markets[marketId]
	if !ok {
		return ports.Settlement{}, ErrNotFound
	}
	if market.Status != common.Resolved && market.Status != common.MarketCancelled {
		return ports.Settlement{}, ErrMarketNotSettleable
	}

	result := s.settle(market, user)
	s.settlements[key] = ports.SettlementStatus{IsSettled: true, PotentialPayout: result.TotalPayout, CanSettle: false}
	return result, nil
}

// SettlementStatus implements ports.Persistence per spec §4.7: a
// read-only preview of SettleUser's outcome, grounded on
// settlement/service.rs's get_settlement_status.
func (s *Store) SettlementStatus(ctx context.Context, marketId ids.MarketId, user ids.UserId) (ports.SettlementStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := settlementKey{Market: marketId, User: user}
	if status, done := s.settlements[key]; done {
		return status, nil
	}

	market, ok := s.markets[marketId]
	if !ok {
		return ports.SettlementStatus{}, ErrNotFound
	}

	settleable := market.Status == common.Resolved || market.Status == common.MarketCancelled
	var totalShares money.Amount
	var potential money.Amount

	for outcomeId, outcome := range s.outcomes {
		if outcome.MarketId != marketId {
			continue
		}
		for _, share := range [2]common.ShareType{common.Yes, common.No} {
			holding, ok := s.shareHoldings[shareKey{User: user, Outcome: outcomeId, Share: share}]
			total := holding.Amount + holding.Frozen
			if !ok || total <= 0 {
				continue
			}
			totalShares += total
			if settleable {
				_, payout := settlementPayout(market, outcomeId, share, total, holding.AvgCost)
				potential += payout
			}
		}
	}

	return ports.SettlementStatus{
		IsSettled:       false,
		PotentialPayout: potential,
		CanSettle:       settleable && totalShares > 0,
	}, nil
}

func (s *Store) creditBalanceLocked(user ids.UserId, asset string, amount money.Amount) {
	key := balanceKey{User: user, Asset: asset}
	bal := s.balances[key]
	bal.UserId, bal.Asset = user, asset
	bal.Available += amount
	s.balances[key] = bal
}

func (s *Store) RecordRecovery(ctx context.Context, entry ports.RecoveryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recovery = append(s.recovery, entry)
	log.Warn().Str("trade_id", entry.TradeId.String()).Msg("recorded recovery entry")
	return nil
}

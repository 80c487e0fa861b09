// Package chain implements a no-op ports.ChainGateway. Blockchain
// read/write (settlement bond posting, on-chain condition resolution)
// is genuinely out of scope here; this adapter exists so the
// orchestrator is runnable and testable against a real interface
// without a live chain connection.
package chain

import (
	"context"

	"github.com/rs/zerolog/log"

	"oddsmint/internal/common"
	"oddsmint/internal/ids"
)

// Gateway is a ChainGateway stand-in: every call succeeds immediately
// and is logged, so callers exercise the real interface shape without
// depending on chain infrastructure.
type Gateway struct{}

// New constructs a no-op Gateway.
func New() *Gateway {
	return &Gateway{}
}

// SubmitMatchedTrade implements ports.ChainGateway.
func (g *Gateway) SubmitMatchedTrade(ctx context.Context, trade common.Trade) error {
	log.Debug().
		Str("trade_id", trade.TradeId.String()).
		Str("market_id", trade.MarketId.String()).
		Str("match_type", trade.MatchType.String()).
		Msg("chain: submit matched trade (no-op)")
	return nil
}

// ConditionPrepared implements ports.ChainGateway. It always reports
// the condition as prepared: there is no on-chain state to check.
func (g *Gateway) ConditionPrepared(ctx context.Context, conditionId string) (bool, error) {
	log.Debug().Str("condition_id", conditionId).Msg("chain: condition prepared (no-op)")
	return true, nil
}

// ObserveResolution implements ports.ChainGateway. It never observes a
// resolution on its own; markets are resolved out-of-band (e.g. via an
// admin tool calling persistence.Store.PutMarket directly) and this
// adapter simply reports none pending.
func (g *Gateway) ObserveResolution(ctx context.Context, marketId ids.MarketId) (*ids.OutcomeId, error) {
	log.Debug().Str("market_id", marketId.String()).Msg("chain: observe resolution (no-op)")
	return nil, nil
}

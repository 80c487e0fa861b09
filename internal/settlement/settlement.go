// Package settlement exposes the post-resolution payout flow — spec
// §4.7's SettlementProcessor — as a thin wrapper over the Persistence
// port's SettleUser/SettlementStatus, which already hold the payout
// math grounded on original_source/.../settlement/service.rs.
package settlement

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"oddsmint/internal/ids"
	"oddsmint/internal/ports"
)

// Processor is spec §4.7's SettlementProcessor.
type Processor struct {
	store ports.Persistence
	log   zerolog.Logger
}

// New constructs a Processor backed by store.
func New(store ports.Persistence) *Processor {
	return &Processor{
		store: store,
		log:   log.With().Str("component", "settlement").Logger(),
	}
}

// Settle redeems every share row user holds in marketId, crediting the
// payout to their collateral balance. Calling it twice for the same
// (market, user) returns an error: settlement is one-shot.
func (p *Processor) Settle(ctx context.Context, marketId ids.MarketId, user ids.UserId) (ports.Settlement, error) {
	result, err := p.store.SettleUser(ctx, marketId, user)
	if err != nil {
		p.log.Warn().
			Err(err).
			Str("market_id", marketId.String()).
			Str("user", user.String()).
			Msg("settlement rejected")
		return ports.Settlement{}, err
	}

	p.log.Info().
		Str("market_id", marketId.String()).
		Str("user", user.String()).
		Str("total_payout", result.TotalPayout.String()).
		Int("shares_settled", len(result.SharesSettled)).
		Msg("settled user")
	return result, nil
}

// Status previews the outcome of Settle without mutating any state, so
// a client can poll "can I settle yet" without risking a double-settle.
func (p *Processor) Status(ctx context.Context, marketId ids.MarketId, user ids.UserId) (ports.SettlementStatus, error) {
	return p.store.SettlementStatus(ctx, marketId, user)
}

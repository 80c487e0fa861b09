// Package ids defines the opaque identifier types used throughout the
// core: 128-bit UUIDs for markets, outcomes, orders and trades, and a
// 20-byte wallet address for users.
package ids

import (
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// MarketId identifies a market.
type MarketId uuid.UUID

// OutcomeId identifies an outcome within a market.
type OutcomeId uuid.UUID

// OrderId identifies an order.
type OrderId uuid.UUID

// TradeId identifies a trade.
type TradeId uuid.UUID

func (m MarketId) String() string  { return uuid.UUID(m).String() }
func (o OutcomeId) String() string { return uuid.UUID(o).String() }
func (o OrderId) String() string   { return uuid.UUID(o).String() }
func (t TradeId) String() string   { return uuid.UUID(t).String() }

// NewMarketId mints a fresh random MarketId.
func NewMarketId() MarketId { return MarketId(uuid.New()) }

// NewOutcomeId mints a fresh random OutcomeId.
func NewOutcomeId() OutcomeId { return OutcomeId(uuid.New()) }

// NewOrderId mints a fresh random OrderId.
func NewOrderId() OrderId { return OrderId(uuid.New()) }

// NewTradeId mints a fresh random TradeId.
func NewTradeId() TradeId { return TradeId(uuid.New()) }

// UserId is a 20-byte wallet address, normalised to lowercase hex.
type UserId [20]byte

// ParseUserId normalises a hex-encoded (optionally 0x-prefixed) wallet
// address into a UserId.
func ParseUserId(s string) (UserId, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	var out UserId
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != len(out) {
		return out, errInvalidUserIdLength
	}
	copy(out[:], b)
	return out, nil
}

// String returns the lowercase 0x-prefixed hex representation.
func (u UserId) String() string {
	return "0x" + hex.EncodeToString(u[:])
}

var errInvalidUserIdLength = &invalidLengthError{}

type invalidLengthError struct{}

func (*invalidLengthError) Error() string { return "ids: user id must be 20 bytes" }

package matching

import (
	"bytes"

	"oddsmint/internal/common"
	"oddsmint/internal/ids"
)

// BookKey identifies one (market, outcome, share type) order book. It has
// a total order so mint/merge operations that touch two books can always
// acquire them in a canonical sequence, eliminating deadlock even when
// two users submit crossing Yes/No orders simultaneously (spec §5).
type BookKey struct {
	Market  ids.MarketId
	Outcome ids.OutcomeId
	Share   common.ShareType
}

// Less totally orders keys by market id, then outcome id, then share
// type, matching spec §5's "compare market id, outcome id, then share
// type".
func (k BookKey) Less(o BookKey) bool {
	if c := bytes.Compare(k.Market[:], o.Market[:]); c != 0 {
		return c < 0
	}
	if c := bytes.Compare(k.Outcome[:], o.Outcome[:]); c != 0 {
		return c < 0
	}
	return k.Share < o.Share
}

// Complement returns the key for the same market/outcome with the
// opposite share type.
func (k BookKey) Complement() BookKey {
	return BookKey{Market: k.Market, Outcome: k.Outcome, Share: k.Share.Complement()}
}

func keyOf(o *common.Order) BookKey {
	return BookKey{Market: o.MarketId, Outcome: o.OutcomeId, Share: o.ShareType}
}

// Ordered returns (first, second) such that first.Less(second) or they
// are equal — the canonical acquisition order for a pair of keys.
func Ordered(a, b BookKey) (BookKey, BookKey) {
	if a.Less(b) {
		return a, b
	}
	return b, a
}

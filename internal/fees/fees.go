// Package fees implements the symmetric maker/taker fee schedule for
// prediction-market trades, per spec §4.3.
package fees

import "oddsmint/internal/money"

const bpsDenominator = int64(10_000)

// DefaultMakerBps and DefaultTakerBps match spec §4.3's defaults.
const (
	DefaultMakerBps = 10
	DefaultTakerBps = 20
)

// DefaultMinOrderValue is the admission floor on price*amount, per
// §4.6's "default 1 unit of collateral".
var DefaultMinOrderValue = money.Amount(money.Scale)

// Policy computes symmetric fees proportional to a trade's distance from
// a trivial (always/never resolves) outcome: edge = min(price, 1-price).
// This keeps fees symmetric between the Yes and No sides of the same
// market and zero at the degenerate endpoints. MinOrderValue gates
// admission, not execution: it is consulted by the orchestrator, never
// by the matching engine itself.
type Policy struct {
	MakerBps      int64
	TakerBps      int64
	MinOrderValue money.Amount
}

// Default returns the policy with spec-default basis points and minimum
// order value.
func Default() Policy {
	return Policy{MakerBps: DefaultMakerBps, TakerBps: DefaultTakerBps, MinOrderValue: DefaultMinOrderValue}
}

// MakerFee returns maker_bps * edge * amount / 10_000.
func (p Policy) MakerFee(price money.Price, amount money.Amount) money.Amount {
	return feeFor(p.MakerBps, price, amount)
}

// TakerFee returns taker_bps * edge * amount / 10_000.
func (p Policy) TakerFee(price money.Price, amount money.Amount) money.Amount {
	return feeFor(p.TakerBps, price, amount)
}

func feeFor(bps int64, price money.Price, amount money.Amount) money.Amount {
	edge := price.Edge()
	notional := edge.Mul(amount)
	return money.Amount(int64(notional) * bps / bpsDenominator)
}

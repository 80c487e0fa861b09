package fees

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"oddsmint/internal/money"
)

func TestSymmetricFeeAcrossSides(t *testing.T) {
	p := Default()
	amount := money.AmountFromFloat(100)

	feeAt90 := p.TakerFee(money.PriceFromFloat(0.90), amount)
	feeAt10 := p.TakerFee(money.PriceFromFloat(0.10), amount)
	assert.Equal(t, feeAt90, feeAt10)
}

func TestFeeZeroAtEndpointsEdge(t *testing.T) {
	p := Default()
	amount := money.AmountFromFloat(100)

	// Edge approaches zero near the boundary, so fee approaches zero too.
	fee := p.TakerFee(money.Price(1), amount)
	assert.InDelta(t, 0.0, fee.Float(), 1e-4)
}

func TestMakerCheaperThanTaker(t *testing.T) {
	p := Default()
	amount := money.AmountFromFloat(100)
	price := money.PriceFromFloat(0.60)

	maker := p.MakerFee(price, amount)
	taker := p.TakerFee(price, amount)
	assert.Less(t, int64(maker), int64(taker))
}

func TestFeeFormula(t *testing.T) {
	p := Default()
	price := money.PriceFromFloat(0.90)
	amount := money.AmountFromFloat(100)

	// edge = min(0.9, 0.1) = 0.1; taker fee = 20 * 0.1 * 100 / 10000 = 0.02
	fee := p.TakerFee(price, amount)
	assert.InDelta(t, 0.02, fee.Float(), 1e-6)
}

package pnl

import (
	"testing"
	"time"

	"botctl/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func fill(side core.Side, baseQty, price, commission float64, at time.Time, id string) core.Fill {
	bq := decimal.NewFromFloat(baseQty)
	p := decimal.NewFromFloat(price)
	return core.Fill{
		FillID:        id,
		Pair:          "BTC-USD",
		Side:          side,
		BaseQty:       bq,
		QuoteValueUSD: bq.Mul(p),
		Price:         p,
		CommissionUSD: decimal.NewFromFloat(commission),
		ExecutedAt:    at,
	}
}

// Property 8: a single round-trip BUY then SELL of the same quantity with
// zero fees realizes exactly q*(p2-p1) and leaves no unrealized exposure.
func TestCalculate_RoundTripNoFees(t *testing.T) {
	t0 := time.Unix(1000, 0)
	fills := []core.Fill{
		fill(core.SideBuy, 0.01, 50000, 0, t0, "f1"),
		fill(core.SideSell, 0.01, 51000, 0, t0.Add(time.Minute), "f2"),
	}

	result := New().Calculate("BTC-USD", fills, decimal.NewFromFloat(51000))

	assert.True(t, result.RealizedUSD.Equal(decimal.NewFromFloat(10)), "realized: %s", result.RealizedUSD)
	assert.True(t, result.UnrealizedUSD.IsZero(), "unrealized: %s", result.UnrealizedUSD)
	assert.Equal(t, 0, result.OpenLots)
}

// Property 9: buy-and-hold never realizes a loss equal to the full cost
// basis; realized is just -commissions, and unrealized reflects drift.
func TestCalculate_OpenPositionNeverRealizesFullCost(t *testing.T) {
	t0 := time.Unix(1000, 0)
	fills := []core.Fill{
		fill(core.SideBuy, 0.01, 50000, 0.5, t0, "f1"),
		fill(core.SideBuy, 0.01, 52000, 0.5, t0.Add(time.Minute), "f2"),
	}

	result := New().Calculate("BTC-USD", fills, decimal.NewFromFloat(52000))

	assert.True(t, result.RealizedUSD.Equal(decimal.NewFromFloat(-1)), "realized: %s", result.RealizedUSD)
	// lot1: 0.01 * (52000-50000) = 20; lot2: 0.01 * (52000-52000) = 0
	assert.True(t, result.UnrealizedUSD.Equal(decimal.NewFromFloat(20)), "unrealized: %s", result.UnrealizedUSD)
	assert.Equal(t, 2, result.OpenLots)
}

func TestCalculate_FIFOMatchesOldestLotFirst(t *testing.T) {
	t0 := time.Unix(1000, 0)
	fills := []core.Fill{
		fill(core.SideBuy, 0.01, 40000, 0, t0, "f1"),
		fill(core.SideBuy, 0.01, 44000, 0, t0.Add(time.Minute), "f2"),
		fill(core.SideSell, 0.01, 50000, 0, t0.Add(2*time.Minute), "f3"),
	}

	result := New().Calculate("BTC-USD", fills, decimal.NewFromFloat(50000))

	// FIFO matches the 40000 lot, not the 44000 lot.
	assert.True(t, result.RealizedUSD.Equal(decimal.NewFromFloat(100)), "realized: %s", result.RealizedUSD)
	assert.True(t, result.UnrealizedUSD.Equal(decimal.NewFromFloat(60)), "unrealized: %s", result.UnrealizedUSD)
	assert.Equal(t, 1, result.OpenLots)
}

// The calculator sorts fills by timestamp before FIFO matching, so the order
// of the input slice doesn't change the result.
func TestCalculate_OrderIndependentOfInputSliceOrder(t *testing.T) {
	t0 := time.Unix(1000, 0)
	a := fill(core.SideBuy, 0.01, 40000, 0, t0, "f1")
	b := fill(core.SideBuy, 0.01, 44000, 0, t0.Add(time.Minute), "f2")
	c := fill(core.SideSell, 0.01, 50000, 0, t0.Add(2*time.Minute), "f3")

	r1 := New().Calculate("BTC-USD", []core.Fill{a, b, c}, decimal.NewFromFloat(50000))
	r2 := New().Calculate("BTC-USD", []core.Fill{c, b, a}, decimal.NewFromFloat(50000))

	assert.True(t, r1.RealizedUSD.Equal(r2.RealizedUSD))
	assert.True(t, r1.UnrealizedUSD.Equal(r2.UnrealizedUSD))
}

func TestCalculate_TimestampTieBrokenByFillID(t *testing.T) {
	t0 := time.Unix(1000, 0)
	// Same timestamp: fill_id ordering decides which BUY is "first" and thus
	// which lot a subsequent SELL matches.
	fills := []core.Fill{
		fill(core.SideBuy, 0.01, 44000, 0, t0, "b"),
		fill(core.SideBuy, 0.01, 40000, 0, t0, "a"),
		fill(core.SideSell, 0.01, 50000, 0, t0.Add(time.Minute), "c"),
	}

	result := New().Calculate("BTC-USD", fills, decimal.NewFromFloat(50000))

	// "a" sorts before "b", so the 40000 lot is consumed first.
	assert.True(t, result.RealizedUSD.Equal(decimal.NewFromFloat(100)), "realized: %s", result.RealizedUSD)
}

func TestCalculate_EmptyFills(t *testing.T) {
	result := New().Calculate("BTC-USD", nil, decimal.NewFromFloat(100))
	assert.True(t, result.RealizedUSD.IsZero())
	assert.True(t, result.UnrealizedUSD.IsZero())
	assert.Equal(t, 0, result.OpenLots)
}

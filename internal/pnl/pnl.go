// Package pnl implements the PnLCalculator: a pure function over a pair's
// fill sequence (spec.md §4.I) that never persists its result. The FillStore
// stays the only source of truth; this package is re-run on demand.
package pnl

import (
	"sort"

	"botctl/internal/core"

	"github.com/shopspring/decimal"
)

// lot is one open FIFO BUY lot awaiting a matching SELL.
type lot struct {
	remainingBase decimal.Decimal
	unitCostUSD   decimal.Decimal
}

// Result is the PnL snapshot for one pair at one instant.
type Result struct {
	Pair          string
	RealizedUSD   decimal.Decimal
	UnrealizedUSD decimal.Decimal
	TotalUSD      decimal.Decimal
	OpenBaseQty   decimal.Decimal
	OpenLots      int
}

// Calculator implements core.PnLCalculator (named informally; the core
// package does not force an interface on this since it is never injected
// behind a mock — callers always want the real FIFO math).
type Calculator struct{}

// New returns a stateless Calculator.
func New() Calculator { return Calculator{} }

// Calculate computes realized and unrealized P&L for pair given its full
// fill history and the current market price. Fills are re-sorted by
// executed_at with fill_id as a stable tiebreaker, so callers never need to
// guarantee ordering themselves.
func (Calculator) Calculate(pair string, fills []core.Fill, currentPrice decimal.Decimal) Result {
	ordered := sortedFills(fills)

	var lots []lot
	realized := decimal.Zero

	for _, f := range ordered {
		switch f.Side {
		case core.SideBuy:
			realized = realized.Sub(f.CommissionUSD)
			if f.BaseQty.Sign() <= 0 {
				continue
			}
			lots = append(lots, lot{
				remainingBase: f.BaseQty,
				unitCostUSD:   f.QuoteValueUSD.Div(f.BaseQty),
			})

		case core.SideSell:
			realized = realized.Sub(f.CommissionUSD)
			remaining := f.BaseQty

			for len(lots) > 0 && remaining.Sign() > 0 {
				head := &lots[0]
				matched := decimal.Min(head.remainingBase, remaining)

				realized = realized.Add(matched.Mul(f.Price.Sub(head.unitCostUSD)))
				head.remainingBase = head.remainingBase.Sub(matched)
				remaining = remaining.Sub(matched)

				if head.remainingBase.Sign() <= 0 {
					lots = lots[1:]
				}
			}

			// A sell exceeding every tracked open lot means the fill history
			// predates what this store holds (e.g. a position opened before
			// the bot existed). Treat the excess as zero-cost-basis rather
			// than let it go unaccounted for.
			if remaining.Sign() > 0 {
				realized = realized.Add(remaining.Mul(f.Price))
			}
		}
	}

	unrealized := decimal.Zero
	openQty := decimal.Zero
	for _, l := range lots {
		unrealized = unrealized.Add(l.remainingBase.Mul(currentPrice.Sub(l.unitCostUSD)))
		openQty = openQty.Add(l.remainingBase)
	}

	return Result{
		Pair:          pair,
		RealizedUSD:   realized,
		UnrealizedUSD: unrealized,
		TotalUSD:      realized.Add(unrealized),
		OpenBaseQty:   openQty,
		OpenLots:      len(lots),
	}
}

func sortedFills(fills []core.Fill) []core.Fill {
	ordered := make([]core.Fill, len(fills))
	copy(ordered, fills)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].ExecutedAt.Equal(ordered[j].ExecutedAt) {
			return ordered[i].ExecutedAt.Before(ordered[j].ExecutedAt)
		}
		return ordered[i].FillID < ordered[j].FillID
	})
	return ordered
}

package tracker

import (
	"context"
	"testing"
	"time"

	"botctl/internal/core"
	"botctl/internal/exchange/mock"
	"botctl/internal/store"
	"botctl/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTracker(t *testing.T, ex *mock.Exchange, mem *store.MemoryStore, onCompleted OnCompleted) *Tracker {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	return New(mem, ex, logger, time.Hour, 10*time.Minute, 30*time.Minute, onCompleted)
}

func pendingRecord(botID int64, pair, exchangeOrderID string, submittedAt time.Time) core.TradeRecord {
	return core.TradeRecord{
		BotID:               botID,
		Pair:                pair,
		Side:                core.SideBuy,
		SubmittedNotionalUSD: decimal.NewFromInt(10),
		SubmittedAt:          submittedAt,
		ExchangeOrderID:      exchangeOrderID,
		Status:               core.TradePending,
	}
}

// Invariant 1 / single-outstanding-order rule.
func TestHasPending(t *testing.T) {
	mem := store.NewMemoryStore()
	ex := mock.New()
	trk := newTracker(t, ex, mem, nil)
	ctx := context.Background()

	has, err := trk.HasPending(ctx, 1)
	require.NoError(t, err)
	assert.False(t, has)

	id, err := trk.CreatePending(ctx, pendingRecord(1, "BTC-USD", "mock-order-1", time.Now().Add(-time.Hour)))
	require.NoError(t, err)
	require.NotZero(t, id)

	has, err = trk.HasPending(ctx, 1)
	require.NoError(t, err)
	assert.True(t, has)
}

// spec.md §4.H step 6: a failed record is created already-terminal and never
// occupies the single-outstanding-order slot.
func TestCreateFailed_NeverCountsAsPending(t *testing.T) {
	mem := store.NewMemoryStore()
	ex := mock.New()
	trk := newTracker(t, ex, mem, nil)
	ctx := context.Background()

	rec := pendingRecord(1, "BTC-USD", "", time.Now())
	rec.ExchangeOrderID = ""
	id, err := trk.CreateFailed(ctx, rec, "insufficient funds")
	require.NoError(t, err)
	require.NotZero(t, id)

	has, err := trk.HasPending(ctx, 1)
	require.NoError(t, err)
	assert.False(t, has)

	got, err := mem.GetTradeRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.TradeFailed, got.Status)
	assert.Equal(t, "insufficient funds", got.FailureReason)
}

// Scenario 1 (clean buy): reconciliation observes a terminal fill, completes
// the record, ingests the fill exactly once, and fires onCompleted.
func TestSweep_CompletesOnTerminalFill(t *testing.T) {
	mem := store.NewMemoryStore()
	ex := mock.New()

	var completedBot int64
	var completedPrice decimal.Decimal
	trk := newTracker(t, ex, mem, func(botID int64, pair string, at time.Time, price decimal.Decimal) {
		completedBot = botID
		completedPrice = price
	})

	ctx := context.Background()
	orderID, err := ex.SubmitMarketOrder(ctx, core.OrderRequest{Pair: "BTC-USD", Side: core.SideBuy, NotionalOrSize: decimal.NewFromInt(10)})
	require.NoError(t, err)

	recID, err := trk.CreatePending(ctx, pendingRecord(7, "BTC-USD", orderID, time.Now().Add(-time.Minute)))
	require.NoError(t, err)

	ex.CompleteOrder(orderID, []core.Fill{
		{FillID: "f1", Price: decimal.NewFromInt(50000), BaseQty: decimal.NewFromFloat(0.0002), QuoteValueUSD: decimal.NewFromFloat(10), CommissionUSD: decimal.NewFromFloat(0.05), ExecutedAt: time.Now()},
	})

	result := trk.Sweep(ctx)
	assert.Equal(t, 1, result.Reconciled)
	assert.Equal(t, 1, result.Completed)

	rec, err := mem.GetTradeRecord(ctx, recID)
	require.NoError(t, err)
	assert.Equal(t, core.TradeCompleted, rec.Status)
	assert.False(t, rec.FilledAt.IsZero())

	assert.Equal(t, int64(7), completedBot)
	assert.True(t, completedPrice.Equal(decimal.NewFromInt(50000)))

	fills, err := mem.ListFillsByPair(ctx, "BTC-USD")
	require.NoError(t, err)
	require.Len(t, fills, 1)
}

// Property 3 / scenario 6: replaying the same fill across sweeps doesn't
// duplicate it.
func TestSweep_DuplicateFillIsIdempotent(t *testing.T) {
	mem := store.NewMemoryStore()
	ex := mock.New()
	trk := newTracker(t, ex, mem, nil)
	ctx := context.Background()

	orderID, _ := ex.SubmitMarketOrder(ctx, core.OrderRequest{Pair: "BTC-USD", Side: core.SideBuy})
	trk.CreatePending(ctx, pendingRecord(1, "BTC-USD", orderID, time.Now().Add(-time.Minute)))

	fill := core.Fill{FillID: "dup-1", Price: decimal.NewFromInt(100), BaseQty: decimal.NewFromInt(1), QuoteValueUSD: decimal.NewFromInt(100), ExecutedAt: time.Now()}
	ex.CompleteOrder(orderID, []core.Fill{fill})

	trk.Sweep(ctx)
	trk.Sweep(ctx) // already completed; second sweep is a no-op since the record is terminal

	fills, err := mem.ListFillsByPair(ctx, "BTC-USD")
	require.NoError(t, err)
	assert.Len(t, fills, 1)
}

func TestSweep_TransitionsFailedOnCancellation(t *testing.T) {
	mem := store.NewMemoryStore()
	ex := mock.New()
	trk := newTracker(t, ex, mem, nil)
	ctx := context.Background()

	orderID, _ := ex.SubmitMarketOrder(ctx, core.OrderRequest{Pair: "BTC-USD", Side: core.SideBuy})
	recID, _ := trk.CreatePending(ctx, pendingRecord(1, "BTC-USD", orderID, time.Now().Add(-time.Minute)))
	ex.FailOrder(orderID)

	trk.Sweep(ctx)

	rec, err := mem.GetTradeRecord(ctx, recID)
	require.NoError(t, err)
	assert.Equal(t, core.TradeFailed, rec.Status)
}

// Terminal states never mutate back (property 2).
func TestSweep_NeverReopensTerminalRecord(t *testing.T) {
	mem := store.NewMemoryStore()
	ex := mock.New()
	trk := newTracker(t, ex, mem, nil)
	ctx := context.Background()

	orderID, _ := ex.SubmitMarketOrder(ctx, core.OrderRequest{Pair: "BTC-USD", Side: core.SideBuy})
	recID, _ := trk.CreatePending(ctx, pendingRecord(1, "BTC-USD", orderID, time.Now().Add(-time.Minute)))
	ex.CompleteOrder(orderID, []core.Fill{{FillID: "f1", Price: decimal.NewFromInt(1), BaseQty: decimal.NewFromInt(1), QuoteValueUSD: decimal.NewFromInt(1), ExecutedAt: time.Now()}})
	trk.Sweep(ctx)

	// Exchange now reports the same order as cancelled (shouldn't happen, but
	// the CAS in TransitionTradeRecord must refuse to move it anyway).
	ex.FailOrder(orderID)
	trk.Sweep(ctx)

	rec, err := mem.GetTradeRecord(ctx, recID)
	require.NoError(t, err)
	assert.Equal(t, core.TradeCompleted, rec.Status)
}

// Scenario 5: a stuck order escalates warning -> critical without being
// force-transitioned.
func TestFlagStuck_EscalatesWarningThenCritical(t *testing.T) {
	mem := store.NewMemoryStore()
	ex := mock.New()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	trk := New(mem, ex, logger, time.Hour, 10*time.Minute, 30*time.Minute, nil)
	ctx := context.Background()

	orderID, _ := ex.SubmitMarketOrder(ctx, core.OrderRequest{Pair: "BTC-USD", Side: core.SideBuy})
	recID, _ := trk.CreatePending(ctx, pendingRecord(1, "BTC-USD", orderID, time.Now().Add(-12*time.Minute)))

	trk.Sweep(ctx)
	rec, _ := mem.GetTradeRecord(ctx, recID)
	assert.Equal(t, core.StuckWarning, rec.Stuck)
	assert.Equal(t, core.TradePending, rec.Status)

	mem.TransitionTradeRecord(ctx, recID, core.TradePending, core.TradePending, 0, "")
	// Simulate more time elapsed by re-creating with an older submit time.
	rec2 := pendingRecord(2, "ETH-USD", "mock-order-x", time.Now().Add(-31*time.Minute))
	ex.SubmitMarketOrder(ctx, core.OrderRequest{Pair: "ETH-USD", Side: core.SideBuy})
	recID2, _ := trk.CreatePending(ctx, rec2)

	trk.Sweep(ctx)
	rec, _ = mem.GetTradeRecord(ctx, recID2)
	assert.Equal(t, core.StuckCritical, rec.Stuck)
	assert.Equal(t, core.TradePending, rec.Status)
}

func TestExpeditePair_OnlyReconcilesMatchingPair(t *testing.T) {
	mem := store.NewMemoryStore()
	ex := mock.New()
	trk := newTracker(t, ex, mem, nil)
	ctx := context.Background()

	btcOrder, _ := ex.SubmitMarketOrder(ctx, core.OrderRequest{Pair: "BTC-USD", Side: core.SideBuy})
	ethOrder, _ := ex.SubmitMarketOrder(ctx, core.OrderRequest{Pair: "ETH-USD", Side: core.SideBuy})
	btcRecID, _ := trk.CreatePending(ctx, pendingRecord(1, "BTC-USD", btcOrder, time.Now().Add(-time.Minute)))
	ethRecID, _ := trk.CreatePending(ctx, pendingRecord(2, "ETH-USD", ethOrder, time.Now().Add(-time.Minute)))

	ex.CompleteOrder(btcOrder, []core.Fill{{FillID: "f1", Price: decimal.NewFromInt(1), BaseQty: decimal.NewFromInt(1), QuoteValueUSD: decimal.NewFromInt(1), ExecutedAt: time.Now()}})
	ex.CompleteOrder(ethOrder, []core.Fill{{FillID: "f2", Price: decimal.NewFromInt(1), BaseQty: decimal.NewFromInt(1), QuoteValueUSD: decimal.NewFromInt(1), ExecutedAt: time.Now()}})

	trk.ExpeditePair(ctx, "BTC-USD")

	btcRec, _ := mem.GetTradeRecord(ctx, btcRecID)
	ethRec, _ := mem.GetTradeRecord(ctx, ethRecID)
	assert.Equal(t, core.TradeCompleted, btcRec.Status)
	assert.Equal(t, core.TradePending, ethRec.Status)
}

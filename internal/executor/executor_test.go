package executor

import (
	"context"
	"testing"
	"time"

	"botctl/internal/account"
	"botctl/internal/authguard"
	"botctl/internal/core"
	"botctl/internal/exchange/mock"
	"botctl/internal/store"
	apperrors "botctl/pkg/errors"
	"botctl/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// trackerAdapter adapts the real tracker.Tracker's three methods used here,
// avoiding a direct import cycle concern and letting tests swap in a memory
// store directly.
type trackerAdapter struct {
	store core.Persistence
}

func (a *trackerAdapter) HasPending(ctx context.Context, botID int64) (bool, error) {
	records, err := a.store.ListTradeRecordsByBot(ctx, botID)
	if err != nil {
		return false, err
	}
	for _, r := range records {
		if r.Status == core.TradePending {
			return true, nil
		}
	}
	return false, nil
}

func (a *trackerAdapter) CreatePending(ctx context.Context, rec core.TradeRecord) (int64, error) {
	rec.Status = core.TradePending
	return a.store.CreateTradeRecord(ctx, rec)
}

func (a *trackerAdapter) CreateFailed(ctx context.Context, rec core.TradeRecord, reason string) (int64, error) {
	rec.Status = core.TradeFailed
	rec.FailureReason = reason
	return a.store.CreateTradeRecord(ctx, rec)
}

func newTestExecutor(t *testing.T, ex *mock.Exchange, mem *store.MemoryStore, guard *authguard.Guard) *Executor {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	return New(ex, &trackerAdapter{store: mem}, nil, logger, guard)
}

func TestSubmit_Success(t *testing.T) {
	mem := store.NewMemoryStore()
	ex := mock.New()
	exec := newTestExecutor(t, ex, mem, nil)
	ctx := context.Background()

	err := exec.Submit(ctx, core.OrderIntent{
		BotID:          1,
		Pair:           "BTC-USD",
		Side:           core.SideBuy,
		NotionalUSD:    decimal.NewFromInt(10),
		ReferencePrice: decimal.NewFromInt(50000),
	})
	require.NoError(t, err)

	records, err := mem.ListTradeRecordsByBot(ctx, 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, core.TradePending, records[0].Status)
	assert.Equal(t, "BTC-USD", records[0].Pair)
}

// Invariant 1: the executor must never submit a second order for a bot that
// already has one pending.
func TestSubmit_RefusesWhenPendingExists(t *testing.T) {
	mem := store.NewMemoryStore()
	ex := mock.New()
	exec := newTestExecutor(t, ex, mem, nil)
	ctx := context.Background()

	intent := core.OrderIntent{BotID: 1, Pair: "BTC-USD", Side: core.SideBuy, NotionalUSD: decimal.NewFromInt(10)}
	require.NoError(t, exec.Submit(ctx, intent))

	err := exec.Submit(ctx, intent)
	assert.Error(t, err)

	records, _ := mem.ListTradeRecordsByBot(ctx, 1)
	assert.Len(t, records, 1)
}

// A validation failure (spec.md §4.H step 6) records a terminal failed
// TradeRecord with the reason, but still leaves the bot free to retry since
// the record never occupies the pending slot.
func TestSubmit_ValidationFailureRecordsFailedTradeRecord(t *testing.T) {
	mem := store.NewMemoryStore()
	ex := mock.New()
	ex.NextOrderErr = apperrors.ErrInsufficientFunds
	exec := newTestExecutor(t, ex, mem, nil)
	ctx := context.Background()

	err := exec.Submit(ctx, core.OrderIntent{BotID: 1, Pair: "BTC-USD", Side: core.SideBuy, NotionalUSD: decimal.NewFromInt(10)})
	assert.Error(t, err)

	records, _ := mem.ListTradeRecordsByBot(ctx, 1)
	require.Len(t, records, 1)
	assert.Equal(t, core.TradeFailed, records[0].Status)
	assert.NotEmpty(t, records[0].FailureReason)

	hasPending, err := exec.tracker.HasPending(ctx, 1)
	require.NoError(t, err)
	assert.False(t, hasPending, "a failed record must not occupy the single-outstanding-order slot")
}

// A transient exchange error (spec.md §4.H step 7) must not create any
// TradeRecord — the next tick re-evaluates and resubmits organically.
func TestSubmit_TransientFailureCreatesNoTradeRecord(t *testing.T) {
	mem := store.NewMemoryStore()
	ex := mock.New()
	ex.NextOrderErr = apperrors.ErrNetwork
	exec := newTestExecutor(t, ex, mem, nil)
	ctx := context.Background()

	err := exec.Submit(ctx, core.OrderIntent{BotID: 1, Pair: "BTC-USD", Side: core.SideBuy, NotionalUSD: decimal.NewFromInt(10)})
	assert.Error(t, err)

	records, _ := mem.ListTradeRecordsByBot(ctx, 1)
	assert.Len(t, records, 0, "a transient failure must not create a TradeRecord")
}

func TestSubmit_SkipsWhenAuthDegraded(t *testing.T) {
	mem := store.NewMemoryStore()
	ex := mock.New()
	guard := authguard.New(time.Hour)
	guard.Trip("bad api key")
	exec := newTestExecutor(t, ex, mem, guard)
	ctx := context.Background()

	err := exec.Submit(ctx, core.OrderIntent{BotID: 1, Pair: "BTC-USD", Side: core.SideBuy, NotionalUSD: decimal.NewFromInt(10)})
	assert.Error(t, err)

	records, _ := mem.ListTradeRecordsByBot(ctx, 1)
	assert.Len(t, records, 0)
}

func TestCheckHealth_HighErrorRateReported(t *testing.T) {
	mem := store.NewMemoryStore()
	ex := mock.New()
	exec := newTestExecutor(t, ex, mem, nil)

	for i := 0; i < 51; i++ {
		exec.recordError()
	}
	assert.Error(t, exec.CheckHealth())
}

func newAccountCache(ex *mock.Exchange) *account.Cache {
	logger, _ := logging.NewZapLogger("ERROR")
	return account.New(ex, logger, time.Minute, 5*time.Minute)
}

// spec.md §4.H step 2: BUY is refused when available USD falls short of the
// notional plus the estimated fee margin, and no TradeRecord is created.
func TestSubmit_RefusesBuyOnInsufficientUSD(t *testing.T) {
	mem := store.NewMemoryStore()
	ex := mock.New()
	ex.Balances["USD"] = core.Balance{Currency: "USD", Available: decimal.NewFromInt(5)}
	cache := newAccountCache(ex)
	logger, _ := logging.NewZapLogger("ERROR")
	exec := New(ex, &trackerAdapter{store: mem}, cache, logger, nil)
	ctx := context.Background()

	err := exec.Submit(ctx, core.OrderIntent{
		BotID: 1, Pair: "BTC-USD", Side: core.SideBuy,
		NotionalUSD: decimal.NewFromInt(10), ReferencePrice: decimal.NewFromInt(50000),
	})
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)

	records, _ := mem.ListTradeRecordsByBot(ctx, 1)
	assert.Len(t, records, 0)
}

// spec.md §4.H step 2: SELL is refused when the base currency balance falls
// short of notional/reference_price.
func TestSubmit_RefusesSellOnInsufficientBase(t *testing.T) {
	mem := store.NewMemoryStore()
	ex := mock.New()
	ex.Balances["BTC"] = core.Balance{Currency: "BTC", Available: decimal.NewFromFloat(0.0001)}
	cache := newAccountCache(ex)
	logger, _ := logging.NewZapLogger("ERROR")
	exec := New(ex, &trackerAdapter{store: mem}, cache, logger, nil)
	ctx := context.Background()

	err := exec.Submit(ctx, core.OrderIntent{
		BotID: 1, Pair: "BTC-USD", Side: core.SideSell,
		NotionalUSD: decimal.NewFromInt(10), ReferencePrice: decimal.NewFromInt(50000),
	})
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)

	records, _ := mem.ListTradeRecordsByBot(ctx, 1)
	assert.Len(t, records, 0)
}

// spec.md §4.H step 3: a SELL submits a base-denominated size derived from
// notional/reference_price, not the raw USD notional; a BUY submits the
// notional itself (quote-denominated).
func TestSizeFor(t *testing.T) {
	sell := sizeFor(core.OrderIntent{
		Side: core.SideSell, NotionalUSD: decimal.NewFromInt(100), ReferencePrice: decimal.NewFromInt(50000),
	})
	assert.True(t, decimal.NewFromFloat(0.002).Equal(sell))

	buy := sizeFor(core.OrderIntent{
		Side: core.SideBuy, NotionalUSD: decimal.NewFromInt(100), ReferencePrice: decimal.NewFromInt(50000),
	})
	assert.True(t, decimal.NewFromInt(100).Equal(buy))
}

// spec.md §4.H step 3, end-to-end: a SELL with sufficient base balance
// submits successfully and still records a pending TradeRecord.
func TestSubmit_SellSizesInBaseCurrency(t *testing.T) {
	mem := store.NewMemoryStore()
	ex := mock.New()
	ex.Balances["BTC"] = core.Balance{Currency: "BTC", Available: decimal.NewFromInt(1)}
	cache := newAccountCache(ex)
	logger, _ := logging.NewZapLogger("ERROR")
	exec := New(ex, &trackerAdapter{store: mem}, cache, logger, nil)
	ctx := context.Background()

	err := exec.Submit(ctx, core.OrderIntent{
		BotID: 1, Pair: "BTC-USD", Side: core.SideSell,
		NotionalUSD: decimal.NewFromInt(100), ReferencePrice: decimal.NewFromInt(50000),
	})
	require.NoError(t, err)

	records, _ := mem.ListTradeRecordsByBot(ctx, 1)
	require.Len(t, records, 1)
	assert.Equal(t, core.TradePending, records[0].Status)
}

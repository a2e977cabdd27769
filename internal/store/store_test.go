package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"botctl/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStores(t *testing.T) []core.Persistence {
	t.Helper()

	mem := NewMemoryStore()

	dir := t.TempDir()
	sqlitePath := filepath.Join(dir, "test.db")
	sqliteStore, err := NewSQLiteStore(sqlitePath)
	require.NoError(t, err)
	t.Cleanup(func() {
		sqliteStore.Close()
		os.Remove(sqlitePath)
	})

	return []core.Persistence{mem, sqliteStore}
}

func TestBotCRUD(t *testing.T) {
	for _, s := range newStores(t) {
		ctx := context.Background()
		bot := core.Bot{
			Name:   "btc-momentum",
			Pair:   "BTC-USD",
			Status: core.BotStopped,
			Signal: core.SignalConfig{Indicators: []core.IndicatorConfig{{Name: "rsi", Weight: 1.0, RSIPeriod: 14}}},
			Envelope: core.TradeEnvelope{
				PositionSizeUSD:     decimal.NewFromInt(10),
				ConfirmationMinutes: 1,
				CooldownMinutes:     15,
				BuyThreshold:        0.05,
				SellThreshold:       0.05,
			},
		}

		id, err := s.CreateBot(ctx, bot)
		require.NoError(t, err)

		got, err := s.GetBot(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "btc-momentum", got.Name)
		assert.Equal(t, "BTC-USD", got.Pair)
		assert.Len(t, got.Signal.Indicators, 1)
		assert.Equal(t, "rsi", got.Signal.Indicators[0].Name)
		assert.True(t, got.Envelope.PositionSizeUSD.Equal(decimal.NewFromInt(10)))

		require.NoError(t, s.UpdateBotStatus(ctx, id, core.BotRunning))
		got, err = s.GetBot(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, core.BotRunning, got.Status)

		list, err := s.ListBots(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	}
}

func TestTradeRecordTransitionIsCompareAndSwap(t *testing.T) {
	for _, s := range newStores(t) {
		ctx := context.Background()
		id, err := s.CreateTradeRecord(ctx, core.TradeRecord{
			BotID:                1,
			Pair:                 "BTC-USD",
			Side:                 core.SideBuy,
			SubmittedNotionalUSD: decimal.NewFromInt(10),
			SubmittedAt:          time.Now(),
			Status:               core.TradePending,
		})
		require.NoError(t, err)

		ok, err := s.TransitionTradeRecord(ctx, id, core.TradePending, core.TradeCompleted, time.Now().UnixNano(), "")
		require.NoError(t, err)
		assert.True(t, ok)

		// Second transition from the same stale "from" state must fail.
		ok, err = s.TransitionTradeRecord(ctx, id, core.TradePending, core.TradeFailed, 0, "late")
		require.NoError(t, err)
		assert.False(t, ok)

		rec, err := s.GetTradeRecord(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, core.TradeCompleted, rec.Status)
	}
}

func TestUpsertFillIsIdempotent(t *testing.T) {
	for _, s := range newStores(t) {
		ctx := context.Background()
		fill := core.Fill{
			FillID:          "fill-1",
			ExchangeOrderID: "order-1",
			Pair:            "BTC-USD",
			Side:            core.SideBuy,
			BaseQty:         decimal.NewFromFloat(0.001),
			Price:           decimal.NewFromInt(50000),
			ExecutedAt:      time.Now(),
		}

		inserted, err := s.UpsertFill(ctx, fill)
		require.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = s.UpsertFill(ctx, fill)
		require.NoError(t, err)
		assert.False(t, inserted)

		fills, err := s.ListFillsByPair(ctx, "BTC-USD")
		require.NoError(t, err)
		assert.Len(t, fills, 1)
	}
}

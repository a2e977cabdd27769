package mock

import (
	"context"
	"testing"
	"time"

	"botctl/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitAndCompleteOrder(t *testing.T) {
	ex := New()
	ctx := context.Background()

	id, err := ex.SubmitMarketOrder(ctx, core.OrderRequest{
		Pair:           "BTC-USD",
		Side:           core.SideBuy,
		NotionalOrSize: decimal.NewFromInt(10),
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)

	order, err := ex.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.ExchangeOrderOpen, order.Status)

	ex.CompleteOrder(id, []core.Fill{{FillID: "f1", BaseQty: decimal.NewFromFloat(0.001)}})

	order, err = ex.GetOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.ExchangeOrderFilled, order.Status)
	assert.Len(t, order.Fills, 1)
}

func TestIdempotentResubmission(t *testing.T) {
	ex := New()
	ctx := context.Background()

	req := core.OrderRequest{Pair: "BTC-USD", Side: core.SideBuy, NotionalOrSize: decimal.NewFromInt(10), IdempotencyKey: "dup"}

	id1, err := ex.SubmitMarketOrder(ctx, req)
	require.NoError(t, err)
	id2, err := ex.SubmitMarketOrder(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
}

func TestSubscribeAndPushTick(t *testing.T) {
	ex := New()
	ctx := context.Background()

	received := make(chan core.TickerEvent, 1)
	err := ex.Subscribe(ctx, []string{"BTC-USD"}, func(e core.TickerEvent) {
		received <- e
	})
	require.NoError(t, err)

	now := time.Now()
	ex.PushTick("BTC-USD", decimal.NewFromInt(50000), now)

	select {
	case e := <-received:
		assert.Equal(t, "BTC-USD", e.Pair)
		assert.True(t, e.Price.Equal(decimal.NewFromInt(50000)))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for tick")
	}
}

func TestGetOrderUnknownID(t *testing.T) {
	ex := New()
	_, err := ex.GetOrder(context.Background(), "does-not-exist")
	assert.Error(t, err)
}

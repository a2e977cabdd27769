package router

import (
	"sync"
	"testing"
	"time"

	"botctl/internal/core"
	"botctl/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)
	r := New(logger, 4, 16)
	t.Cleanup(r.Stop)
	return r
}

func TestRouteDispatchesToSubscriber(t *testing.T) {
	r := newTestRouter(t)

	received := make(chan core.TickerEvent, 1)
	r.Subscribe("BTC-USD", 1, func(e core.TickerEvent) { received <- e })

	now := time.Now()
	r.Route(core.TickerEvent{Pair: "BTC-USD", Price: decimal.NewFromInt(50000), Ts: now})

	select {
	case e := <-received:
		assert.True(t, e.Price.Equal(decimal.NewFromInt(50000)))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
}

func TestRouteDropsNonMonotoneTimestamps(t *testing.T) {
	r := newTestRouter(t)

	var mu sync.Mutex
	var events []core.TickerEvent
	r.Subscribe("BTC-USD", 1, func(e core.TickerEvent) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	base := time.Now()
	r.Route(core.TickerEvent{Pair: "BTC-USD", Price: decimal.NewFromInt(100), Ts: base})
	r.Route(core.TickerEvent{Pair: "BTC-USD", Price: decimal.NewFromInt(99), Ts: base.Add(-time.Second)})
	r.Route(core.TickerEvent{Pair: "BTC-USD", Price: decimal.NewFromInt(101), Ts: base.Add(time.Second)})

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.True(t, events[0].Price.Equal(decimal.NewFromInt(100)))
	assert.True(t, events[1].Price.Equal(decimal.NewFromInt(101)))
}

func TestUnsubscribeStopsDispatch(t *testing.T) {
	r := newTestRouter(t)

	called := false
	r.Subscribe("BTC-USD", 1, func(e core.TickerEvent) { called = true })
	r.Unsubscribe("BTC-USD", 1)

	r.Route(core.TickerEvent{Pair: "BTC-USD", Price: decimal.NewFromInt(1), Ts: time.Now()})
	time.Sleep(50 * time.Millisecond)

	assert.False(t, called)
}

func TestCoalescesBurstsUnderSlowHandler(t *testing.T) {
	r := newTestRouter(t)

	start := make(chan struct{})
	release := make(chan struct{})
	var callCount int
	var mu sync.Mutex

	r.Subscribe("BTC-USD", 1, func(e core.TickerEvent) {
		mu.Lock()
		callCount++
		first := callCount == 1
		mu.Unlock()
		if first {
			close(start)
			<-release
		}
	})

	base := time.Now()
	r.Route(core.TickerEvent{Pair: "BTC-USD", Price: decimal.NewFromInt(1), Ts: base})
	<-start

	for i := 2; i <= 10; i++ {
		r.Route(core.TickerEvent{Pair: "BTC-USD", Price: decimal.NewFromInt(int64(i)), Ts: base.Add(time.Duration(i) * time.Millisecond)})
	}
	close(release)

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Less(t, callCount, 11)
	assert.GreaterOrEqual(t, callCount, 2)
}

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitAllowsWithinBurst(t *testing.T) {
	l := New(1000, 5)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Wait(ctx))
	}
}

func TestDrainForcesWait(t *testing.T) {
	l := New(1, 1)
	ctx := context.Background()
	require.NoError(t, l.Wait(ctx))

	l.Drain()

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := l.Wait(short)
	assert.Error(t, err)
}

func TestReconfigureTakesEffect(t *testing.T) {
	l := New(1, 1)
	l.Reconfigure(1000, 10)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 10; i++ {
		require.NoError(t, l.Wait(ctx))
	}
}

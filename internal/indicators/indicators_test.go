package indicators

import (
	"testing"

	"botctl/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMACrossoverScorePinnedCurve(t *testing.T) {
	cases := []struct {
		name       string
		fast, slow float64
		want       float64
	}{
		{"equal", 100, 100, 0},
		{"at positive clamp", 102, 100, 1},
		{"beyond positive clamp saturates", 110, 100, 1},
		{"at negative clamp", 98, 100, -1},
		{"beyond negative clamp saturates", 90, 100, -1},
		{"half clamp", 101, 100, 0.5},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := maCrossoverScore(tc.fast, tc.slow)
			assert.InDelta(t, tc.want, got, 1e-9)
		})
	}
}

func TestRSIScoreLinearBetweenThresholds(t *testing.T) {
	assert.InDelta(t, -1, rsiScore(30, 30, 70), 1e-9)
	assert.InDelta(t, 1, rsiScore(70, 30, 70), 1e-9)
	assert.InDelta(t, 0, rsiScore(50, 30, 70), 1e-9)
}

func TestRSIMonotoneRising(t *testing.T) {
	closes := make([]float64, 0, 30)
	for i := 0; i < 30; i++ {
		closes = append(closes, 100+float64(i))
	}
	rsi, ok := RSI(closes, 14)
	require.True(t, ok)
	assert.InDelta(t, 100, rsi, 1e-6)
}

func TestRSIInsufficientHistory(t *testing.T) {
	_, ok := RSI([]float64{1, 2, 3}, 14)
	assert.False(t, ok)
}

func TestEngineScoreWeightsCombine(t *testing.T) {
	candles := make([]core.Candle, 0, 30)
	for i := 0; i < 30; i++ {
		candles = append(candles, core.Candle{Close: decimal.NewFromInt(int64(100 + i))})
	}

	cfg := core.SignalConfig{Indicators: []core.IndicatorConfig{
		{Name: "rsi", Weight: 0.6, RSIPeriod: 14, RSIBuyThresh: 30, RSISellThresh: 70},
		{Name: "ma_crossover", Weight: 0.4, MAFastPeriod: 5, MASlowPeriod: 15},
	}}

	score, ok := New().Score(candles, cfg)
	require.True(t, ok)
	assert.Greater(t, score, 0.0)
}

func TestEngineScoreFailsWithInsufficientHistory(t *testing.T) {
	candles := []core.Candle{{Close: decimal.NewFromInt(100)}}
	cfg := core.SignalConfig{Indicators: []core.IndicatorConfig{
		{Name: "rsi", Weight: 1.0, RSIPeriod: 14, RSIBuyThresh: 30, RSISellThresh: 70},
	}}

	_, ok := New().Score(candles, cfg)
	assert.False(t, ok)
}

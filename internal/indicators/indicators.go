// Package indicators computes the per-indicator scores in [-1, 1] that feed
// a bot's weighted composite score, in the pure-function style of the
// teacher's trading math helpers.
package indicators

import (
	"math"

	"botctl/internal/core"
)

// magnitudeClampPct is the relative-gap magnitude at which a crossover-style
// score saturates to ±1.
const magnitudeClampPct = 0.02

// RSI computes the Wilder-smoothed RSI over closes using period, returning
// ok=false if there aren't enough candles to seed the average.
func RSI(closes []float64, period int) (value float64, ok bool) {
	if period <= 0 || len(closes) <= period {
		return 0, false
	}

	var gainSum, lossSum float64
	for i := 1; i <= period; i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			gainSum += delta
		} else {
			lossSum += -delta
		}
	}
	avgGain := gainSum / float64(period)
	avgLoss := lossSum / float64(period)

	for i := period + 1; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		var gain, loss float64
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = (avgGain*float64(period-1) + gain) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + loss) / float64(period)
	}

	if avgLoss == 0 {
		return 100, true
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs)), true
}

// rsiScore maps an RSI value onto [-1, 1] using the bot's configured
// buy/sell thresholds: at or below buyThresh scores -1 (oversold, buy
// signal), at or above sellThresh scores +1, linear in between.
func rsiScore(rsi, buyThresh, sellThresh float64) float64 {
	if sellThresh <= buyThresh {
		return 0
	}
	frac := (rsi - buyThresh) / (sellThresh - buyThresh)
	return clamp(frac*2-1, -1, 1)
}

// SMA computes the simple moving average of the last period closes.
func SMA(closes []float64, period int) (value float64, ok bool) {
	if period <= 0 || len(closes) < period {
		return 0, false
	}
	var sum float64
	for _, c := range closes[len(closes)-period:] {
		sum += c
	}
	return sum / float64(period), true
}

// maCrossoverScore scores a fast/slow SMA pair using the pinned magnitude
// curve: clamp((fast-slow)/slow, -0.02, 0.02) / 0.02. A fast MA above the
// slow MA (bullish crossover) scores positive.
func maCrossoverScore(fast, slow float64) float64 {
	if slow == 0 {
		return 0
	}
	relGap := (fast - slow) / slow
	return clamp(relGap, -magnitudeClampPct, magnitudeClampPct) / magnitudeClampPct
}

// EMA computes the exponential moving average series over closes.
func EMA(closes []float64, period int) []float64 {
	if period <= 0 || len(closes) == 0 {
		return nil
	}
	k := 2.0 / (float64(period) + 1)
	out := make([]float64, len(closes))
	out[0] = closes[0]
	for i := 1; i < len(closes); i++ {
		out[i] = closes[i]*k + out[i-1]*(1-k)
	}
	return out
}

// macdScore computes the MACD histogram (MACD line minus its signal EMA) and
// normalizes it the same way as the crossover score: clamped against the
// signal line's own magnitude.
func macdScore(closes []float64, fastPeriod, slowPeriod, signalPeriod int) (float64, bool) {
	if len(closes) < slowPeriod+signalPeriod {
		return 0, false
	}

	fastEMA := EMA(closes, fastPeriod)
	slowEMA := EMA(closes, slowPeriod)

	macdLine := make([]float64, len(closes))
	for i := range closes {
		macdLine[i] = fastEMA[i] - slowEMA[i]
	}
	signalLine := EMA(macdLine, signalPeriod)

	last := len(closes) - 1
	histogram := macdLine[last] - signalLine[last]
	signalMagnitude := math.Abs(signalLine[last])
	if signalMagnitude == 0 {
		return 0, true
	}

	relGap := histogram / signalMagnitude
	return clamp(relGap, -magnitudeClampPct, magnitudeClampPct) / magnitudeClampPct, true
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Engine implements core.IndicatorEngine: each enabled indicator contributes
// its score weighted by its configured weight.
type Engine struct{}

// New returns a stateless Engine.
func New() Engine {
	return Engine{}
}

// Score implements core.IndicatorEngine. ok is false if any enabled
// indicator can't be computed (not enough candle history), since a partial
// composite would silently understate the bot's confidence.
func (Engine) Score(candles []core.Candle, cfg core.SignalConfig) (float64, bool) {
	if len(cfg.Indicators) == 0 {
		return 0, false
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		f, _ := c.Close.Float64()
		closes[i] = f
	}

	var total float64
	for _, ind := range cfg.Indicators {
		var score float64
		var ok bool

		switch ind.Name {
		case "rsi":
			var rsi float64
			rsi, ok = RSI(closes, ind.RSIPeriod)
			if ok {
				score = rsiScore(rsi, ind.RSIBuyThresh, ind.RSISellThresh)
			}
		case "ma_crossover":
			fast, fastOK := SMA(closes, ind.MAFastPeriod)
			slow, slowOK := SMA(closes, ind.MASlowPeriod)
			ok = fastOK && slowOK
			if ok {
				score = maCrossoverScore(fast, slow)
			}
		case "macd":
			score, ok = macdScore(closes, ind.MACDFast, ind.MACDSlow, ind.MACDSignal)
		default:
			ok = false
		}

		if !ok {
			return 0, false
		}
		total += score * ind.Weight
	}

	return total, true
}

var _ core.IndicatorEngine = Engine{}

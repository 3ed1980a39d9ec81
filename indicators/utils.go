package indicators

import (
	"math"
)

// RMA Wilder 移动平均，首值取 SMA
func RMA(values []float64, period int) []float64 {
	if period <= 0 || len(values) < period {
		return nil
	}

	result := make([]float64, len(values)-period+1)
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += values[i]
	}
	result[0] = sum / float64(period)

	p := float64(period)
	for i := period; i < len(values); i++ {
		j := i - period + 1
		result[j] = (result[j-1]*(p-1) + values[i]) / p
	}

	return result
}

// TrueRange 真实波幅
func TrueRange(high, low, prevClose float64) float64 {
	tr1 := high - low
	tr2 := math.Abs(high - prevClose)
	tr3 := math.Abs(low - prevClose)
	return math.Max(tr1, math.Max(tr2, tr3))
}

// TrueRangeSeries 真实波幅序列（长度比K线少一）
func TrueRangeSeries(candles []Candle) []float64 {
	if len(candles) < 2 {
		return nil
	}

	result := make([]float64, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		result[i-1] = TrueRange(candles[i].High, candles[i].Low, candles[i-1].Close)
	}

	return result
}

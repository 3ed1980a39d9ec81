package indicators

import (
	"math"
	"testing"
)

func flatCandles(n int, rng float64) []Candle {
	candles := make([]Candle, n)
	for i := range candles {
		candles[i] = Candle{Time: int64(i * 60), Open: 100, High: 100 + rng/2, Low: 100 - rng/2, Close: 100}
	}
	return candles
}

func TestATRConstantRange(t *testing.T) {
	atr := NewATR(14)
	got := atr.CurrentATR(flatCandles(30, 4))
	if math.Abs(got-4) > 1e-9 {
		t.Errorf("期望 ATR=4, 得到 %v", got)
	}
}

func TestATRNotEnoughCandles(t *testing.T) {
	atr := NewATR(14)
	if got := atr.CurrentATR(flatCandles(14, 4)); got != 0 {
		t.Errorf("K线不足时期望 0, 得到 %v", got)
	}
	if atr.Period() != 15 {
		t.Errorf("期望 Period=15, 得到 %d", atr.Period())
	}
}

func TestTrueRangeUsesPreviousClose(t *testing.T) {
	// 跳空高开：真实波幅取最高价与前收盘之差
	if got := TrueRange(110, 108, 100); got != 10 {
		t.Errorf("期望 10, 得到 %v", got)
	}
}

func TestRMA(t *testing.T) {
	got := RMA([]float64{2, 4, 6, 8}, 2)
	want := []float64{3, 4.5, 6.25}
	if len(got) != len(want) {
		t.Fatalf("期望长度 %d, 得到 %d", len(want), len(got))
	}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Errorf("RMA[%d] 期望 %v, 得到 %v", i, want[i], got[i])
		}
	}
}

func TestCandleValid(t *testing.T) {
	if !(Candle{High: 10, Low: 9, Close: 9.5}).Valid() {
		t.Error("合法K线被判为不合法")
	}
	if (Candle{High: 9, Low: 10, Close: 9.5}).Valid() {
		t.Error("最高价低于最低价应判为不合法")
	}
}

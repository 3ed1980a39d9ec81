package indicators

var _ Indicator = (*ATR)(nil)

// ATR 平均真实波幅（Wilder 平滑）
type ATR struct {
	period int
}

// NewATR 创建 ATR 指标
func NewATR(period int) *ATR {
	if period <= 0 {
		period = 14
	}
	return &ATR{period: period}
}

// Name 指标名称
func (a *ATR) Name() string {
	return "ATR"
}

// Period 所需K线数（真实波幅需要前一根收盘价）
func (a *ATR) Period() int {
	return a.period + 1
}

// Calculate 计算 ATR 序列
func (a *ATR) Calculate(candles []Candle) []float64 {
	if len(candles) < a.Period() {
		return nil
	}

	tr := TrueRangeSeries(candles)
	if tr == nil {
		return nil
	}
	return RMA(tr, a.period)
}

// CurrentATR 获取最新 ATR 值，K线不足时返回 0
func (a *ATR) CurrentATR(candles []Candle) float64 {
	atr := a.Calculate(candles)
	if len(atr) == 0 {
		return 0
	}
	return atr[len(atr)-1]
}

// Package indicators 止损建议使用的波动率指标
// K线由上游行情推送，这里只做计算
package indicators

// Candle K线数据
type Candle struct {
	Time   int64   `json:"time"`   // 时间戳（秒）
	Open   float64 `json:"open"`   // 开盘价
	High   float64 `json:"high"`   // 最高价
	Low    float64 `json:"low"`    // 最低价
	Close  float64 `json:"close"`  // 收盘价
	Volume float64 `json:"volume"` // 成交量
}

// Valid 价格是否自洽
func (c Candle) Valid() bool {
	return c.High > 0 && c.Low > 0 && c.High >= c.Low &&
		c.Close >= c.Low && c.Close <= c.High
}

// Indicator 指标接口
type Indicator interface {
	// Name 指标名称
	Name() string
	// Calculate 计算指标值
	Calculate(candles []Candle) []float64
	// Period 计算所需的最小K线数
	Period() int
}

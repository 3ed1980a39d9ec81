package safety

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"optionsdesk/indicators"
	"optionsdesk/liveerr"
)

// CandleBook 上游推送的K线，每个标的保留最近 maxCandles 根
type CandleBook struct {
	mu         sync.RWMutex
	maxCandles int
	candles    map[string][]indicators.Candle
}

// NewCandleBook 创建K线缓存
func NewCandleBook(maxCandles int) *CandleBook {
	if maxCandles <= 0 {
		maxCandles = 200
	}
	return &CandleBook{
		maxCandles: maxCandles,
		candles:    make(map[string][]indicators.Candle),
	}
}

// Add 追加K线，同一时间戳的K线以新数据覆盖
func (b *CandleBook) Add(symbol string, candles ...indicators.Candle) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return liveerr.NewValidation("symbol", "不能为空")
	}
	for i, c := range candles {
		if !c.Valid() {
			return liveerr.NewValidation("candles", fmt.Sprintf("第 %d 根K线价格不合法", i))
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	byTime := make(map[int64]indicators.Candle, len(b.candles[symbol])+len(candles))
	for _, c := range b.candles[symbol] {
		byTime[c.Time] = c
	}
	for _, c := range candles {
		byTime[c.Time] = c
	}
	merged := make([]indicators.Candle, 0, len(byTime))
	for _, c := range byTime {
		merged = append(merged, c)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Time < merged[j].Time })
	if len(merged) > b.maxCandles {
		merged = merged[len(merged)-b.maxCandles:]
	}
	b.candles[symbol] = merged
	return nil
}

// Get 标的的K线副本（按时间升序）
func (b *CandleBook) Get(symbol string) []indicators.Candle {
	b.mu.RLock()
	defer b.mu.RUnlock()
	src := b.candles[symbol]
	out := make([]indicators.Candle, len(src))
	copy(out, src)
	return out
}

// SetLimit 修改保留数量（热更新）
func (b *CandleBook) SetLimit(maxCandles int) {
	if maxCandles <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maxCandles = maxCandles
	for symbol, cs := range b.candles {
		if len(cs) > maxCandles {
			b.candles[symbol] = cs[len(cs)-maxCandles:]
		}
	}
}

// Levels 技术位
type Levels struct {
	Supports    []float64 `json:"supports"`
	Resistances []float64 `json:"resistances"`
}

// LevelsBook 上游推送的支撑位和阻力位
type LevelsBook struct {
	mu     sync.RWMutex
	levels map[string]Levels
}

// NewLevelsBook 创建技术位缓存
func NewLevelsBook() *LevelsBook {
	return &LevelsBook{levels: make(map[string]Levels)}
}

// Set 替换标的的技术位
func (b *LevelsBook) Set(symbol string, levels Levels) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return liveerr.NewValidation("symbol", "不能为空")
	}
	clean := Levels{
		Supports:    positiveSorted(levels.Supports),
		Resistances: positiveSorted(levels.Resistances),
	}

	b.mu.Lock()
	b.levels[symbol] = clean
	b.mu.Unlock()
	return nil
}

// Get 标的的技术位
func (b *LevelsBook) Get(symbol string) (Levels, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	l, ok := b.levels[symbol]
	return l, ok
}

// NearestSupport 低于 ref 的最高支撑位
func (l Levels) NearestSupport(ref float64) (float64, bool) {
	for i := len(l.Supports) - 1; i >= 0; i-- {
		if l.Supports[i] < ref {
			return l.Supports[i], true
		}
	}
	return 0, false
}

// NearestResistance 高于 ref 的最低阻力位
func (l Levels) NearestResistance(ref float64) (float64, bool) {
	for _, v := range l.Resistances {
		if v > ref {
			return v, true
		}
	}
	return 0, false
}

func positiveSorted(values []float64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if v > 0 {
			out = append(out, v)
		}
	}
	sort.Float64s(out)
	return out
}

package position

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"optionsdesk/broker"
	"optionsdesk/liveerr"
	"optionsdesk/logger"
)

// Tracker 持仓跟踪器，是持仓的唯一修改者
type Tracker struct {
	mu        sync.RWMutex
	positions map[string]*state
	closedPnL decimal.Decimal   // 已平仓持仓累计的已实现盈亏
	fillSeq   uint64            // 每笔成交递增
	lastFill  map[string]uint64 // 标的最近一笔成交的序号，平仓后保留
	now       func() time.Time
}

// NewTracker 创建持仓跟踪器
func NewTracker() *Tracker {
	return &Tracker{
		positions: make(map[string]*state),
		lastFill:  make(map[string]uint64),
		now:       time.Now,
	}
}

// ApplyFill 应用一笔成交增量
// 同向加仓按成交量加权计算开仓均价；减仓均价不变并记录已实现盈亏；
// 穿越零点视为先平仓再以成交价反向开仓
func (t *Tracker) ApplyFill(symbol string, side broker.Side, qty int64, price float64) (*FillResult, error) {
	if symbol == "" {
		return nil, liveerr.NewValidation("symbol", "不能为空")
	}
	if !side.Valid() {
		return nil, liveerr.NewValidation("side", fmt.Sprintf("未知方向 %s", side))
	}
	if qty <= 0 {
		return nil, liveerr.NewValidation("quantity", "成交数量必须大于0")
	}
	if price <= 0 {
		return nil, liveerr.NewValidation("price", "成交价必须大于0")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.fillSeq++
	t.lastFill[symbol] = t.fillSeq

	now := t.now()
	fillPrice := decimal.NewFromFloat(price)
	delta := side.Sign() * qty
	result := &FillResult{}

	s, exists := t.positions[symbol]
	if !exists {
		s = t.open(symbol, delta, fillPrice, now)
		result.Position = s.view()
		return result, nil
	}

	old := s.quantity
	next := old + delta
	absOld := abs(old)

	switch {
	case (old > 0) == (delta > 0):
		// 加仓：成交量加权均价
		total := s.entry.Mul(decimal.NewFromInt(absOld)).Add(fillPrice.Mul(decimal.NewFromInt(qty)))
		s.entry = total.Div(decimal.NewFromInt(abs(next)))
		s.quantity = next

	case qty <= absOld:
		// 减仓：均价不变
		realized := t.realize(s, qty, fillPrice)
		result.Realized = realized.InexactFloat64()
		s.quantity = next
		if next == 0 {
			t.close(s)
			result.Closed = true
			return result, nil
		}

	default:
		// 反手：先平掉旧仓，剩余部分以成交价开新仓
		realized := t.realize(s, absOld, fillPrice)
		result.Realized = realized.InexactFloat64()
		s.quantity = 0
		t.close(s)
		result.Closed = true
		result.Flipped = true
		s = t.open(symbol, next, fillPrice, now)
		result.Position = s.view()
		return result, nil
	}

	if s.current.IsZero() {
		s.current = fillPrice
	}
	s.updatedAt = now
	s.revalue()
	result.Position = s.view()
	return result, nil
}

// open 新建持仓，调用方持有锁
func (t *Tracker) open(symbol string, qty int64, price decimal.Decimal, now time.Time) *state {
	s := &state{
		symbol:    symbol,
		quantity:  qty,
		entry:     price,
		current:   price,
		openedAt:  now,
		updatedAt: now,
	}
	t.positions[symbol] = s
	logger.Info("📈 [持仓] 开仓 %s %s %d @ %s", symbol, s.side(), abs(qty), price.StringFixed(2))
	return s
}

// realize 计算平掉 qty 数量的已实现盈亏并计入持仓，调用方持有锁
func (t *Tracker) realize(s *state, qty int64, price decimal.Decimal) decimal.Decimal {
	sign := decimal.NewFromInt(s.side().Sign())
	pnl := price.Sub(s.entry).Mul(decimal.NewFromInt(qty)).Mul(sign)
	s.realized = s.realized.Add(pnl)
	return pnl
}

// close 持仓归零：删除持仓并把已实现盈亏并入会话，调用方持有锁
func (t *Tracker) close(s *state) {
	delete(t.positions, s.symbol)
	t.closedPnL = t.closedPnL.Add(s.realized)
	logger.Info("📉 [持仓] 平仓 %s，已实现盈亏 %s，会话累计 %s",
		s.symbol, s.realized.StringFixed(2), t.closedPnL.StringFixed(2))
}

// FillSeq 当前成交序号
func (t *Tracker) FillSeq() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.fillSeq
}

// FilledSince 序号 seq 之后有过成交的标的（含已平仓）
func (t *Tracker) FilledSince(seq uint64) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for symbol, last := range t.lastFill {
		if last > seq {
			out = append(out, symbol)
		}
	}
	sort.Strings(out)
	return out
}

// ApplyPriceTick 更新最新价、浮动盈亏和极值，推动移动止损，返回触发的告警
// 没有对应持仓时返回 false
func (t *Tracker) ApplyPriceTick(symbol string, price float64) ([]Alert, bool) {
	if price <= 0 {
		return nil, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	s, exists := t.positions[symbol]
	if !exists {
		return nil, false
	}

	p := decimal.NewFromFloat(price)
	s.current = p
	s.updatedAt = t.now()
	s.revalue()

	if s.trailing && s.stopLoss != nil {
		t.ratchet(s)
	}

	var alerts []Alert
	long := s.side() == SideLong
	if s.stopLoss != nil && !s.slAlerted {
		if (long && p.LessThanOrEqual(*s.stopLoss)) || (!long && p.GreaterThanOrEqual(*s.stopLoss)) {
			s.slAlerted = true
			alerts = append(alerts, t.alert(s, AlertStopLossHit, *s.stopLoss))
		}
	}
	if s.target != nil && !s.tpAlerted {
		if (long && p.GreaterThanOrEqual(*s.target)) || (!long && p.LessThanOrEqual(*s.target)) {
			s.tpAlerted = true
			alerts = append(alerts, t.alert(s, AlertTargetHit, *s.target))
		}
	}
	return alerts, true
}

// ratchet 移动止损只朝有利方向移动，调用方持有锁
func (t *Tracker) ratchet(s *state) {
	if s.side() == SideLong {
		candidate := s.current.Sub(s.trailOffset)
		if candidate.GreaterThan(*s.stopLoss) {
			s.stopLoss = &candidate
		}
		return
	}
	candidate := s.current.Add(s.trailOffset)
	if candidate.LessThan(*s.stopLoss) {
		s.stopLoss = &candidate
	}
}

func (t *Tracker) alert(s *state, kind AlertKind, level decimal.Decimal) Alert {
	a := Alert{
		Kind:     kind,
		Symbol:   s.symbol,
		Side:     s.side(),
		Price:    s.current.InexactFloat64(),
		Level:    level.InexactFloat64(),
		Quantity: s.quantity,
	}
	logger.Warn("🚨 [持仓] %s 触发 %s: 价格 %.2f, 触发价 %.2f", s.symbol, kind, a.Price, a.Level)
	return a
}

// SetStopLoss 设置止损价，trailing 为 true 时按当前价差移动
func (t *Tracker) SetStopLoss(symbol string, price float64, trailing bool) (*Position, error) {
	if price <= 0 {
		return nil, liveerr.NewValidation("stop_loss", "止损价必须大于0")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	s, exists := t.positions[symbol]
	if !exists {
		return nil, &liveerr.NotFoundError{Object: "持仓", ID: symbol}
	}

	sl := decimal.NewFromFloat(price)
	s.stopLoss = &sl
	s.slAlerted = false
	s.trailing = trailing
	if trailing {
		ref := s.current
		if ref.IsZero() {
			ref = s.entry
		}
		s.trailOffset = ref.Sub(sl).Abs()
	}
	s.updatedAt = t.now()
	return s.view(), nil
}

// SetTarget 设置止盈价
func (t *Tracker) SetTarget(symbol string, price float64) (*Position, error) {
	if price <= 0 {
		return nil, liveerr.NewValidation("target", "止盈价必须大于0")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	s, exists := t.positions[symbol]
	if !exists {
		return nil, &liveerr.NotFoundError{Object: "持仓", ID: symbol}
	}
	tp := decimal.NewFromFloat(price)
	s.target = &tp
	s.tpAlerted = false
	s.updatedAt = t.now()
	return s.view(), nil
}

// Overwrite 用券商持仓覆盖本地数量和均价（对账使用）
func (t *Tracker) Overwrite(snap *broker.PositionSnapshot) (*Position, error) {
	if snap == nil || snap.Quantity == 0 {
		return nil, liveerr.NewValidation("quantity", "券商持仓数量为0，不能覆盖")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	s, exists := t.positions[snap.Symbol]
	if !exists {
		return nil, &liveerr.NotFoundError{Object: "持仓", ID: snap.Symbol}
	}
	if (s.quantity > 0) != (snap.Quantity > 0) {
		// 方向变了，旧的盈亏极值和止损止盈不再适用
		s.maxProfit = decimal.Zero
		s.maxDrawdown = decimal.Zero
		s.stopLoss, s.target, s.trailing = nil, nil, false
	}
	s.quantity = snap.Quantity
	if snap.AveragePrice > 0 {
		s.entry = decimal.NewFromFloat(snap.AveragePrice)
	}
	if snap.LastPrice > 0 {
		s.current = decimal.NewFromFloat(snap.LastPrice)
	}
	s.orphan = false
	s.orphanNoted = false
	s.updatedAt = t.now()
	s.revalue()
	return s.view(), nil
}

// Recover 按券商持仓新建本地持仓并标记 recovered
func (t *Tracker) Recover(snap *broker.PositionSnapshot) (*Position, error) {
	if snap == nil || snap.Quantity == 0 {
		return nil, liveerr.NewValidation("quantity", "券商持仓数量为0，无需恢复")
	}
	if snap.AveragePrice <= 0 {
		return nil, liveerr.NewValidation("average_price", "券商持仓均价缺失")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.positions[snap.Symbol]; exists {
		return nil, &liveerr.InvalidStateError{Object: "持仓", ID: snap.Symbol, State: "EXISTS", Op: "recover"}
	}
	s := t.open(snap.Symbol, snap.Quantity, decimal.NewFromFloat(snap.AveragePrice), t.now())
	if snap.LastPrice > 0 {
		s.current = decimal.NewFromFloat(snap.LastPrice)
	}
	s.recovered = true
	s.revalue()
	return s.view(), nil
}

// MarkOrphan 标记券商侧不存在的持仓，仅首次标记返回 true
func (t *Tracker) MarkOrphan(symbol string) (*Position, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, exists := t.positions[symbol]
	if !exists {
		return nil, false
	}
	s.orphan = true
	if s.orphanNoted {
		return s.view(), false
	}
	s.orphanNoted = true
	s.updatedAt = t.now()
	return s.view(), true
}

// Get 查询单个持仓
func (t *Tracker) Get(symbol string) (*Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, exists := t.positions[symbol]
	if !exists {
		return nil, false
	}
	return s.view(), true
}

// Snapshot 所有持仓（按标的排序）
func (t *Tracker) Snapshot() []*Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Position, 0, len(t.positions))
	for _, s := range t.positions {
		out = append(out, s.view())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Symbols 有持仓的标的
func (t *Tracker) Symbols() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.positions))
	for sym := range t.positions {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// RealizedPnL 会话已实现盈亏：已平仓累计加上持仓中减仓部分
func (t *Tracker) RealizedPnL() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	total := t.closedPnL
	for _, s := range t.positions {
		total = total.Add(s.realized)
	}
	return total.InexactFloat64()
}

// ClosedPnL 已平仓持仓并入会话的已实现盈亏
func (t *Tracker) ClosedPnL() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closedPnL.InexactFloat64()
}

// UnrealizedPnL 所有持仓浮动盈亏合计
func (t *Tracker) UnrealizedPnL() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	total := decimal.Zero
	for _, s := range t.positions {
		total = total.Add(s.unrealized)
	}
	return total.InexactFloat64()
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

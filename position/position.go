// Package position 持仓跟踪
//
// 持仓只由成交和行情推导，所有写操作都在会话的唯一写入协程上执行；
// 查询可以并发进行。金额计算使用 decimal，避免浮点累计误差。
package position

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side 持仓方向
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Sign 多头 +1，空头 -1
func (s Side) Sign() int64 {
	if s == SideShort {
		return -1
	}
	return 1
}

func sideOf(qty int64) Side {
	if qty < 0 {
		return SideShort
	}
	return SideLong
}

// Position 持仓快照（对外只读）
type Position struct {
	Symbol          string    `json:"symbol"`
	Side            Side      `json:"side"`
	Quantity        int64     `json:"quantity"` // 带符号净持仓
	EntryPrice      float64   `json:"entry_price"`
	CurrentPrice    float64   `json:"current_price"`
	UnrealizedPnL   float64   `json:"unrealized_pnl"`
	RealizedPnL     float64   `json:"realized_pnl"` // 开仓以来减仓部分的已实现盈亏
	MaxProfitSeen   float64   `json:"max_profit_seen"`
	MaxDrawdownSeen float64   `json:"max_drawdown_seen"`
	StopLoss        *float64  `json:"stop_loss,omitempty"`
	Target          *float64  `json:"target,omitempty"`
	Trailing        bool      `json:"trailing"`
	Recovered       bool      `json:"recovered"` // 对账时从券商恢复
	Orphan          bool      `json:"orphan"`    // 券商侧不存在，等待人工处理
	OpenedAt        time.Time `json:"opened_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// AbsQuantity 持仓数量绝对值
func (p *Position) AbsQuantity() int64 {
	if p.Quantity < 0 {
		return -p.Quantity
	}
	return p.Quantity
}

// state 内部持仓状态
type state struct {
	symbol      string
	quantity    int64
	entry       decimal.Decimal
	current     decimal.Decimal
	unrealized  decimal.Decimal
	realized    decimal.Decimal
	maxProfit   decimal.Decimal
	maxDrawdown decimal.Decimal
	stopLoss    *decimal.Decimal
	target      *decimal.Decimal
	trailing    bool
	trailOffset decimal.Decimal
	slAlerted   bool
	tpAlerted   bool
	recovered   bool
	orphan      bool
	orphanNoted bool
	openedAt    time.Time
	updatedAt   time.Time
}

func (s *state) side() Side {
	return sideOf(s.quantity)
}

func (s *state) absQty() decimal.Decimal {
	q := s.quantity
	if q < 0 {
		q = -q
	}
	return decimal.NewFromInt(q)
}

// revalue 按最新价重新计算浮动盈亏并更新极值
func (s *state) revalue() {
	if s.current.IsZero() || s.quantity == 0 {
		s.unrealized = decimal.Zero
		return
	}
	sign := decimal.NewFromInt(s.side().Sign())
	s.unrealized = s.current.Sub(s.entry).Mul(s.absQty()).Mul(sign)
	if s.unrealized.GreaterThan(s.maxProfit) {
		s.maxProfit = s.unrealized
	}
	if s.unrealized.LessThan(s.maxDrawdown) {
		s.maxDrawdown = s.unrealized
	}
}

func (s *state) view() *Position {
	p := &Position{
		Symbol:          s.symbol,
		Side:            s.side(),
		Quantity:        s.quantity,
		EntryPrice:      s.entry.InexactFloat64(),
		CurrentPrice:    s.current.InexactFloat64(),
		UnrealizedPnL:   s.unrealized.InexactFloat64(),
		RealizedPnL:     s.realized.InexactFloat64(),
		MaxProfitSeen:   s.maxProfit.InexactFloat64(),
		MaxDrawdownSeen: s.maxDrawdown.InexactFloat64(),
		Trailing:        s.trailing,
		Recovered:       s.recovered,
		Orphan:          s.orphan,
		OpenedAt:        s.openedAt,
		UpdatedAt:       s.updatedAt,
	}
	if s.stopLoss != nil {
		v := s.stopLoss.InexactFloat64()
		p.StopLoss = &v
	}
	if s.target != nil {
		v := s.target.InexactFloat64()
		p.Target = &v
	}
	return p
}

// AlertKind 持仓告警类型
type AlertKind string

const (
	AlertStopLossHit AlertKind = "stop_loss_hit"
	AlertTargetHit   AlertKind = "target_hit"
)

// Alert 止损/止盈触发告警（每个价位只触发一次）
type Alert struct {
	Kind     AlertKind `json:"kind"`
	Symbol   string    `json:"symbol"`
	Side     Side      `json:"side"`
	Price    float64   `json:"price"`
	Level    float64   `json:"level"`
	Quantity int64     `json:"quantity"`
}

// FillResult 一次成交对持仓的影响
type FillResult struct {
	Position *Position // 成交后的持仓，平仓后为 nil
	Realized float64   // 本次成交产生的已实现盈亏
	Closed   bool      // 持仓归零（或反手前的旧仓被平掉）
	Flipped  bool      // 穿越零点反手开仓
}

// Package session 实盘会话
//
// 一个券商同一时间只有一个运行中的会话。会话持有该券商的写入协程、推送分发器、
// 订单服务、持仓跟踪器、对账器和止损建议器，停止后冻结为只读。
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"optionsdesk/broker"
	"optionsdesk/event"
	"optionsdesk/liveerr"
	"optionsdesk/logger"
	"optionsdesk/metrics"
	"optionsdesk/order"
	"optionsdesk/position"
	"optionsdesk/safety"
	"optionsdesk/stream"
	"optionsdesk/utils"
)

// Status 会话状态
type Status string

const (
	StatusStopped  Status = "STOPPED"
	StatusStarting Status = "STARTING"
	StatusRunning  Status = "RUNNING"
	StatusStopping Status = "STOPPING"
)

// gauge 会话状态指标值
func (s Status) gauge() int {
	switch s {
	case StatusStarting:
		return 1
	case StatusRunning:
		return 2
	case StatusStopping:
		return 3
	}
	return 0
}

// Session 会话快照（对外只读）
type Session struct {
	ID               string       `json:"id"`
	Broker           string       `json:"broker"`
	Mode             broker.Mode  `json:"mode"`
	Capital          float64      `json:"capital"`
	Status           Status       `json:"status"`
	StartedAt        time.Time    `json:"started_at"`
	StoppedAt        *time.Time   `json:"stopped_at,omitempty"`
	OrdersPlaced     int64        `json:"orders_placed"`
	OrdersFilled     int64        `json:"orders_filled"`
	OrdersCancelled  int64        `json:"orders_cancelled"`
	OrdersRejected   int64        `json:"orders_rejected"`
	RealizedPnL      float64      `json:"realized_pnl"`
	UnrealizedPnL    float64      `json:"unrealized_pnl"`
	Degraded         bool         `json:"degraded"`
	DegradedReason   string       `json:"degraded_reason,omitempty"`
	ReconcilePending bool         `json:"reconcile_pending"`
	DiscardedEvents  int64        `json:"discarded_events"`
	Stream           stream.State `json:"stream"`
}

// OrderUpdate order_update 事件负载
type OrderUpdate struct {
	SessionID string `json:"session_id"`
	*order.Order
}

// PositionUpdate position_update 事件负载，平仓后 Position 为 nil
type PositionUpdate struct {
	SessionID string             `json:"session_id"`
	Symbol    string             `json:"symbol"`
	Position  *position.Position `json:"position"`
	Closed    bool               `json:"closed"`
	Realized  float64            `json:"realized,omitempty"`
}

// PnLUpdate pnl_update 事件负载
type PnLUpdate struct {
	SessionID  string  `json:"session_id"`
	Realized   float64 `json:"realized_pnl"`
	Unrealized float64 `json:"unrealized_pnl"`
	Total      float64 `json:"total_pnl"`
}

// SquareOffReport 紧急平仓结果
type SquareOffReport struct {
	Cancel  *order.CancelReport `json:"cancel"`
	Closing []*order.Order      `json:"closing_orders"`
	Skipped map[string]string   `json:"skipped"` // symbol -> 原因
	Failed  map[string]string   `json:"failed"`  // symbol -> 原因
}

// runtime 单个券商会话的运行时
type runtime struct {
	id      string
	broker  string
	mode    broker.Mode
	capital float64

	gw          broker.Gateway
	writer      *stream.Writer
	dispatcher  *stream.Dispatcher
	orders      *order.Service
	tracker     *position.Tracker
	reconciler  *safety.Reconciler
	recommender *safety.StopLossRecommender
	candles     *safety.CandleBook
	levels      *safety.LevelsBook

	bus    *event.EventBus
	cancel context.CancelFunc
	done   chan struct{} // 会话锁续期协程退出

	mu        sync.RWMutex
	status    Status
	startedAt time.Time
	stoppedAt *time.Time
	degraded  bool
}

func (rt *runtime) setStatus(s Status) {
	rt.mu.Lock()
	rt.status = s
	if s == StatusStopped {
		now := time.Now()
		rt.stoppedAt = &now
	}
	rt.mu.Unlock()

	metrics.GetPrometheusMetrics().SetSessionStatus(rt.broker, s.gauge())
	rt.publish(event.EventTypeSessionUpdate, rt.view())
}

func (rt *runtime) getStatus() Status {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.status
}

// gate 下单闸门：会话运行中且推送已连接、重连后对账已完成
func (rt *runtime) gate() error {
	if st := rt.getStatus(); st != StatusRunning {
		return &liveerr.InvalidStateError{Object: "会话", ID: rt.id, State: string(st), Op: "place"}
	}
	if rt.dispatcher == nil {
		return nil
	}
	return rt.dispatcher.AcceptingOrders()
}

// view 会话快照
func (rt *runtime) view() *Session {
	rt.mu.RLock()
	s := &Session{
		ID:        rt.id,
		Broker:    rt.broker,
		Mode:      rt.mode,
		Capital:   rt.capital,
		Status:    rt.status,
		StartedAt: utils.ToConfiguredTimezone(rt.startedAt),
	}
	if rt.stoppedAt != nil {
		stopped := utils.ToConfiguredTimezone(*rt.stoppedAt)
		s.StoppedAt = &stopped
	}
	rt.mu.RUnlock()

	if rt.orders != nil {
		stats := rt.orders.Stats()
		s.OrdersPlaced = stats.Placed
		s.OrdersFilled = stats.Filled
		s.OrdersCancelled = stats.Cancelled
		s.OrdersRejected = stats.Rejected
		s.DiscardedEvents = stats.Discarded()
	}
	if rt.tracker != nil {
		s.RealizedPnL = rt.tracker.RealizedPnL()
		s.UnrealizedPnL = rt.tracker.UnrealizedPnL()
	}
	if rt.dispatcher != nil {
		st := rt.dispatcher.State()
		s.Stream = st
		s.Degraded = st.Degraded
		s.DegradedReason = st.DegradedReason
		s.ReconcilePending = s.Status == StatusRunning && !st.Accepting
		s.DiscardedEvents += int64(st.Dropped)
	}
	return s
}

func (rt *runtime) publish(typ event.EventType, payload interface{}) {
	if rt.bus == nil {
		return
	}
	rt.bus.Publish(&event.Event{Type: typ, Broker: rt.broker, Timestamp: time.Now(), Payload: payload})
}

func (rt *runtime) publishPnL() {
	realized := rt.tracker.RealizedPnL()
	unrealized := rt.tracker.UnrealizedPnL()
	metrics.GetPrometheusMetrics().SetPnL(rt.broker, realized, unrealized)
	rt.publish(event.EventTypePnLUpdate, &PnLUpdate{
		SessionID:  rt.id,
		Realized:   realized,
		Unrealized: unrealized,
		Total:      realized + unrealized,
	})
}

// handleEvent 处理券商推送，在写入协程上执行
func (rt *runtime) handleEvent(ev *broker.Event) {
	switch ev.Kind {
	case broker.EventOrderUpdate:
		rt.orders.ApplyUpdate(ev.Order)
	case broker.EventPriceTick:
		if ev.Tick != nil {
			rt.applyTick(ev.Tick.Symbol, ev.Tick.Price)
		}
	case broker.EventPositionUpdate:
		// 持仓数量只由成交推导，券商持仓推送只取最新价，数量差异交给对账
		if ev.Position != nil && ev.Position.LastPrice > 0 {
			rt.applyTick(ev.Position.Symbol, ev.Position.LastPrice)
		}
	default:
		logger.Debug("[%s] 忽略未知推送类型 %s", rt.broker, ev.Kind)
	}
}

// applyTick 更新持仓价格并发出止损止盈告警，在写入协程上执行
func (rt *runtime) applyTick(symbol string, price float64) {
	alerts, changed := rt.tracker.ApplyPriceTick(symbol, price)
	if !changed {
		return
	}
	if p, ok := rt.tracker.Get(symbol); ok {
		rt.publish(event.EventTypePositionUpdate, &PositionUpdate{SessionID: rt.id, Symbol: p.Symbol, Position: p})
	}
	for _, a := range alerts {
		rt.publishAlert(a)
	}
	rt.publishPnL()
}

func (rt *runtime) publishAlert(a position.Alert) {
	var msg string
	switch {
	case a.Kind == position.AlertStopLossHit && a.Side == position.SideLong:
		msg = fmt.Sprintf("价格 %g 跌破止损 %g", a.Price, a.Level)
	case a.Kind == position.AlertStopLossHit:
		msg = fmt.Sprintf("价格 %g 突破止损 %g", a.Price, a.Level)
	default:
		msg = fmt.Sprintf("价格 %g 达到止盈 %g", a.Price, a.Level)
	}
	logger.Warn("🔔 [%s] %s %s", rt.broker, a.Symbol, msg)
	rt.publish(event.EventTypeAlert, &event.Alert{
		Kind:    event.AlertKind(a.Kind),
		Symbol:  a.Symbol,
		Message: msg,
		Data: map[string]interface{}{
			"side":     a.Side,
			"price":    a.Price,
			"level":    a.Level,
			"quantity": a.Quantity,
		},
	})
}

// OrderChanged 实现 order.Observer
func (rt *runtime) OrderChanged(o *order.Order) {
	rt.publish(event.EventTypeOrderUpdate, &OrderUpdate{SessionID: rt.id, Order: o})
}

// PositionFilled 实现 order.Observer
func (rt *runtime) PositionFilled(o *order.Order, res *position.FillResult) {
	update := &PositionUpdate{
		SessionID: rt.id,
		Symbol:    o.Symbol,
		Position:  res.Position,
		Closed:    res.Position == nil,
		Realized:  res.Realized,
	}
	qty := int64(0)
	if res.Position != nil {
		qty = res.Position.Quantity
	}
	metrics.GetPrometheusMetrics().SetPositionQuantity(rt.broker, o.Symbol, qty)
	rt.publish(event.EventTypePositionUpdate, update)
	rt.publishPnL()
}

// onStreamState 推送状态变化，降级和恢复各告警一次
func (rt *runtime) onStreamState(st stream.State) {
	rt.mu.Lock()
	was := rt.degraded
	rt.degraded = st.Degraded
	rt.mu.Unlock()

	if was == st.Degraded {
		return
	}
	metrics.GetPrometheusMetrics().SetSessionDegraded(rt.broker, st.Degraded)
	if st.Degraded {
		rt.publish(event.EventTypeAlert, &event.Alert{
			Kind:    event.AlertSessionDegraded,
			Message: fmt.Sprintf("推送连续 %d 次重连失败: %s", st.Failures, st.DegradedReason),
		})
	} else {
		rt.publish(event.EventTypeAlert, &event.Alert{
			Kind:    event.AlertSessionRecovered,
			Message: "推送已恢复，对账完成",
		})
	}
	rt.publish(event.EventTypeSessionUpdate, rt.view())
}

// onReport 对账完成
func (rt *runtime) onReport(report *safety.Report) {
	rt.publish(event.EventTypeReconciliation, report)
	if !report.Clean() {
		rt.publishPnL()
	}
}

// onEscalate 同一标的连续多次对账差异
func (rt *runtime) onEscalate(symbol string, streak int, mismatches []*liveerr.ReconciliationMismatch) {
	kinds := make([]string, 0, len(mismatches))
	for _, m := range mismatches {
		kinds = append(kinds, m.Kind)
	}
	rt.publish(event.EventTypeAlert, &event.Alert{
		Kind:    event.AlertRiskTriggered,
		Symbol:  symbol,
		Message: fmt.Sprintf("连续 %d 次对账出现差异 %v", streak, kinds),
		Data:    map[string]interface{}{"streak": streak, "kinds": kinds},
	})
}

// squareOff 撤销所有挂单并按市价平掉所有持仓
func (rt *runtime) squareOff(ctx context.Context) *SquareOffReport {
	report := &SquareOffReport{
		Cancel:  rt.orders.CancelAll(ctx),
		Skipped: make(map[string]string),
		Failed:  make(map[string]string),
	}

	for _, p := range rt.tracker.Snapshot() {
		if p.Quantity == 0 {
			continue
		}
		if p.Orphan {
			report.Skipped[p.Symbol] = "券商侧无此持仓，需人工处理"
			continue
		}
		side := broker.SideSell
		if p.Side == position.SideShort {
			side = broker.SideBuy
		}
		o, err := rt.orders.Place(ctx, &order.PlaceRequest{
			Symbol:   p.Symbol,
			Side:     side,
			Type:     broker.OrderTypeMarket,
			Quantity: p.AbsQuantity(),
		})
		if err != nil {
			report.Failed[p.Symbol] = err.Error()
			continue
		}
		report.Closing = append(report.Closing, o)
	}

	logger.Warn("🚨 [%s] 紧急平仓: 平仓单 %d, 跳过 %d, 失败 %d",
		rt.broker, len(report.Closing), len(report.Skipped), len(report.Failed))
	return report
}

// Package event 会话事件总线
//
// 写入协程只做非阻塞发布；UI 推送、流水持久化和告警各自订阅，互不阻塞。
package event

import (
	"sync"
	"sync/atomic"
	"time"

	"optionsdesk/logger"
)

// EventType 事件类型
type EventType string

const (
	EventTypeOrderUpdate    EventType = "order_update"
	EventTypePositionUpdate EventType = "position_update"
	EventTypePnLUpdate      EventType = "pnl_update"
	EventTypeSessionUpdate  EventType = "session_update"
	EventTypeReconciliation EventType = "reconciliation"
	EventTypeAlert          EventType = "alert"
)

// AlertKind 告警类型
type AlertKind string

const (
	AlertStopLossHit      AlertKind = "stop_loss_hit"
	AlertTargetHit        AlertKind = "target_hit"
	AlertRiskTriggered    AlertKind = "risk_triggered" // 同一标的连续多次对账差异
	AlertSessionDegraded  AlertKind = "session_degraded"
	AlertSessionRecovered AlertKind = "session_recovered"
)

// EventSeverity 严重程度
type EventSeverity string

const (
	SeverityCritical EventSeverity = "critical"
	SeverityWarning  EventSeverity = "warning"
	SeverityInfo     EventSeverity = "info"
)

// Event 事件
type Event struct {
	Type      EventType   `json:"type"`
	Broker    string      `json:"broker"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// Alert 告警负载
type Alert struct {
	Kind    AlertKind              `json:"kind"`
	Symbol  string                 `json:"symbol,omitempty"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// GetEventSeverity 事件严重程度
func GetEventSeverity(evt *Event) EventSeverity {
	if evt.Type != EventTypeAlert {
		return SeverityInfo
	}
	alert, ok := evt.Payload.(*Alert)
	if !ok {
		return SeverityWarning
	}
	switch alert.Kind {
	case AlertStopLossHit, AlertRiskTriggered, AlertSessionDegraded:
		return SeverityCritical
	case AlertTargetHit:
		return SeverityWarning
	}
	return SeverityInfo
}

// GetEventTitle 事件标题
func GetEventTitle(evt *Event) string {
	if alert, ok := evt.Payload.(*Alert); ok {
		switch alert.Kind {
		case AlertStopLossHit:
			return "触发止损"
		case AlertTargetHit:
			return "触发止盈"
		case AlertRiskTriggered:
			return "持续对账差异"
		case AlertSessionDegraded:
			return "会话降级"
		case AlertSessionRecovered:
			return "会话恢复"
		}
	}
	switch evt.Type {
	case EventTypeOrderUpdate:
		return "订单更新"
	case EventTypePositionUpdate:
		return "持仓更新"
	case EventTypePnLUpdate:
		return "盈亏更新"
	case EventTypeSessionUpdate:
		return "会话状态"
	case EventTypeReconciliation:
		return "对账报告"
	}
	return string(evt.Type)
}

type subscriber struct {
	name    string
	ch      chan *Event
	dropped atomic.Int64
}

// EventBus 事件总线，每个订阅者独立缓冲
type EventBus struct {
	mu          sync.RWMutex
	subscribers []*subscriber
	bufferSize  int
	closed      bool
}

// NewEventBus 创建事件总线
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 1000 // 默认1000
	}
	return &EventBus{
		bufferSize: bufferSize,
	}
}

// Publish 发布事件（非阻塞），订阅者缓冲区满时丢弃
func (eb *EventBus) Publish(evt *Event) {
	if evt == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		return
	}
	for _, sub := range eb.subscribers {
		select {
		case sub.ch <- evt:
		default:
			if n := sub.dropped.Add(1); n == 1 || n%100 == 0 {
				logger.Warn("⚠️ 订阅者 %s 事件队列已满，丢弃事件: %s (累计 %d)", sub.name, evt.Type, n)
			}
		}
	}
}

// Subscribe 订阅事件
func (eb *EventBus) Subscribe(name string) <-chan *Event {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	ch := make(chan *Event, eb.bufferSize)
	if eb.closed {
		close(ch)
		return ch
	}
	eb.subscribers = append(eb.subscribers, &subscriber{name: name, ch: ch})
	return ch
}

// Unsubscribe 取消订阅并关闭通道
func (eb *EventBus) Unsubscribe(ch <-chan *Event) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for i, sub := range eb.subscribers {
		if sub.ch == ch {
			close(sub.ch)
			eb.subscribers = append(eb.subscribers[:i], eb.subscribers[i+1:]...)
			return
		}
	}
}

// Dropped 当前订阅者累计丢弃数
func (eb *EventBus) Dropped() map[string]int64 {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	out := make(map[string]int64, len(eb.subscribers))
	for _, sub := range eb.subscribers {
		out[sub.name] += sub.dropped.Load()
	}
	return out
}

// Close 关闭事件总线
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		return
	}
	eb.closed = true
	for _, sub := range eb.subscribers {
		close(sub.ch)
	}
	eb.subscribers = nil
}

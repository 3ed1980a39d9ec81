package event

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"optionsdesk/database"
	"optionsdesk/logger"
)

// EventStore 事件存储
type EventStore interface {
	SaveEvent(ctx context.Context, event *database.EventRecord) error
	CleanupOldEvents(ctx context.Context, severity string, keepCount int, keepDays int) error
}

// NotificationService 通知服务接口
type NotificationService interface {
	Send(event *Event)
}

// EventCenterConfig 事件中心配置
type EventCenterConfig struct {
	CleanupInterval time.Duration
	Retention       RetentionConfig
}

// RetentionConfig 保留策略配置
type RetentionConfig struct {
	CriticalDays     int
	WarningDays      int
	InfoDays         int
	CriticalMaxCount int
	WarningMaxCount  int
	InfoMaxCount     int
}

// DefaultEventCenterConfig 默认配置
func DefaultEventCenterConfig() *EventCenterConfig {
	return &EventCenterConfig{
		CleanupInterval: 24 * time.Hour,
		Retention: RetentionConfig{
			CriticalDays:     365,
			WarningDays:      90,
			InfoDays:         30,
			CriticalMaxCount: 100000,
			WarningMaxCount:  50000,
			InfoMaxCount:     30000,
		},
	}
}

// EventCenter 事件中心：持久化告警和关键状态变化，并触发通知
type EventCenter struct {
	store    EventStore
	eventBus *EventBus
	notifier NotificationService
	config   *EventCenterConfig
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	events   <-chan *Event
}

// NewEventCenter 创建事件中心，store 和 notifier 均可为 nil
func NewEventCenter(store EventStore, eventBus *EventBus, notifier NotificationService, config *EventCenterConfig) *EventCenter {
	if config == nil {
		config = DefaultEventCenterConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &EventCenter{
		store:    store,
		eventBus: eventBus,
		notifier: notifier,
		config:   config,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start 启动事件中心
func (ec *EventCenter) Start() {
	ec.events = ec.eventBus.Subscribe("event_center")

	ec.wg.Add(1)
	go ec.processEvents()

	if ec.store != nil && ec.config.CleanupInterval > 0 {
		ec.wg.Add(1)
		go ec.cleanupTask()
	}
	logger.Info("✅ 事件中心已启动")
}

// Stop 停止事件中心
func (ec *EventCenter) Stop() {
	ec.cancel()
	if ec.events != nil {
		ec.eventBus.Unsubscribe(ec.events)
	}
	ec.wg.Wait()
	logger.Info("✅ 事件中心已停止")
}

func (ec *EventCenter) processEvents() {
	defer ec.wg.Done()
	for {
		select {
		case <-ec.ctx.Done():
			return
		case evt, ok := <-ec.events:
			if !ok {
				return
			}
			ec.handleEvent(evt)
		}
	}
}

// handleEvent 处理单个事件
func (ec *EventCenter) handleEvent(evt *Event) {
	if evt == nil || !ec.shouldPersist(evt) {
		return
	}
	severity := GetEventSeverity(evt)

	if ec.store != nil {
		details, err := json.Marshal(evt.Payload)
		if err != nil {
			logger.Warn("⚠️ 序列化事件详情失败: %v", err)
			details = []byte("{}")
		}
		record := &database.EventRecord{
			Type:      string(evt.Type),
			Severity:  string(severity),
			Broker:    evt.Broker,
			Symbol:    symbolOf(evt),
			Title:     GetEventTitle(evt),
			Message:   BuildMessage(evt),
			Details:   string(details),
			CreatedAt: evt.Timestamp,
		}

		ctx, cancel := context.WithTimeout(ec.ctx, 5*time.Second)
		err = ec.store.SaveEvent(ctx, record)
		cancel()
		if err != nil {
			logger.Error("❌ 保存事件失败: %v", err)
		}
	}

	if ec.notifier != nil && evt.Type == EventTypeAlert {
		ec.notifier.Send(evt)
	}
}

// shouldPersist 高频的订单、持仓、盈亏推送不写事件表
func (ec *EventCenter) shouldPersist(evt *Event) bool {
	switch evt.Type {
	case EventTypeAlert, EventTypeSessionUpdate:
		return true
	case EventTypeReconciliation:
		if r, ok := evt.Payload.(interface{ Clean() bool }); ok {
			return !r.Clean()
		}
		return true
	}
	return false
}

func symbolOf(evt *Event) string {
	if alert, ok := evt.Payload.(*Alert); ok {
		return alert.Symbol
	}
	return ""
}

// BuildMessage 构建事件消息
func BuildMessage(evt *Event) string {
	if alert, ok := evt.Payload.(*Alert); ok {
		if alert.Symbol != "" {
			return fmt.Sprintf("[%s] %s %s", evt.Broker, alert.Symbol, alert.Message)
		}
		return fmt.Sprintf("[%s] %s", evt.Broker, alert.Message)
	}
	if s, ok := evt.Payload.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("[%s] %s", evt.Broker, GetEventTitle(evt))
}

// cleanupTask 定期清理旧事件
func (ec *EventCenter) cleanupTask() {
	defer ec.wg.Done()

	// 首次等待1小时后再开始清理
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		select {
		case <-ec.ctx.Done():
			return
		case <-timer.C:
			ec.performCleanup()
			timer.Reset(ec.config.CleanupInterval)
		}
	}
}

func (ec *EventCenter) performCleanup() {
	ctx, cancel := context.WithTimeout(ec.ctx, 10*time.Minute)
	defer cancel()

	r := ec.config.Retention
	for _, p := range []struct {
		severity EventSeverity
		count    int
		days     int
	}{
		{SeverityCritical, r.CriticalMaxCount, r.CriticalDays},
		{SeverityWarning, r.WarningMaxCount, r.WarningDays},
		{SeverityInfo, r.InfoMaxCount, r.InfoDays},
	} {
		if err := ec.store.CleanupOldEvents(ctx, string(p.severity), p.count, p.days); err != nil {
			logger.Error("❌ 清理 %s 事件失败: %v", p.severity, err)
		}
	}
	logger.Info("🧹 事件清理完成")
}

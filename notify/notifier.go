// Package notify 告警触发
//
// 只负责决定哪些告警需要通知并交给 Notifier；具体投递通道（邮件、Webhook 等）由外部实现。
package notify

import (
	"sync"

	"optionsdesk/config"
	"optionsdesk/event"
	"optionsdesk/logger"
)

// Notifier 通知接口
type Notifier interface {
	Send(evt *event.Event) error
	Name() string
}

// NotificationService 通知服务
type NotificationService struct {
	mu        sync.RWMutex
	notifiers []Notifier
	enabled   bool
	kinds     map[event.AlertKind]bool // 为空表示全部告警
	wg        sync.WaitGroup
}

// NewNotificationService 创建通知服务，默认带日志通知
func NewNotificationService(cfg *config.Config) *NotificationService {
	ns := &NotificationService{}
	ns.Apply(cfg)
	ns.Register(NewLogNotifier())
	return ns
}

// Apply 更新通知规则（热更新）
func (ns *NotificationService) Apply(cfg *config.Config) {
	kinds := make(map[event.AlertKind]bool, len(cfg.Notifications.Events))
	for _, k := range cfg.Notifications.Events {
		kinds[event.AlertKind(k)] = true
	}
	ns.mu.Lock()
	ns.enabled = cfg.Notifications.Enabled
	ns.kinds = kinds
	ns.mu.Unlock()
}

// Register 注册通知渠道
func (ns *NotificationService) Register(n Notifier) {
	ns.mu.Lock()
	ns.notifiers = append(ns.notifiers, n)
	ns.mu.Unlock()
	logger.Info("✅ 通知渠道已注册: %s", n.Name())
}

// shouldNotify 检查是否需要通知
func (ns *NotificationService) shouldNotify(evt *event.Event) bool {
	if evt.Type != event.EventTypeAlert {
		return false
	}
	alert, ok := evt.Payload.(*event.Alert)
	if !ok {
		return false
	}

	ns.mu.RLock()
	defer ns.mu.RUnlock()
	if !ns.enabled {
		return false
	}
	return len(ns.kinds) == 0 || ns.kinds[alert.Kind]
}

// Send 发送通知（异步，不阻塞）
func (ns *NotificationService) Send(evt *event.Event) {
	if evt == nil || !ns.shouldNotify(evt) {
		return
	}

	ns.mu.RLock()
	notifiers := append([]Notifier(nil), ns.notifiers...)
	ns.mu.RUnlock()

	for _, notifier := range notifiers {
		ns.wg.Add(1)
		go func(n Notifier) {
			defer ns.wg.Done()
			if err := n.Send(evt); err != nil {
				logger.Warn("⚠️ [%s] 通知发送失败: %v", n.Name(), err)
			}
		}(notifier)
	}
}

// Wait 等待已发出的通知完成
func (ns *NotificationService) Wait() {
	ns.wg.Wait()
}

// LogNotifier 把告警写入日志
type LogNotifier struct{}

// NewLogNotifier 创建日志通知
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (l *LogNotifier) Name() string {
	return "log"
}

func (l *LogNotifier) Send(evt *event.Event) error {
	logger.Warn("🔔 [告警] %s: %s", event.GetEventTitle(evt), event.BuildMessage(evt))
	return nil
}

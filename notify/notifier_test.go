package notify

import (
	"errors"
	"sync"
	"testing"

	"optionsdesk/config"
	"optionsdesk/event"
)

type recordingNotifier struct {
	mu   sync.Mutex
	got  []event.AlertKind
	fail bool
}

func (r *recordingNotifier) Name() string { return "recording" }

func (r *recordingNotifier) Send(evt *event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, evt.Payload.(*event.Alert).Kind)
	if r.fail {
		return errors.New("投递失败")
	}
	return nil
}

func alertEvent(kind event.AlertKind) *event.Event {
	return &event.Event{Type: event.EventTypeAlert, Broker: "fyers", Payload: &event.Alert{Kind: kind, Message: "test"}}
}

func TestNotificationService_FiltersByKind(t *testing.T) {
	cfg := &config.Config{}
	cfg.Notifications.Enabled = true
	cfg.Notifications.Events = []string{string(event.AlertStopLossHit)}

	ns := NewNotificationService(cfg)
	rec := &recordingNotifier{}
	ns.Register(rec)

	ns.Send(alertEvent(event.AlertStopLossHit))
	ns.Send(alertEvent(event.AlertTargetHit))
	ns.Send(&event.Event{Type: event.EventTypeOrderUpdate})
	ns.Wait()

	if len(rec.got) != 1 || rec.got[0] != event.AlertStopLossHit {
		t.Errorf("期望只通知止损, 得到 %v", rec.got)
	}
}

func TestNotificationService_Disabled(t *testing.T) {
	cfg := &config.Config{}
	ns := NewNotificationService(cfg)
	rec := &recordingNotifier{}
	ns.Register(rec)

	ns.Send(alertEvent(event.AlertSessionDegraded))
	ns.Wait()
	if len(rec.got) != 0 {
		t.Errorf("未启用时不应通知, 得到 %v", rec.got)
	}

	cfg.Notifications.Enabled = true
	ns.Apply(cfg)
	ns.Send(alertEvent(event.AlertSessionDegraded))
	ns.Wait()
	if len(rec.got) != 1 {
		t.Errorf("期望 %d, 得到 %d", 1, len(rec.got))
	}
}

func TestNotificationService_FailureDoesNotBlock(t *testing.T) {
	cfg := &config.Config{}
	cfg.Notifications.Enabled = true
	ns := NewNotificationService(cfg)
	ns.Register(&recordingNotifier{fail: true})

	ns.Send(alertEvent(event.AlertRiskTriggered))
	ns.Wait()
}

package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"optionsdesk/database"
	"optionsdesk/event"
	"optionsdesk/logger"
	"optionsdesk/safety"
)

// Journal 把会话、订单和对账报告写入流水库
// 写入失败只记录日志，不影响交易链路
type Journal struct {
	db  database.Database
	bus *event.EventBus

	ch     <-chan *event.Event
	wg     sync.WaitGroup
	cancel context.CancelFunc
	ctx    context.Context
}

// NewJournal 创建流水记录器
func NewJournal(db database.Database, bus *event.EventBus) *Journal {
	ctx, cancel := context.WithCancel(context.Background())
	return &Journal{db: db, bus: bus, ctx: ctx, cancel: cancel}
}

// Start 订阅事件总线
func (j *Journal) Start() {
	j.ch = j.bus.Subscribe("journal")
	j.wg.Add(1)
	go j.loop()
	logger.Info("✅ 交易流水记录已启动")
}

// Stop 停止记录，已排队的事件写完后退出
func (j *Journal) Stop() {
	if j.ch != nil {
		j.bus.Unsubscribe(j.ch)
	}
	j.wg.Wait()
	j.cancel()
}

func (j *Journal) loop() {
	defer j.wg.Done()
	for evt := range j.ch {
		j.handle(evt)
	}
}

func (j *Journal) handle(evt *event.Event) {
	ctx, cancel := context.WithTimeout(j.ctx, 5*time.Second)
	defer cancel()

	var err error
	switch payload := evt.Payload.(type) {
	case *OrderUpdate:
		err = j.db.SaveOrder(ctx, orderRecord(evt.Broker, payload))
	case *Session:
		err = j.db.SaveSession(ctx, sessionRecord(payload))
	default:
		return
	}
	if err != nil {
		logger.Error("❌ 写入流水失败 (%s): %v", evt.Type, err)
	}
}

// SaveReconciliation 实现 safety.ReportStore
func (j *Journal) SaveReconciliation(report *safety.Report) error {
	ctx, cancel := context.WithTimeout(j.ctx, 5*time.Second)
	defer cancel()
	return j.db.SaveReconciliation(ctx, reconciliationRecord(report))
}

func orderRecord(brokerName string, u *OrderUpdate) *database.OrderRecord {
	o := u.Order
	return &database.OrderRecord{
		SessionID:      u.SessionID,
		Broker:         brokerName,
		Symbol:         o.Symbol,
		OrderID:        o.OrderID,
		BrokerOrderID:  o.BrokerOrderID,
		Side:           string(o.Side),
		Type:           string(o.Type),
		Quantity:       o.Quantity,
		Price:          o.Price,
		TriggerPrice:   o.TriggerPrice,
		FilledQuantity: o.FilledQuantity,
		AveragePrice:   o.AveragePrice,
		Status:         string(o.Status),
		RejectReason:   o.RejectReason,
		PlacedAt:       o.PlacedAt,
		UpdatedAt:      o.UpdatedAt,
	}
}

func sessionRecord(s *Session) *database.SessionRecord {
	return &database.SessionRecord{
		SessionID:       s.ID,
		Broker:          s.Broker,
		Mode:            string(s.Mode),
		Capital:         s.Capital,
		Status:          string(s.Status),
		OrdersPlaced:    s.OrdersPlaced,
		OrdersFilled:    s.OrdersFilled,
		OrdersCancelled: s.OrdersCancelled,
		OrdersRejected:  s.OrdersRejected,
		RealizedPnL:     s.RealizedPnL,
		UnrealizedPnL:   s.UnrealizedPnL,
		StartedAt:       s.StartedAt,
		StoppedAt:       s.StoppedAt,
		UpdatedAt:       time.Now(),
	}
}

func reconciliationRecord(r *safety.Report) *database.ReconciliationRecord {
	rec := &database.ReconciliationRecord{
		SessionID:        r.SessionID,
		Broker:           r.Broker,
		Trigger:          r.Trigger,
		OrdersChecked:    r.OrdersChecked,
		PositionsChecked: r.PositionsChecked,
		MismatchCount:    len(r.Mismatches),
		Escalated:        strings.Join(r.Escalated, ","),
		StartedAt:        r.StartedAt,
		FinishedAt:       r.FinishedAt,
	}
	for _, m := range r.Mismatches {
		rec.Mismatches = append(rec.Mismatches, database.MismatchRecord{
			Kind:        m.Kind,
			Symbol:      m.Symbol,
			OrderID:     m.OrderID,
			LocalValue:  m.Local,
			BrokerValue: m.Broker,
			Delta:       m.Delta,
			Detail:      m.Detail,
			CreatedAt:   r.FinishedAt,
		})
	}
	return rec
}

// Package safety 对账和止损建议
//
// Reconciler 以券商为准修正本地订单和持仓；StopLossRecommender 只读持仓给出止损止盈建议。
package safety

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"optionsdesk/broker"
	"optionsdesk/liveerr"
	"optionsdesk/lock"
	"optionsdesk/logger"
	"optionsdesk/metrics"
	"optionsdesk/order"
	"optionsdesk/position"
)

// 对账触发来源
const (
	TriggerReconnect = "reconnect"
	TriggerManual    = "manual"
	TriggerInterval  = "interval"
)

// BrokerSnapshots 对账所需的券商查询接口
type BrokerSnapshots interface {
	GetName() string
	GetOrders(ctx context.Context) ([]*broker.OrderSnapshot, error)
	GetPositions(ctx context.Context) ([]*broker.PositionSnapshot, error)
}

// OrderBook 对账所需的订单接口
type OrderBook interface {
	List() []*order.Order
	Unacked() []*order.Order
	ForceSync(snap *broker.OrderSnapshot) (*order.Order, bool)
	MarkMissing(orderID, reason string) (*order.Order, bool)
}

// PositionBook 对账所需的持仓接口
type PositionBook interface {
	Snapshot() []*position.Position
	Overwrite(snap *broker.PositionSnapshot) (*position.Position, error)
	Recover(snap *broker.PositionSnapshot) (*position.Position, error)
	MarkOrphan(symbol string) (*position.Position, bool)
	FillSeq() uint64
	FilledSince(seq uint64) []string
}

// ReportStore 对账报告存储（可选）
type ReportStore interface {
	SaveReconciliation(report *Report) error
}

// Report 一次对账的结果
type Report struct {
	Broker           string                            `json:"broker"`
	SessionID        string                            `json:"session_id"`
	Trigger          string                            `json:"trigger"`
	StartedAt        time.Time                         `json:"started_at"`
	FinishedAt       time.Time                         `json:"finished_at"`
	OrdersChecked    int                               `json:"orders_checked"`
	PositionsChecked int                               `json:"positions_checked"`
	Mismatches       []*liveerr.ReconciliationMismatch `json:"mismatches"`
	Escalated        []string                          `json:"escalated,omitempty"` // 连续多次出现差异的标的
	Deferred         []string                          `json:"deferred,omitempty"`  // 查询期间有新成交，留待下次对账
}

// Clean 是否无差异
func (r *Report) Clean() bool {
	return len(r.Mismatches) == 0
}

// ReconcilerOptions 对账配置
type ReconcilerOptions struct {
	Broker         string
	SessionID      string
	Interval       time.Duration
	PriceTolerance float64       // 均价差超过该值才覆盖
	EscalateAfter  int           // 同一标的连续 N 次对账都有差异时升级告警
	MissingAfter   time.Duration // 确认丢失的订单下单超过该时长仍查不到则置为 REJECTED
	LockTTL        time.Duration
}

// Reconciler 订单和持仓对账器
type Reconciler struct {
	opts      ReconcilerOptions
	gw        BrokerSnapshots
	writer    order.Applier
	orders    OrderBook
	positions PositionBook
	lock      lock.DistributedLock
	storage   ReportStore

	onReport   func(*Report)
	onEscalate func(symbol string, streak int, mismatches []*liveerr.ReconciliationMismatch)

	runMu   sync.Mutex // 同一时间只运行一次对账
	mu      sync.RWMutex
	last    *Report
	streaks map[string]int
	runs    int64

	interval chan time.Duration
	now      func() time.Time
}

// NewReconciler 创建对账器
func NewReconciler(opts ReconcilerOptions, gw BrokerSnapshots, writer order.Applier, orders OrderBook, positions PositionBook, distributedLock lock.DistributedLock) *Reconciler {
	if opts.Broker == "" {
		opts.Broker = gw.GetName()
	}
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}
	if opts.PriceTolerance <= 0 {
		opts.PriceTolerance = 0.05
	}
	if opts.EscalateAfter <= 0 {
		opts.EscalateAfter = 3
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}
	if distributedLock == nil {
		distributedLock = lock.NewNopLock()
	}
	return &Reconciler{
		opts:      opts,
		gw:        gw,
		writer:    writer,
		orders:    orders,
		positions: positions,
		lock:      distributedLock,
		streaks:   make(map[string]int),
		interval:  make(chan time.Duration, 1),
		now:       time.Now,
	}
}

// SetStorage 设置报告存储（可选）
func (r *Reconciler) SetStorage(storage ReportStore) {
	r.storage = storage
}

// OnReport 每次对账完成后回调
func (r *Reconciler) OnReport(fn func(*Report)) {
	r.onReport = fn
}

// OnEscalate 同一标的连续多次出现差异时回调
func (r *Reconciler) OnEscalate(fn func(symbol string, streak int, mismatches []*liveerr.ReconciliationMismatch)) {
	r.onEscalate = fn
}

// SetInterval 修改定时对账间隔（热更新）
func (r *Reconciler) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-r.interval:
	default:
	}
	r.interval <- d
}

// SetTolerance 修改均价容差和升级阈值（热更新）
func (r *Reconciler) SetTolerance(priceTolerance float64, escalateAfter int) {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if priceTolerance > 0 {
		r.opts.PriceTolerance = priceTolerance
	}
	if escalateAfter > 0 {
		r.opts.EscalateAfter = escalateAfter
	}
}

// Start 启动定时对账协程
func (r *Reconciler) Start(ctx context.Context) {
	go func() {
		interval := r.opts.Interval
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("⏹️ [%s] 定时对账协程已停止", r.opts.Broker)
				return
			case d := <-r.interval:
				if d != interval {
					interval = d
					ticker.Reset(d)
					logger.Info("🔄 [%s] 对账间隔已更新为 %s", r.opts.Broker, d)
				}
			case <-ticker.C:
				if _, err := r.Reconcile(ctx, TriggerInterval); err != nil {
					logger.Error("❌ [%s] 定时对账失败: %v", r.opts.Broker, err)
				}
			}
		}
	}()
	logger.Info("✅ [%s] 定时对账已启动 (间隔: %s)", r.opts.Broker, r.opts.Interval)
}

// LastReport 最近一次对账报告
func (r *Reconciler) LastReport() *Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

// Runs 已完成的对账次数
func (r *Reconciler) Runs() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.runs
}

// Reconcile 执行一次对账
// 券商查询在写入协程外完成，比对和修正在写入协程内一次完成；
// 查询开始后才有成交的标的，快照可能早于这笔成交，本次只记录不修正
func (r *Reconciler) Reconcile(ctx context.Context, trigger string) (*Report, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	lockKey := lock.ReconcileKey(r.opts.Broker, r.opts.SessionID)
	if err := r.lock.Lock(ctx, lockKey, r.opts.LockTTL); err != nil {
		return nil, fmt.Errorf("获取对账锁失败: %w", err)
	}
	defer func() {
		if err := r.lock.Unlock(context.Background(), lockKey); err != nil {
			logger.Warn("⚠️ [%s] 释放对账锁失败: %v", r.opts.Broker, err)
		}
	}()

	report := &Report{
		Broker:     r.opts.Broker,
		SessionID:  r.opts.SessionID,
		Trigger:    trigger,
		StartedAt:  r.now(),
		Mismatches: make([]*liveerr.ReconciliationMismatch, 0),
	}
	logger.Debug("🔍 [%s] 开始对账 (%s)", r.opts.Broker, trigger)

	mark := r.positions.FillSeq()
	brokerOrders, err := r.gw.GetOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询券商订单失败: %w", err)
	}
	brokerPositions, err := r.gw.GetPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("查询券商持仓失败: %w", err)
	}

	if err := r.writer.Do(ctx, func() {
		// 必须在强制同步订单之前取，之后的成交来自本次快照
		deferred := r.positions.FilledSince(mark)
		r.diffOrders(report, brokerOrders)
		r.diffPositions(report, brokerPositions, deferred)
	}); err != nil {
		return nil, fmt.Errorf("对账写入失败: %w", err)
	}
	report.FinishedAt = r.now()

	escalations := r.escalate(report)
	r.record(report)

	for symbol, ms := range escalations {
		logger.Error("🚨 [%s] %s 连续 %d 次对账出现差异", r.opts.Broker, symbol, r.opts.EscalateAfter)
		if r.onEscalate != nil {
			r.onEscalate(symbol, r.opts.EscalateAfter, ms)
		}
	}
	if r.onReport != nil {
		r.onReport(report)
	}
	return report, nil
}

// diffOrders 券商状态领先时强制推进本地订单，在写入协程上执行
func (r *Reconciler) diffOrders(report *Report, snaps []*broker.OrderSnapshot) {
	local := r.orders.List()
	byBroker := make(map[string]*order.Order, len(local))
	byTag := make(map[string]*order.Order, len(local))
	for _, o := range local {
		if o.BrokerOrderID != "" {
			byBroker[o.BrokerOrderID] = o
		}
		byTag[o.Tag] = o
	}

	seenTags := make(map[string]bool, len(snaps))
	for _, snap := range snaps {
		if snap == nil {
			continue
		}
		report.OrdersChecked++
		if snap.Tag != "" {
			seenTags[snap.Tag] = true
		}

		before, ok := byBroker[snap.BrokerOrderID]
		if !ok && snap.Tag != "" {
			before = byTag[snap.Tag]
		}
		if before == nil {
			// 券商端人工下的单，不在本会话管理范围内
			logger.Debug("[%s] 对账忽略非本会话订单 %s", r.opts.Broker, snap.BrokerOrderID)
			continue
		}

		after, changed := r.orders.ForceSync(snap)
		if !changed {
			continue
		}
		kind := liveerr.MismatchOrderStatus
		if before.Status == after.Status {
			kind = liveerr.MismatchOrderFill
		}
		report.Mismatches = append(report.Mismatches, &liveerr.ReconciliationMismatch{
			Kind:    kind,
			Symbol:  after.Symbol,
			OrderID: after.OrderID,
			Local:   float64(before.FilledQuantity),
			Broker:  float64(snap.FilledQuantity),
			Delta:   float64(snap.FilledQuantity - before.FilledQuantity),
			Detail:  fmt.Sprintf("%s -> %s", before.Status, after.Status),
		})
	}

	cutoff := r.now().Add(-r.opts.MissingAfter)
	for _, o := range r.orders.Unacked() {
		if seenTags[o.Tag] || o.PlacedAt.After(cutoff) {
			continue
		}
		after, marked := r.orders.MarkMissing(o.OrderID, "券商侧查无此订单（确认丢失）")
		if !marked {
			continue
		}
		report.Mismatches = append(report.Mismatches, &liveerr.ReconciliationMismatch{
			Kind:    liveerr.MismatchOrderStatus,
			Symbol:  after.Symbol,
			OrderID: after.OrderID,
			Detail:  fmt.Sprintf("%s -> %s", o.Status, after.Status),
		})
	}
}

// diffPositions 以券商持仓为准修正本地持仓，在写入协程上执行
func (r *Reconciler) diffPositions(report *Report, snaps []*broker.PositionSnapshot, stale []string) {
	local := make(map[string]*position.Position)
	for _, p := range r.positions.Snapshot() {
		local[p.Symbol] = p
	}

	remote := make(map[string]*broker.PositionSnapshot, len(snaps))
	for _, snap := range snaps {
		if snap == nil || snap.Quantity == 0 {
			continue
		}
		remote[snap.Symbol] = snap
	}
	report.PositionsChecked = len(remote)

	deferred := make(map[string]bool, len(stale))
	for _, symbol := range stale {
		deferred[symbol] = true
		logger.Info("⏳ [%s] %s 在查询券商期间有新成交，本次不修正", r.opts.Broker, symbol)
	}
	report.Deferred = stale

	for symbol, snap := range remote {
		if deferred[symbol] {
			continue
		}
		p, exists := local[symbol]
		if !exists {
			if _, err := r.positions.Recover(snap); err != nil {
				logger.Error("❌ [%s] 恢复券商持仓 %s 失败: %v", r.opts.Broker, symbol, err)
				continue
			}
			m := &liveerr.ReconciliationMismatch{
				Kind:   liveerr.MismatchPositionRecover,
				Symbol: symbol,
				Broker: float64(snap.Quantity),
				Delta:  float64(snap.Quantity),
				Detail: "券商有持仓而本地没有，已恢复",
			}
			logger.Warn("⚠️ [%s] %v", r.opts.Broker, m)
			report.Mismatches = append(report.Mismatches, m)
			continue
		}

		var m *liveerr.ReconciliationMismatch
		switch {
		case p.Quantity != snap.Quantity:
			m = &liveerr.ReconciliationMismatch{
				Kind:   liveerr.MismatchPositionQuantity,
				Symbol: symbol,
				Local:  float64(p.Quantity),
				Broker: float64(snap.Quantity),
				Delta:  float64(snap.Quantity - p.Quantity),
			}
		case snap.AveragePrice > 0 && math.Abs(snap.AveragePrice-p.EntryPrice) > r.opts.PriceTolerance:
			m = &liveerr.ReconciliationMismatch{
				Kind:   liveerr.MismatchPositionPrice,
				Symbol: symbol,
				Local:  p.EntryPrice,
				Broker: snap.AveragePrice,
				Delta:  snap.AveragePrice - p.EntryPrice,
			}
		case !p.Orphan:
			continue
		}

		if _, err := r.positions.Overwrite(snap); err != nil {
			logger.Error("❌ [%s] 覆盖持仓 %s 失败: %v", r.opts.Broker, symbol, err)
			continue
		}
		if m == nil {
			logger.Info("🔗 [%s] 孤立持仓 %s 已在券商侧重新出现，解除标记", r.opts.Broker, symbol)
			continue
		}
		logger.Warn("⚠️ [%s] %v，已按券商修正", r.opts.Broker, m)
		report.Mismatches = append(report.Mismatches, m)
	}

	for symbol, p := range local {
		if _, exists := remote[symbol]; exists || deferred[symbol] {
			continue
		}
		if _, first := r.positions.MarkOrphan(symbol); !first {
			continue
		}
		m := &liveerr.ReconciliationMismatch{
			Kind:   liveerr.MismatchPositionOrphan,
			Symbol: symbol,
			Local:  float64(p.Quantity),
			Delta:  float64(-p.Quantity),
			Detail: "券商侧无此持仓，保留并等待人工处理",
		}
		logger.Warn("⚠️ [%s] %v", r.opts.Broker, m)
		report.Mismatches = append(report.Mismatches, m)
	}
}

// escalate 更新每个标的的连续差异次数，返回本次刚达到阈值的标的
func (r *Reconciler) escalate(report *Report) map[string][]*liveerr.ReconciliationMismatch {
	bySymbol := make(map[string][]*liveerr.ReconciliationMismatch)
	for _, m := range report.Mismatches {
		bySymbol[m.Symbol] = append(bySymbol[m.Symbol], m)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for symbol := range r.streaks {
		if _, ok := bySymbol[symbol]; !ok {
			delete(r.streaks, symbol)
		}
	}
	out := make(map[string][]*liveerr.ReconciliationMismatch)
	for symbol, ms := range bySymbol {
		r.streaks[symbol]++
		if r.streaks[symbol] == r.opts.EscalateAfter {
			out[symbol] = ms
			report.Escalated = append(report.Escalated, symbol)
		}
	}
	return out
}

func (r *Reconciler) record(report *Report) {
	pm := metrics.GetPrometheusMetrics()
	pm.RecordReconciliation(r.opts.Broker, report.Trigger, report.FinishedAt.Sub(report.StartedAt))
	for _, m := range report.Mismatches {
		pm.RecordReconciliationMismatch(r.opts.Broker, m.Kind)
	}

	r.mu.Lock()
	r.last = report
	r.runs++
	r.mu.Unlock()

	if report.Clean() {
		logger.Debug("✅ [%s] 对账完成，无差异 (订单 %d, 持仓 %d)", r.opts.Broker, report.OrdersChecked, report.PositionsChecked)
	} else {
		logger.Info("📋 [%s] 对账完成，修正 %d 处差异 (%s)", r.opts.Broker, len(report.Mismatches), report.Trigger)
	}

	if r.storage != nil {
		if err := r.storage.SaveReconciliation(report); err != nil {
			logger.Warn("⚠️ 保存对账报告失败: %v", err)
		}
	}
}

package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"optionsdesk/broker"
	"optionsdesk/config"
	"optionsdesk/event"
	"optionsdesk/liveerr"
	"optionsdesk/lock"
	"optionsdesk/order"
	"optionsdesk/safety"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("等待超时: %s", what)
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.App.DefaultBroker = "fyers"
	cfg.Brokers = map[string]config.BrokerConfig{"fyers": {}}
	return cfg
}

type authFailGateway struct {
	*broker.PaperGateway
}

func (g authFailGateway) Authenticate(ctx context.Context) error {
	return errors.New("access token expired")
}

type busyLock struct {
	lock.NopLock
}

func (b *busyLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return false, nil
}

func newTestManager(t *testing.T, gw broker.Gateway) (*Manager, *event.EventBus) {
	t.Helper()
	bus := event.NewEventBus(4096)
	m := NewManager(testConfig(), lock.NewNopLock(), bus)
	m.SetGatewayFactory(func(cfg *config.Config, name string, mode broker.Mode) (broker.Gateway, error) {
		return gw, nil
	})
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m, bus
}

func startAccepting(t *testing.T, m *Manager) *Session {
	t.Helper()
	s, err := m.Start(context.Background(), "fyers", broker.ModeSandbox, 100000)
	if err != nil {
		t.Fatalf("启动会话失败: %v", err)
	}
	if s.Status != StatusRunning {
		t.Fatalf("期望 %s, 得到 %s", StatusRunning, s.Status)
	}
	waitFor(t, "首次对账完成", func() bool {
		return m.Current().Stream.Accepting
	})
	return s
}

func buyAndWait(t *testing.T, m *Manager, qty int64) *order.Order {
	t.Helper()
	o, err := m.PlaceOrder(context.Background(), &order.PlaceRequest{
		Symbol: "reliance", Side: broker.SideBuy, Type: broker.OrderTypeMarket, Quantity: qty,
	})
	if err != nil {
		t.Fatalf("下单失败: %v", err)
	}
	if o.Status != broker.StatusPending {
		t.Errorf("期望 %s, 得到 %s", broker.StatusPending, o.Status)
	}
	waitFor(t, "订单成交", func() bool {
		got, err := m.Order(o.OrderID)
		return err == nil && got.Status == broker.StatusFilled
	})
	return o
}

func TestManager_StartPlaceAndFill(t *testing.T) {
	gw := broker.NewPaperGateway("fyers")
	gw.SetPrice("RELIANCE", 2500)
	m, _ := newTestManager(t, gw)
	startAccepting(t, m)

	buyAndWait(t, m, 10)

	positions, err := m.Positions()
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 1 || positions[0].Quantity != 10 || positions[0].EntryPrice != 2500 {
		t.Fatalf("持仓不正确: %+v", positions)
	}

	cur := m.Current()
	if cur.OrdersPlaced != 1 || cur.OrdersFilled != 1 {
		t.Errorf("期望下单1成交1, 得到 %d/%d", cur.OrdersPlaced, cur.OrdersFilled)
	}

	report, err := m.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("对账失败: %v", err)
	}
	if !report.Clean() {
		t.Errorf("期望无差异, 得到 %v", report.Mismatches)
	}
	last, err := m.LastReconcile()
	if err != nil || last.Trigger != safety.TriggerManual {
		t.Errorf("最近对账报告不正确: %+v, %v", last, err)
	}
}

func TestManager_AlreadyRunning(t *testing.T) {
	gw := broker.NewPaperGateway("fyers")
	m, _ := newTestManager(t, gw)
	startAccepting(t, m)

	_, err := m.Start(context.Background(), "fyers", broker.ModeSandbox, 100000)
	if !liveerr.IsAlreadyRunning(err) {
		t.Errorf("期望 AlreadyRunningError, 得到 %v", err)
	}
}

func TestManager_LockHeldByOtherInstance(t *testing.T) {
	bus := event.NewEventBus(16)
	m := NewManager(testConfig(), &busyLock{}, bus)
	m.SetGatewayFactory(func(cfg *config.Config, name string, mode broker.Mode) (broker.Gateway, error) {
		return broker.NewPaperGateway(name), nil
	})

	_, err := m.Start(context.Background(), "fyers", broker.ModeSandbox, 0)
	if !liveerr.IsAlreadyRunning(err) {
		t.Fatalf("期望 AlreadyRunningError, 得到 %v", err)
	}
	if m.Current() != nil {
		t.Errorf("启动失败后不应有当前会话")
	}
	if _, err := m.Get("fyers"); !liveerr.IsNotFound(err) {
		t.Errorf("期望 NotFoundError, 得到 %v", err)
	}
}

func TestManager_AuthFailureStaysStopped(t *testing.T) {
	m, _ := newTestManager(t, authFailGateway{broker.NewPaperGateway("fyers")})

	_, err := m.Start(context.Background(), "fyers", broker.ModeLive, 0)
	if err == nil {
		t.Fatal("认证失败应返回错误")
	}
	if m.Current() != nil {
		t.Errorf("认证失败后不应有当前会话")
	}
	if _, err := m.PlaceOrder(context.Background(), &order.PlaceRequest{
		Symbol: "RELIANCE", Side: broker.SideBuy, Type: broker.OrderTypeMarket, Quantity: 1,
	}); !liveerr.IsInvalidState(err) {
		t.Errorf("期望 InvalidStateError, 得到 %v", err)
	}
}

func TestManager_StopFreezesSession(t *testing.T) {
	gw := broker.NewPaperGateway("fyers")
	gw.SetPrice("RELIANCE", 2500)
	m, _ := newTestManager(t, gw)
	startAccepting(t, m)
	buyAndWait(t, m, 5)

	if _, err := m.Stop(context.Background(), true); !liveerr.IsValidation(err) {
		t.Fatalf("期望 ValidationError, 得到 %v", err)
	}

	s, err := m.Stop(context.Background(), false)
	if err != nil {
		t.Fatalf("停止失败: %v", err)
	}
	if s.Status != StatusStopped || s.StoppedAt == nil {
		t.Errorf("期望已停止, 得到 %+v", s)
	}

	positions, err := m.Positions()
	if err != nil || len(positions) != 1 || positions[0].Quantity != 5 {
		t.Errorf("停止后持仓应保持可查: %+v, %v", positions, err)
	}
	if _, err := m.PlaceOrder(context.Background(), &order.PlaceRequest{
		Symbol: "RELIANCE", Side: broker.SideBuy, Type: broker.OrderTypeMarket, Quantity: 1,
	}); !liveerr.IsInvalidState(err) {
		t.Errorf("期望 InvalidStateError, 得到 %v", err)
	}
	if _, err := m.Stop(context.Background(), false); !liveerr.IsInvalidState(err) {
		t.Errorf("重复停止期望 InvalidStateError, 得到 %v", err)
	}

	// 停止后可以重新启动
	startAccepting(t, m)
}

func TestManager_SquareOff(t *testing.T) {
	gw := broker.NewPaperGateway("fyers")
	gw.SetPrice("RELIANCE", 2500)
	m, _ := newTestManager(t, gw)
	startAccepting(t, m)
	buyAndWait(t, m, 10)

	report, err := m.SquareOff(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Closing) != 1 || report.Closing[0].Side != broker.SideSell || report.Closing[0].Quantity != 10 {
		t.Fatalf("平仓单不正确: %+v", report.Closing)
	}
	if len(report.Failed) != 0 {
		t.Errorf("不应有失败: %v", report.Failed)
	}

	waitFor(t, "持仓归零", func() bool {
		positions, err := m.Positions()
		return err == nil && len(positions) == 0
	})
}

func TestManager_StopLossAlert(t *testing.T) {
	gw := broker.NewPaperGateway("fyers")
	gw.SetPrice("RELIANCE", 2500)
	m, bus := newTestManager(t, gw)
	events := bus.Subscribe("test")
	startAccepting(t, m)
	buyAndWait(t, m, 10)

	sl := 2450.0
	p, err := m.ApplyStopLoss(context.Background(), &safety.ApplyRequest{Symbol: "RELIANCE", SLType: safety.SLTypeCustom, SLPrice: &sl})
	if err != nil {
		t.Fatalf("设置止损失败: %v", err)
	}
	if p.StopLoss == nil || *p.StopLoss != 2450 {
		t.Fatalf("止损未生效: %+v", p)
	}

	if n, err := m.IngestTicks([]broker.PriceTick{{Symbol: "reliance", Price: 2440}}); err != nil || n != 1 {
		t.Fatalf("行情写入失败: %d, %v", n, err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case evt := <-events:
			if evt.Type != event.EventTypeAlert {
				continue
			}
			alert := evt.Payload.(*event.Alert)
			if alert.Kind != event.AlertStopLossHit {
				continue
			}
			if got := event.BuildMessage(evt); got != "[fyers] RELIANCE 价格 2440 跌破止损 2450" {
				t.Errorf("期望告警消息, 得到 %q", got)
			}
			return
		case <-deadline:
			t.Fatal("未收到止损告警")
		}
	}
}

func TestManager_RecommendAndFeeds(t *testing.T) {
	gw := broker.NewPaperGateway("fyers")
	gw.SetPrice("RELIANCE", 2500)
	m, _ := newTestManager(t, gw)
	startAccepting(t, m)
	buyAndWait(t, m, 10)

	if err := m.SetLevels("reliance", safety.Levels{Supports: []float64{2400, 2480}}); err != nil {
		t.Fatal(err)
	}
	rec, err := m.Recommend("RELIANCE")
	if err != nil {
		t.Fatalf("计算止损建议失败: %v", err)
	}
	if rec.SupportBasedSL == nil || *rec.SupportBasedSL != 2480 {
		t.Errorf("期望支撑止损 2480, 得到 %v", rec.SupportBasedSL)
	}
	if rec.RecommendedSL != 2480 {
		t.Errorf("期望 %v, 得到 %v", 2480.0, rec.RecommendedSL)
	}

	if _, err := m.Recommend("TCS"); !liveerr.IsNotFound(err) {
		t.Errorf("期望 NotFoundError, 得到 %v", err)
	}
}

func TestManager_HotReload(t *testing.T) {
	gw := broker.NewPaperGateway("fyers")
	m, _ := newTestManager(t, gw)
	startAccepting(t, m)

	cfg := testConfig()
	cfg.Risk.StopLossPercent = 0.05
	cfg.Risk.ATRMultiplier = 2
	cfg.Risk.ATRPeriod = 10
	cfg.Risk.RiskReward = 3
	m.ApplyConfig(cfg)

	m.mu.RLock()
	rt := m.sessions["fyers"]
	m.mu.RUnlock()
	if got := rt.recommender.Params().StopLossPercent; got != 0.05 {
		t.Errorf("期望 %v, 得到 %v", 0.05, got)
	}
}

func TestManager_CommandsFallBackToRunningBroker(t *testing.T) {
	fyers := broker.NewPaperGateway("fyers")
	fyers.SetPrice("RELIANCE", 2500)
	upstox := broker.NewPaperGateway("upstox")
	upstox.SetPrice("RELIANCE", 2500)

	cfg := testConfig()
	cfg.Brokers["upstox"] = config.BrokerConfig{}
	m := NewManager(cfg, lock.NewNopLock(), event.NewEventBus(4096))
	m.SetGatewayFactory(func(cfg *config.Config, name string, mode broker.Mode) (broker.Gateway, error) {
		if name == "upstox" {
			return upstox, nil
		}
		return fyers, nil
	})
	t.Cleanup(func() { m.Shutdown(context.Background()) })

	startAccepting(t, m)
	if _, err := m.Start(context.Background(), "upstox", broker.ModeSandbox, 50000); err != nil {
		t.Fatalf("启动 upstox 失败: %v", err)
	}
	if got := m.Current().Broker; got != "upstox" {
		t.Fatalf("期望 %v, 得到 %v", "upstox", got)
	}
	if _, err := m.Stop(context.Background(), false); err != nil {
		t.Fatalf("停止 upstox 失败: %v", err)
	}

	// fyers 仍在运行，命令不应因 upstox 已停止而被拒绝
	if got := m.Current().Broker; got != "fyers" {
		t.Errorf("期望 %v, 得到 %v", "fyers", got)
	}
	buyAndWait(t, m, 3)
	orders, _ := fyers.GetOrders(context.Background())
	if len(orders) != 1 {
		t.Errorf("期望 %v, 得到 %v", 1, len(orders))
	}
	if _, err := m.Reconcile(context.Background()); err != nil {
		t.Errorf("对账失败: %v", err)
	}
}

package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"optionsdesk/broker"
	"optionsdesk/liveerr"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("等待超时: %s", what)
}

type eventLog struct {
	mu     sync.Mutex
	events []*broker.Event
}

func (l *eventLog) handle(ev *broker.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func newTestDispatcher(gw broker.Gateway, hook ConnectHook, log *eventLog) (*Dispatcher, *Writer) {
	w := NewWriter(64)
	w.Start()
	d := NewDispatcher(Options{
		Name:         "paper",
		InitialDelay: time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
		DegradeAfter: 2,
	}, gw, w, log.handle, hook)
	return d, w
}

func TestDispatcherAcceptsAfterReconcile(t *testing.T) {
	gw := broker.NewPaperGateway("paper")
	gw.SetPrice("RELIANCE", 2500)

	var hooks atomic.Int32
	log := &eventLog{}
	d, w := newTestDispatcher(gw, func(ctx context.Context) error {
		hooks.Add(1)
		return nil
	}, log)
	defer w.Stop()

	if err := d.AcceptingOrders(); !liveerr.IsInvalidState(err) {
		t.Fatalf("启动前不应接受下单, 得到 %v", err)
	}

	d.Start(context.Background())
	defer d.Stop()
	waitFor(t, "连接完成", func() bool { return d.AcceptingOrders() == nil })

	if hooks.Load() != 1 {
		t.Errorf("期望对账钩子执行 %d 次, 得到 %d", 1, hooks.Load())
	}

	_, err := gw.PlaceOrder(context.Background(), &broker.OrderRequest{Symbol: "RELIANCE", Side: broker.SideBuy, Type: broker.OrderTypeMarket, Quantity: 50})
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "推送事件写入", func() bool { return log.count() == 3 })

	st := d.State()
	if st.Received != 3 || st.Applied != 3 || st.Dropped != 0 {
		t.Errorf("计数错误: %+v", st)
	}
	if !st.Connected || st.LastConnected.IsZero() {
		t.Errorf("连接状态错误: %+v", st)
	}
}

func TestDispatcherReconnectReconcilesBeforeAccepting(t *testing.T) {
	gw := broker.NewPaperGateway("paper")

	var hooks atomic.Int32
	block := make(chan struct{})
	log := &eventLog{}
	d, w := newTestDispatcher(gw, func(ctx context.Context) error {
		if hooks.Add(1) == 2 {
			select {
			case <-block:
			case <-ctx.Done():
			}
		}
		return nil
	}, log)
	defer w.Stop()

	d.Start(context.Background())
	defer d.Stop()
	waitFor(t, "首次连接", func() bool { return d.AcceptingOrders() == nil })

	gw.Disconnect()
	waitFor(t, "重连后开始对账", func() bool { return hooks.Load() == 2 })

	var invalid *liveerr.InvalidStateError
	if err := d.AcceptingOrders(); !errors.As(err, &invalid) || invalid.State != "RECONCILING" {
		t.Fatalf("对账完成前应拒绝下单, 得到 %v", err)
	}

	close(block)
	waitFor(t, "对账完成", func() bool { return d.AcceptingOrders() == nil })
	if d.State().Reconnects < 1 {
		t.Errorf("重连次数应至少为 1, 得到 %d", d.State().Reconnects)
	}
}

func TestDispatcherDegradesAfterRepeatedFailures(t *testing.T) {
	gw := broker.NewPaperGateway("paper")
	gw.FailSubscribe(3)

	var mu sync.Mutex
	var sawDegraded bool
	log := &eventLog{}
	d, w := newTestDispatcher(gw, nil, log)
	defer w.Stop()
	d.OnStateChange(func(st State) {
		if st.Degraded {
			mu.Lock()
			sawDegraded = true
			mu.Unlock()
		}
	})

	d.Start(context.Background())
	defer d.Stop()
	waitFor(t, "最终连上", func() bool { return d.AcceptingOrders() == nil })

	mu.Lock()
	defer mu.Unlock()
	if !sawDegraded {
		t.Error("连续失败达到阈值应标记降级")
	}
	st := d.State()
	if st.Degraded || st.Failures != 0 {
		t.Errorf("恢复后应解除降级并清零失败次数, 得到 %+v", st)
	}
}

func TestDispatcherHookFailureRetries(t *testing.T) {
	gw := broker.NewPaperGateway("paper")

	var hooks atomic.Int32
	log := &eventLog{}
	d, w := newTestDispatcher(gw, func(ctx context.Context) error {
		if hooks.Add(1) == 1 {
			return errors.New("查询持仓失败")
		}
		return nil
	}, log)
	defer w.Stop()

	d.Start(context.Background())
	defer d.Stop()
	waitFor(t, "对账重试成功", func() bool { return d.AcceptingOrders() == nil })

	if hooks.Load() < 2 {
		t.Errorf("对账失败后应重连重试, 钩子执行 %d 次", hooks.Load())
	}
}

func TestDispatcherStopDisconnects(t *testing.T) {
	gw := broker.NewPaperGateway("paper")
	log := &eventLog{}
	d, w := newTestDispatcher(gw, nil, log)
	defer w.Stop()

	d.Start(context.Background())
	waitFor(t, "连接完成", func() bool { return d.AcceptingOrders() == nil })
	d.Stop()

	st := d.State()
	if st.Connected || st.Accepting {
		t.Errorf("停止后应断开, 得到 %+v", st)
	}
}

func TestDispatcherDropsWhenWriterStopped(t *testing.T) {
	gw := broker.NewPaperGateway("paper")
	gw.SetPrice("SBIN", 600)
	log := &eventLog{}
	d, w := newTestDispatcher(gw, nil, log)

	d.Start(context.Background())
	defer d.Stop()
	waitFor(t, "连接完成", func() bool { return d.AcceptingOrders() == nil })

	w.Stop()
	_, _ = gw.PlaceOrder(context.Background(), &broker.OrderRequest{Symbol: "SBIN", Side: broker.SideSell, Type: broker.OrderTypeMarket, Quantity: 10})
	waitFor(t, "事件被丢弃", func() bool { return d.State().Dropped == 3 })

	if log.count() != 0 {
		t.Errorf("期望 %d, 得到 %d", 0, log.count())
	}
}

package order

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"optionsdesk/broker"
)

// busyLock 模拟锁已被其他实例持有
type busyLock struct {
	mu    sync.Mutex
	held  map[string]bool
	tries int
}

func (b *busyLock) Lock(ctx context.Context, key string, ttl time.Duration) error { return nil }
func (b *busyLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tries++
	if b.held[key] {
		return false, nil
	}
	b.held[key] = true
	return true, nil
}
func (b *busyLock) Unlock(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.held, key)
	return nil
}
func (b *busyLock) Extend(ctx context.Context, key string, ttl time.Duration) error { return nil }
func (b *busyLock) Close() error                                                    { return nil }

func TestExecutorRejectsDuplicateSubmit(t *testing.T) {
	gw := &mockGateway{}
	exec := NewExecutor(gw, &busyLock{held: make(map[string]bool)}, 100, time.Minute)
	req := &broker.OrderRequest{OrderID: "o-1", Symbol: "X", Side: broker.SideBuy, Type: broker.OrderTypeMarket, Quantity: 1}

	if _, err := exec.Place(context.Background(), req); err != nil {
		t.Fatalf("首次提交失败: %v", err)
	}
	if _, err := exec.Place(context.Background(), req); !errors.Is(err, ErrDuplicateSubmit) {
		t.Errorf("期望 ErrDuplicateSubmit, 得到 %v", err)
	}
	if len(gw.placed) != 1 {
		t.Errorf("期望券商只收到 1 笔订单, 得到 %d", len(gw.placed))
	}
}

func TestExecutorCancelReleasesLock(t *testing.T) {
	gw := &mockGateway{}
	l := &busyLock{held: make(map[string]bool)}
	exec := NewExecutor(gw, l, 100, time.Minute)

	for i := 0; i < 2; i++ {
		if err := exec.Cancel(context.Background(), "o-1", "B-1"); err != nil {
			t.Fatalf("撤单失败: %v", err)
		}
	}
	if gw.cancelCount() != 2 {
		t.Errorf("撤单锁应在完成后释放, 期望 2 次撤单, 得到 %d", gw.cancelCount())
	}
}

func TestExecutorRespectsContext(t *testing.T) {
	gw := &mockGateway{ackDelay: time.Second}
	exec := NewExecutor(gw, nil, 100, time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := exec.Place(ctx, &broker.OrderRequest{OrderID: "o-2", Symbol: "X", Side: broker.SideBuy, Type: broker.OrderTypeMarket, Quantity: 1})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("期望超时错误, 得到 %v", err)
	}
}

package broker

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"optionsdesk/metrics"
)

// Throttled 给券商 REST 调用加本地限流并记录调用耗时
// 推送订阅不受限流影响
type Throttled struct {
	inner   Gateway
	limiter *rate.Limiter
	pm      *metrics.PrometheusMetrics
}

// NewThrottled 创建限流网关
func NewThrottled(inner Gateway, limiter *rate.Limiter) *Throttled {
	return &Throttled{
		inner:   inner,
		limiter: limiter,
		pm:      metrics.GetPrometheusMetrics(),
	}
}

// Unwrap 返回内层网关
func (t *Throttled) Unwrap() Gateway {
	return t.inner
}

func (t *Throttled) wait(ctx context.Context) error {
	if t.limiter.Allow() {
		return nil
	}
	t.pm.RecordRateLimitWait(t.inner.GetName())
	return t.limiter.Wait(ctx)
}

func (t *Throttled) observe(endpoint string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	t.pm.RecordAPICall(t.inner.GetName(), endpoint, status, time.Since(start))
}

func (t *Throttled) GetName() string {
	return t.inner.GetName()
}

func (t *Throttled) Authenticate(ctx context.Context) (err error) {
	if err = t.wait(ctx); err != nil {
		return err
	}
	defer func(start time.Time) { t.observe("profile", start, err) }(time.Now())
	return t.inner.Authenticate(ctx)
}

func (t *Throttled) PlaceOrder(ctx context.Context, req *OrderRequest) (ack *OrderAck, err error) {
	if err = t.wait(ctx); err != nil {
		return nil, err
	}
	defer func(start time.Time) { t.observe("place_order", start, err) }(time.Now())
	return t.inner.PlaceOrder(ctx, req)
}

func (t *Throttled) CancelOrder(ctx context.Context, brokerOrderID string) (err error) {
	if err = t.wait(ctx); err != nil {
		return err
	}
	defer func(start time.Time) { t.observe("cancel_order", start, err) }(time.Now())
	return t.inner.CancelOrder(ctx, brokerOrderID)
}

func (t *Throttled) GetPositions(ctx context.Context) (out []*PositionSnapshot, err error) {
	if err = t.wait(ctx); err != nil {
		return nil, err
	}
	defer func(start time.Time) { t.observe("positions", start, err) }(time.Now())
	return t.inner.GetPositions(ctx)
}

func (t *Throttled) GetOrders(ctx context.Context) (out []*OrderSnapshot, err error) {
	if err = t.wait(ctx); err != nil {
		return nil, err
	}
	defer func(start time.Time) { t.observe("orders", start, err) }(time.Now())
	return t.inner.GetOrders(ctx)
}

func (t *Throttled) Subscribe(ctx context.Context) (<-chan *Event, error) {
	return t.inner.Subscribe(ctx)
}

// SetPrice 透传行情给支持的内层网关
func (t *Throttled) SetPrice(symbol string, price float64) {
	if ps, ok := t.inner.(PriceSetter); ok {
		ps.SetPrice(symbol, price)
	}
}

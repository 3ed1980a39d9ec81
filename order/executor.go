package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"optionsdesk/broker"
	"optionsdesk/liveerr"
	"optionsdesk/lock"
	"optionsdesk/logger"
	"optionsdesk/metrics"
)

// ErrDuplicateSubmit 同一订单已被其他实例提交
var ErrDuplicateSubmit = errors.New("订单已被其他实例提交")

// Executor 券商下单/撤单执行器：限流、分布式锁、指标
type Executor struct {
	gw          broker.Gateway
	lock        lock.DistributedLock
	rateLimiter *rate.Limiter
	lockTTL     time.Duration
}

// NewExecutor 创建执行器，ordersPerSecond 为每秒最多提交的订单数
func NewExecutor(gw broker.Gateway, distributedLock lock.DistributedLock, ordersPerSecond float64, lockTTL time.Duration) *Executor {
	if distributedLock == nil {
		distributedLock = lock.NewNopLock()
	}
	if ordersPerSecond <= 0 {
		ordersPerSecond = 5
	}
	burst := int(ordersPerSecond)
	if burst < 1 {
		burst = 1
	}
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &Executor{
		gw:          gw,
		lock:        distributedLock,
		rateLimiter: rate.NewLimiter(rate.Limit(ordersPerSecond), burst),
		lockTTL:     lockTTL,
	}
}

// Place 提交订单
// 订单锁不主动释放，TTL 内同一订单不会被任何实例重复提交
func (e *Executor) Place(ctx context.Context, req *broker.OrderRequest) (*broker.OrderAck, error) {
	startTime := time.Now()
	pm := metrics.GetPrometheusMetrics()
	brokerName := e.gw.GetName()

	acquired, err := e.lock.TryLock(ctx, lock.OrderKey(brokerName, req.OrderID), e.lockTTL)
	if err != nil {
		// 锁服务不可用时继续下单（降级策略）
		logger.Warn("⚠️ [%s] 获取订单锁失败: %v", brokerName, err)
		pm.RecordLockAcquire("order", "error")
	} else if !acquired {
		pm.RecordLockAcquire("order", "busy")
		return nil, ErrDuplicateSubmit
	} else {
		pm.RecordLockAcquire("order", "acquired")
	}

	if err := e.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("速率限制等待失败: %w", err)
	}

	ack, err := e.gw.PlaceOrder(ctx, req)
	if err != nil {
		var rej *liveerr.BrokerRejection
		if errors.As(err, &rej) {
			pm.RecordOrder(brokerName, req.Symbol, string(req.Side), string(broker.StatusRejected))
			pm.RecordOrderFailure(brokerName, req.Symbol, string(req.Side), "rejected")
			logger.Warn("❌ [%s] 下单被拒 %s %s %d: %s", brokerName, req.Side, req.Symbol, req.Quantity, rej.Reason)
			return nil, err
		}
		reason := "network"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "ack_timeout"
		}
		pm.RecordOrderFailure(brokerName, req.Symbol, string(req.Side), reason)
		return nil, err
	}

	pm.RecordOrder(brokerName, req.Symbol, string(req.Side), string(broker.StatusOpen))
	pm.RecordOrderAck(brokerName, time.Since(startTime))
	logger.Info("✅ [%s] 下单成功: %s %s %s %d 券商订单号: %s",
		brokerName, req.Type, req.Side, req.Symbol, req.Quantity, ack.BrokerOrderID)
	return ack, nil
}

// Cancel 撤单，同一订单的并发撤单只有一个会发往券商
func (e *Executor) Cancel(ctx context.Context, orderID, brokerOrderID string) error {
	brokerName := e.gw.GetName()
	key := lock.CancelKey(brokerName, orderID)

	acquired, err := e.lock.TryLock(ctx, key, e.lockTTL)
	if err != nil {
		logger.Warn("⚠️ [%s] 获取撤单锁失败: %v", brokerName, err)
	} else if !acquired {
		logger.Debug("🔒 [%s] 订单 %s 正在被其他实例撤销，跳过", brokerName, orderID)
		return nil
	} else {
		defer func() {
			if unlockErr := e.lock.Unlock(context.Background(), key); unlockErr != nil {
				logger.Warn("⚠️ [%s] 释放撤单锁失败: %v", brokerName, unlockErr)
			}
		}()
	}

	if err := e.rateLimiter.Wait(ctx); err != nil {
		return fmt.Errorf("速率限制等待失败: %w", err)
	}

	if err := e.gw.CancelOrder(ctx, brokerOrderID); err != nil {
		return fmt.Errorf("撤单失败: %w", err)
	}
	logger.Info("✅ [%s] 撤单请求已提交: %s (%s)", brokerName, orderID, brokerOrderID)
	return nil
}

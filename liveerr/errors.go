// Package liveerr 实盘执行链路的错误分类
//
// 校验失败与状态不合法同步返回给调用方；网络和券商时序问题在内部吸收（重试、退避、对账），
// 只在持续失败时以会话 degraded 状态体现。
package liveerr

import (
	"errors"
	"fmt"
)

// ValidationError 下单请求不合法，提交券商前即被拒绝，不重试
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("参数校验失败: %s", e.Reason)
	}
	return fmt.Sprintf("参数校验失败: %s %s", e.Field, e.Reason)
}

// NewValidation 创建校验错误
func NewValidation(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// BrokerRejection 券商拒单，订单终态为 REJECTED，原因原样透传
type BrokerRejection struct {
	Broker string
	Code   string
	Reason string
}

func (e *BrokerRejection) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s 拒单 [%s]: %s", e.Broker, e.Code, e.Reason)
	}
	return fmt.Sprintf("%s 拒单: %s", e.Broker, e.Reason)
}

// AckTimeout 券商确认超时，非终态警告，订单可能已在券商侧存在
type AckTimeout struct {
	OrderID string
	Timeout string
}

func (e *AckTimeout) Error() string {
	return fmt.Sprintf("订单 %s 在 %s 内未收到券商确认", e.OrderID, e.Timeout)
}

// 对账差异类型
const (
	MismatchPositionQuantity = "position_quantity"
	MismatchPositionPrice    = "position_price"
	MismatchPositionRecover  = "position_recovered"
	MismatchPositionOrphan   = "position_orphan"
	MismatchOrderStatus      = "order_status"
	MismatchOrderFill        = "order_fill"
)

// ReconciliationMismatch 内部状态与券商不一致，已按券商数据修正
type ReconciliationMismatch struct {
	Kind    string  `json:"kind"`
	Symbol  string  `json:"symbol"`
	OrderID string  `json:"order_id,omitempty"`
	Local   float64 `json:"local"`
	Broker  float64 `json:"broker"`
	Delta   float64 `json:"delta"`
	Detail  string  `json:"detail,omitempty"`
}

func (e *ReconciliationMismatch) Error() string {
	if e.OrderID != "" {
		return fmt.Sprintf("对账差异 %s: 订单 %s (%s) %s", e.Kind, e.OrderID, e.Symbol, e.Detail)
	}
	return fmt.Sprintf("对账差异 %s: %s 本地=%.4f 券商=%.4f 差值=%.4f", e.Kind, e.Symbol, e.Local, e.Broker, e.Delta)
}

// InvalidStateError 对终态或不符合条件的对象执行操作，调用方需重新查询状态
type InvalidStateError struct {
	Object string
	ID     string
	State  string
	Op     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s %s 当前状态 %s 不允许 %s", e.Object, e.ID, e.State, e.Op)
}

// StreamDisconnect 推送连接断开，触发重连和强制对账
type StreamDisconnect struct {
	Broker  string
	Attempt int
	Cause   error
}

func (e *StreamDisconnect) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s 推送连接断开 (第 %d 次重连): %v", e.Broker, e.Attempt, e.Cause)
	}
	return fmt.Sprintf("%s 推送连接断开 (第 %d 次重连)", e.Broker, e.Attempt)
}

func (e *StreamDisconnect) Unwrap() error { return e.Cause }

// AlreadyRunningError 同一券商已存在运行中的会话
type AlreadyRunningError struct {
	Broker    string
	SessionID string
}

func (e *AlreadyRunningError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("%s 已有运行中的会话（其他实例持有）", e.Broker)
	}
	return fmt.Sprintf("%s 已有运行中的会话 %s", e.Broker, e.SessionID)
}

// NotFoundError 对象不存在
type NotFoundError struct {
	Object string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s 不存在", e.Object, e.ID)
}

// IsValidation 判断是否为校验错误
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsInvalidState 判断是否为状态错误
func IsInvalidState(err error) bool {
	var v *InvalidStateError
	return errors.As(err, &v)
}

// IsBrokerRejection 判断是否为券商拒单
func IsBrokerRejection(err error) bool {
	var v *BrokerRejection
	return errors.As(err, &v)
}

// IsNotFound 判断是否为对象不存在
func IsNotFound(err error) bool {
	var v *NotFoundError
	return errors.As(err, &v)
}

// IsAlreadyRunning 判断是否为会话已运行
func IsAlreadyRunning(err error) bool {
	var v *AlreadyRunningError
	return errors.As(err, &v)
}

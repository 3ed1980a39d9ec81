// Package database 交易流水存储
//
// 会话、订单、对账报告和事件只作为审计流水写入，内存状态才是权威来源；
// 写入失败只记录日志，不影响交易链路。
package database

import (
	"context"
	"time"
)

// Database 数据库接口
type Database interface {
	// 会话
	SaveSession(ctx context.Context, session *SessionRecord) error
	GetSessions(ctx context.Context, filter *SessionFilter) ([]*SessionRecord, error)

	// 订单（按 order_id 覆盖最新状态）
	SaveOrder(ctx context.Context, order *OrderRecord) error
	GetOrders(ctx context.Context, filter *OrderFilter) ([]*OrderRecord, error)

	// 对账报告与差异明细
	SaveReconciliation(ctx context.Context, recon *ReconciliationRecord) error
	GetReconciliations(ctx context.Context, filter *ReconciliationFilter) ([]*ReconciliationRecord, error)

	// 事件
	SaveEvent(ctx context.Context, event *EventRecord) error
	GetEvents(ctx context.Context, filter *EventFilter) ([]*EventRecord, error)
	CleanupOldEvents(ctx context.Context, severity string, keepCount int, keepDays int) error

	// 健康检查
	Ping(ctx context.Context) error

	// 关闭连接
	Close() error
}

// 数据模型

// SessionRecord 会话记录
type SessionRecord struct {
	ID              int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID       string     `gorm:"uniqueIndex;size:64" json:"session_id"`
	Broker          string     `gorm:"index;size:50" json:"broker"`
	Mode            string     `gorm:"size:20" json:"mode"`
	Capital         float64    `json:"capital"`
	Status          string     `gorm:"index;size:20" json:"status"`
	OrdersPlaced    int64      `json:"orders_placed"`
	OrdersFilled    int64      `json:"orders_filled"`
	OrdersCancelled int64      `json:"orders_cancelled"`
	OrdersRejected  int64      `json:"orders_rejected"`
	RealizedPnL     float64    `json:"realized_pnl"`
	UnrealizedPnL   float64    `json:"unrealized_pnl"`
	StartedAt       time.Time  `gorm:"index" json:"started_at"`
	StoppedAt       *time.Time `json:"stopped_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// OrderRecord 订单记录
type OrderRecord struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID      string    `gorm:"index;size:64" json:"session_id"`
	Broker         string    `gorm:"index:idx_broker_symbol;size:50" json:"broker"`
	Symbol         string    `gorm:"index:idx_broker_symbol;size:100" json:"symbol"`
	OrderID        string    `gorm:"uniqueIndex;size:64" json:"order_id"`
	BrokerOrderID  string    `gorm:"index;size:100" json:"broker_order_id"`
	Side           string    `gorm:"size:10" json:"side"`
	Type           string    `gorm:"size:10" json:"type"`
	Quantity       int64     `json:"quantity"`
	Price          float64   `json:"price"`
	TriggerPrice   float64   `json:"trigger_price"`
	FilledQuantity int64     `json:"filled_quantity"`
	AveragePrice   float64   `json:"average_price"`
	Status         string    `gorm:"index;size:20" json:"status"`
	RejectReason   string    `gorm:"type:text" json:"reject_reason"`
	PlacedAt       time.Time `gorm:"index" json:"placed_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ReconciliationRecord 对账报告
type ReconciliationRecord struct {
	ID               int64            `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID        string           `gorm:"index;size:64" json:"session_id"`
	Broker           string           `gorm:"index;size:50" json:"broker"`
	Trigger          string           `gorm:"size:20" json:"trigger"`
	OrdersChecked    int              `json:"orders_checked"`
	PositionsChecked int              `json:"positions_checked"`
	MismatchCount    int              `json:"mismatch_count"`
	Escalated        string           `gorm:"type:text" json:"escalated"`
	StartedAt        time.Time        `gorm:"index" json:"started_at"`
	FinishedAt       time.Time        `json:"finished_at"`
	Mismatches       []MismatchRecord `gorm:"foreignKey:ReconciliationID" json:"mismatches"`
}

// MismatchRecord 对账差异明细
type MismatchRecord struct {
	ID               int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ReconciliationID int64     `gorm:"index" json:"reconciliation_id"`
	Kind             string    `gorm:"index;size:30" json:"kind"`
	Symbol           string    `gorm:"index;size:100" json:"symbol"`
	OrderID          string    `gorm:"size:64" json:"order_id"`
	LocalValue       float64   `json:"local_value"`
	BrokerValue      float64   `json:"broker_value"`
	Delta            float64   `json:"delta"`
	Detail           string    `gorm:"type:text" json:"detail"`
	CreatedAt        time.Time `json:"created_at"`
}

// EventRecord 事件记录
type EventRecord struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Type      string    `gorm:"index;size:50" json:"type"`
	Severity  string    `gorm:"index;size:20" json:"severity"` // critical, warning, info
	Broker    string    `gorm:"index;size:50" json:"broker"`
	Symbol    string    `gorm:"size:100" json:"symbol"`
	Title     string    `gorm:"size:200" json:"title"`
	Message   string    `gorm:"type:text" json:"message"`
	Details   string    `gorm:"type:text" json:"details"` // JSON
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// 过滤器

// SessionFilter 会话过滤器
type SessionFilter struct {
	Broker string
	Status string
	Limit  int
	Offset int
}

// OrderFilter 订单过滤器
type OrderFilter struct {
	SessionID string
	Broker    string
	Symbol    string
	Status    string
	Limit     int
	Offset    int
}

// ReconciliationFilter 对账报告过滤器
type ReconciliationFilter struct {
	SessionID    string
	Broker       string
	OnlyMismatch bool
	StartTime    *time.Time
	EndTime      *time.Time
	Limit        int
	Offset       int
}

// EventFilter 事件过滤器
type EventFilter struct {
	Type      string
	Severity  string
	Broker    string
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
	Offset    int
}

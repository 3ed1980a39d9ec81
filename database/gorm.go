package database

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// GormDatabase GORM 数据库实现
type GormDatabase struct {
	db *gorm.DB
}

// DBConfig 数据库配置
type DBConfig struct {
	Type            string        // sqlite, postgres, mysql
	DSN             string        // 数据源名称
	MaxOpenConns    int           // 最大打开连接数
	MaxIdleConns    int           // 最大空闲连接数
	ConnMaxLifetime time.Duration // 连接最大生命周期
	LogLevel        string        // 日志级别: silent, error, warn, info
}

// NewGormDatabase 创建 GORM 数据库实例
func NewGormDatabase(config *DBConfig) (*GormDatabase, error) {
	var dialector gorm.Dialector

	switch config.Type {
	case "sqlite":
		dialector = sqlite.Open(config.DSN)
	case "postgres", "postgresql":
		dialector = postgres.Open(config.DSN)
	case "mysql":
		dialector = mysql.Open(config.DSN)
	default:
		return nil, fmt.Errorf("不支持的数据库类型: %s", config.Type)
	}

	logLevel := logger.Silent
	switch config.LogLevel {
	case "error":
		logLevel = logger.Error
	case "warn":
		logLevel = logger.Warn
	case "info":
		logLevel = logger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取 sql.DB 失败: %w", err)
	}
	if config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	}

	if err := db.AutoMigrate(
		&SessionRecord{},
		&OrderRecord{},
		&ReconciliationRecord{},
		&MismatchRecord{},
		&EventRecord{},
	); err != nil {
		return nil, fmt.Errorf("自动迁移失败: %w", err)
	}

	return &GormDatabase{db: db}, nil
}

// SaveSession 保存会话（按 session_id 覆盖）
func (g *GormDatabase) SaveSession(ctx context.Context, session *SessionRecord) error {
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "capital", "orders_placed", "orders_filled", "orders_cancelled", "orders_rejected",
			"realized_pnl", "unrealized_pnl", "stopped_at", "updated_at",
		}),
	}).Create(session).Error
}

// GetSessions 查询会话
func (g *GormDatabase) GetSessions(ctx context.Context, filter *SessionFilter) ([]*SessionRecord, error) {
	query := g.db.WithContext(ctx).Model(&SessionRecord{})
	if filter.Broker != "" {
		query = query.Where("broker = ?", filter.Broker)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	query = paginate(query.Order("started_at DESC"), filter.Limit, filter.Offset)

	var sessions []*SessionRecord
	err := query.Find(&sessions).Error
	return sessions, err
}

// SaveOrder 保存订单最新状态（按 order_id 覆盖）
func (g *GormDatabase) SaveOrder(ctx context.Context, order *OrderRecord) error {
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "order_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"broker_order_id", "filled_quantity", "average_price", "status", "reject_reason", "updated_at",
		}),
	}).Create(order).Error
}

// GetOrders 查询订单
func (g *GormDatabase) GetOrders(ctx context.Context, filter *OrderFilter) ([]*OrderRecord, error) {
	query := g.db.WithContext(ctx).Model(&OrderRecord{})
	if filter.SessionID != "" {
		query = query.Where("session_id = ?", filter.SessionID)
	}
	if filter.Broker != "" {
		query = query.Where("broker = ?", filter.Broker)
	}
	if filter.Symbol != "" {
		query = query.Where("symbol = ?", filter.Symbol)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	query = paginate(query.Order("placed_at DESC"), filter.Limit, filter.Offset)

	var orders []*OrderRecord
	err := query.Find(&orders).Error
	return orders, err
}

// SaveReconciliation 保存对账报告及差异明细（同一事务）
func (g *GormDatabase) SaveReconciliation(ctx context.Context, recon *ReconciliationRecord) error {
	recon.MismatchCount = len(recon.Mismatches)
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(recon).Error
	})
}

// GetReconciliations 查询对账报告（含差异明细）
func (g *GormDatabase) GetReconciliations(ctx context.Context, filter *ReconciliationFilter) ([]*ReconciliationRecord, error) {
	query := g.db.WithContext(ctx).Model(&ReconciliationRecord{}).Preload("Mismatches")
	if filter.SessionID != "" {
		query = query.Where("session_id = ?", filter.SessionID)
	}
	if filter.Broker != "" {
		query = query.Where("broker = ?", filter.Broker)
	}
	if filter.OnlyMismatch {
		query = query.Where("mismatch_count > 0")
	}
	if filter.StartTime != nil {
		query = query.Where("started_at >= ?", filter.StartTime)
	}
	if filter.EndTime != nil {
		query = query.Where("started_at <= ?", filter.EndTime)
	}
	query = paginate(query.Order("started_at DESC"), filter.Limit, filter.Offset)

	var recons []*ReconciliationRecord
	err := query.Find(&recons).Error
	return recons, err
}

// SaveEvent 保存事件
func (g *GormDatabase) SaveEvent(ctx context.Context, event *EventRecord) error {
	return g.db.WithContext(ctx).Create(event).Error
}

// GetEvents 查询事件
func (g *GormDatabase) GetEvents(ctx context.Context, filter *EventFilter) ([]*EventRecord, error) {
	query := g.db.WithContext(ctx).Model(&EventRecord{})
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if filter.Severity != "" {
		query = query.Where("severity = ?", filter.Severity)
	}
	if filter.Broker != "" {
		query = query.Where("broker = ?", filter.Broker)
	}
	if filter.StartTime != nil {
		query = query.Where("created_at >= ?", filter.StartTime)
	}
	if filter.EndTime != nil {
		query = query.Where("created_at <= ?", filter.EndTime)
	}
	query = paginate(query.Order("created_at DESC"), filter.Limit, filter.Offset)

	var events []*EventRecord
	err := query.Find(&events).Error
	return events, err
}

// CleanupOldEvents 清理旧事件：先按天数删除，再只保留最新 keepCount 条
func (g *GormDatabase) CleanupOldEvents(ctx context.Context, severity string, keepCount int, keepDays int) error {
	if keepDays > 0 {
		cutoffDate := time.Now().AddDate(0, 0, -keepDays)
		if err := g.db.WithContext(ctx).
			Where("severity = ? AND created_at < ?", severity, cutoffDate).
			Delete(&EventRecord{}).Error; err != nil {
			return err
		}
	}
	if keepCount <= 0 {
		return nil
	}

	var count int64
	if err := g.db.WithContext(ctx).Model(&EventRecord{}).Where("severity = ?", severity).Count(&count).Error; err != nil {
		return err
	}
	if int(count) <= keepCount {
		return nil
	}

	// 第 keepCount+1 新的记录及更早的记录全部删除
	var cutoffIDs []int64
	if err := g.db.WithContext(ctx).Model(&EventRecord{}).
		Where("severity = ?", severity).
		Order("id DESC").
		Limit(1).
		Offset(keepCount).
		Pluck("id", &cutoffIDs).Error; err != nil {
		return err
	}
	if len(cutoffIDs) == 0 {
		return nil
	}
	return g.db.WithContext(ctx).
		Where("severity = ? AND id <= ?", severity, cutoffIDs[0]).
		Delete(&EventRecord{}).Error
}

// Ping 健康检查
func (g *GormDatabase) Ping(ctx context.Context) error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭连接
func (g *GormDatabase) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func paginate(query *gorm.DB, limit, offset int) *gorm.DB {
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	return query
}

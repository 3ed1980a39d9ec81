// Package storage 运行日志落库
//
// 交易流水走 database 包（gorm），这里只保存进程自身的运行日志，
// 方便在没有日志采集系统的单机部署里通过接口回看。
package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	logQueueSize = 500
	logBatchSize = 100
)

// LogStorage 运行日志存储
type LogStorage struct {
	db *sql.DB

	mu     sync.Mutex
	closed bool
	logCh  chan *LogRecord
	done   chan struct{}
}

// LogQueryParams 日志查询参数
type LogQueryParams struct {
	Since   time.Time
	Until   time.Time
	Level   string
	Keyword string
	Limit   int
	Offset  int
}

// LogRecord 日志记录
type LogRecord struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// NewLogStorage 打开（或创建）日志库
func NewLogStorage(path string) (*LogStorage, error) {
	// 使用 WAL 模式，查询不阻塞写入
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("打开日志数据库失败: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		level TEXT NOT NULL,
		message TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON logs(timestamp);
	CREATE INDEX IF NOT EXISTS idx_logs_level ON logs(level);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("创建日志表失败: %w", err)
	}

	ls := &LogStorage{
		db:    db,
		logCh: make(chan *LogRecord, logQueueSize),
		done:  make(chan struct{}),
	}
	go ls.processLogs()
	return ls, nil
}

// WriteLog 异步写入，队列满时丢弃
func (ls *LogStorage) WriteLog(level, message string) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.closed {
		return
	}
	select {
	case ls.logCh <- &LogRecord{Timestamp: time.Now().UTC(), Level: strings.ToUpper(level), Message: message}:
	default:
	}
}

// processLogs 批量写入，每秒或攒满一批刷新一次
func (ls *LogStorage) processLogs() {
	defer close(ls.done)

	buffer := make([]*LogRecord, 0, logBatchSize)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	flush := func() {
		if len(buffer) == 0 {
			return
		}
		// 写入失败不能再打日志，否则会递归回到这里
		_ = ls.batchInsert(buffer)
		buffer = buffer[:0]
	}

	for {
		select {
		case rec, ok := <-ls.logCh:
			if !ok {
				flush()
				return
			}
			buffer = append(buffer, rec)
			if len(buffer) >= logBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (ls *LogStorage) batchInsert(records []*LogRecord) error {
	tx, err := ls.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO logs (timestamp, level, message) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.Exec(rec.Timestamp, rec.Level, rec.Message); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Query 按条件查询日志，按时间倒序，返回记录和总数
func (ls *LogStorage) Query(params LogQueryParams) ([]*LogRecord, int, error) {
	where := []string{"1=1"}
	args := []interface{}{}

	if !params.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, params.Since.UTC())
	}
	if !params.Until.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, params.Until.UTC())
	}
	if params.Level != "" {
		where = append(where, "level = ?")
		args = append(args, strings.ToUpper(params.Level))
	}
	if params.Keyword != "" {
		where = append(where, "message LIKE ?")
		args = append(args, "%"+params.Keyword+"%")
	}
	whereClause := strings.Join(where, " AND ")

	var total int
	if err := ls.db.QueryRow("SELECT COUNT(*) FROM logs WHERE "+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("查询日志总数失败: %w", err)
	}

	if params.Limit <= 0 {
		params.Limit = 100
	}
	if params.Limit > 1000 {
		params.Limit = 1000
	}
	args = append(args, params.Limit, params.Offset)

	rows, err := ls.db.Query(`SELECT id, timestamp, level, message FROM logs WHERE `+whereClause+
		` ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("查询日志失败: %w", err)
	}
	defer rows.Close()

	logs := make([]*LogRecord, 0, params.Limit)
	for rows.Next() {
		rec := &LogRecord{}
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.Level, &rec.Message); err != nil {
			return nil, 0, fmt.Errorf("读取日志失败: %w", err)
		}
		logs = append(logs, rec)
	}
	return logs, total, rows.Err()
}

// CleanOldLogs 删除 days 天前指定级别的日志，levels 为空时删除所有级别
func (ls *LogStorage) CleanOldLogs(days int, levels ...string) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	query := "DELETE FROM logs WHERE timestamp < ?"
	args := []interface{}{cutoff}
	if len(levels) > 0 {
		query += " AND level IN (?" + strings.Repeat(",?", len(levels)-1) + ")"
		for _, l := range levels {
			args = append(args, strings.ToUpper(l))
		}
	}

	result, err := ls.db.Exec(query, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// StartCleanup 每天清理一次过期的 INFO/WARN 日志，ERROR 永久保留
func (ls *LogStorage) StartCleanup(done <-chan struct{}, retentionDays int, report func(deleted int64, err error)) {
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			n, err := ls.CleanOldLogs(retentionDays, "INFO", "WARN")
			if report != nil {
				report(n, err)
			}
			select {
			case <-done:
				return
			case <-ticker.C:
			}
		}
	}()
}

// Close 刷新队列后关闭
func (ls *LogStorage) Close() error {
	ls.mu.Lock()
	if ls.closed {
		ls.mu.Unlock()
		return nil
	}
	ls.closed = true
	close(ls.logCh)
	ls.mu.Unlock()

	<-ls.done
	return ls.db.Close()
}

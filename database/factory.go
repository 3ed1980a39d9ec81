package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"optionsdesk/config"
)

// NewDatabase 根据配置创建数据库实例，未启用时返回 nil
func NewDatabase(cfg *config.Config) (Database, error) {
	if !cfg.Database.Enabled {
		return nil, nil
	}

	dbConfig := &DBConfig{
		Type:            cfg.Database.Type,
		DSN:             cfg.Database.DSN,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Hour,
		LogLevel:        cfg.Database.LogLevel,
	}

	switch dbConfig.Type {
	case "sqlite":
		if dir := filepath.Dir(dbConfig.DSN); !strings.HasPrefix(dbConfig.DSN, ":memory:") && !strings.HasPrefix(dbConfig.DSN, "file:") && dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("创建数据库目录失败: %w", err)
			}
		}
	case "postgres", "postgresql", "mysql":
	default:
		return nil, fmt.Errorf("不支持的数据库类型: %s", dbConfig.Type)
	}

	db, err := NewGormDatabase(dbConfig)
	if err != nil {
		return nil, err
	}
	return db, nil
}

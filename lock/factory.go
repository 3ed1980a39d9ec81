package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"optionsdesk/config"
	"optionsdesk/logger"
)

// NewDistributedLock 根据配置创建分布式锁实例
// 未启用时返回 NopLock
func NewDistributedLock(ctx context.Context, cfg *config.Config) (DistributedLock, error) {
	lc := cfg.DistributedLock
	if !lc.Enabled {
		return NewNopLock(), nil
	}

	switch lc.Type {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     lc.Redis.Addr,
			Password: lc.Redis.Password,
			DB:       lc.Redis.DB,
			PoolSize: lc.Redis.PoolSize,
		})
		rl := NewRedisLock(client, lc.Prefix)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rl.Ping(pingCtx); err != nil {
			client.Close()
			return nil, fmt.Errorf("连接 redis %s 失败: %w", lc.Redis.Addr, err)
		}
		logger.Info("🔒 分布式锁已启用 (redis %s, 前缀 %s)", lc.Redis.Addr, lc.Prefix)
		return rl, nil

	default:
		return nil, fmt.Errorf("unsupported lock type: %s", lc.Type)
	}
}

// DefaultTTL 配置的默认锁过期时间
func DefaultTTL(cfg *config.Config) time.Duration {
	return time.Duration(cfg.DistributedLock.DefaultTTL) * time.Second
}

package config

import (
	"fmt"
	"sync"
)

// HotReloader 配置热更新器
type HotReloader struct {
	mu              sync.RWMutex
	currentConfig   *Config
	updateCallbacks []ConfigUpdateCallback
}

// ConfigUpdateCallback 配置更新回调函数类型
type ConfigUpdateCallback func(oldConfig, newConfig *Config, changes []ConfigChange) error

// NewHotReloader 创建热更新器
func NewHotReloader(initialConfig *Config) *HotReloader {
	return &HotReloader{currentConfig: initialConfig}
}

// RegisterCallback 注册配置更新回调
func (hr *HotReloader) RegisterCallback(callback ConfigUpdateCallback) {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	hr.updateCallbacks = append(hr.updateCallbacks, callback)
}

// UpdateConfig 更新配置
// 需要重启的变更不生效，只合并可热更新的段（trading、risk、notifications、system.log_level）
func (hr *HotReloader) UpdateConfig(newConfig *Config) (*ConfigDiff, error) {
	hr.mu.Lock()
	defer hr.mu.Unlock()

	diff := DiffConfig(hr.currentConfig, newConfig)
	hot := diff.HotChanges()
	if len(hot) == 0 {
		return diff, nil
	}

	next := newConfig
	if diff.RequiresRestart {
		next = hr.currentConfig.Clone()
		next.Trading = newConfig.Trading
		next.Risk = newConfig.Risk
		next.Notifications = newConfig.Notifications
		next.System.LogLevel = newConfig.System.LogLevel
	}

	for _, callback := range hr.updateCallbacks {
		if err := callback(hr.currentConfig, next, hot); err != nil {
			return nil, fmt.Errorf("配置更新回调执行失败: %w", err)
		}
	}

	hr.currentConfig = next
	return diff, nil
}

// GetCurrentConfig 获取当前配置
func (hr *HotReloader) GetCurrentConfig() *Config {
	hr.mu.RLock()
	defer hr.mu.RUnlock()
	return hr.currentConfig
}

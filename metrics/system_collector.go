package metrics

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"optionsdesk/logger"
)

// SystemMetricsCollector 系统指标采集器
type SystemMetricsCollector struct {
	pm       *PrometheusMetrics
	interval time.Duration
	proc     *process.Process
	cancel   context.CancelFunc
}

// NewSystemMetricsCollector 创建系统指标采集器
func NewSystemMetricsCollector(interval time.Duration) *SystemMetricsCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn("⚠️ 获取进程句柄失败，仅采集运行时指标: %v", err)
		proc = nil
	}
	return &SystemMetricsCollector{
		pm:       GetPrometheusMetrics(),
		interval: interval,
		proc:     proc,
	}
}

// Start 启动采集
func (smc *SystemMetricsCollector) Start(ctx context.Context) {
	ctx, smc.cancel = context.WithCancel(ctx)
	go smc.collectLoop(ctx)
}

// Stop 停止采集
func (smc *SystemMetricsCollector) Stop() {
	if smc.cancel != nil {
		smc.cancel()
	}
}

func (smc *SystemMetricsCollector) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(smc.interval)
	defer ticker.Stop()

	// 立即采集一次
	smc.collect()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			smc.collect()
		}
	}
}

// collect 采集系统指标
func (smc *SystemMetricsCollector) collect() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	smc.pm.SetGoroutineCount(runtime.NumGoroutine())
	smc.pm.SetMemoryAlloc(m.Alloc)

	if smc.proc == nil {
		return
	}
	cpuPercent, err := smc.proc.CPUPercent()
	if err != nil {
		logger.Debug("采集CPU占用率失败: %v", err)
		return
	}
	memInfo, err := smc.proc.MemoryInfo()
	if err != nil {
		logger.Debug("采集内存信息失败: %v", err)
		return
	}
	smc.pm.SetProcessUsage(cpuPercent, memInfo.RSS)
}

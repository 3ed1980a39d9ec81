package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "optionsdesk/broker/fyers"
	_ "optionsdesk/broker/upstox"
	"optionsdesk/config"
	"optionsdesk/database"
	"optionsdesk/event"
	"optionsdesk/i18n"
	"optionsdesk/lock"
	"optionsdesk/logger"
	"optionsdesk/metrics"
	"optionsdesk/notify"
	"optionsdesk/session"
	"optionsdesk/storage"
	"optionsdesk/utils"
	"optionsdesk/web"
)

// Version 版本号
var Version = "1.0.0"

func main() {
	// 检查版本参数
	if len(os.Args) > 1 && (os.Args[1] == "-version" || os.Args[1] == "--version") {
		fmt.Printf("OptionsDesk Live Execution\n")
		fmt.Printf("Version: %s\n", Version)
		os.Exit(0)
	}

	// 解析调试参数（-debug / --debug）
	debugMode := false
	filteredArgs := []string{os.Args[0]}
	for _, arg := range os.Args[1:] {
		switch arg {
		case "-debug", "--debug":
			debugMode = true
		default:
			filteredArgs = append(filteredArgs, arg)
		}
	}
	os.Args = filteredArgs

	configPath := "config.yaml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	// 1. 券商凭证优先从 .env 读取，再加载配置
	if err := config.LoadEnvFile(".env"); err != nil {
		log.Printf("[WARN] %v", err)
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatalf("❌ 加载配置失败: %v", err)
	}
	if cfg.App.EnvFile != "" {
		if err := config.LoadEnvFile(cfg.App.EnvFile); err != nil {
			logger.Warn("⚠️ %v", err)
		}
		cfg.ApplyEnv()
	}
	if debugMode {
		cfg.System.LogLevel = "DEBUG"
	}

	// 2. 日志、时区、语言
	logger.SetLevel(logger.ParseLogLevel(cfg.System.LogLevel))
	if cfg.System.LogToFile {
		if err := logger.EnableFileLog(cfg.System.LogDir); err != nil {
			logger.Warn("⚠️ 启用文件日志失败: %v", err)
		}
	}
	defer logger.Close()

	if err := utils.SetLocation(cfg.App.Timezone); err != nil {
		logger.Warn("⚠️ 加载时区 %s 失败，使用 %s: %v", cfg.App.Timezone, utils.GlobalLocation, err)
	}
	logger.SetLocation(utils.GlobalLocation)

	if err := i18n.Init(cfg.App.Language); err != nil {
		logger.Fatalf("❌ 初始化多语言失败: %v", err)
	}

	logger.Info("🚀 OptionsDesk 实盘执行服务启动...")
	logger.Info("📦 版本号: %s", Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. 运行日志落库
	var logStorage *storage.LogStorage
	if cfg.System.LogDB != "" {
		logStorage, err = storage.NewLogStorage(cfg.System.LogDB)
		if err != nil {
			logger.Warn("⚠️ 初始化日志存储失败: %v，将继续运行但不保存日志到数据库", err)
		} else {
			logger.InitLogStorage(logStorage.WriteLog)
			logStorage.StartCleanup(ctx.Done(), cfg.System.LogRetention, func(n int64, err error) {
				if err != nil {
					logger.Warn("⚠️ 清理日志失败: %v", err)
				} else if n > 0 {
					logger.Info("🧹 已清理 %d 条 INFO/WARN 级别日志（%d天前）", n, cfg.System.LogRetention)
				}
			})
			logger.Info("✅ 日志存储已初始化: %s", cfg.System.LogDB)
		}
	}

	// 4. 流水数据库
	db, err := database.NewDatabase(cfg)
	if err != nil {
		logger.Fatalf("❌ 初始化数据库失败: %v", err)
	}

	// 5. 分布式锁
	distributedLock, err := lock.NewDistributedLock(ctx, cfg)
	if err != nil {
		logger.Fatalf("❌ 初始化分布式锁失败: %v", err)
	}

	// 6. 事件总线、事件中心、告警、流水
	bus := event.NewEventBus(cfg.Stream.BufferSize)
	notifier := notify.NewNotificationService(cfg)

	var store event.EventStore
	if db != nil {
		store = db
	}
	eventCenter := event.NewEventCenter(store, bus, notifier, nil)
	eventCenter.Start()

	manager := session.NewManager(cfg, distributedLock, bus)

	var journal *session.Journal
	if db != nil {
		journal = session.NewJournal(db, bus)
		journal.Start()
		manager.SetJournal(journal)
	}

	// 7. 系统指标
	metricsCollector := metrics.NewSystemMetricsCollector(time.Duration(cfg.System.MetricsInterval) * time.Second)
	metricsCollector.Start(ctx)

	// 8. Web 服务
	webServer := web.NewWebServer(cfg, manager, bus)
	if logStorage != nil {
		webServer.SetLogReader(logStorage)
	}
	if err := webServer.Start(ctx); err != nil {
		logger.Fatalf("❌ 启动Web服务失败: %v", err)
	}

	// 9. 配置热更新
	hotReloader := config.NewHotReloader(cfg)
	hotReloader.RegisterCallback(func(oldCfg, newCfg *config.Config, changes []config.ConfigChange) error {
		logger.SetLevel(logger.ParseLogLevel(newCfg.System.LogLevel))
		if newCfg.App.Language != "" {
			i18n.SetSystemLanguage(newCfg.App.Language)
		}
		notifier.Apply(newCfg)
		manager.ApplyConfig(newCfg)
		logger.Info("🔄 已应用 %d 项配置变更", len(changes))
		return nil
	})
	watcher, err := config.NewConfigWatcher(configPath, hotReloader)
	if err != nil {
		logger.Warn("⚠️ 创建配置监控失败: %v，配置热更新不可用", err)
	} else if err := watcher.Start(ctx); err != nil {
		logger.Warn("⚠️ 启动配置监控失败: %v", err)
	} else {
		go func() {
			for err := range watcher.GetErrorChan() {
				logger.Warn("⚠️ 配置热更新失败: %v", err)
			}
		}()
		go func() {
			for diff := range watcher.GetDiffChan() {
				if !diff.RequiresRestart {
					continue
				}
				for _, c := range diff.Changes {
					if c.RequiresRestart {
						logger.Warn("⚠️ 配置项 %s 已修改，需要重启后生效", c.Path)
					}
				}
			}
		}()
	}

	logger.Info("✅ 服务已就绪，默认券商: %s", cfg.App.DefaultBroker)

	// 等待退出信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("🛑 收到信号 %v，开始优雅退出...", sig)

	// 先停会话（撤销推送、等写入协程退出、释放会话锁），再停外围组件
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	manager.Shutdown(shutdownCtx)

	if watcher != nil {
		_ = watcher.Stop()
	}
	webServer.Stop()
	metricsCollector.Stop()

	eventCenter.Stop()
	if journal != nil {
		journal.Stop()
	}
	notifier.Wait()
	bus.Close()
	cancel()

	if err := distributedLock.Close(); err != nil {
		logger.Warn("⚠️ 关闭分布式锁失败: %v", err)
	}
	if db != nil {
		if err := db.Close(); err != nil {
			logger.Warn("⚠️ 关闭数据库失败: %v", err)
		}
	}
	if logStorage != nil {
		logger.InitLogStorage(nil)
		_ = logStorage.Close()
	}

	logger.Info("✅ 已退出")
}

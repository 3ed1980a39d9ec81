package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel 日志级别
type LogLevel int

const (
	DEBUG LogLevel = iota // 调试信息（最详细）
	INFO                  // 一般信息（正常运行信息）
	WARN                  // 警告信息（需要注意但不影响运行）
	ERROR                 // 错误信息（需要关注的问题）
	FATAL                 // 致命错误（程序无法继续）
)

var (
	mu          sync.RWMutex
	globalLevel = INFO
	atomicLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	base        *zap.Logger
	sugar       *zap.SugaredLogger

	// 应用日志文件
	logFile *os.File
	logDir  = "logs"

	// 时区
	globalLocation = time.Local
	locationMu     sync.RWMutex

	// 日志存储（通过函数指针避免循环依赖）
	logStorageWriter func(level, message string)
	logStorageMu     sync.RWMutex

	// Web 访问日志
	webLogger *zap.Logger
	webMu     sync.Mutex
)

func init() {
	rebuild(nil)
}

// String 返回日志级别的字符串表示
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	case FATAL:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLogLevel 解析日志级别字符串
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL":
		return FATAL
	default:
		return INFO // 默认INFO级别
	}
}

// SetLevel 设置全局日志级别
func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	globalLevel = level
	atomicLevel.SetLevel(level.zapLevel())
}

// GetLevel 获取全局日志级别
func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return globalLevel
}

// SetLocation 设置日志时区（交易所时区，默认 Asia/Kolkata 由 utils 设置）
func SetLocation(loc *time.Location) {
	if loc == nil {
		return
	}
	locationMu.Lock()
	globalLocation = loc
	locationMu.Unlock()
}

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	locationMu.RLock()
	loc := globalLocation
	locationMu.RUnlock()
	enc.AppendString(t.In(loc).Format("2006/01/02 15:04:05.000"))
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = timeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.CallerKey = ""
	cfg.StacktraceKey = ""
	return cfg
}

// rebuild 重新构建 zap 核心，调用前须持有 mu
func rebuild(file *os.File) {
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig()), zapcore.Lock(os.Stdout), atomicLevel),
	}
	if file != nil {
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig()), zapcore.AddSync(file), atomicLevel))
	}

	base = zap.New(zapcore.NewTee(cores...), zap.Hooks(storageHook))
	sugar = base.Sugar()
}

// storageHook 把日志同步给存储写入器
func storageHook(entry zapcore.Entry) error {
	logStorageMu.RLock()
	writer := logStorageWriter
	logStorageMu.RUnlock()

	if writer != nil {
		writer(entry.Level.CapitalString(), entry.Message)
	}
	return nil
}

// EnableFileLog 启用文件日志（按日期命名）
func EnableFileLog(dir string) error {
	if dir == "" {
		dir = logDir
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("创建日志文件夹失败: %w", err)
	}

	locationMu.RLock()
	today := time.Now().In(globalLocation).Format("2006-01-02")
	locationMu.RUnlock()

	name := filepath.Join(dir, fmt.Sprintf("app-optionsdesk-%s.log", today))
	file, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("打开日志文件失败: %w", err)
	}

	mu.Lock()
	if logFile != nil {
		logFile.Close()
	}
	logFile = file
	rebuild(file)
	mu.Unlock()

	Info("📝 文件日志已启用，日志文件: %s", name)
	return nil
}

// InitLogStorage 初始化日志存储（通过函数指针避免循环依赖）
func InitLogStorage(writer func(level, message string)) {
	logStorageMu.Lock()
	defer logStorageMu.Unlock()
	logStorageWriter = writer
}

// WriteWebLog 写入 Web 访问日志（供 Gin 中间件使用）
func WriteWebLog(message string) {
	webMu.Lock()
	defer webMu.Unlock()
	if webLogger == nil {
		webLogger = zap.New(zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderConfig()),
			zapcore.Lock(os.Stdout),
			zapcore.DebugLevel,
		)).Named("web")
	}
	webLogger.Debug(strings.TrimRight(message, "\n"))
}

// Close 刷新并关闭日志（程序退出时调用）
func Close() {
	mu.Lock()
	defer mu.Unlock()
	_ = base.Sync()
	if logFile != nil {
		logFile.Close()
		logFile = nil
		rebuild(nil)
	}
}

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

// Debug 输出调试日志
func Debug(format string, args ...interface{}) {
	current().Debugf(format, args...)
}

// Debugln 输出调试日志（无格式）
func Debugln(args ...interface{}) {
	current().Debugln(args...)
}

// Info 输出一般信息日志
func Info(format string, args ...interface{}) {
	current().Infof(format, args...)
}

// Infoln 输出一般信息日志（无格式）
func Infoln(args ...interface{}) {
	current().Infoln(args...)
}

// Warn 输出警告日志
func Warn(format string, args ...interface{}) {
	current().Warnf(format, args...)
}

// Error 输出错误日志
func Error(format string, args ...interface{}) {
	current().Errorf(format, args...)
}

// Fatalf 输出致命错误日志并退出程序（兼容标准库）
func Fatalf(format string, args ...interface{}) {
	current().Fatalf(format, args...)
}

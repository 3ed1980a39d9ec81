package logger

import (
	"strings"
	"sync"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  LogLevel
	}{
		{"debug", DEBUG},
		{" INFO ", INFO},
		{"warning", WARN},
		{"WARN", WARN},
		{"error", ERROR},
		{"fatal", FATAL},
		{"unknown", INFO},
		{"", INFO},
	}

	for _, tt := range tests {
		if got := ParseLogLevel(tt.input); got != tt.want {
			t.Errorf("ParseLogLevel(%q) 期望 %v, 得到 %v", tt.input, tt.want, got)
		}
	}
}

func TestLogStorageHook(t *testing.T) {
	var mu sync.Mutex
	var lines []string
	InitLogStorage(func(level, message string) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, level+" "+message)
	})
	defer InitLogStorage(nil)

	SetLevel(INFO)
	Debug("不应写入 %d", 1)
	Info("订单已提交 %s", "abc")
	Warn("确认超时 %s", "abc")

	mu.Lock()
	defer mu.Unlock()
	if len(lines) != 2 {
		t.Fatalf("期望 2 条日志, 得到 %d: %v", len(lines), lines)
	}
	if !strings.HasPrefix(lines[0], "INFO 订单已提交 abc") {
		t.Errorf("第一条日志内容不符: %s", lines[0])
	}
	if !strings.HasPrefix(lines[1], "WARN") {
		t.Errorf("第二条日志级别不符: %s", lines[1])
	}
}

func TestSetLevelDebug(t *testing.T) {
	SetLevel(DEBUG)
	defer SetLevel(INFO)

	if GetLevel() != DEBUG {
		t.Errorf("期望 DEBUG, 得到 %v", GetLevel())
	}

	got := ""
	InitLogStorage(func(level, message string) { got = level })
	defer InitLogStorage(nil)

	Debug("调试")
	if got != "DEBUG" {
		t.Errorf("期望 DEBUG 级别日志被写入, 得到 %q", got)
	}
}

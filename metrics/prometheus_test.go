package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestGetPrometheusMetricsSingleton(t *testing.T) {
	if GetPrometheusMetrics() != GetPrometheusMetrics() {
		t.Error("GetPrometheusMetrics 应返回同一实例")
	}
}

func TestRecordEventDiscarded(t *testing.T) {
	pm := GetPrometheusMetrics()
	before := testutil.ToFloat64(eventDiscardedTotal.WithLabelValues("test-broker", "stale_sequence"))

	pm.RecordEventDiscarded("test-broker", "stale_sequence")
	pm.RecordEventDiscarded("test-broker", "stale_sequence")

	after := testutil.ToFloat64(eventDiscardedTotal.WithLabelValues("test-broker", "stale_sequence"))
	if after-before != 2 {
		t.Errorf("期望增加 2, 得到 %v", after-before)
	}
}

func TestSetWebSocketStatus(t *testing.T) {
	pm := GetPrometheusMetrics()

	pm.SetWebSocketStatus("test-broker", true)
	if v := testutil.ToFloat64(websocketConnected.WithLabelValues("test-broker")); v != 1 {
		t.Errorf("期望 1, 得到 %v", v)
	}
	pm.SetWebSocketStatus("test-broker", false)
	if v := testutil.ToFloat64(websocketConnected.WithLabelValues("test-broker")); v != 0 {
		t.Errorf("期望 0, 得到 %v", v)
	}
}

func TestSetPnL(t *testing.T) {
	pm := GetPrometheusMetrics()
	pm.SetPnL("test-broker", 1250.5, -300)

	if v := testutil.ToFloat64(pnlRealized.WithLabelValues("test-broker")); v != 1250.5 {
		t.Errorf("已实现盈亏期望 1250.5, 得到 %v", v)
	}
	if v := testutil.ToFloat64(pnlUnrealized.WithLabelValues("test-broker")); v != -300 {
		t.Errorf("未实现盈亏期望 -300, 得到 %v", v)
	}
}

package liveerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorClassification(t *testing.T) {
	wrapped := fmt.Errorf("下单失败: %w", NewValidation("quantity", "必须大于 0"))
	if !IsValidation(wrapped) {
		t.Error("包装后的校验错误应能被识别")
	}
	if IsInvalidState(wrapped) {
		t.Error("校验错误不应被识别为状态错误")
	}

	rej := fmt.Errorf("提交失败: %w", &BrokerRejection{Broker: "upstox", Reason: "RMS: margin exceeds"})
	if !IsBrokerRejection(rej) {
		t.Error("券商拒单应能被识别")
	}
	var br *BrokerRejection
	if !errors.As(rej, &br) || br.Reason != "RMS: margin exceeds" {
		t.Errorf("拒单原因应原样保留, 得到 %+v", br)
	}

	if !IsInvalidState(&InvalidStateError{Object: "订单", ID: "1", State: "FILLED", Op: "撤单"}) {
		t.Error("状态错误应能被识别")
	}
	if !IsNotFound(&NotFoundError{Object: "订单", ID: "x"}) {
		t.Error("不存在错误应能被识别")
	}
	if !IsAlreadyRunning(&AlreadyRunningError{Broker: "fyers"}) {
		t.Error("会话已运行错误应能被识别")
	}
}

func TestStreamDisconnectUnwrap(t *testing.T) {
	cause := errors.New("EOF")
	err := &StreamDisconnect{Broker: "fyers", Attempt: 2, Cause: cause}
	if !errors.Is(err, cause) {
		t.Error("StreamDisconnect 应能解包出原因")
	}
}

func TestMismatchMessage(t *testing.T) {
	m := &ReconciliationMismatch{Kind: MismatchPositionQuantity, Symbol: "RELIANCE", Local: 50, Broker: 30, Delta: -20}
	want := "对账差异 position_quantity: RELIANCE 本地=50.0000 券商=30.0000 差值=-20.0000"
	if m.Error() != want {
		t.Errorf("期望 %q, 得到 %q", want, m.Error())
	}
}

package utils

import (
	"strings"

	"github.com/google/uuid"
)

// maxTagLength 券商订单标签长度上限（Upstox 为 20，Fyers 为 30，取较小值）
const maxTagLength = 20

// NewOrderID 生成内部订单ID（创建后不可变）
func NewOrderID() string {
	return uuid.NewString()
}

// NewSessionID 生成会话ID
func NewSessionID() string {
	return "sess-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// OrderTag 把内部订单ID压缩成券商可接受的订单标签
// 确认丢失时对账依靠该标签找回 broker_order_id
func OrderTag(orderID string) string {
	tag := strings.ReplaceAll(orderID, "-", "")
	if len(tag) > maxTagLength {
		tag = tag[:maxTagLength]
	}
	return tag
}

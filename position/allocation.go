package position

import (
	"github.com/shopspring/decimal"
)

// AllocationStatus 会话资金占用情况（按开仓均价计算名义金额）
type AllocationStatus struct {
	Capital         float64            `json:"capital"`
	UsedAmount      float64            `json:"used_amount"`
	AvailableAmount float64            `json:"available_amount"`
	UsagePercentage float64            `json:"usage_percentage"`
	BySymbol        map[string]float64 `json:"by_symbol"`
}

// Allocation 计算资金占用，只用于展示，不拦截下单
func (t *Tracker) Allocation(capital float64) *AllocationStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	used := decimal.Zero
	bySymbol := make(map[string]float64, len(t.positions))
	for sym, s := range t.positions {
		notional := s.entry.Mul(s.absQty())
		used = used.Add(notional)
		bySymbol[sym] = notional.InexactFloat64()
	}

	status := &AllocationStatus{
		Capital:    capital,
		UsedAmount: used.InexactFloat64(),
		BySymbol:   bySymbol,
	}

	available := decimal.NewFromFloat(capital).Sub(used)
	if available.IsNegative() {
		available = decimal.Zero
	}
	status.AvailableAmount = available.InexactFloat64()

	if capital > 0 {
		status.UsagePercentage = used.Div(decimal.NewFromFloat(capital)).Mul(decimal.NewFromInt(100)).InexactFloat64()
	}
	return status
}

package safety

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"optionsdesk/indicators"
	"optionsdesk/liveerr"
	"optionsdesk/logger"
	"optionsdesk/order"
	"optionsdesk/position"
)

// 止损来源
const (
	SLTypeATR         = "atr"
	SLTypePercentage  = "percentage"
	SLTypeSupport     = "support"
	SLTypeRecommended = "recommended"
	SLTypeCustom      = "custom"
)

// SLRecommendation 止损止盈建议（按需计算，不保存）
type SLRecommendation struct {
	Symbol            string        `json:"symbol"`
	Side              position.Side `json:"side"`
	Quantity          int64         `json:"quantity"`
	EntryPrice        float64       `json:"entry_price"`
	CurrentPrice      float64       `json:"current_price"`
	ATR               float64       `json:"atr,omitempty"`
	ATRBasedSL        *float64      `json:"atr_based_sl,omitempty"`
	PercentageSL      float64       `json:"percentage_sl"`
	SupportBasedSL    *float64      `json:"support_based_sl,omitempty"`
	RecommendedSL     float64       `json:"recommended_sl"`
	RecommendedSource string        `json:"recommended_source"`
	RecommendedTarget float64       `json:"recommended_target"`
	Reasoning         string        `json:"reasoning"`
	SLRiskAmount      float64       `json:"sl_risk_amount"`
	SLRiskPercent     float64       `json:"sl_risk_percent"`
}

// RiskParams 止损建议参数
type RiskParams struct {
	ATRMultiplier   float64
	ATRPeriod       int
	StopLossPercent float64 // 小数，0.02 表示 2%
	RiskReward      float64
}

// PositionReader 只读持仓
type PositionReader interface {
	Get(symbol string) (*position.Position, bool)
}

// StopLossSetter 持仓止损止盈写入（经写入协程调用）
type StopLossSetter interface {
	SetStopLoss(symbol string, price float64, trailing bool) (*position.Position, error)
	SetTarget(symbol string, price float64) (*position.Position, error)
}

// ApplyRequest 应用止损请求
type ApplyRequest struct {
	Symbol      string   `json:"symbol"`
	SLType      string   `json:"sl_type"`
	SLPrice     *float64 `json:"sl_price,omitempty"` // SLType 为 custom 时必填
	Trailing    bool     `json:"trailing"`
	ApplyTarget bool     `json:"apply_target"` // 同时设置建议止盈
}

// StopLossRecommender 止损建议器，只读持仓，应用时只修改持仓的止损价，不下单
type StopLossRecommender struct {
	positions PositionReader
	setter    StopLossSetter
	writer    order.Applier
	candles   *CandleBook
	levels    *LevelsBook

	mu     sync.RWMutex
	params RiskParams
}

// NewStopLossRecommender 创建止损建议器
func NewStopLossRecommender(params RiskParams, positions PositionReader, setter StopLossSetter, writer order.Applier, candles *CandleBook, levels *LevelsBook) *StopLossRecommender {
	r := &StopLossRecommender{
		positions: positions,
		setter:    setter,
		writer:    writer,
		candles:   candles,
		levels:    levels,
	}
	r.SetParams(params)
	return r
}

// SetParams 更新参数（热更新），非法值使用默认值
func (r *StopLossRecommender) SetParams(p RiskParams) {
	if p.ATRMultiplier <= 0 {
		p.ATRMultiplier = 1.5
	}
	if p.ATRPeriod <= 0 {
		p.ATRPeriod = 14
	}
	if p.StopLossPercent <= 0 || p.StopLossPercent >= 1 {
		p.StopLossPercent = 0.02
	}
	if p.RiskReward <= 0 {
		p.RiskReward = 2
	}
	r.mu.Lock()
	r.params = p
	r.mu.Unlock()
}

// Params 当前参数
func (r *StopLossRecommender) Params() RiskParams {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.params
}

// Recommend 计算持仓的止损止盈建议
// 多头取候选中最高者，空头取最低者；百分比止损总是可用
func (r *StopLossRecommender) Recommend(symbol string) (*SLRecommendation, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	p, ok := r.positions.Get(symbol)
	if !ok {
		return nil, &liveerr.NotFoundError{Object: "持仓", ID: symbol}
	}
	params := r.Params()

	entry := decimal.NewFromFloat(p.EntryPrice)
	long := p.Side == position.SideLong
	sign := decimal.NewFromInt(p.Side.Sign())

	rec := &SLRecommendation{
		Symbol:       p.Symbol,
		Side:         p.Side,
		Quantity:     p.AbsQuantity(),
		EntryPrice:   p.EntryPrice,
		CurrentPrice: p.CurrentPrice,
	}
	var reasons []string

	// 百分比：entry × (1 ∓ pct)
	pct := decimal.NewFromFloat(params.StopLossPercent)
	percentage := entry.Mul(decimal.NewFromInt(1).Sub(pct.Mul(sign)))
	rec.PercentageSL = round2(percentage)
	best, source := percentage, SLTypePercentage
	reasons = append(reasons, fmt.Sprintf("百分比止损 %.2f%% = %.2f", params.StopLossPercent*100, rec.PercentageSL))

	// ATR：entry ∓ multiplier × ATR
	if r.candles != nil {
		atr := indicators.NewATR(params.ATRPeriod).CurrentATR(r.candles.Get(p.Symbol))
		if atr > 0 {
			offset := decimal.NewFromFloat(params.ATRMultiplier).Mul(decimal.NewFromFloat(atr))
			candidate := entry.Sub(offset.Mul(sign))
			if candidate.IsPositive() {
				v := round2(candidate)
				rec.ATR = round2(decimal.NewFromFloat(atr))
				rec.ATRBasedSL = &v
				reasons = append(reasons, fmt.Sprintf("ATR(%d)=%.2f × %.1f 止损 %.2f", params.ATRPeriod, rec.ATR, params.ATRMultiplier, v))
				if tighter(candidate, best, long) {
					best, source = candidate, SLTypeATR
				}
			}
		} else {
			reasons = append(reasons, "K线不足，无 ATR 止损")
		}
	}

	// 支撑/阻力：多头取参考价下方最近支撑，空头取上方最近阻力
	if r.levels != nil {
		ref := p.CurrentPrice
		if ref <= 0 {
			ref = p.EntryPrice
		}
		if lv, ok := r.levels.Get(p.Symbol); ok {
			var level float64
			var found bool
			if long {
				level, found = lv.NearestSupport(ref)
			} else {
				level, found = lv.NearestResistance(ref)
			}
			if found {
				v := round2(decimal.NewFromFloat(level))
				rec.SupportBasedSL = &v
				name := "支撑位"
				if !long {
					name = "阻力位"
				}
				reasons = append(reasons, fmt.Sprintf("最近%s %.2f", name, v))
				if tighter(decimal.NewFromFloat(level), best, long) {
					best, source = decimal.NewFromFloat(level), SLTypeSupport
				}
			}
		}
		if rec.SupportBasedSL == nil {
			reasons = append(reasons, "无可用技术位")
		}
	}

	rec.RecommendedSL = round2(best)
	rec.RecommendedSource = source
	r.fillRisk(rec, params)
	reasons = append(reasons, fmt.Sprintf("%s取最%s者: %.2f (%s)", sideName(long), tightWord(long), rec.RecommendedSL, source))
	rec.Reasoning = strings.Join(reasons, "；")
	return rec, nil
}

// fillRisk 计算风险金额、风险比例和建议止盈
func (r *StopLossRecommender) fillRisk(rec *SLRecommendation, params RiskParams) {
	entry := decimal.NewFromFloat(rec.EntryPrice)
	sl := decimal.NewFromFloat(rec.RecommendedSL)
	qty := decimal.NewFromInt(rec.Quantity)
	distance := entry.Sub(sl).Abs()

	amount := distance.Mul(qty)
	rec.SLRiskAmount = round2(amount)
	if notional := entry.Mul(qty); notional.IsPositive() {
		rec.SLRiskPercent = round2(amount.Div(notional).Mul(decimal.NewFromInt(100)))
	}

	reward := distance.Mul(decimal.NewFromFloat(params.RiskReward))
	if rec.Side == position.SideLong {
		rec.RecommendedTarget = round2(entry.Add(reward))
	} else {
		rec.RecommendedTarget = round2(entry.Sub(reward))
	}
}

// Apply 把选定的止损价写入持仓，不会向券商下单
func (r *StopLossRecommender) Apply(ctx context.Context, req *ApplyRequest) (*position.Position, error) {
	if req == nil {
		return nil, liveerr.NewValidation("", "请求为空")
	}
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	req.SLType = strings.ToLower(strings.TrimSpace(req.SLType))
	if req.SLType == "" {
		req.SLType = SLTypeRecommended
	}

	rec, err := r.Recommend(req.Symbol)
	if err != nil {
		return nil, err
	}

	var price float64
	switch req.SLType {
	case SLTypeRecommended:
		price = rec.RecommendedSL
	case SLTypePercentage:
		price = rec.PercentageSL
	case SLTypeATR:
		if rec.ATRBasedSL == nil {
			return nil, liveerr.NewValidation("sl_type", "K线不足，无法计算 ATR 止损")
		}
		price = *rec.ATRBasedSL
	case SLTypeSupport:
		if rec.SupportBasedSL == nil {
			return nil, liveerr.NewValidation("sl_type", "没有可用的支撑/阻力位")
		}
		price = *rec.SupportBasedSL
	case SLTypeCustom:
		if req.SLPrice == nil || *req.SLPrice <= 0 {
			return nil, liveerr.NewValidation("sl_price", "自定义止损必须大于0")
		}
		price = *req.SLPrice
	default:
		return nil, liveerr.NewValidation("sl_type", fmt.Sprintf("未知止损类型 %s", req.SLType))
	}

	ref := rec.CurrentPrice
	if ref <= 0 {
		ref = rec.EntryPrice
	}
	if rec.Side == position.SideLong && price >= ref {
		return nil, liveerr.NewValidation("sl_price", fmt.Sprintf("多头止损 %.2f 必须低于当前价 %.2f", price, ref))
	}
	if rec.Side == position.SideShort && price <= ref {
		return nil, liveerr.NewValidation("sl_price", fmt.Sprintf("空头止损 %.2f 必须高于当前价 %.2f", price, ref))
	}

	var (
		updated *position.Position
		setErr  error
	)
	if err := r.writer.Do(ctx, func() {
		updated, setErr = r.setter.SetStopLoss(req.Symbol, price, req.Trailing)
		if setErr == nil && req.ApplyTarget && rec.RecommendedTarget > 0 {
			updated, setErr = r.setter.SetTarget(req.Symbol, rec.RecommendedTarget)
		}
	}); err != nil {
		return nil, err
	}
	if setErr != nil {
		return nil, setErr
	}

	logger.Info("🛡️ [止损] %s 设置止损 %.2f (%s, trailing=%v)", req.Symbol, price, req.SLType, req.Trailing)
	return updated, nil
}

// tighter 多头止损越高越紧，空头越低越紧
func tighter(candidate, current decimal.Decimal, long bool) bool {
	if long {
		return candidate.GreaterThan(current)
	}
	return candidate.LessThan(current)
}

func round2(d decimal.Decimal) float64 {
	return d.Round(2).InexactFloat64()
}

func sideName(long bool) string {
	if long {
		return "多头"
	}
	return "空头"
}

func tightWord(long bool) string {
	if long {
		return "高"
	}
	return "低"
}

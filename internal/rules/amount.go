package rules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"AutoTip/internal/agent"
	"AutoTip/internal/event"
)

// 动态金额的默认参数。
const (
	DefaultMetric    = "likes"
	DefaultDivisor   = "1000"
	DefaultBonusRate = "0.01"
	DefaultMaxBonus  = "0.01"
)

var hundred = decimal.NewFromInt(100)

// CalculateAmount 按金额配置计算最小计价单位的整数金额，不足一个单位的部分截断。
func CalculateAmount(spec agent.AmountSpec, ev *event.Event, decimals int32) (decimal.Decimal, error) {
	var (
		amount decimal.Decimal
		err    error
	)
	switch spec.Type {
	case agent.AmountFixed:
		amount, err = parseTokens("value", spec.Value, "")
	case agent.AmountDynamic:
		amount, err = dynamicAmount(spec, ev)
	case agent.AmountPercentage:
		amount, err = percentageAmount(spec)
	case "":
		return decimal.Zero, errors.New("amount type is required")
	default:
		return decimal.Zero, fmt.Errorf("unsupported amount type %q", spec.Type)
	}
	if err != nil {
		return decimal.Zero, err
	}
	if amount.IsNegative() {
		return decimal.Zero, fmt.Errorf("amount %s is negative", amount)
	}
	return amount.Shift(decimals).Truncate(0), nil
}

// dynamicAmount 计算 base + min(metric/divisor*bonusRate, maxBonus)，缺少指标时只返回 base。
func dynamicAmount(spec agent.AmountSpec, ev *event.Event) (decimal.Decimal, error) {
	base, err := parseTokens("value", spec.Value, "")
	if err != nil {
		return decimal.Zero, err
	}
	divisor, err := parseTokens("divisor", spec.Divisor, DefaultDivisor)
	if err != nil {
		return decimal.Zero, err
	}
	if !divisor.IsPositive() {
		return decimal.Zero, errors.New("divisor must be positive")
	}
	rate, err := parseTokens("bonusRate", spec.BonusRate, DefaultBonusRate)
	if err != nil {
		return decimal.Zero, err
	}
	maxBonus, err := parseTokens("maxBonus", spec.MaxBonus, DefaultMaxBonus)
	if err != nil {
		return decimal.Zero, err
	}

	metric := strings.TrimSpace(spec.Metric)
	if metric == "" {
		metric = DefaultMetric
	}
	value, ok := ev.Metric(metric)
	if !ok || !value.IsPositive() {
		return base, nil
	}
	bonus := value.Div(divisor).Mul(rate)
	if bonus.GreaterThan(maxBonus) {
		bonus = maxBonus
	}
	return base.Add(bonus), nil
}

// percentageAmount 计算 value% × base，未配置 base 时以一个完整代币为基数。
func percentageAmount(spec agent.AmountSpec) (decimal.Decimal, error) {
	pct, err := parseTokens("value", spec.Value, "")
	if err != nil {
		return decimal.Zero, err
	}
	base, err := parseTokens("base", spec.Base, "1")
	if err != nil {
		return decimal.Zero, err
	}
	return pct.Div(hundred).Mul(base), nil
}

func parseTokens(name, raw, fallback string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = fallback
	}
	if raw == "" {
		return decimal.Zero, fmt.Errorf("%s is required", name)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q", name, raw)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%s must not be negative", name)
	}
	return d, nil
}

package domain

import "github.com/shopspring/decimal"

// FeePolicy fee = fixed + clamp(amount*rate, amount*minRate, amount*maxRate)
type FeePolicy struct {
	Fixed        decimal.Decimal
	Rate         decimal.Decimal
	MinRate      decimal.Decimal
	MaxRate      decimal.Decimal
	ProviderCost decimal.Decimal // 链上实际成本，只用于统计利润
}

func DefaultFeePolicy() FeePolicy {
	return FeePolicy{
		Fixed:        decimal.NewFromInt(2),
		Rate:         decimal.RequireFromString("0.01"),
		MinRate:      decimal.RequireFromString("0.01"),
		MaxRate:      decimal.RequireFromString("0.05"),
		ProviderCost: decimal.NewFromInt(1),
	}
}

func (p FeePolicy) Fee(amount decimal.Decimal) decimal.Decimal {
	pct := amount.Mul(p.Rate)
	lo, hi := amount.Mul(p.MinRate), amount.Mul(p.MaxRate)
	if pct.LessThan(lo) {
		pct = lo
	}
	if pct.GreaterThan(hi) {
		pct = hi
	}
	return p.Fixed.Add(pct)
}

// Split 返回手续费和到账金额，net <= 0 时返回 ErrFeeExceedsAmount
func (p FeePolicy) Split(amount decimal.Decimal) (fee, net decimal.Decimal, err error) {
	fee = p.Fee(amount)
	net = amount.Sub(fee)
	if !net.IsPositive() {
		return fee, net, ErrFeeExceedsAmount
	}
	return fee, net, nil
}

package currency

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// 金额保留两位小数
const amountScale = 2

// 反向汇率计算精度
const inverseScale = 16

// Pair 币种对，Base -> Target
type Pair struct {
	Base   string
	Target string
}

func (p Pair) String() string {
	return p.Base + "/" + p.Target
}

// Rate 一条汇率：1 Base = Value Target
type Rate struct {
	Base   string          `json:"baseCurrency"`
	Target string          `json:"targetCurrency"`
	Value  decimal.Decimal `json:"rate"`
}

func (r Rate) Pair() Pair {
	return Pair{Base: r.Base, Target: r.Target}
}

// RateTable 当前生效的汇率快照
type RateTable map[Pair]decimal.Decimal

// NewRateTable 由汇率列表构造快照，币种代码统一转为大写
func NewRateTable(rates []Rate) (RateTable, error) {
	table := make(RateTable, len(rates))
	for _, r := range rates {
		base, err := NormalizeCode(r.Base)
		if err != nil {
			return nil, err
		}
		target, err := NormalizeCode(r.Target)
		if err != nil {
			return nil, err
		}
		if !r.Value.IsPositive() {
			return nil, fmt.Errorf("rate %s/%s must be positive, got %s", base, target, r.Value)
		}
		table[Pair{Base: base, Target: target}] = r.Value
	}
	return table, nil
}

// Lookup 查找 from -> to 的汇率，仅存在反向汇率时取倒数
func (t RateTable) Lookup(from, to string) (decimal.Decimal, bool) {
	if rate, ok := t[Pair{Base: from, Target: to}]; ok {
		return rate, true
	}
	if rate, ok := t[Pair{Base: to, Target: from}]; ok && !rate.IsZero() {
		return decimal.NewFromInt(1).DivRound(rate, inverseScale), true
	}
	return decimal.Decimal{}, false
}

// Rates 展开为列表
func (t RateTable) Rates() []Rate {
	rates := make([]Rate, 0, len(t))
	for pair, value := range t {
		rates = append(rates, Rate{Base: pair.Base, Target: pair.Target, Value: value})
	}
	return rates
}

// NormalizeCode 去空格并转大写，要求三位字母
func NormalizeCode(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) != 3 {
		return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
	}
	for _, c := range code {
		if c < 'A' || c > 'Z' {
			return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
		}
	}
	return code, nil
}

// Convert 按快照将金额从 from 换算为 to，结果保留两位小数
// 同币种直接返回；缺少汇率返回 ErrRateNotFound，不会静默返回原金额
func Convert(amount decimal.Decimal, from, to string, rates RateTable) (decimal.Decimal, error) {
	from, err := NormalizeCode(from)
	if err != nil {
		return decimal.Decimal{}, err
	}
	to, err = NormalizeCode(to)
	if err != nil {
		return decimal.Decimal{}, err
	}

	if from == to {
		return amount.Round(amountScale), nil
	}

	rate, ok := rates.Lookup(from, to)
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: %s/%s", ErrRateNotFound, from, to)
	}

	return amount.Mul(rate).Round(amountScale), nil
}

package currency

import "errors"

var (
	// ErrRateNotFound 缺少所需币种对的汇率
	ErrRateNotFound = errors.New("exchange rate not found")

	// ErrInvalidCurrency 币种代码不是三位字母
	ErrInvalidCurrency = errors.New("invalid currency code")
)

package ledger

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/qiuyier/ledger-sync/internal/currency"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("record not found")

// User 账本用户，BaseCurrency 为记账本位币
type User struct {
	ID           uuid.UUID
	Email        string
	BaseCurrency string
}

// TransactionGroup 交易分组
type TransactionGroup struct {
	ID     uuid.UUID
	UserID uuid.UUID
	Name   string
}

// Transaction 单笔交易
type Transaction struct {
	ID       uuid.UUID
	UserID   uuid.UUID
	Name     string
	Amount   decimal.Decimal
	Currency string
	GroupID  *uuid.UUID
}

// AssignGroup 设置分组，分组未变化时返回 false
func (t *Transaction) AssignGroup(groupID uuid.UUID) bool {
	if t.GroupID != nil && *t.GroupID == groupID {
		return false
	}
	id := groupID
	t.GroupID = &id
	return true
}

// Normalize 换算到本位币；已是本位币时不做任何修改
func (t *Transaction) Normalize(base string, rates currency.RateTable) (bool, error) {
	from, err := currency.NormalizeCode(t.Currency)
	if err != nil {
		return false, err
	}
	to, err := currency.NormalizeCode(base)
	if err != nil {
		return false, err
	}
	if from == to {
		return false, nil
	}

	amount, err := currency.Convert(t.Amount, from, to, rates)
	if err != nil {
		return false, fmt.Errorf("normalize transaction %s: %w", t.ID, err)
	}

	t.Amount = amount
	t.Currency = to
	return true, nil
}

// NeedsNormalization 是否存在非本位币交易
func NeedsNormalization(base string, txs []Transaction) bool {
	base, err := currency.NormalizeCode(base)
	if err != nil {
		return true
	}
	for _, tx := range txs {
		code, err := currency.NormalizeCode(tx.Currency)
		if err != nil || code != base {
			return true
		}
	}
	return false
}

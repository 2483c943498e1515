package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/qiuyier/ledger-sync/internal/currency"
	"github.com/qiuyier/ledger-sync/internal/ledger"
)

type UserModel struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	Email        string    `gorm:"size:255;not null;uniqueIndex"`
	BaseCurrency string    `gorm:"size:3;not null"`
	CreatedAt    time.Time
}

func (UserModel) TableName() string { return "users" }

type TransactionGroupModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID    uuid.UUID `gorm:"type:uuid;not null;index"`
	Name      string    `gorm:"size:255;not null"`
	CreatedAt time.Time
}

func (TransactionGroupModel) TableName() string { return "transaction_groups" }

type TransactionModel struct {
	ID        uuid.UUID       `gorm:"type:uuid;primaryKey"`
	UserID    uuid.UUID       `gorm:"type:uuid;not null;index"`
	Name      string          `gorm:"size:255;not null"`
	Amount    decimal.Decimal `gorm:"type:numeric(18,2);not null"`
	Currency  string          `gorm:"size:3;not null"`
	GroupID   *uuid.UUID      `gorm:"type:uuid"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (TransactionModel) TableName() string { return "transactions" }

// ExchangeRateModel ExpiresAt 为空表示当前生效
type ExchangeRateModel struct {
	ID             uuid.UUID       `gorm:"type:uuid;primaryKey"`
	BaseCurrency   string          `gorm:"size:3;not null;uniqueIndex:idx_exchange_rates_active_pair,where:expires_at IS NULL"`
	TargetCurrency string          `gorm:"size:3;not null;uniqueIndex:idx_exchange_rates_active_pair,where:expires_at IS NULL"`
	Rate           decimal.Decimal `gorm:"type:numeric(20,10);not null"`
	CreatedAt      time.Time
	ExpiresAt      *time.Time `gorm:"index"`
}

func (ExchangeRateModel) TableName() string { return "exchange_rates" }

func (m *UserModel) toDomain() *ledger.User {
	return &ledger.User{ID: m.ID, Email: m.Email, BaseCurrency: m.BaseCurrency}
}

func (m *TransactionGroupModel) toDomain() ledger.TransactionGroup {
	return ledger.TransactionGroup{ID: m.ID, UserID: m.UserID, Name: m.Name}
}

func (m *TransactionModel) toDomain() ledger.Transaction {
	return ledger.Transaction{
		ID:       m.ID,
		UserID:   m.UserID,
		Name:     m.Name,
		Amount:   m.Amount,
		Currency: m.Currency,
		GroupID:  m.GroupID,
	}
}

func (m *ExchangeRateModel) toDomain() currency.Rate {
	return currency.Rate{Base: m.BaseCurrency, Target: m.TargetCurrency, Value: m.Rate}
}

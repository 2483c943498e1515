package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/qiuyier/ledger-sync/internal/ledger"
)

// LedgerRepository 用户、分组和交易
type LedgerRepository struct {
	db *gorm.DB
}

func NewLedgerRepository(db *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// GetUser 用户不存在时返回 ledger.ErrNotFound
func (r *LedgerRepository) GetUser(ctx context.Context, id uuid.UUID) (*ledger.User, error) {
	var model UserModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("user %s: %w", id, ledger.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load user %s: %w", id, err)
	}
	return model.toDomain(), nil
}

func (r *LedgerRepository) ListTransactions(ctx context.Context, userID uuid.UUID) ([]ledger.Transaction, error) {
	var models []TransactionModel
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("load transactions: %w", err)
	}

	txs := make([]ledger.Transaction, 0, len(models))
	for i := range models {
		txs = append(txs, models[i].toDomain())
	}
	return txs, nil
}

func (r *LedgerRepository) ListGroups(ctx context.Context, userID uuid.UUID) ([]ledger.TransactionGroup, error) {
	var models []TransactionGroupModel
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("name ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("load transaction groups: %w", err)
	}

	groups := make([]ledger.TransactionGroup, 0, len(models))
	for i := range models {
		groups = append(groups, models[i].toDomain())
	}
	return groups, nil
}

// SaveTransactions 在一个事务内写回分组、金额和币种
func (r *LedgerRepository) SaveTransactions(ctx context.Context, txs []ledger.Transaction) error {
	if len(txs) == 0 {
		return nil
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, t := range txs {
			res := tx.Model(&TransactionModel{}).
				Where("id = ? AND user_id = ?", t.ID, t.UserID).
				Updates(map[string]any{
					"group_id": t.GroupID,
					"amount":   t.Amount,
					"currency": t.Currency,
				})
			if res.Error != nil {
				return fmt.Errorf("update transaction %s: %w", t.ID, res.Error)
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("update transaction %s: %w", t.ID, ledger.ErrNotFound)
			}
		}
		return nil
	})
}

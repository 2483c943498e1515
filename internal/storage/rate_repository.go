package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/qiuyier/ledger-sync/internal/currency"
)

// RateRepository 汇率表，只由同步任务写入
type RateRepository struct {
	db *gorm.DB
}

func NewRateRepository(db *gorm.DB) *RateRepository {
	return &RateRepository{db: db}
}

// ReplaceActive 在同一事务内将当前生效汇率全部置为过期并写入新的一批
// 任一步失败整体回滚，读者不会看到“没有生效汇率”的中间状态
func (r *RateRepository) ReplaceActive(ctx context.Context, rates []currency.Rate, now time.Time) error {
	models := make([]ExchangeRateModel, 0, len(rates))
	for _, rate := range rates {
		models = append(models, ExchangeRateModel{
			ID:             uuid.New(),
			BaseCurrency:   rate.Base,
			TargetCurrency: rate.Target,
			Rate:           rate.Value,
			CreatedAt:      now,
		})
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		expired := tx.Model(&ExchangeRateModel{}).
			Where("expires_at IS NULL").
			Update("expires_at", now)
		if expired.Error != nil {
			return fmt.Errorf("expire active rates: %w", expired.Error)
		}

		if len(models) == 0 {
			return nil
		}

		if err := tx.CreateInBatches(&models, 100).Error; err != nil {
			return fmt.Errorf("insert rates: %w", err)
		}
		return nil
	})
}

// ActiveRates 读取当前生效的汇率快照
func (r *RateRepository) ActiveRates(ctx context.Context) (currency.RateTable, error) {
	var models []ExchangeRateModel
	if err := r.db.WithContext(ctx).
		Where("expires_at IS NULL").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("load active rates: %w", err)
	}

	rates := make([]currency.Rate, 0, len(models))
	for i := range models {
		rates = append(rates, models[i].toDomain())
	}
	return currency.NewRateTable(rates)
}
